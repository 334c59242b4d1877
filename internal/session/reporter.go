package session

import (
	"context"
	"time"

	"remora/internal/config"
	"remora/internal/log"
	"remora/internal/media"
	"remora/internal/store"
)

// deviceIDFlag is where the durable device identity lives in the flag
// store. Lifetime is per device installation, not per session.
const deviceIDFlag = "device.id"

// registerDevice admits this installation under the account's device
// ceiling, reusing the durable device ID when one exists. Limit and
// revocation failures pass through untouched; they are account-level
// errors the caller surfaces without retrying.
func registerDevice(ctx context.Context, devices store.Devices, flags store.KV, label, platform string) (string, error) {
	saved, _, err := flags.GetFlag(ctx, deviceIDFlag)
	if err != nil {
		log.WithComponent("reporter").Warn().Err(err).Msg("reading device id flag")
	}
	id, err := devices.RegisterDevice(ctx, saved, label, platform)
	if err != nil {
		return "", err
	}
	if id != saved {
		if err := flags.SetFlag(ctx, deviceIDFlag, id); err != nil {
			log.WithComponent("reporter").Warn().Err(err).Msg("persisting device id")
		}
	}
	return id, nil
}

// reporter publishes "this device is playing title X" records. Owned by
// the engine goroutine; store writes are fire-and-forget.
type reporter struct {
	cfg config.Reporter
	st  store.Devices
	now func() time.Time

	deviceID string
	profile  string
	title    string

	reported    bool
	lastPlaying bool
	lastAt      time.Time
}

// report upserts the device-session record. Duplicate reports (same
// playing state within the dedupe window) are collapsed unless forced.
func (r *reporter) report(playing, force bool) {
	if !force && r.reported && playing == r.lastPlaying &&
		r.now().Sub(r.lastAt) < time.Duration(r.cfg.DedupeSec)*time.Second {
		return
	}
	r.reported = true
	r.lastPlaying = playing
	r.lastAt = r.now()

	s := media.DeviceSession{
		DeviceID:  r.deviceID,
		ProfileID: r.profile,
		TitleID:   r.title,
		IsPlaying: playing,
		LastSeen:  r.now().Unix(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), saveWriteTimeout)
		defer cancel()
		if err := r.st.UpsertSession(ctx, s); err != nil {
			log.WithComponent("reporter").Warn().Err(err).
				Str("device", s.DeviceID).
				Msg("session report failed")
		}
	}()
}

// heartbeat republishes the current state so last_seen stays fresh while
// the session is active.
func (r *reporter) heartbeat(playing bool) {
	r.report(playing, true)
}
