package session

import (
	"context"
	"time"

	"remora/internal/config"
	"remora/internal/log"
	"remora/internal/media"
	"remora/internal/store"
)

// saveWriteTimeout bounds one progress write. Writes are fire-and-forget;
// a slow disk must never stall the engine goroutine.
const saveWriteTimeout = 5 * time.Second

// tracker persists the watch position on a throttled cadence. Its fields
// are owned by the engine goroutine; only the store writes leave it.
type tracker struct {
	cfg config.Tracker
	st  store.Progress
	now func() time.Time

	user    string
	profile string
	video   string

	// suppressed blocks saves while the gate refuses playback or the
	// intro has not finished, so a half-watched bumper cannot overwrite a
	// real resume point.
	suppressed bool

	lastSavedAt  time.Time
	lastSavedPos int64
	savedOnce    bool
}

// save persists the current position. Positions are floored to whole
// seconds. When the title ended, or fewer than the end-credits window
// remains, the saved position collapses to zero so a finished title
// restarts instead of resuming into the credits. Unforced saves are
// throttled: skipped when the save interval has not elapsed and the
// position moved less than the minimum delta.
func (t *tracker) save(position, duration float64, force, ended bool) {
	if t.suppressed {
		return
	}
	if position < 0 {
		position = 0
	}
	pos := int64(position)
	if ended || (duration > 0 && duration-position < float64(t.cfg.EndCreditsSec)) {
		pos = 0
	}

	if !force && t.savedOnce {
		sinceLast := t.now().Sub(t.lastSavedAt)
		delta := pos - t.lastSavedPos
		if delta < 0 {
			delta = -delta
		}
		if sinceLast < time.Duration(t.cfg.SaveIntervalSec)*time.Second &&
			delta < int64(t.cfg.MinDeltaSec) {
			return
		}
	}
	t.lastSavedAt = t.now()
	t.lastSavedPos = pos
	t.savedOnce = true

	rec := media.ProgressRecord{
		UserID:    t.user,
		ProfileID: t.profile,
		VideoID:   t.video,
		Position:  pos,
		UpdatedAt: t.now().Unix(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), saveWriteTimeout)
		defer cancel()
		if err := t.st.UpsertProgress(ctx, rec); err != nil {
			log.WithComponent("tracker").Warn().Err(err).
				Str("video", rec.VideoID).
				Msg("progress save failed")
		}
	}()
}

// introFlagKey marks a title's intro/bumper as watched on this device.
func introFlagKey(titleID string) string {
	return "intro.done." + titleID
}

// introFinished reports whether this title's intro was already watched.
func (t *tracker) introFinished(ctx context.Context, flags store.KV, titleID string) bool {
	_, ok, err := flags.GetFlag(ctx, introFlagKey(titleID))
	if err != nil {
		log.WithComponent("tracker").Warn().Err(err).Msg("reading intro flag")
		return false
	}
	return ok
}

// markIntroFinished durably records that the intro played through.
func (t *tracker) markIntroFinished(flags store.KV, titleID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), saveWriteTimeout)
		defer cancel()
		if err := flags.SetFlag(ctx, introFlagKey(titleID), "1"); err != nil {
			log.WithComponent("tracker").Warn().Err(err).Msg("writing intro flag")
		}
	}()
}
