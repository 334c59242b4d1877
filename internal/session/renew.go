package session

import (
	"context"
	"time"

	"remora/internal/authz"
	"remora/internal/log"
	"remora/internal/subtitle"
)

const (
	// renewSafetyMargin is how long before expiry a proactive renewal
	// fires.
	renewSafetyMargin = 120 * time.Second
	// renewMinDelay is the floor on the proactive-renewal timer.
	renewMinDelay = 10 * time.Second
	// renewRateLimit spaces consecutive renewal attempts.
	renewRateLimit = 3 * time.Second
	// renewTimeout bounds one renewal exchange.
	renewTimeout = 15 * time.Second
)

// renewalDelay computes the proactive-renewal timer: renew 2 minutes
// before expiry, but never sooner than 10 seconds from now.
func renewalDelay(expiryEpoch, nowEpoch int64) time.Duration {
	d := time.Duration(expiryEpoch-nowEpoch)*time.Second - renewSafetyMargin
	if d < renewMinDelay {
		d = renewMinDelay
	}
	return d
}

// scheduleRenewal arms the proactive-renewal timer for the given expiry.
// Sessions without an expiry get no renewal path.
func (e *Engine) scheduleRenewal(expiryEpoch int64) {
	stopTimer(&e.renewTimer)
	if expiryEpoch <= 0 {
		return
	}
	d := renewalDelay(expiryEpoch, e.now().Unix())
	e.renewTimer = e.after(d, func() {
		if e.closed || e.failed {
			return
		}
		e.renew("scheduled", nil)
	})
}

// renew performs one authorization renewal. Single-flight: a renewal
// already in progress makes this a no-op, as does an attempt within the
// rate-limit window. done, when non-nil, receives the outcome on the
// engine goroutine; it is not called when the request was elided.
//
// On success the session's source is replaced in place (never queued), the
// schedule re-arms, subtitle URLs are rebuilt against the new signed base,
// and a restore is registered at the pre-renewal snapshot so the reload
// lands where the user was. On failure the stale source stays; retrying is
// the error state machine's job, never this function's.
func (e *Engine) renew(reason string, done func(error)) {
	if e.renewInFlight {
		return
	}
	if !e.lastRenewAt.IsZero() && e.now().Sub(e.lastRenewAt) < renewRateLimit {
		return
	}
	e.renewInFlight = true
	e.lastRenewAt = e.now()

	snap := e.snapshot()
	titleID, profileID := e.sess.titleID, e.sess.profileID
	device, allow4K := e.device, e.cfg.Allow4K

	log.WithComponent("session").Info().
		Str("reason", reason).
		Float64("snapshot", snap).
		Msg("renewing authorization")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
		defer cancel()
		grant, err := e.auth.Resolve(ctx, titleID, profileID, device, allow4K)
		e.post(func() { e.renewDone(reason, snap, grant, err, done) })
	}()
}

func (e *Engine) renewDone(reason string, snap float64, grant *authz.Grant, err error, done func(error)) {
	e.renewInFlight = false
	// A renewal landing after teardown must not touch the destroyed
	// backend or re-arm any timer.
	if e.closed || e.failed {
		return
	}
	if err != nil {
		log.WithComponent("session").Warn().Err(err).
			Str("reason", reason).
			Msg("authorization renewal failed")
		if done != nil {
			done(err)
		}
		return
	}

	e.sess.sourceURL = grant.MasterURL
	e.sess.thumbsURL = grant.ThumbnailsURL
	e.sess.expiryEpoch = grant.ExpiryEpoch
	e.sess.subtitles = subtitle.Rebuild(e.sess.subtitles, grant.MasterURL)
	e.scheduleRenewal(grant.ExpiryEpoch)

	// Clear any lingering "session expired" status line.
	e.emit(StatusUpdate{Message: ""})

	e.guard.scheduleRestore("token-refresh:"+reason, snap, restoreOptions{})
	e.reloadAt(snap)

	log.WithComponent("session").Info().
		Str("reason", reason).
		Int64("expiry", grant.ExpiryEpoch).
		Msg("authorization renewed")
	if done != nil {
		done(nil)
	}
}

// handleProfileChanged reacts to the process-wide profile switch signal:
// the session re-resolves its grant under the new profile without a full
// restart. A gate refusal pauses playback and suppresses progress saves
// until a permitted profile returns.
func (e *Engine) handleProfileChanged(profileID string) {
	if e.closed || e.failed || profileID == e.sess.profileID {
		return
	}
	log.WithComponent("session").Info().
		Str("profile", profileID).
		Msg("active profile changed, re-resolving authorization")

	e.sess.profileID = profileID
	e.track.profile = profileID
	e.rep.profile = profileID

	snap := e.snapshot()
	titleID := e.sess.titleID
	device, allow4K := e.device, e.cfg.Allow4K

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), renewTimeout)
		defer cancel()
		grant, err := e.auth.Resolve(ctx, titleID, profileID, device, allow4K)
		e.post(func() { e.profileResolveDone(snap, grant, err) })
	}()
}

func (e *Engine) profileResolveDone(snap float64, grant *authz.Grant, err error) {
	if e.closed || e.failed {
		return
	}
	if err != nil {
		if authz.IsGateBlocked(err) {
			e.sess.gateBlocked = true
			e.track.suppressed = true
			e.be.Pause()
			e.emit(StatusUpdate{Message: "playback not permitted for this profile"})
			return
		}
		log.WithComponent("session").Warn().Err(err).Msg("profile re-resolve failed")
		return
	}

	e.sess.gateBlocked = false
	e.track.suppressed = !e.sess.introDone
	e.emit(StatusUpdate{Message: ""})
	e.renewDone("profile-changed", snap, grant, nil, nil)
}
