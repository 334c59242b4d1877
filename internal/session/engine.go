package session

import (
	"fmt"
	"net/http"
	"time"

	"remora/internal/backend"
	"remora/internal/log"
	"remora/internal/media"
)

// maxRetryAttempts bounds the transient-network retry sequence. Attempt
// six is never scheduled; the session goes fatal instead.
const maxRetryAttempts = 5

// retryDelay is the bounded exponential backoff for transient network
// failures: 1s, 2s, 4s, 8s, then capped at 15s.
func retryDelay(attempt int) time.Duration {
	d := time.Duration(1000<<(attempt-1)) * time.Millisecond
	if d > 15*time.Second {
		d = 15 * time.Second
	}
	return d
}

// retryableStatus reports whether an HTTP status is worth a bounded
// retry sequence: upstream hiccups that tend to clear on their own.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (e *Engine) handleBackendEvent(ev backend.Event) {
	if e.closed {
		return
	}
	switch ev := ev.(type) {
	case backend.StateEvent:
		e.handleState(ev)
	case backend.ReadyEvent:
		e.handleReady(ev)
	case backend.RenditionsEvent:
		e.handleRenditions(ev)
	case backend.TracksEvent:
		e.sess.tracks.Audio = ev.SelectedAudio
		e.emit(TracksUpdate{
			Audio:         ev.Audio,
			Text:          ev.Text,
			SelectedAudio: ev.SelectedAudio,
			SelectedText:  e.sess.tracks.Text,
		})
	case backend.ErrorEvent:
		e.handleError(ev)
	case backend.EndedEvent:
		e.handleEnded()
	}
}

func (e *Engine) handleState(ev backend.StateEvent) {
	wasPlaying := e.sess.playing
	e.sess.position = ev.Position
	if ev.Duration > 0 {
		e.sess.duration = ev.Duration
	}
	e.sess.playing = ev.IsPlaying

	e.guard.observe(ev.Position, e.sess.duration, ev.IsPlaying)

	if !e.sess.introDone && ev.IsPlaying && ev.Position > 0 {
		e.sess.introDone = true
		e.track.suppressed = e.sess.gateBlocked
		e.track.markIntroFinished(e.flags, e.sess.titleID)
	}

	if ev.IsPlaying != wasPlaying {
		e.rep.report(ev.IsPlaying, false)
		if ev.IsPlaying {
			e.armSaveTimer()
		} else {
			stopTimer(&e.saveTimer)
			e.track.save(e.sess.position, e.sess.duration, false, false)
		}
	}

	e.emit(StateUpdate{Position: ev.Position, Duration: e.sess.duration, IsPlaying: ev.IsPlaying})
}

// handleReady fires on every metadata-ready after a (re)load. The retry
// budget resets here: the stream parsed, so the transient sequence is
// over. The resume offset is applied exactly once per session lifetime
// regardless of how many reloads occur.
func (e *Engine) handleReady(ev backend.ReadyEvent) {
	if ev.Duration > 0 {
		e.sess.duration = ev.Duration
	}
	e.retryBudget = 0

	if !e.sess.resumeApplied && e.sess.resumePosition > 1 {
		e.sess.resumeApplied = true
		e.be.Seek(e.sess.resumePosition)
		e.guard.scheduleRestore("resume-initial", e.sess.resumePosition, restoreOptions{Force: true})
	}
}

// handleRenditions applies the quality cap whenever the ladder changes.
func (e *Engine) handleRenditions(ev backend.RenditionsEvent) {
	e.sess.renditions = ev.Renditions
	if capper, ok := e.be.(backend.QualityCapper); ok && !e.cfg.Allow4K {
		capper.SetQualityCap(qualityCap(ev.Renditions))
	}
	e.emit(RenditionsUpdate{Renditions: ev.Renditions})
}

// qualityCap returns the index of the highest rendition whose vertical
// resolution is at most 1080, or backend.NoCap when none qualifies (the
// cap is never set below the lowest rendition).
func qualityCap(renditions []media.Rendition) int {
	best := backend.NoCap
	for i, r := range renditions {
		if r.Height == 0 || r.Height > 1080 {
			continue
		}
		if best == backend.NoCap ||
			r.Height > renditions[best].Height ||
			(r.Height == renditions[best].Height && r.Bandwidth > renditions[best].Bandwidth) {
			best = i
		}
	}
	return best
}

func (e *Engine) handleEnded() {
	e.sess.ended = true
	e.sess.playing = false
	stopTimer(&e.saveTimer)
	e.track.save(e.sess.position, e.sess.duration, true, true)
	e.rep.report(false, true)
	e.emit(EndedUpdate{})
}

// handleError is the recovery state machine. Classification is ordered:
// auth expiry first, then self-reported hiccups, then retryable network
// failures, then the remaining fatal categories.
func (e *Engine) handleError(ev backend.ErrorEvent) {
	if e.failed {
		return
	}
	snap := e.snapshot()
	logger := log.WithComponent("session").With().
		Str("kind", string(ev.Kind)).
		Int("status", ev.HTTPStatus).
		Float64("snapshot", snap).
		Logger()

	switch {
	case ev.HTTPStatus == http.StatusUnauthorized || ev.HTTPStatus == http.StatusForbidden:
		status := ev.HTTPStatus
		logger.Info().Msg("authorization rejected mid-play, renewing")
		e.renew(fmt.Sprintf("http-%d", status), func(err error) {
			if err != nil {
				e.fail(fmt.Sprintf("session expired (HTTP %d)", status))
			}
		})

	case !ev.Fatal:
		// Self-healing hiccup: reload at the snapshot, never surfaced.
		logger.Debug().Str("code", ev.Code).Msg("transient stall, reloading")
		e.reloadAt(snap)
		e.guard.scheduleRestore(hiccupReason(ev), snap, restoreOptions{})

	case retryableStatus(ev.HTTPStatus):
		attempt := e.retryBudget + 1
		if attempt > maxRetryAttempts {
			e.fail(fmt.Sprintf("connection lost (HTTP %d) after %d retries", ev.HTTPStatus, maxRetryAttempts))
			return
		}
		e.retryBudget = attempt
		logger.Warn().Int("attempt", attempt).Msg("retryable network failure")
		e.emit(StatusUpdate{Message: fmt.Sprintf("reconnecting (%d/%d)", attempt, maxRetryAttempts)})
		e.armRetry(retryDelay(attempt), snap)

	case ev.Kind == backend.ErrNetwork:
		// Not retryable by status, but a reload often clears it. Does not
		// count against the retry budget.
		logger.Warn().Msg("network failure, reloading immediately")
		e.reloadAt(snap)
		e.guard.scheduleRestore("network-reload", snap, restoreOptions{})

	case ev.Kind == backend.ErrMedia:
		if rec, ok := e.be.(backend.Recoverer); ok {
			logger.Warn().Str("code", ev.Code).Msg("decode error, attempting recovery")
			if err := rec.Recover(snap); err != nil {
				e.fail(ev.Message)
				return
			}
			e.guard.scheduleRestore("decode-recover", snap, restoreOptions{})
		} else {
			e.fail(ev.Message)
		}

	default:
		e.fail(ev.Message)
	}
}

func hiccupReason(ev backend.ErrorEvent) string {
	if ev.Code != "" {
		return "hls-error-" + ev.Code
	}
	return "stall"
}

// armRetry schedules the next reload of the transient-retry sequence. The
// source URL is read at fire time, not captured, so a renewal completing
// during the wait is always honored.
func (e *Engine) armRetry(d time.Duration, snap float64) {
	stopTimer(&e.retryTimer)
	e.retryTimer = e.after(d, func() {
		if e.closed || e.failed {
			return
		}
		e.reloadAt(snap)
	})
}

// reloadAt points the backend at the current source starting from pos.
func (e *Engine) reloadAt(pos float64) {
	if err := e.be.SetSource(backend.Source{
		URL:           e.sess.sourceURL,
		StartPosition: pos,
		Subtitles:     e.sess.subtitles,
	}); err != nil {
		log.WithComponent("session").Error().Err(err).Msg("reload failed")
	}
}

// fail surfaces an unrecoverable error and tears the backend down. The
// session object survives (with its last known good position) so the UI
// can offer a manual retry.
func (e *Engine) fail(msg string) {
	if e.failed {
		return
	}
	e.failed = true

	log.WithComponent("session").Error().
		Str("title", e.sess.titleID).
		Float64("last_good", e.guard.lastGood()).
		Msg(msg)

	e.stopAllTimers()
	e.guard.cancel()
	e.track.save(e.sess.position, e.sess.duration, true, false)
	e.rep.report(false, true)
	e.be.Destroy()

	e.emit(FatalUpdate{Message: msg, LastPosition: e.guard.lastGood()})
}
