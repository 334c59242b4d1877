package session

import (
	"math"
	"strings"
	"time"

	"remora/internal/config"
	"remora/internal/log"
)

// restoreConfirmations is how many times a restore is applied before the
// guard trusts that the backend kept the position. Backends can silently
// re-drift after the first seek, so one confirmation pass follows each of
// the first two applications.
const restoreConfirmations = 2

// confirmDelay is the gap before a post-application convergence check.
const confirmDelay = 450 * time.Millisecond

// restoreOptions tunes one corrective seek request. Zero values take the
// guard's configured defaults.
type restoreOptions struct {
	// Force bypasses both scrub and recent-user-seek suppression.
	Force bool
	// IgnoreScrubbing bypasses scrub suppression only.
	IgnoreScrubbing bool
	// Delay overrides the initial arm delay.
	Delay time.Duration
	// MaxTries overrides how many deferrals are tolerated before the
	// restore is silently abandoned.
	MaxTries int
}

// pendingRestore is the guard's single correction slot.
type pendingRestore struct {
	target   float64
	reason   string
	force    bool
	ignoreSc bool
	maxTries int
	attempts int // deferrals so far
	applied  int // seeks performed so far
}

type guardDeps struct {
	cfg   config.Guard
	now   func() time.Time
	arm   func(d time.Duration, f func()) *time.Timer
	state func() (position, duration float64)
	apply func(target float64, reason string) error
}

// guard corrects unwanted position discontinuities without fighting the
// user. It holds at most one pending restore; a new request replaces the
// old one unless the old one outranks it. All methods run on the engine
// goroutine.
type guard struct {
	guardDeps

	lastUserSeek  time.Time
	scrubbing     bool
	pending       *pendingRestore
	timer         *time.Timer
	lastKnownGood float64
}

func newGuard(deps guardDeps) *guard {
	return &guard{guardDeps: deps}
}

// noteUserSeek timestamps the most recent user-initiated seek.
func (g *guard) noteUserSeek() {
	g.lastUserSeek = g.now()
}

// userSeekRecently reports whether a user seek happened inside the
// suppression window.
func (g *guard) userSeekRecently() bool {
	if g.lastUserSeek.IsZero() {
		return false
	}
	window := time.Duration(g.cfg.SeekWindowMs) * time.Millisecond
	return g.now().Sub(g.lastUserSeek) < window
}

func (g *guard) setScrubbing(active bool) {
	g.scrubbing = active
}

// reanchor moves the last-known-good marker to a position the user chose
// deliberately, so the reset detector does not treat a backwards jump as
// corruption.
func (g *guard) reanchor(pos float64) {
	g.lastKnownGood = pos
}

func (g *guard) lastGood() float64 {
	return g.lastKnownGood
}

// bypassesSeekSuppression reports whether a restore reason always wins
// over recent user-seek suppression. Auth- and resume-driven restores
// must land even right after a seek; without them the session plays the
// wrong content position on a fresh token.
func bypassesSeekSuppression(reason string) bool {
	return strings.HasPrefix(reason, "token-refresh") ||
		strings.HasPrefix(reason, "resume-") ||
		reason == "resume" ||
		reason == "unexpected-reset"
}

// restoreRank orders restore reasons for slot replacement. Auth- and
// resume-driven corrections outrank hiccup-driven ones, so a stall cannot
// displace a pending token-refresh restore that arrived in the same tick.
func restoreRank(reason string) int {
	if bypassesSeekSuppression(reason) {
		return 1
	}
	return 0
}

// scheduleRestore registers a corrective seek. The target is clamped into
// [0, duration-0.25]; requests at or below zero are ignored. Only one
// restore may be pending; the newcomer replaces it unless outranked.
func (g *guard) scheduleRestore(reason string, target float64, opts restoreOptions) {
	_, dur := g.state()
	if dur > 0.25 && target > dur-0.25 {
		target = dur - 0.25
	}
	if target <= 0 {
		return
	}

	if g.pending != nil && restoreRank(reason) < restoreRank(g.pending.reason) {
		log.WithComponent("guard").Debug().
			Str("reason", reason).
			Str("kept", g.pending.reason).
			Msg("restore request outranked by pending one")
		return
	}

	delay := opts.Delay
	if delay == 0 {
		delay = time.Duration(g.cfg.RestoreDelayMs) * time.Millisecond
	}
	maxTries := opts.MaxTries
	if maxTries == 0 {
		maxTries = g.cfg.MaxTries
	}

	g.pending = &pendingRestore{
		target:   target,
		reason:   reason,
		force:    opts.Force,
		ignoreSc: opts.IgnoreScrubbing,
		maxTries: maxTries,
	}
	g.rearm(delay)
}

// cancel clears the pending restore and its timer. Used at teardown.
func (g *guard) cancel() {
	stopTimer(&g.timer)
	g.pending = nil
}

func (g *guard) rearm(d time.Duration) {
	stopTimer(&g.timer)
	g.timer = g.arm(d, g.fire)
}

// fire is the restore timer callback. It converges, defers, or applies.
func (g *guard) fire() {
	p := g.pending
	if p == nil {
		return
	}

	pos, _ := g.state()
	if math.Abs(pos-p.target) <= g.cfg.ConvergeWindowSec {
		g.cancel()
		return
	}
	if p.applied >= restoreConfirmations {
		// Applied the allowed number of times and still not converged;
		// give up rather than loop against a drifting backend.
		g.cancel()
		return
	}

	blockedByScrub := g.scrubbing && !p.ignoreSc && !p.force
	blockedBySeek := g.userSeekRecently() && !p.force && !bypassesSeekSuppression(p.reason)
	if blockedByScrub || blockedBySeek {
		p.attempts++
		if p.attempts >= p.maxTries {
			// The user keeps winning; abandon silently.
			g.cancel()
			return
		}
		g.rearm(time.Duration(g.cfg.DeferDelayMs) * time.Millisecond)
		return
	}

	if err := g.apply(p.target, p.reason); err != nil {
		log.WithComponent("guard").Warn().Err(err).
			Str("reason", p.reason).
			Msg("restore seek failed")
		g.cancel()
		return
	}
	p.applied++
	g.rearm(confirmDelay)
}

// observe consumes one position tick: advances the last-known-good marker
// and runs the unexpected-reset detector. lastKnownGood only moves
// forward here, so a transient glitch can never poison the restore
// target; deliberate backwards movement goes through reanchor.
func (g *guard) observe(pos, dur float64, playing bool) {
	if pos > g.lastKnownGood {
		g.lastKnownGood = pos
	}

	if dur > g.cfg.ResetMinDuration &&
		g.lastKnownGood > g.cfg.ResetMinLastGood &&
		pos <= g.cfg.ResetMaxPosition &&
		playing &&
		!g.scrubbing &&
		!g.userSeekRecently() {
		log.WithComponent("guard").Info().
			Float64("position", pos).
			Float64("last_good", g.lastKnownGood).
			Msg("unexpected jump to zero, restoring")
		g.scheduleRestore("unexpected-reset", g.lastKnownGood, restoreOptions{Force: true})
	}
}
