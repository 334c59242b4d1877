// Package session is the playback-continuity core: it owns one playback
// session at a time and keeps it alive, authorized and positionally
// consistent across transport failures, authorization expiry and user
// interaction. All session state lives on a single engine goroutine;
// backend events, timer fires, user commands and async I/O completions
// are funneled onto that goroutine, so no field of the session needs a
// lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remora/internal/authz"
	"remora/internal/backend"
	"remora/internal/config"
	"remora/internal/log"
	"remora/internal/media"
	"remora/internal/store"
)

// Authorizer exchanges a title and device identity for a playback grant.
// *authz.Resolver satisfies it; tests substitute fakes.
type Authorizer interface {
	Resolve(ctx context.Context, titleID, profileID string, device authz.DeviceInfo, allow4K bool) (*authz.Grant, error)
}

// Params carries everything needed to start a session.
type Params struct {
	Config     *config.Config
	Backend    backend.Backend
	Authorizer Authorizer
	Progress   store.Progress
	Devices    store.Devices
	Flags      store.KV
	Profiles   *ProfileSignal // optional

	TitleID   string
	Title     string // display title, used in session reports and logs
	Subtitles []media.Subtitle

	// StartOverride, when non-nil, wins over the persisted position.
	// An explicit zero means "start from the beginning" even when a
	// resume point exists.
	StartOverride *float64
}

// playbackSession is the mutable per-session state. It is owned by the
// engine goroutine for the session's whole lifetime and is never shared.
type playbackSession struct {
	titleID   string
	profileID string

	sourceURL   string
	thumbsURL   string
	expiryEpoch int64
	subtitles   []media.Subtitle

	resumePosition float64
	resumeApplied  bool

	position float64
	duration float64
	playing  bool
	ended    bool

	tracks     media.TrackSelection
	renditions []media.Rendition

	gateBlocked bool
	introDone   bool
}

// Update is one engine-to-UI notification. The updates channel is a lossy
// telemetry feed: when the consumer falls behind, the oldest update is
// dropped rather than blocking the engine.
type Update interface{ isUpdate() }

// StateUpdate mirrors the backend's position/duration/play-state ticks.
type StateUpdate struct {
	Position  float64
	Duration  float64
	IsPlaying bool
}

// TracksUpdate reports the selectable tracks and the current selection.
type TracksUpdate struct {
	Audio         []media.AudioTrack
	Text          []media.TextTrack
	SelectedAudio int
	SelectedText  int
}

// RenditionsUpdate reports the quality ladder.
type RenditionsUpdate struct {
	Renditions []media.Rendition
}

// StatusUpdate is a transient user-visible status line ("reconnecting
// (2/5)"). An empty message clears the line.
type StatusUpdate struct {
	Message string
}

// FatalUpdate reports an unrecoverable session failure. The backend has
// been torn down; the last known good position is preserved for a manual
// retry.
type FatalUpdate struct {
	Message      string
	LastPosition float64
}

// EndedUpdate reports that playback reached the end of the title.
type EndedUpdate struct{}

func (StateUpdate) isUpdate()      {}
func (TracksUpdate) isUpdate()     {}
func (RenditionsUpdate) isUpdate() {}
func (StatusUpdate) isUpdate()     {}
func (FatalUpdate) isUpdate()      {}
func (EndedUpdate) isUpdate()      {}

// Engine orchestrates one decode backend for one title. Exactly one
// Engine may exist per player surface; Close tears down every timer and
// in-flight operation before returning.
type Engine struct {
	cfg    *config.Config
	be     backend.Backend
	auth   Authorizer
	flags  store.KV
	device authz.DeviceInfo

	cmds     chan func()
	stop     chan struct{}
	done     chan struct{}
	updates  chan Update
	beEvents <-chan backend.Event

	profiles   *ProfileSignal
	profileSub int
	profileCh  <-chan string

	now func() time.Time

	sess  playbackSession
	guard *guard
	track *tracker
	rep   *reporter

	renewTimer    *time.Timer
	renewInFlight bool
	lastRenewAt   time.Time

	retryTimer  *time.Timer
	retryBudget int

	saveTimer      *time.Timer
	heartbeatTimer *time.Timer

	bootParams bootParams

	failed bool
	closed bool
}

// New builds an engine for the given title. Nothing runs until Start.
func New(p Params) (*Engine, error) {
	if p.Config == nil || p.Backend == nil || p.Authorizer == nil {
		return nil, errors.New("session: config, backend and authorizer are required")
	}
	if p.Progress == nil || p.Devices == nil || p.Flags == nil {
		return nil, errors.New("session: progress, devices and flags stores are required")
	}
	if p.TitleID == "" {
		return nil, errors.New("session: title id is required")
	}

	e := &Engine{
		cfg:      p.Config,
		be:       p.Backend,
		auth:     p.Authorizer,
		flags:    p.Flags,
		profiles: p.Profiles,
		cmds:     make(chan func(), 32),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		updates:  make(chan Update, 64),
		now:      time.Now,
	}
	e.device = authz.DeviceInfo{
		Label:    p.Config.DeviceLabel,
		Platform: "cli",
	}
	e.sess = playbackSession{
		titleID:   p.TitleID,
		profileID: p.Config.ProfileID,
		subtitles: p.Subtitles,
		tracks:    media.TrackSelection{Audio: 0, Text: media.TextOff},
	}
	e.guard = newGuard(guardDeps{
		cfg:   p.Config.Guard,
		now:   e.now,
		arm:   e.after,
		state: func() (float64, float64) { return e.sess.position, e.sess.duration },
		apply: e.applyRestore,
	})
	e.track = &tracker{
		cfg:     p.Config.Tracker,
		st:      p.Progress,
		now:     e.now,
		user:    p.Config.UserID,
		profile: p.Config.ProfileID,
		video:   p.TitleID,
	}
	title := p.Title
	if title == "" {
		title = p.TitleID
	}
	e.rep = &reporter{
		cfg:     p.Config.Reporter,
		st:      p.Devices,
		now:     e.now,
		profile: p.Config.ProfileID,
		title:   title,
	}
	e.bootParams = bootParams{
		startOverride: p.StartOverride,
	}
	return e, nil
}

// bootParams holds Start-time inputs that are not part of session state.
type bootParams struct {
	startOverride *float64
}

// Updates returns the engine's notification stream. It is closed when the
// engine goroutine exits after Close.
func (e *Engine) Updates() <-chan Update { return e.updates }

// Start resolves authorization, computes the resume point, registers the
// device and points the backend at the granted source. On return the
// engine goroutine is running; failures leave nothing running.
func (e *Engine) Start(ctx context.Context) error {
	deviceID, err := registerDevice(ctx, e.rep.st, e.flags, e.cfg.DeviceLabel, e.device.Platform)
	if err != nil {
		return fmt.Errorf("registering device: %w", err)
	}
	e.device.DeviceID = deviceID
	e.rep.deviceID = deviceID

	grant, err := e.auth.Resolve(ctx, e.sess.titleID, e.sess.profileID, e.device, e.cfg.Allow4K)
	if err != nil {
		return err
	}
	e.sess.sourceURL = grant.MasterURL
	e.sess.thumbsURL = grant.ThumbnailsURL
	e.sess.expiryEpoch = grant.ExpiryEpoch

	e.sess.resumePosition = e.computeResume(ctx, e.bootParams.startOverride)
	e.sess.introDone = e.track.introFinished(ctx, e.flags, e.sess.titleID)
	e.track.suppressed = !e.sess.introDone

	// Initial non-playing heartbeat so concurrent-stream accounting sees
	// this device before the first frame renders.
	e.rep.report(false, true)

	if err := e.be.Init(backend.Config{Binary: e.cfg.BridgeBinary}); err != nil {
		return fmt.Errorf("initializing backend: %w", err)
	}
	if err := e.be.SetSource(backend.Source{
		URL:           e.sess.sourceURL,
		StartPosition: e.sess.resumePosition,
		Subtitles:     e.sess.subtitles,
	}); err != nil {
		e.be.Destroy()
		return fmt.Errorf("loading source: %w", err)
	}
	e.beEvents = e.be.Events()

	if e.profiles != nil {
		e.profileSub, e.profileCh = e.profiles.Subscribe()
	}

	e.scheduleRenewal(e.sess.expiryEpoch)
	e.armHeartbeat()

	go e.loop()

	log.WithComponent("session").Info().
		Str("title", e.sess.titleID).
		Float64("resume", e.sess.resumePosition).
		Int64("expiry", e.sess.expiryEpoch).
		Msg("session started")
	return nil
}

// computeResume decides the session's start offset. An explicit override
// always wins, including an explicit zero; otherwise the persisted watch
// position is used.
func (e *Engine) computeResume(ctx context.Context, override *float64) float64 {
	if override != nil {
		if *override < 0 {
			return 0
		}
		return *override
	}
	rec, err := e.track.st.GetProgress(ctx, e.track.user, e.track.profile, e.track.video)
	if err != nil {
		log.WithComponent("session").Warn().Err(err).Msg("reading saved position")
		return 0
	}
	if rec == nil {
		return 0
	}
	return float64(rec.Position)
}

// loop is the engine goroutine. Every mutation of session state happens
// here.
func (e *Engine) loop() {
	defer close(e.done)
	defer close(e.updates)
	for {
		select {
		case <-e.stop:
			return
		case f := <-e.cmds:
			f()
		case ev, ok := <-e.beEvents:
			if !ok {
				e.beEvents = nil
				continue
			}
			e.handleBackendEvent(ev)
		case p, ok := <-e.profileCh:
			if !ok {
				e.profileCh = nil
				continue
			}
			e.handleProfileChanged(p)
		}
	}
}

// post runs f on the engine goroutine, or drops it if the session is
// shutting down. Async completions must arrive through post so orphaned
// callbacks can never mutate a dead session.
func (e *Engine) post(f func()) {
	select {
	case e.cmds <- f:
	case <-e.stop:
	}
}

// after arms a timer whose fire is marshalled onto the engine goroutine.
func (e *Engine) after(d time.Duration, f func()) *time.Timer {
	return time.AfterFunc(d, func() { e.post(f) })
}

// stopTimer stops and clears a singular timer slot. Re-arming always goes
// through here first so no slot can hold two live timers.
func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// emit pushes an update, dropping the oldest queued one when the consumer
// is behind.
func (e *Engine) emit(u Update) {
	select {
	case e.updates <- u:
		return
	default:
	}
	select {
	case <-e.updates:
	default:
	}
	select {
	case e.updates <- u:
	default:
	}
}

// TogglePause flips play/pause.
func (e *Engine) TogglePause() {
	e.post(func() {
		if e.failed {
			return
		}
		if e.sess.playing {
			e.be.Pause()
		} else {
			e.be.Play()
		}
	})
}

// SeekTo performs a user-initiated absolute seek. It re-anchors the
// guard's restore target so a deliberate jump backwards is not "corrected"
// away.
func (e *Engine) SeekTo(sec float64) {
	e.post(func() { e.userSeek(sec) })
}

// SeekBy performs a user-initiated relative seek.
func (e *Engine) SeekBy(delta float64) {
	e.post(func() { e.userSeek(e.sess.position + delta) })
}

func (e *Engine) userSeek(sec float64) {
	if e.failed {
		return
	}
	if sec < 0 {
		sec = 0
	}
	e.guard.noteUserSeek()
	e.guard.reanchor(sec)
	e.be.Seek(sec)
}

// SetScrubbing marks the start/end of a scrub gesture. Pending restores
// defer while a scrub is active.
func (e *Engine) SetScrubbing(active bool) {
	e.post(func() { e.guard.setScrubbing(active) })
}

// SetAudioTrack switches the audio track. If playback is meaningfully
// under way and the user is not mid-seek, a restore is registered so a
// backend reload during the switch cannot drop the position.
func (e *Engine) SetAudioTrack(idx int) {
	e.post(func() {
		if e.failed {
			return
		}
		e.protectTrackSwitch("track-switch-audio")
		if err := e.be.SetAudioTrack(idx); err == nil {
			e.sess.tracks.Audio = idx
		}
	})
}

// SetTextTrack switches the subtitle track; media.TextOff disables it.
func (e *Engine) SetTextTrack(idx int) {
	e.post(func() {
		if e.failed {
			return
		}
		e.protectTrackSwitch("track-switch-text")
		if err := e.be.SetTextTrack(idx); err == nil {
			e.sess.tracks.Text = idx
		}
	})
}

func (e *Engine) protectTrackSwitch(reason string) {
	if e.sess.position > 1 && !e.guard.userSeekRecently() {
		e.guard.scheduleRestore(reason, e.sess.position, restoreOptions{})
	}
}

// Close tears the session down: cancels every timer and pending restore,
// flushes a final progress save and a "stopped" session report, destroys
// the backend, and waits for the engine goroutine to exit. Idempotent.
func (e *Engine) Close() {
	e.post(func() { e.teardown() })
	<-e.done
}

func (e *Engine) teardown() {
	if e.closed {
		return
	}
	e.closed = true

	e.stopAllTimers()
	e.guard.cancel()

	// Best-effort flush; the user is already navigating away.
	e.track.save(e.sess.position, e.sess.duration, true, e.sess.ended)
	e.rep.report(false, true)

	if e.profiles != nil {
		e.profiles.Unsubscribe(e.profileSub)
	}
	e.be.Destroy()
	close(e.stop)

	log.WithComponent("session").Debug().
		Str("title", e.sess.titleID).
		Float64("last_good", e.guard.lastGood()).
		Msg("session torn down")
}

func (e *Engine) stopAllTimers() {
	stopTimer(&e.renewTimer)
	stopTimer(&e.retryTimer)
	stopTimer(&e.saveTimer)
	stopTimer(&e.heartbeatTimer)
}

// snapshot is the position an error or renewal should restore to: the
// live position when usable, else the last known good one.
func (e *Engine) snapshot() float64 {
	if e.sess.position > 0 {
		return e.sess.position
	}
	return e.guard.lastGood()
}

// applyRestore is the guard's seek hook.
func (e *Engine) applyRestore(target float64, reason string) error {
	log.WithComponent("session").Debug().
		Str("reason", reason).
		Float64("target", target).
		Msg("applying position restore")
	return e.be.Seek(target)
}

// armHeartbeat keeps the device-session heartbeat running for the
// session's lifetime.
func (e *Engine) armHeartbeat() {
	stopTimer(&e.heartbeatTimer)
	d := time.Duration(e.cfg.Reporter.HeartbeatSec) * time.Second
	e.heartbeatTimer = e.after(d, func() {
		if e.closed || e.failed {
			return
		}
		e.rep.heartbeat(e.sess.playing)
		e.armHeartbeat()
	})
}

// armSaveTimer keeps progress saves recurring while playing.
func (e *Engine) armSaveTimer() {
	stopTimer(&e.saveTimer)
	d := time.Duration(e.cfg.Tracker.SaveIntervalSec) * time.Second
	e.saveTimer = e.after(d, func() {
		if e.closed || e.failed || !e.sess.playing {
			return
		}
		e.track.save(e.sess.position, e.sess.duration, false, false)
		e.armSaveTimer()
	})
}
