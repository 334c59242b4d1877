package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"remora/internal/authz"
	"remora/internal/backend"
	"remora/internal/config"
	"remora/internal/media"
	"remora/internal/store"
)

// fakeBackend records every command and lets tests feed the event stream.
type fakeBackend struct {
	mu        sync.Mutex
	events    chan backend.Event
	sources   []backend.Source
	seeks     []float64
	recovers  []float64
	caps      []int
	pauses    int
	plays     int
	destroyed bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{events: make(chan backend.Event, 64)}
}

func (f *fakeBackend) Init(backend.Config) error { return nil }

func (f *fakeBackend) SetSource(src backend.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources = append(f.sources, src)
	return nil
}

func (f *fakeBackend) Play() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays++
	return nil
}

func (f *fakeBackend) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
	return nil
}

func (f *fakeBackend) Seek(sec float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeks = append(f.seeks, sec)
	return nil
}

func (f *fakeBackend) SetAudioTrack(int) error { return nil }
func (f *fakeBackend) SetTextTrack(int) error  { return nil }

func (f *fakeBackend) SetQualityCap(index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.caps = append(f.caps, index)
	return nil
}

func (f *fakeBackend) Recover(at float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovers = append(f.recovers, at)
	return nil
}

func (f *fakeBackend) Events() <-chan backend.Event { return f.events }

func (f *fakeBackend) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return nil
	}
	f.destroyed = true
	close(f.events)
	return nil
}

func (f *fakeBackend) push(ev backend.Event) {
	f.events <- ev
}

func (f *fakeBackend) sourceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sources)
}

func (f *fakeBackend) lastSource() backend.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sources) == 0 {
		return backend.Source{}
	}
	return f.sources[len(f.sources)-1]
}

func (f *fakeBackend) seekList() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]float64, len(f.seeks))
	copy(out, f.seeks)
	return out
}

func (f *fakeBackend) isDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

// fakeAuth serves queued grants/errors in order, repeating the last entry.
type fakeAuth struct {
	mu    sync.Mutex
	queue []fakeGrant
	calls int
}

type fakeGrant struct {
	grant *authz.Grant
	err   error
}

func (a *fakeAuth) Resolve(_ context.Context, _, _ string, _ authz.DeviceInfo, _ bool) (*authz.Grant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) == 0 {
		return nil, errors.New("no grant queued")
	}
	idx := a.calls
	if idx >= len(a.queue) {
		idx = len(a.queue) - 1
	}
	a.calls++
	g := a.queue[idx]
	return g.grant, g.err
}

func (a *fakeAuth) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// gatedAuth answers the first resolve (session start) immediately and
// blocks every later call until the gate opens. Grants are served from
// urls in call order, repeating the last.
type gatedAuth struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
	urls  []string
}

func (a *gatedAuth) Resolve(ctx context.Context, _, _ string, _ authz.DeviceInfo, _ bool) (*authz.Grant, error) {
	a.mu.Lock()
	n := a.calls
	a.calls++
	a.mu.Unlock()

	if n > 0 {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	idx := n
	if idx >= len(a.urls) {
		idx = len(a.urls) - 1
	}
	return &authz.Grant{MasterURL: a.urls[idx], ExpiryEpoch: time.Now().Unix() + 3600}, nil
}

func (a *gatedAuth) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func grantFor(url string) fakeGrant {
	return fakeGrant{grant: &authz.Grant{
		MasterURL:   url,
		ExpiryEpoch: time.Now().Unix() + 3600,
	}}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.AuthURL = "https://auth.example.com/grant"
	// Short guard cadences keep restore timing out of the test's way.
	cfg.Guard.RestoreDelayMs = 10
	cfg.Guard.DeferDelayMs = 10
	cfg.Guard.SeekWindowMs = 100
	return cfg
}

type testSession struct {
	e    *Engine
	fb   *fakeBackend
	auth *fakeAuth
	mem  *store.Memory
}

func startSession(t *testing.T, mutate func(*Params)) *testSession {
	t.Helper()
	fb := newFakeBackend()
	auth := &fakeAuth{queue: []fakeGrant{grantFor("https://cdn.example.com/sig1/master.m3u8")}}
	mem := store.NewMemory()

	p := Params{
		Config:     testConfig(),
		Backend:    fb,
		Authorizer: auth,
		Progress:   mem,
		Devices:    mem,
		Flags:      mem,
		TitleID:    "movie/example-1",
	}
	if mutate != nil {
		mutate(&p)
	}

	e, err := New(p)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(e.Close)
	return &testSession{e: e, fb: fb, auth: auth, mem: mem}
}

// awaitUpdate drains the updates stream until pred matches.
func awaitUpdate(t *testing.T, s *testSession, what string, pred func(Update) bool) Update {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case u, ok := <-s.e.Updates():
			if !ok {
				t.Fatalf("updates closed while waiting for %s", what)
			}
			if pred(u) {
				return u
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func TestStartSeedsSessionAndReportsDevice(t *testing.T) {
	s := startSession(t, nil)

	if got := s.fb.sourceCount(); got != 1 {
		t.Fatalf("sources = %d, want 1", got)
	}
	if src := s.fb.lastSource(); src.URL != "https://cdn.example.com/sig1/master.m3u8" {
		t.Errorf("source URL = %q", src.URL)
	}

	// Initial non-playing heartbeat lands before playback starts.
	waitFor(t, "initial heartbeat", func() bool {
		rows, _ := s.mem.ListSessions(context.Background())
		return len(rows) == 1 && !rows[0].IsPlaying
	})
}

func TestStartHonorsPersistedResume(t *testing.T) {
	mem := store.NewMemory()
	mem.UpsertProgress(context.Background(), media.ProgressRecord{
		UserID: "local", ProfileID: "default", VideoID: "movie/example-1",
		Position: 300, UpdatedAt: time.Now().Unix(),
	})

	s := startSession(t, func(p *Params) {
		p.Progress = mem
		p.Flags = mem
		p.Devices = mem
	})
	if src := s.fb.lastSource(); src.StartPosition != 300 {
		t.Errorf("start position = %v, want persisted 300", src.StartPosition)
	}
}

func TestStartOverrideWinsIncludingZero(t *testing.T) {
	mem := store.NewMemory()
	mem.UpsertProgress(context.Background(), media.ProgressRecord{
		UserID: "local", ProfileID: "default", VideoID: "movie/example-1",
		Position: 300, UpdatedAt: time.Now().Unix(),
	})

	zero := 0.0
	s := startSession(t, func(p *Params) {
		p.Progress = mem
		p.Flags = mem
		p.Devices = mem
		p.StartOverride = &zero
	})
	if src := s.fb.lastSource(); src.StartPosition != 0 {
		t.Errorf("start position = %v, explicit zero must win over resume", src.StartPosition)
	}
}

func TestStartDeviceLimitSurfaced(t *testing.T) {
	mem := store.NewMemory()
	mem.DeviceLimit = 1
	if _, err := mem.RegisterDevice(context.Background(), "other", "tv", "cli"); err != nil {
		t.Fatal(err)
	}

	fb := newFakeBackend()
	e, err := New(Params{
		Config:     testConfig(),
		Backend:    fb,
		Authorizer: &fakeAuth{queue: []fakeGrant{grantFor("https://cdn.example.com/sig1/master.m3u8")}},
		Progress:   mem,
		Devices:    mem,
		Flags:      store.NewMemory(),
		TitleID:    "movie/example-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); !errors.Is(err, store.ErrDeviceLimit) {
		t.Errorf("Start error = %v, want ErrDeviceLimit", err)
	}
}

func TestResumeAppliedExactlyOnce(t *testing.T) {
	mem := store.NewMemory()
	mem.UpsertProgress(context.Background(), media.ProgressRecord{
		UserID: "local", ProfileID: "default", VideoID: "movie/example-1",
		Position: 300, UpdatedAt: time.Now().Unix(),
	})
	s := startSession(t, func(p *Params) {
		p.Progress = mem
		p.Flags = mem
		p.Devices = mem
	})

	s.fb.push(backend.ReadyEvent{Duration: 600})
	waitFor(t, "resume seek", func() bool { return len(s.fb.seekList()) >= 1 })
	if seeks := s.fb.seekList(); seeks[0] != 300 {
		t.Fatalf("resume seek = %v, want 300", seeks[0])
	}

	// Converge so the guard's forced restore settles.
	s.fb.push(backend.StateEvent{Position: 300.2, Duration: 600, IsPlaying: true})
	time.Sleep(100 * time.Millisecond)
	before := len(s.fb.seekList())

	// Later metadata-ready events (reloads) must not re-apply the resume.
	s.fb.push(backend.ReadyEvent{Duration: 600})
	s.fb.push(backend.ReadyEvent{Duration: 600})
	time.Sleep(100 * time.Millisecond)
	seeks := s.fb.seekList()
	if len(seeks) != before {
		t.Errorf("seeks grew from %d to %d after extra ready events", before, len(seeks))
	}
	for _, sk := range seeks {
		if sk != 300 {
			t.Errorf("unexpected seek to %v; every seek must target the resume point", sk)
		}
	}
}

func TestAuthExpiryRenewsAndRestores(t *testing.T) {
	s := startSession(t, func(p *Params) {
		p.Authorizer = &fakeAuth{queue: []fakeGrant{
			grantFor("https://cdn.example.com/sig1/master.m3u8"),
			grantFor("https://cdn.example.com/sig2/master.m3u8"),
		}}
	})

	s.fb.push(backend.StateEvent{Position: 312.4, Duration: 600, IsPlaying: true})
	s.fb.push(backend.ErrorEvent{Kind: backend.ErrNetwork, HTTPStatus: 401, Fatal: true})
	// The backend comes back at the wrong spot. Queued before the renewal
	// lands, so the restore check sees the divergence.
	s.fb.push(backend.StateEvent{Position: 2.0, Duration: 600, IsPlaying: true})

	waitFor(t, "reload on renewed source", func() bool {
		return s.fb.sourceCount() == 2 &&
			s.fb.lastSource().URL == "https://cdn.example.com/sig2/master.m3u8"
	})
	if src := s.fb.lastSource(); src.StartPosition != 312.4 {
		t.Errorf("reload start = %v, want snapshot 312.4", src.StartPosition)
	}

	// The pending token-refresh restore must drag playback back to the
	// snapshot.
	waitFor(t, "restore seek", func() bool {
		for _, sk := range s.fb.seekList() {
			if sk > 311.6 && sk < 313.2 {
				return true
			}
		}
		return false
	})
}

func TestRenewalSingleFlightAndRateLimit(t *testing.T) {
	auth := &gatedAuth{gate: make(chan struct{}), urls: []string{
		"https://cdn.example.com/sig1/master.m3u8",
		"https://cdn.example.com/sig2/master.m3u8",
	}}
	s := startSession(t, func(p *Params) { p.Authorizer = auth })

	s.fb.push(backend.StateEvent{Position: 200, Duration: 600, IsPlaying: true})

	// A burst of expiry errors collapses into a single in-flight renewal.
	for i := 0; i < 3; i++ {
		s.fb.push(backend.ErrorEvent{Kind: backend.ErrNetwork, HTTPStatus: 401, Fatal: true})
	}
	waitFor(t, "renewal started", func() bool { return auth.callCount() == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := auth.callCount(); got != 2 {
		t.Fatalf("Resolve calls = %d, want 2 (start plus one collapsed renewal)", got)
	}

	close(auth.gate)
	waitFor(t, "renewed reload", func() bool {
		return s.fb.sourceCount() == 2 &&
			s.fb.lastSource().URL == "https://cdn.example.com/sig2/master.m3u8"
	})

	// Another expiry error inside the rate-limit window of the renewal is
	// elided rather than hammering the resolver.
	s.fb.push(backend.ErrorEvent{Kind: backend.ErrNetwork, HTTPStatus: 401, Fatal: true})
	time.Sleep(100 * time.Millisecond)
	if got := auth.callCount(); got != 2 {
		t.Errorf("Resolve calls = %d after rate-limited expiry, want still 2", got)
	}
}

func TestRenewalLandingAfterFatalIsDiscarded(t *testing.T) {
	auth := &gatedAuth{gate: make(chan struct{}), urls: []string{
		"https://cdn.example.com/sig1/master.m3u8",
		"https://cdn.example.com/sig2/master.m3u8",
	}}
	s := startSession(t, func(p *Params) { p.Authorizer = auth })

	s.fb.push(backend.StateEvent{Position: 150, Duration: 600, IsPlaying: true})
	s.fb.push(backend.ErrorEvent{Kind: backend.ErrNetwork, HTTPStatus: 401, Fatal: true})
	waitFor(t, "renewal in flight", func() bool { return auth.callCount() == 2 })

	// Exhaust the retry budget while the renewal hangs.
	for i := 0; i < maxRetryAttempts+1; i++ {
		s.fb.push(backend.ErrorEvent{Kind: backend.ErrNetwork, HTTPStatus: 503, Fatal: true})
	}
	awaitUpdate(t, s, "fatal update", func(u Update) bool {
		_, ok := u.(FatalUpdate)
		return ok
	})
	waitFor(t, "backend teardown", s.fb.isDestroyed)
	sourcesBefore := s.fb.sourceCount()
	seeksBefore := len(s.fb.seekList())

	// The late renewal must not reload the torn-down backend.
	close(auth.gate)
	time.Sleep(100 * time.Millisecond)
	if got := s.fb.sourceCount(); got != sourcesBefore {
		t.Errorf("sources grew from %d to %d after a post-fatal renewal", sourcesBefore, got)
	}
	if got := len(s.fb.seekList()); got != seeksBefore {
		t.Errorf("seeks grew from %d to %d after a post-fatal renewal", seeksBefore, got)
	}
}

func TestRenewalFailureSurfacesSessionExpired(t *testing.T) {
	s := startSession(t, func(p *Params) {
		p.Authorizer = &fakeAuth{queue: []fakeGrant{
			grantFor("https://cdn.example.com/sig1/master.m3u8"),
			{err: &authz.Error{Kind: authz.KindExpired, Status: 401, Message: "token expired"}},
		}}
	})

	s.fb.push(backend.StateEvent{Position: 100, Duration: 600, IsPlaying: true})
	s.fb.push(backend.ErrorEvent{Kind: backend.ErrNetwork, HTTPStatus: 401, Fatal: true})

	u := awaitUpdate(t, s, "fatal update", func(u Update) bool {
		_, ok := u.(FatalUpdate)
		return ok
	})
	fu := u.(FatalUpdate)
	if !strings.Contains(fu.Message, "401") {
		t.Errorf("message = %q, want the HTTP status surfaced", fu.Message)
	}
	if fu.LastPosition != 100 {
		t.Errorf("last position = %v, want preserved 100", fu.LastPosition)
	}
	waitFor(t, "backend teardown", s.fb.isDestroyed)
}

func TestStaleSourceNeverRegresses(t *testing.T) {
	s := startSession(t, func(p *Params) {
		p.Authorizer = &fakeAuth{queue: []fakeGrant{
			grantFor("https://cdn.example.com/sig1/master.m3u8"),
			grantFor("https://cdn.example.com/sig2/master.m3u8"),
		}}
	})

	s.fb.push(backend.StateEvent{Position: 50, Duration: 600, IsPlaying: true})
	s.fb.push(backend.ErrorEvent{Kind: backend.ErrNetwork, HTTPStatus: 403, Fatal: true})
	waitFor(t, "renewed reload", func() bool { return s.fb.sourceCount() == 2 })

	// A stall reload after renewal must use the renewed URL, not sig1.
	s.fb.push(backend.ErrorEvent{Kind: backend.ErrStall, Code: "bufferStalled", Fatal: false})
	waitFor(t, "stall reload", func() bool { return s.fb.sourceCount() == 3 })
	if src := s.fb.lastSource(); src.URL != "https://cdn.example.com/sig2/master.m3u8" {
		t.Errorf("reload used stale source %q", src.URL)
	}
}

func TestRetryBackoffCountsAndResets(t *testing.T) {
	s := startSession(t, nil)
	s.fb.push(backend.StateEvent{Position: 50, Duration: 600, IsPlaying: true})

	for i := 1; i <= 3; i++ {
		s.fb.push(backend.ErrorEvent{Kind: backend.ErrNetwork, HTTPStatus: 503, Fatal: true})
		want := "reconnecting (" + string(rune('0'+i)) + "/5)"
		awaitUpdate(t, s, want, func(u Update) bool {
			su, ok := u.(StatusUpdate)
			return ok && su.Message == want
		})
	}

	// A successful parse resets the budget.
	s.fb.push(backend.ReadyEvent{Duration: 600})
	s.fb.push(backend.ErrorEvent{Kind: backend.ErrNetwork, HTTPStatus: 503, Fatal: true})
	awaitUpdate(t, s, "counter reset", func(u Update) bool {
		su, ok := u.(StatusUpdate)
		return ok && su.Message == "reconnecting (1/5)"
	})
}

func TestRetryExhaustionGoesFatal(t *testing.T) {
	s := startSession(t, nil)
	s.fb.push(backend.StateEvent{Position: 50, Duration: 600, IsPlaying: true})

	for i := 0; i < maxRetryAttempts+1; i++ {
		s.fb.push(backend.ErrorEvent{Kind: backend.ErrNetwork, HTTPStatus: 503, Fatal: true})
	}
	awaitUpdate(t, s, "fatal after exhaustion", func(u Update) bool {
		_, ok := u.(FatalUpdate)
		return ok
	})
	waitFor(t, "backend teardown", s.fb.isDestroyed)
}

func TestMediaErrorUsesBackendRecovery(t *testing.T) {
	s := startSession(t, nil)

	s.fb.push(backend.StateEvent{Position: 87.5, Duration: 600, IsPlaying: true})
	s.fb.push(backend.ErrorEvent{Kind: backend.ErrMedia, Code: "decode", Fatal: true})

	waitFor(t, "recovery call", func() bool {
		s.fb.mu.Lock()
		defer s.fb.mu.Unlock()
		return len(s.fb.recovers) == 1 && s.fb.recovers[0] == 87.5
	})
	if s.fb.isDestroyed() {
		t.Error("backend destroyed despite available recovery")
	}
}

func TestQualityCapAppliedOnRenditions(t *testing.T) {
	s := startSession(t, nil)

	s.fb.push(backend.RenditionsEvent{Renditions: []media.Rendition{
		{Index: 0, Bandwidth: 800_000, Height: 360},
		{Index: 1, Bandwidth: 5_000_000, Height: 1080},
		{Index: 2, Bandwidth: 12_000_000, Height: 2160},
	}})
	waitFor(t, "quality cap", func() bool {
		s.fb.mu.Lock()
		defer s.fb.mu.Unlock()
		return len(s.fb.caps) == 1 && s.fb.caps[0] == 1
	})
}

func TestEndedCollapsesProgressAndReportsStop(t *testing.T) {
	s := startSession(t, nil)

	s.fb.push(backend.StateEvent{Position: 500, Duration: 600, IsPlaying: true})
	s.fb.push(backend.EndedEvent{})

	waitFor(t, "collapsed save", func() bool {
		rec, _ := s.mem.GetProgress(context.Background(), "local", "default", "movie/example-1")
		return rec != nil && rec.Position == 0
	})
	waitFor(t, "stopped session report", func() bool {
		rows, _ := s.mem.ListSessions(context.Background())
		return len(rows) == 1 && !rows[0].IsPlaying
	})
}

func TestUserSeekReanchorsGuard(t *testing.T) {
	s := startSession(t, nil)

	s.fb.push(backend.StateEvent{Position: 400, Duration: 600, IsPlaying: true})
	s.e.SeekTo(100)

	waitFor(t, "seek applied", func() bool {
		seeks := s.fb.seekList()
		return len(seeks) == 1 && seeks[0] == 100
	})

	// A tick near zero right after a deliberate backwards seek is the
	// user's doing, not corruption; the detector must stay quiet and no
	// restore to 400 may appear.
	s.fb.push(backend.StateEvent{Position: 0.5, Duration: 600, IsPlaying: true})
	time.Sleep(100 * time.Millisecond)
	for _, sk := range s.fb.seekList()[1:] {
		if sk == 400 {
			t.Error("guard fought a deliberate user seek")
		}
	}
}

func TestProfileChangeGateBlockedPausesSession(t *testing.T) {
	signal := NewProfileSignal()
	s := startSession(t, func(p *Params) {
		p.Profiles = signal
		p.Authorizer = &fakeAuth{queue: []fakeGrant{
			grantFor("https://cdn.example.com/sig1/master.m3u8"),
			{err: &authz.Error{Kind: authz.KindGateBlocked, Message: "kids profile"}},
		}}
	})

	s.fb.push(backend.StateEvent{Position: 100, Duration: 600, IsPlaying: true})
	signal.Announce("kids")

	awaitUpdate(t, s, "gate-blocked status", func(u Update) bool {
		su, ok := u.(StatusUpdate)
		return ok && strings.Contains(su.Message, "not permitted")
	})
	waitFor(t, "pause command", func() bool {
		s.fb.mu.Lock()
		defer s.fb.mu.Unlock()
		return s.fb.pauses >= 1
	})
}

func TestCloseFlushesAndDestroys(t *testing.T) {
	s := startSession(t, nil)

	s.fb.push(backend.StateEvent{Position: 250, Duration: 600, IsPlaying: true})
	waitFor(t, "state processed", func() bool {
		rows, _ := s.mem.ListSessions(context.Background())
		return len(rows) == 1 && rows[0].IsPlaying
	})

	s.e.Close()

	if !s.fb.isDestroyed() {
		t.Error("backend not destroyed on close")
	}
	waitFor(t, "final save", func() bool {
		rec, _ := s.mem.GetProgress(context.Background(), "local", "default", "movie/example-1")
		return rec != nil && rec.Position == 250
	})
	waitFor(t, "final stop report", func() bool {
		rows, _ := s.mem.ListSessions(context.Background())
		return len(rows) == 1 && !rows[0].IsPlaying
	})
	// Double close must not hang or panic.
	s.e.Close()
}
