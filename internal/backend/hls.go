package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"remora/internal/httputil"
	"remora/internal/log"
	"remora/internal/media"
)

// HLS is the in-app decode backend. It fetches and parses the signed master
// playlist itself, tracks the rendition ladder, and advances the playback
// clock locally. Transport failures surface with their real HTTP status so
// the engine can classify them.
type HLS struct {
	mu         sync.Mutex
	client     *http.Client
	events     chan Event
	stop       chan struct{}
	wg         sync.WaitGroup
	loadCancel context.CancelFunc

	src        Source
	manifest   *masterManifest
	duration   float64
	position   float64
	playing    bool
	ready      bool
	ended      bool
	capIndex   int
	selected   int
	audioSel   int
	textSel    int
	destroyed  bool
	tickEvery  time.Duration
}

// NewHLS creates an uninitialized HLS backend.
func NewHLS() *HLS {
	return &HLS{
		events:    make(chan Event, 64),
		stop:      make(chan struct{}),
		capIndex:  NoCap,
		tickEvery: 500 * time.Millisecond,
	}
}

func (h *HLS) Init(cfg Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return errors.New("backend destroyed")
	}
	h.client = cfg.Client
	if h.client == nil {
		h.client = httputil.NewClient()
	}

	h.wg.Add(1)
	go h.clock()
	return nil
}

func (h *HLS) Events() <-chan Event { return h.events }

// SetSource cancels any in-flight load and starts loading url. Loading is
// asynchronous; completion is reported as ReadyEvent or ErrorEvent.
func (h *HLS) SetSource(src Source) error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return errors.New("backend destroyed")
	}
	if h.loadCancel != nil {
		h.loadCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.loadCancel = cancel
	h.src = src
	h.position = src.StartPosition
	h.ready = false
	h.ended = false
	h.mu.Unlock()

	h.wg.Add(1)
	go h.load(ctx, src)
	return nil
}

func (h *HLS) load(ctx context.Context, src Source) {
	defer h.wg.Done()

	resp, err := httputil.Get(ctx, h.client, src.URL)
	if err != nil {
		if ctx.Err() != nil {
			return // superseded or destroyed
		}
		h.emit(ErrorEvent{Kind: ErrNetwork, Message: fmt.Sprintf("fetching master playlist: %v", err), Fatal: true})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.emit(ErrorEvent{
			Kind:       ErrNetwork,
			HTTPStatus: resp.StatusCode,
			Message:    fmt.Sprintf("master playlist returned status %d", resp.StatusCode),
			Fatal:      true,
		})
		return
	}

	m, err := parseMaster(resp.Body, src.URL)
	if err != nil {
		h.emit(ErrorEvent{Kind: ErrInit, Code: "manifest-parse", Message: err.Error(), Fatal: true})
		return
	}

	h.mu.Lock()
	h.manifest = m
	h.selected = h.pickRenditionLocked()
	uri := m.Renditions[h.selected].URI
	h.mu.Unlock()

	h.emit(RenditionsEvent{Renditions: m.Renditions})
	h.emit(TracksEvent{Audio: m.Audio, Text: m.Text, SelectedAudio: 0})

	dur, live, err := h.fetchMediaPlaylist(ctx, uri)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		var se *httputil.StatusError
		status := 0
		if errors.As(err, &se) {
			status = se.Status
		}
		h.emit(ErrorEvent{Kind: ErrNetwork, HTTPStatus: status, Message: err.Error(), Fatal: true})
		return
	}
	if live {
		h.emit(ErrorEvent{Kind: ErrInit, Code: "live-playlist", Message: "expected VOD playlist, got live", Fatal: true})
		return
	}

	h.mu.Lock()
	h.duration = dur
	h.ready = true
	if h.position > dur {
		h.position = dur
	}
	h.mu.Unlock()

	h.emit(ReadyEvent{Duration: dur})
	log.WithComponent("backend").Debug().
		Str("backend", "hls").
		Float64("duration", dur).
		Int("renditions", len(m.Renditions)).
		Msg("source loaded")
}

func (h *HLS) fetchMediaPlaylist(ctx context.Context, uri string) (float64, bool, error) {
	resp, err := httputil.Get(ctx, h.client, uri)
	if err != nil {
		return 0, false, fmt.Errorf("fetching media playlist: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, false, &httputil.StatusError{Status: resp.StatusCode, URL: uri}
	}
	return parseMediaPlaylist(resp.Body)
}

// pickRenditionLocked selects the highest-bandwidth rendition allowed by the
// current cap. Caller holds h.mu.
func (h *HLS) pickRenditionLocked() int {
	if h.manifest == nil || len(h.manifest.Renditions) == 0 {
		return 0
	}
	limit := len(h.manifest.Renditions) - 1
	if h.capIndex != NoCap && h.capIndex < limit {
		limit = h.capIndex
	}
	best := 0
	for i := 0; i <= limit; i++ {
		if h.manifest.Renditions[i].Bandwidth >= h.manifest.Renditions[best].Bandwidth {
			best = i
		}
	}
	return best
}

func (h *HLS) Play() error {
	h.mu.Lock()
	h.playing = true
	h.ended = false
	st := h.stateLocked()
	h.mu.Unlock()
	h.emit(st)
	return nil
}

func (h *HLS) Pause() error {
	h.mu.Lock()
	h.playing = false
	st := h.stateLocked()
	h.mu.Unlock()
	h.emit(st)
	return nil
}

func (h *HLS) Seek(sec float64) error {
	h.mu.Lock()
	if sec < 0 {
		sec = 0
	}
	if h.ready && sec > h.duration {
		sec = h.duration
	}
	h.position = sec
	h.ended = false
	st := h.stateLocked()
	h.mu.Unlock()
	h.emit(st)
	return nil
}

func (h *HLS) SetAudioTrack(idx int) error {
	h.mu.Lock()
	if h.manifest == nil || idx < 0 || idx >= len(h.manifest.Audio) {
		h.mu.Unlock()
		return fmt.Errorf("audio track %d out of range", idx)
	}
	h.audioSel = idx
	m := h.manifest
	h.mu.Unlock()
	h.emit(TracksEvent{Audio: m.Audio, Text: m.Text, SelectedAudio: idx})
	return nil
}

func (h *HLS) SetTextTrack(idx int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if idx == media.TextOff {
		h.textSel = media.TextOff
		return nil
	}
	if h.manifest == nil || idx < 0 || idx >= len(h.manifest.Text) {
		return fmt.Errorf("text track %d out of range", idx)
	}
	h.textSel = idx
	return nil
}

// SetQualityCap restricts rendition selection to indices <= index.
func (h *HLS) SetQualityCap(index int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.capIndex = index
	if h.manifest != nil {
		h.selected = h.pickRenditionLocked()
	}
	return nil
}

func (h *HLS) Destroy() error {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return nil
	}
	h.destroyed = true
	if h.loadCancel != nil {
		h.loadCancel()
	}
	close(h.stop)
	h.mu.Unlock()

	go func() {
		h.wg.Wait()
		close(h.events)
	}()
	return nil
}

// clock advances the playback position while playing and emits state ticks.
func (h *HLS) clock() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.tickEvery)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-h.stop:
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last).Seconds()
			last = now

			h.mu.Lock()
			if !h.ready || !h.playing {
				h.mu.Unlock()
				continue
			}
			h.position += elapsed
			finished := h.duration > 0 && h.position >= h.duration
			if finished {
				h.position = h.duration
				h.playing = false
				h.ended = true
			}
			st := h.stateLocked()
			h.mu.Unlock()

			h.emit(st)
			if finished {
				h.emit(EndedEvent{})
			}
		}
	}
}

// stateLocked builds a StateEvent; caller holds h.mu.
func (h *HLS) stateLocked() StateEvent {
	return StateEvent{Position: h.position, Duration: h.duration, IsPlaying: h.playing}
}

// emit delivers an event unless the backend has been destroyed.
func (h *HLS) emit(e Event) {
	select {
	case h.events <- e:
	case <-h.stop:
	}
}

var (
	_ Backend       = (*HLS)(nil)
	_ QualityCapper = (*HLS)(nil)
)
