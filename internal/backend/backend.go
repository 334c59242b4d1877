// Package backend defines the decode-backend contract and its two
// implementations: an in-app HLS backend and a bridge to a native player
// process. Backends normalize their state, track and failure reporting to
// one event stream; classification and recovery policy live in the engine,
// not here.
package backend

import (
	"fmt"
	"net/http"

	"remora/internal/media"
)

// Source is what a backend is asked to load.
type Source struct {
	URL           string
	StartPosition float64 // seconds
	Subtitles     []media.Subtitle
}

// Backend is the contract every decode backend implements. A backend
// instance is single-owner: the engine that creates it is the only writer,
// and Destroy must be called before another backend is constructed for the
// same surface.
type Backend interface {
	Init(cfg Config) error
	SetSource(src Source) error
	Play() error
	Pause() error
	Seek(sec float64) error
	SetAudioTrack(idx int) error
	// SetTextTrack selects a text track; media.TextOff disables subtitles.
	SetTextTrack(idx int) error
	// Events returns the backend's event stream. The channel is closed by
	// Destroy; consumers must tolerate closure at any point.
	Events() <-chan Event
	Destroy() error
}

// Recoverer is implemented by backends that can attempt in-place recovery
// from a fatal decode error (e.g. reloading the pipeline at a position).
type Recoverer interface {
	Recover(atPosition float64) error
}

// QualityCapper is implemented by backends that can cap rendition selection.
// Cap is an index into the most recently reported rendition set; NoCap
// removes the ceiling.
type QualityCapper interface {
	SetQualityCap(index int) error
}

// NoCap removes a previously applied quality cap.
const NoCap = -1

// Config carries backend construction options.
type Config struct {
	// Client is the outbound HTTP client for the hls backend.
	// Defaults to the hardened httputil client.
	Client *http.Client
	// Binary is the player executable for the bridge backend.
	Binary string
}

// ErrorKind is the backend-level failure category. The engine maps these,
// together with HTTPStatus and Fatal, onto its recovery taxonomy.
type ErrorKind string

const (
	ErrNetwork ErrorKind = "network"
	ErrMedia   ErrorKind = "media"
	ErrStall   ErrorKind = "stall"
	ErrInit    ErrorKind = "init"
)

// Event is one normalized backend event.
type Event interface{ isEvent() }

// StateEvent is a position/duration/play-state tick.
type StateEvent struct {
	Position  float64
	Duration  float64
	IsPlaying bool
}

// ReadyEvent fires when stream metadata (duration, tracks) is available
// after a SetSource. It may fire again after reloads.
type ReadyEvent struct {
	Duration float64
}

// TracksEvent reports the selectable audio/text tracks.
type TracksEvent struct {
	Audio         []media.AudioTrack
	Text          []media.TextTrack
	SelectedAudio int
}

// RenditionsEvent reports the available quality ladder.
type RenditionsEvent struct {
	Renditions []media.Rendition
}

// ErrorEvent reports a failure. Fatal means the backend cannot continue on
// its own; non-fatal errors are self-reported hiccups (stalls, holes).
type ErrorEvent struct {
	Kind       ErrorKind
	HTTPStatus int // 0 when not transport-related
	Code       string
	Message    string
	Fatal      bool
}

// EndedEvent fires when playback reaches the end of the stream.
type EndedEvent struct{}

func (StateEvent) isEvent()      {}
func (ReadyEvent) isEvent()      {}
func (TracksEvent) isEvent()     {}
func (RenditionsEvent) isEvent() {}
func (ErrorEvent) isEvent()      {}
func (EndedEvent) isEvent()      {}

// New creates a backend by name.
func New(name string) (Backend, error) {
	switch name {
	case "hls":
		return NewHLS(), nil
	case "bridge":
		return NewBridge(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (valid: hls, bridge)", name)
	}
}
