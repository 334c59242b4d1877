// Package media defines shared types for the remora application.
package media

// MediaType represents whether content is a movie or TV show.
type MediaType int

const (
	Movie MediaType = iota
	TV
)

func (m MediaType) String() string {
	switch m {
	case Movie:
		return "movie"
	case TV:
		return "tv"
	default:
		return "unknown"
	}
}

// SearchResult represents a single catalog search result.
type SearchResult struct {
	ID    string    // Catalog title ID (e.g., "movie/free-the-exorcist-hd-75043")
	Title string    // Display title
	Type  MediaType // Movie or TV
	Year  string    // Release year
	URL   string    // Full URL to the content page
}

// AudioTrack describes one selectable audio rendition.
type AudioTrack struct {
	Index    int
	Language string
	Label    string
}

// TextTrack describes one selectable subtitle/caption track.
type TextTrack struct {
	Index    int
	Language string
	Label    string
	URL      string // URL to the subtitle file (usually VTT)
}

// TextOff marks the text track selection as disabled.
const TextOff = -1

// TrackSelection is the session's current audio/text choice.
type TrackSelection struct {
	Audio int
	Text  int // TextOff when subtitles are disabled
}

// Rendition is one quality variant of a stream.
type Rendition struct {
	Index     int
	Bandwidth int
	Width     int
	Height    int
	URI       string
}

// Subtitle represents an external subtitle track offered with a stream.
type Subtitle struct {
	Language string // e.g., "English"
	Label    string // Display label, e.g., "English - SDH"
	URL      string
}

// ProgressRecord is a persisted watch position, keyed (user, profile, video).
type ProgressRecord struct {
	UserID    string
	ProfileID string
	VideoID   string
	Position  int64 // whole seconds
	UpdatedAt int64 // unix seconds
}

// DeviceSession is the persisted "this device is playing title X" record.
type DeviceSession struct {
	DeviceID  string
	ProfileID string
	TitleID   string
	IsPlaying bool
	LastSeen  int64 // unix seconds
}
