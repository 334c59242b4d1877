package ui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"remora/internal/media"
	"remora/internal/session"
)

// fakeController records every engine command the HUD issues.
type fakeController struct {
	updates chan session.Update
	scrubs  []bool
	seeks   []float64
	audio   []int
	text    []int
	toggles int
}

func newFakeController() *fakeController {
	return &fakeController{updates: make(chan session.Update, 8)}
}

func (f *fakeController) Updates() <-chan session.Update { return f.updates }
func (f *fakeController) TogglePause()                   { f.toggles++ }
func (f *fakeController) SeekBy(delta float64)           { f.seeks = append(f.seeks, delta) }
func (f *fakeController) SetScrubbing(active bool)       { f.scrubs = append(f.scrubs, active) }
func (f *fakeController) SetAudioTrack(idx int)          { f.audio = append(f.audio, idx) }
func (f *fakeController) SetTextTrack(idx int)           { f.text = append(f.text, idx) }

func TestSeekKeysHoldScrubUntilSettled(t *testing.T) {
	fc := newFakeController()
	m := hudModel{engine: fc, duration: 600}

	next, _ := m.handleKey(tea.KeyMsg{Type: tea.KeyRight})
	m = next.(hudModel)
	next, _ = m.handleKey(tea.KeyMsg{Type: tea.KeyRight})
	m = next.(hudModel)

	if got := fc.scrubs; len(got) != 1 || !got[0] {
		t.Fatalf("scrubs = %v, want a single activation for the held run", got)
	}
	if len(fc.seeks) != 2 || fc.seeks[0] != 10 {
		t.Fatalf("seeks = %v, want two +10 steps", fc.seeks)
	}

	// The settle tick armed by the first press is stale once a second
	// press lands; it must not release the hold.
	model, _ := m.Update(scrubSettledMsg{seq: m.scrubSeq - 1})
	m = model.(hudModel)
	if len(fc.scrubs) != 1 {
		t.Fatalf("stale settle tick released the scrub: %v", fc.scrubs)
	}

	model, _ = m.Update(scrubSettledMsg{seq: m.scrubSeq})
	m = model.(hudModel)
	if got := fc.scrubs; len(got) != 2 || got[1] {
		t.Errorf("scrubs = %v, want release after the keys go quiet", got)
	}
	if m.scrubbing {
		t.Error("model still marked scrubbing after settle")
	}
}

func TestSubtitleToggleTracksEngineSelection(t *testing.T) {
	fc := newFakeController()
	m := hudModel{engine: fc}

	model, _ := m.Update(engineUpdateMsg{update: session.TracksUpdate{
		Text: []media.TextTrack{
			{Index: 0, Label: "English"},
			{Index: 1, Label: "Spanish"},
		},
		SelectedText: 1,
	}})
	m = model.(hudModel)
	if !m.textOn || m.textSel != 1 {
		t.Fatalf("textOn=%v textSel=%d, want enabled at track 1", m.textOn, m.textSel)
	}

	next, _ := m.handleKey(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'s'}})
	m = next.(hudModel)
	if len(fc.text) != 1 || fc.text[0] != media.TextOff {
		t.Fatalf("text calls = %v, want TextOff first", fc.text)
	}

	next, _ = m.handleKey(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'s'}})
	m = next.(hudModel)
	if len(fc.text) != 2 || fc.text[1] != 1 {
		t.Errorf("text calls = %v, want re-enable at the remembered track", fc.text)
	}
}

func TestClockFormatting(t *testing.T) {
	cases := []struct {
		sec  float64
		want string
	}{
		{0, "0:00"},
		{59.9, "0:59"},
		{61, "1:01"},
		{3599, "59:59"},
		{3600, "1:00:00"},
		{5025, "1:23:45"},
		{-4, "0:00"},
	}
	for _, tc := range cases {
		if got := clock(tc.sec); got != tc.want {
			t.Errorf("clock(%v) = %q, want %q", tc.sec, got, tc.want)
		}
	}
}

func TestBarWidthBounds(t *testing.T) {
	if got := barWidth(80); got != 76 {
		t.Errorf("barWidth(80) = %d, want 76", got)
	}
	if got := barWidth(5); got != 10 {
		t.Errorf("barWidth(5) = %d, want floor 10", got)
	}
	if got := barWidth(500); got != 120 {
		t.Errorf("barWidth(500) = %d, want cap 120", got)
	}
}
