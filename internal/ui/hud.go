package ui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"remora/internal/media"
	"remora/internal/session"
)

var (
	hudTitleStyle  = lipgloss.NewStyle().Bold(true)
	hudTimeStyle   = lipgloss.NewStyle().Faint(true)
	hudStatusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	hudErrorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	hudHelpStyle   = lipgloss.NewStyle().Faint(true)
)

const hudHelp = "space pause  ←/→ ±10s  ↑/↓ ±60s  m audio  s subs  q quit"

// scrubSettle is how long after the last seek keypress the scrub is
// considered released. Terminal key-repeat arrives well inside this, so a
// held arrow key reads as one continuous scrub.
const scrubSettle = 500 * time.Millisecond

// controller is the slice of the session engine the HUD drives.
type controller interface {
	Updates() <-chan session.Update
	TogglePause()
	SeekBy(delta float64)
	SetScrubbing(active bool)
	SetAudioTrack(idx int)
	SetTextTrack(idx int)
}

// RunHUD drives the playback heads-up display until the user quits or
// playback finishes. The engine outlives the HUD; the caller owns Close.
func RunHUD(e *session.Engine, title string) error {
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}

	m := hudModel{
		engine: e,
		title:  title,
		width:  width,
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
	m.bar.Width = barWidth(width)

	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

type engineUpdateMsg struct{ update session.Update }
type updatesClosedMsg struct{}
type scrubSettledMsg struct{ seq int }

type hudModel struct {
	engine controller
	title  string
	bar    progress.Model
	width  int

	position float64
	duration float64
	playing  bool
	status   string
	fatalMsg string
	ended    bool

	audioCount int
	audioSel   int
	textCount  int
	textSel    int
	textOn     bool

	scrubbing bool
	scrubSeq  int
}

func (m hudModel) Init() tea.Cmd {
	return m.listen()
}

// listen waits for the next engine update.
func (m hudModel) listen() tea.Cmd {
	ch := m.engine.Updates()
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return updatesClosedMsg{}
		}
		return engineUpdateMsg{update: u}
	}
}

func (m hudModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = barWidth(msg.Width)
		return m, nil

	case engineUpdateMsg:
		switch u := msg.update.(type) {
		case session.StateUpdate:
			m.position = u.Position
			m.duration = u.Duration
			m.playing = u.IsPlaying
		case session.StatusUpdate:
			m.status = u.Message
		case session.TracksUpdate:
			m.audioCount = len(u.Audio)
			m.audioSel = u.SelectedAudio
			m.textCount = len(u.Text)
			if u.SelectedText != media.TextOff {
				m.textSel = u.SelectedText
				m.textOn = true
			} else {
				m.textOn = false
			}
		case session.FatalUpdate:
			m.fatalMsg = u.Message
			m.position = u.LastPosition
		case session.EndedUpdate:
			m.ended = true
			return m, tea.Quit
		}
		return m, m.listen()

	case updatesClosedMsg:
		return m, tea.Quit

	case scrubSettledMsg:
		// Only the settle tick from the newest seek press releases the
		// scrub; earlier ticks are stale.
		if msg.seq == m.scrubSeq && m.scrubbing {
			m.scrubbing = false
			m.engine.SetScrubbing(false)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m hudModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case " ":
		m.engine.TogglePause()
	case "left":
		m.engine.SeekBy(-10)
		return m.scrubHold()
	case "right":
		m.engine.SeekBy(10)
		return m.scrubHold()
	case "down":
		m.engine.SeekBy(-60)
		return m.scrubHold()
	case "up":
		m.engine.SeekBy(60)
		return m.scrubHold()
	case "m":
		if m.audioCount > 1 {
			m.audioSel = (m.audioSel + 1) % m.audioCount
			m.engine.SetAudioTrack(m.audioSel)
		}
	case "s":
		if m.textCount > 0 {
			if m.textOn {
				m.textOn = false
				m.engine.SetTextTrack(media.TextOff)
			} else {
				m.textOn = true
				m.engine.SetTextTrack(m.textSel)
			}
		}
	}
	return m, nil
}

// scrubHold marks a run of seek keypresses as an active scrub so pending
// restores defer instead of fighting the user, then arms the settle tick
// that releases it once the keys go quiet.
func (m hudModel) scrubHold() (tea.Model, tea.Cmd) {
	if !m.scrubbing {
		m.scrubbing = true
		m.engine.SetScrubbing(true)
	}
	m.scrubSeq++
	seq := m.scrubSeq
	return m, tea.Tick(scrubSettle, func(time.Time) tea.Msg { return scrubSettledMsg{seq: seq} })
}

func (m hudModel) View() string {
	var b strings.Builder

	b.WriteString(hudTitleStyle.Render(m.title))
	b.WriteString("\n\n")

	pct := 0.0
	if m.duration > 0 {
		pct = m.position / m.duration
		if pct > 1 {
			pct = 1
		}
	}
	b.WriteString(m.bar.ViewAs(pct))
	b.WriteString("\n")

	state := "⏸"
	if m.playing {
		state = "▶"
	}
	b.WriteString(hudTimeStyle.Render(fmt.Sprintf("%s %s / %s", state, clock(m.position), clock(m.duration))))
	b.WriteString("\n")

	switch {
	case m.fatalMsg != "":
		b.WriteString(hudErrorStyle.Render(m.fatalMsg))
		b.WriteString("\n")
	case m.status != "":
		b.WriteString(hudStatusStyle.Render(m.status))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(hudHelpStyle.Render(hudHelp))
	return b.String()
}

func barWidth(termWidth int) int {
	w := termWidth - 4
	if w < 10 {
		w = 10
	}
	if w > 120 {
		w = 120
	}
	return w
}

// clock formats seconds as h:mm:ss, or m:ss under an hour.
func clock(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	s := int(sec)
	h, m := s/3600, (s%3600)/60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s%60)
	}
	return fmt.Sprintf("%d:%02d", m, s%60)
}
