package backend

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"remora/internal/log"
	"remora/internal/media"
)

// Bridge drives a native player process (mpv protocol) over a JSON IPC
// socket at a randomized temp path. The player binary is launched with
// explicit argument slices; no shell interpretation. Property observers
// feed the normalized event stream.
type Bridge struct {
	mu        sync.Mutex
	binary    string
	events    chan Event
	stop      chan struct{}
	wg        sync.WaitGroup
	destroyed bool

	cmd       *exec.Cmd
	conn      net.Conn
	socketDir string
	requestID int

	src      Source
	position float64
	duration float64
	playing  bool
	ready    bool
	tracks   TracksEvent
}

// Observer property IDs on the IPC connection.
const (
	obsTimePos = iota + 1
	obsDuration
	obsPause
	obsEOF
	obsTrackList
)

// NewBridge creates an uninitialized bridge backend.
func NewBridge() *Bridge {
	return &Bridge{
		events: make(chan Event, 64),
		stop:   make(chan struct{}),
	}
}

func (b *Bridge) Init(cfg Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return errors.New("backend destroyed")
	}
	b.binary = cfg.Binary
	if b.binary == "" {
		b.binary = "mpv"
	}
	if _, err := exec.LookPath(b.binary); err != nil {
		return fmt.Errorf("player %q not found in PATH: %w", b.binary, err)
	}
	return nil
}

func (b *Bridge) Events() <-chan Event { return b.events }

// SetSource loads the URL. The first call launches the player process; later
// calls reuse the running process via a loadfile command, which is how the
// bridge re-points the player at a renewed source without restarting it.
func (b *Bridge) SetSource(src Source) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return errors.New("backend destroyed")
	}
	b.src = src
	b.ready = false

	if b.conn != nil {
		opts := fmt.Sprintf("start=+%.3f", src.StartPosition)
		return b.commandLocked("loadfile", src.URL, "replace", opts)
	}
	return b.launchLocked(src)
}

func (b *Bridge) launchLocked(src Source) error {
	socketDir, err := os.MkdirTemp("", "remora-ipc-*")
	if err != nil {
		return fmt.Errorf("creating temp dir for ipc socket: %w", err)
	}
	socketPath := filepath.Join(socketDir, "socket")

	args := []string{
		src.URL,
		"--input-ipc-server=" + socketPath,
		"--pause",
		"--really-quiet",
		"--keep-open=yes",
	}
	if src.StartPosition > 0 {
		args = append(args, fmt.Sprintf("--start=+%.3f", src.StartPosition))
	}
	for _, sub := range src.Subtitles {
		if sub.URL != "" {
			args = append(args, "--sub-file="+sub.URL)
		}
	}

	cmd := exec.Command(b.binary, args...)
	if err := cmd.Start(); err != nil {
		os.RemoveAll(socketDir)
		return fmt.Errorf("starting %s: %w", b.binary, err)
	}

	conn, err := waitForSocket(socketPath, 5*time.Second)
	if err != nil {
		_ = cmd.Process.Kill()
		os.RemoveAll(socketDir)
		return fmt.Errorf("connecting to player ipc: %w", err)
	}

	b.cmd = cmd
	b.conn = conn
	b.socketDir = socketDir

	b.wg.Add(2)
	go b.readLoop(conn)
	go b.waitProcess(cmd)

	return b.observeLocked()
}

// observeLocked registers property observers after connecting.
func (b *Bridge) observeLocked() error {
	observe := [][]any{
		{"observe_property", obsTimePos, "time-pos"},
		{"observe_property", obsDuration, "duration"},
		{"observe_property", obsPause, "pause"},
		{"observe_property", obsEOF, "eof-reached"},
		{"observe_property", obsTrackList, "track-list"},
	}
	for _, cmd := range observe {
		if err := b.commandLocked(cmd...); err != nil {
			return err
		}
	}
	return nil
}

// waitForSocket polls until the player creates its IPC socket.
func waitForSocket(path string, timeout time.Duration) (net.Conn, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			if conn, err := net.Dial("unix", path); err == nil {
				return conn, nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("socket %s not available after %s", path, timeout)
}

// commandLocked writes one IPC command. Caller holds b.mu.
func (b *Bridge) commandLocked(parts ...any) error {
	if b.conn == nil {
		return errors.New("player not running")
	}
	b.requestID++
	msg := map[string]any{"command": parts, "request_id": b.requestID}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := b.conn.Write(data); err != nil {
		return fmt.Errorf("ipc write: %w", err)
	}
	return nil
}

func (b *Bridge) command(parts ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commandLocked(parts...)
}

// ipcMessage is one line from the player's IPC stream.
type ipcMessage struct {
	Event string          `json:"event"`
	ID    int             `json:"id"`
	Name  string          `json:"name"`
	Data  json.RawMessage `json:"data"`
}

func (b *Bridge) readLoop(conn net.Conn) {
	defer b.wg.Done()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-b.stop:
			return
		default:
		}

		var msg ipcMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		b.handleMessage(msg)
	}
}

func (b *Bridge) handleMessage(msg ipcMessage) {
	switch msg.Event {
	case "property-change":
		b.handleProperty(msg)
	case "file-loaded":
		b.mu.Lock()
		b.ready = true
		dur := b.duration
		b.mu.Unlock()
		b.emit(ReadyEvent{Duration: dur})
	case "end-file":
		var detail struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(msg.Data, &detail)
		if detail.Reason == "error" {
			b.emit(ErrorEvent{Kind: ErrMedia, Code: "end-file", Message: "player aborted the file", Fatal: true})
		}
	}
}

func (b *Bridge) handleProperty(msg ipcMessage) {
	switch msg.ID {
	case obsTimePos:
		var pos float64
		if json.Unmarshal(msg.Data, &pos) != nil {
			return
		}
		b.mu.Lock()
		b.position = pos
		st := StateEvent{Position: b.position, Duration: b.duration, IsPlaying: b.playing}
		b.mu.Unlock()
		b.emit(st)
	case obsDuration:
		var dur float64
		if json.Unmarshal(msg.Data, &dur) != nil {
			return
		}
		b.mu.Lock()
		first := b.duration == 0 && dur > 0
		b.duration = dur
		b.mu.Unlock()
		if first {
			b.emit(ReadyEvent{Duration: dur})
		}
	case obsPause:
		var paused bool
		if json.Unmarshal(msg.Data, &paused) != nil {
			return
		}
		b.mu.Lock()
		b.playing = !paused
		st := StateEvent{Position: b.position, Duration: b.duration, IsPlaying: b.playing}
		b.mu.Unlock()
		b.emit(st)
	case obsEOF:
		var eof bool
		if json.Unmarshal(msg.Data, &eof) == nil && eof {
			b.emit(EndedEvent{})
		}
	case obsTrackList:
		var raw []struct {
			Type     string `json:"type"`
			ID       int    `json:"id"`
			Lang     string `json:"lang"`
			Title    string `json:"title"`
			Selected bool   `json:"selected"`
		}
		if json.Unmarshal(msg.Data, &raw) != nil {
			return
		}
		ev := TracksEvent{}
		for _, tr := range raw {
			switch tr.Type {
			case "audio":
				if tr.Selected {
					ev.SelectedAudio = len(ev.Audio)
				}
				ev.Audio = append(ev.Audio, media.AudioTrack{
					Index: len(ev.Audio), Language: tr.Lang, Label: tr.Title,
				})
			case "sub":
				ev.Text = append(ev.Text, media.TextTrack{
					Index: len(ev.Text), Language: tr.Lang, Label: tr.Title,
				})
			}
		}
		b.mu.Lock()
		b.tracks = ev
		b.mu.Unlock()
		b.emit(ev)
	}
}

// waitProcess reports unexpected player exit as a fatal media error.
func (b *Bridge) waitProcess(cmd *exec.Cmd) {
	defer b.wg.Done()

	err := cmd.Wait()
	select {
	case <-b.stop:
		return // teardown owns this exit
	default:
	}
	msg := "player process exited"
	if err != nil {
		msg = fmt.Sprintf("player process exited: %v", err)
	}
	log.WithComponent("backend").Warn().Str("backend", "bridge").Msg(msg)
	b.emit(ErrorEvent{Kind: ErrMedia, Code: "process-exit", Message: msg, Fatal: true})
}

func (b *Bridge) Play() error {
	return b.command("set_property", "pause", false)
}

func (b *Bridge) Pause() error {
	return b.command("set_property", "pause", true)
}

func (b *Bridge) Seek(sec float64) error {
	if sec < 0 {
		sec = 0
	}
	return b.command("seek", sec, "absolute")
}

func (b *Bridge) SetAudioTrack(idx int) error {
	// mpv track IDs are 1-based
	return b.command("set_property", "aid", idx+1)
}

func (b *Bridge) SetTextTrack(idx int) error {
	if idx == media.TextOff {
		return b.command("set_property", "sid", "no")
	}
	return b.command("set_property", "sid", idx+1)
}

// Recover reloads the current source in the running player at the given
// position. This is the bridge's backend-specific decode recovery.
func (b *Bridge) Recover(atPosition float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return errors.New("player not running")
	}
	opts := fmt.Sprintf("start=+%.3f", atPosition)
	return b.commandLocked("loadfile", b.src.URL, "replace", opts)
}

func (b *Bridge) Destroy() error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return nil
	}
	b.destroyed = true
	close(b.stop)

	if b.conn != nil {
		_ = b.commandLocked("quit")
		_ = b.conn.Close()
	}
	cmd := b.cmd
	socketDir := b.socketDir
	b.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		// Give the player a moment to honor quit, then force it.
		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			_ = cmd.Process.Kill()
		}
	}
	if socketDir != "" {
		os.RemoveAll(socketDir)
	}

	go func() {
		b.wg.Wait()
		close(b.events)
	}()
	return nil
}

// emit delivers an event unless the backend has been destroyed.
func (b *Bridge) emit(e Event) {
	select {
	case b.events <- e:
	case <-b.stop:
	}
}

var (
	_ Backend   = (*Bridge)(nil)
	_ Recoverer = (*Bridge)(nil)
)
