package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"remora/internal/media"
)

// Memory implements Progress, Devices and KV in process memory (thread-safe).
type Memory struct {
	mu          sync.RWMutex
	progress    map[string]media.ProgressRecord
	devices     map[string]memDevice
	sessions    map[string]media.DeviceSession
	flags       map[string]string
	DeviceLimit int
}

type memDevice struct {
	label    string
	platform string
	revoked  bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		progress:    make(map[string]media.ProgressRecord),
		devices:     make(map[string]memDevice),
		sessions:    make(map[string]media.DeviceSession),
		flags:       make(map[string]string),
		DeviceLimit: DefaultDeviceLimit,
	}
}

func progressKey(user, profile, video string) string {
	return user + "\x00" + profile + "\x00" + video
}

func (m *Memory) GetProgress(_ context.Context, user, profile, video string) (*media.ProgressRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.progress[progressKey(user, profile, video)]; ok {
		clone := rec
		return &clone, nil
	}
	return nil, nil
}

func (m *Memory) UpsertProgress(_ context.Context, rec media.ProgressRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[progressKey(rec.UserID, rec.ProfileID, rec.VideoID)] = rec
	return nil
}

func (m *Memory) DeleteProgress(_ context.Context, user, profile, video string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.progress, progressKey(user, profile, video))
	return nil
}

func (m *Memory) ListProgress(_ context.Context, user, profile string) ([]media.ProgressRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []media.ProgressRecord
	for _, rec := range m.progress {
		if rec.UserID == user && rec.ProfileID == profile {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

func (m *Memory) RegisterDevice(_ context.Context, deviceID, label, platform string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	if d, ok := m.devices[deviceID]; ok {
		if d.revoked {
			return "", ErrDeviceRevoked
		}
		d.label, d.platform = label, platform
		m.devices[deviceID] = d
		return deviceID, nil
	}

	active := 0
	for _, d := range m.devices {
		if !d.revoked {
			active++
		}
	}
	if active >= m.DeviceLimit {
		return "", ErrDeviceLimit
	}
	m.devices[deviceID] = memDevice{label: label, platform: platform}
	return deviceID, nil
}

func (m *Memory) UpsertSession(_ context.Context, s media.DeviceSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.DeviceID] = s
	return nil
}

func (m *Memory) ListSessions(_ context.Context) ([]media.DeviceSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []media.DeviceSession
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen > out[j].LastSeen })
	return out, nil
}

func (m *Memory) RevokeDevice(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.devices[deviceID]
	d.revoked = true
	m.devices[deviceID] = d
	return nil
}

func (m *Memory) GetFlag(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.flags[key]
	return val, ok, nil
}

func (m *Memory) SetFlag(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[key] = value
	return nil
}

func (m *Memory) ClearFlag(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, key)
	return nil
}

var (
	_ Progress = (*Memory)(nil)
	_ Devices  = (*Memory)(nil)
	_ KV       = (*Memory)(nil)
)
