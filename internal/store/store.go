// Package store persists watch positions, device/session heartbeats and
// small durable flags. SQLite is the production backend; mutex-guarded
// memory implementations exist for tests.
package store

import (
	"context"
	"errors"

	"remora/internal/media"
)

// Progress reads and writes persisted watch-position records.
type Progress interface {
	// GetProgress returns the saved position or nil when none exists.
	GetProgress(ctx context.Context, user, profile, video string) (*media.ProgressRecord, error)
	// UpsertProgress creates or replaces the record for (user, profile, video).
	UpsertProgress(ctx context.Context, rec media.ProgressRecord) error
	// DeleteProgress removes the record, if any.
	DeleteProgress(ctx context.Context, user, profile, video string) error
	// ListProgress returns all records for a (user, profile) pair, newest first.
	ListProgress(ctx context.Context, user, profile string) ([]media.ProgressRecord, error)
}

// Devices registers devices and records per-device session heartbeats.
type Devices interface {
	// RegisterDevice admits a device under the account ceiling, returning its
	// ID. Re-registering a known device refreshes its label and is never
	// counted against the limit. Fails with ErrDeviceLimit or ErrDeviceRevoked.
	RegisterDevice(ctx context.Context, deviceID, label, platform string) (string, error)
	// UpsertSession records what the device is doing right now.
	UpsertSession(ctx context.Context, s media.DeviceSession) error
	// ListSessions returns the current session row per device.
	ListSessions(ctx context.Context) ([]media.DeviceSession, error)
	// RevokeDevice marks a device as revoked; subsequent registration fails fast.
	RevokeDevice(ctx context.Context, deviceID string) error
}

// KV is a small durable key-value store for per-device flags
// (device key, "intro finished" markers). Lifetime is per device
// installation, not per session.
type KV interface {
	GetFlag(ctx context.Context, key string) (string, bool, error)
	SetFlag(ctx context.Context, key, value string) error
	ClearFlag(ctx context.Context, key string) error
}

var (
	// ErrDeviceLimit is returned when the account's device ceiling is reached.
	ErrDeviceLimit = errors.New("device limit reached for this account")
	// ErrDeviceRevoked is returned for devices an operator has revoked.
	ErrDeviceRevoked = errors.New("device has been revoked")
)

// DefaultDeviceLimit applies when the account carries no explicit limit.
const DefaultDeviceLimit = 5
