package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"remora/internal/media"
)

const schemaVersion = 1

// SQLite implements Progress, Devices and KV on a single database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the state database at path.
func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(2000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn from the heartbeat and save timers.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("state db migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	var currentVersion int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS watch_progress (
		user_id TEXT NOT NULL,
		profile_id TEXT NOT NULL,
		video_id TEXT NOT NULL,
		pos_seconds INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, profile_id, video_id)
	);
	CREATE INDEX IF NOT EXISTS idx_progress_updated ON watch_progress(updated_at);

	CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		platform TEXT NOT NULL,
		revoked INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS device_sessions (
		device_id TEXT PRIMARY KEY REFERENCES devices(device_id),
		profile_id TEXT NOT NULL,
		title_id TEXT NOT NULL,
		is_playing INTEGER NOT NULL,
		last_seen INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS flags (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// --- Progress ---

func (s *SQLite) GetProgress(ctx context.Context, user, profile, video string) (*media.ProgressRecord, error) {
	var rec media.ProgressRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, profile_id, video_id, pos_seconds, updated_at
		 FROM watch_progress WHERE user_id = ? AND profile_id = ? AND video_id = ?`,
		user, profile, video,
	).Scan(&rec.UserID, &rec.ProfileID, &rec.VideoID, &rec.Position, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLite) UpsertProgress(ctx context.Context, rec media.ProgressRecord) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO watch_progress (user_id, profile_id, video_id, pos_seconds, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id, profile_id, video_id) DO UPDATE SET
		pos_seconds = excluded.pos_seconds,
		updated_at = excluded.updated_at
	`, rec.UserID, rec.ProfileID, rec.VideoID, rec.Position, rec.UpdatedAt)
	return err
}

func (s *SQLite) DeleteProgress(ctx context.Context, user, profile, video string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM watch_progress WHERE user_id = ? AND profile_id = ? AND video_id = ?",
		user, profile, video)
	return err
}

func (s *SQLite) ListProgress(ctx context.Context, user, profile string) ([]media.ProgressRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, profile_id, video_id, pos_seconds, updated_at
		 FROM watch_progress WHERE user_id = ? AND profile_id = ?
		 ORDER BY updated_at DESC`, user, profile)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []media.ProgressRecord
	for rows.Next() {
		var rec media.ProgressRecord
		if err := rows.Scan(&rec.UserID, &rec.ProfileID, &rec.VideoID, &rec.Position, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Devices ---

// deviceLimitKey names the per-account ceiling in the flags table.
const deviceLimitKey = "account.device_limit"

func (s *SQLite) deviceLimit(ctx context.Context) int {
	val, ok, err := s.GetFlag(ctx, deviceLimitKey)
	if err != nil || !ok {
		return DefaultDeviceLimit
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return DefaultDeviceLimit
	}
	return n
}

func (s *SQLite) RegisterDevice(ctx context.Context, deviceID, label, platform string) (string, error) {
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	var revoked bool
	err := s.db.QueryRowContext(ctx,
		"SELECT revoked FROM devices WHERE device_id = ?", deviceID).Scan(&revoked)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		var count int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM devices WHERE revoked = 0").Scan(&count); err != nil {
			return "", err
		}
		if count >= s.deviceLimit(ctx) {
			return "", ErrDeviceLimit
		}
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO devices (device_id, label, platform, revoked, created_at) VALUES (?, ?, ?, 0, unixepoch())",
			deviceID, label, platform)
		if err != nil {
			return "", err
		}
		return deviceID, nil
	case err != nil:
		return "", err
	case revoked:
		return "", ErrDeviceRevoked
	default:
		_, err := s.db.ExecContext(ctx,
			"UPDATE devices SET label = ?, platform = ? WHERE device_id = ?",
			label, platform, deviceID)
		return deviceID, err
	}
}

func (s *SQLite) UpsertSession(ctx context.Context, sess media.DeviceSession) error {
	playing := 0
	if sess.IsPlaying {
		playing = 1
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO device_sessions (device_id, profile_id, title_id, is_playing, last_seen)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(device_id) DO UPDATE SET
		profile_id = excluded.profile_id,
		title_id = excluded.title_id,
		is_playing = excluded.is_playing,
		last_seen = excluded.last_seen
	`, sess.DeviceID, sess.ProfileID, sess.TitleID, playing, sess.LastSeen)
	return err
}

func (s *SQLite) ListSessions(ctx context.Context) ([]media.DeviceSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, profile_id, title_id, is_playing, last_seen
		 FROM device_sessions ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []media.DeviceSession
	for rows.Next() {
		var sess media.DeviceSession
		var playing int
		if err := rows.Scan(&sess.DeviceID, &sess.ProfileID, &sess.TitleID, &playing, &sess.LastSeen); err != nil {
			return nil, err
		}
		sess.IsPlaying = playing != 0
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLite) RevokeDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE devices SET revoked = 1 WHERE device_id = ?", deviceID)
	return err
}

// --- KV ---

func (s *SQLite) GetFlag(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM flags WHERE key = ?", key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *SQLite) SetFlag(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO flags (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (s *SQLite) ClearFlag(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM flags WHERE key = ?", key)
	return err
}

var (
	_ Progress = (*SQLite)(nil)
	_ Devices  = (*SQLite)(nil)
	_ KV       = (*SQLite)(nil)
)
