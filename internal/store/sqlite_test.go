package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"remora/internal/media"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProgressRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := media.ProgressRecord{
		UserID: "u1", ProfileID: "p1", VideoID: "movie/test-1",
		Position: 312, UpdatedAt: 1700000000,
	}
	if err := s.UpsertProgress(ctx, rec); err != nil {
		t.Fatalf("UpsertProgress error: %v", err)
	}

	got, err := s.GetProgress(ctx, "u1", "p1", "movie/test-1")
	if err != nil {
		t.Fatalf("GetProgress error: %v", err)
	}
	if got == nil || got.Position != 312 {
		t.Fatalf("got %+v, want position 312", got)
	}

	// Upsert replaces in place
	rec.Position = 500
	rec.UpdatedAt = 1700000100
	if err := s.UpsertProgress(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetProgress(ctx, "u1", "p1", "movie/test-1")
	if got.Position != 500 {
		t.Errorf("position after upsert = %d, want 500", got.Position)
	}

	// Missing record is nil, nil
	got, err = s.GetProgress(ctx, "u1", "p1", "movie/unknown-9")
	if err != nil || got != nil {
		t.Errorf("missing record: got %+v, err %v", got, err)
	}
}

func TestProgressKeyedByProfile(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.UpsertProgress(ctx, media.ProgressRecord{UserID: "u1", ProfileID: "adults", VideoID: "v1", Position: 100, UpdatedAt: 1})
	s.UpsertProgress(ctx, media.ProgressRecord{UserID: "u1", ProfileID: "kids", VideoID: "v1", Position: 7, UpdatedAt: 2})

	got, _ := s.GetProgress(ctx, "u1", "adults", "v1")
	if got.Position != 100 {
		t.Errorf("adults position = %d, want 100", got.Position)
	}
	got, _ = s.GetProgress(ctx, "u1", "kids", "v1")
	if got.Position != 7 {
		t.Errorf("kids position = %d, want 7", got.Position)
	}
}

func TestListProgressNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.UpsertProgress(ctx, media.ProgressRecord{UserID: "u", ProfileID: "p", VideoID: "old", Position: 1, UpdatedAt: 100})
	s.UpsertProgress(ctx, media.ProgressRecord{UserID: "u", ProfileID: "p", VideoID: "new", Position: 2, UpdatedAt: 200})

	list, err := s.ListProgress(ctx, "u", "p")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].VideoID != "new" {
		t.Errorf("list = %+v, want newest first", list)
	}
}

func TestDeviceLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.SetFlag(ctx, "account.device_limit", "2")

	if _, err := s.RegisterDevice(ctx, "d1", "tv", "linux"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RegisterDevice(ctx, "d2", "phone", "android"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RegisterDevice(ctx, "d3", "laptop", "linux"); !errors.Is(err, ErrDeviceLimit) {
		t.Errorf("third device: err = %v, want ErrDeviceLimit", err)
	}

	// Re-registering an existing device never counts against the limit.
	if _, err := s.RegisterDevice(ctx, "d1", "tv-renamed", "linux"); err != nil {
		t.Errorf("re-register: %v", err)
	}
}

func TestDeviceRevoked(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.RegisterDevice(ctx, "d1", "tv", "linux"); err != nil {
		t.Fatal(err)
	}
	if err := s.RevokeDevice(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RegisterDevice(ctx, "d1", "tv", "linux"); !errors.Is(err, ErrDeviceRevoked) {
		t.Errorf("err = %v, want ErrDeviceRevoked", err)
	}
}

func TestRegisterDeviceGeneratesID(t *testing.T) {
	s := openTestStore(t)
	id, err := s.RegisterDevice(context.Background(), "", "tv", "linux")
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Error("expected generated device ID")
	}
}

func TestSessionUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.RegisterDevice(ctx, "d1", "tv", "linux"); err != nil {
		t.Fatal(err)
	}

	sess := media.DeviceSession{DeviceID: "d1", ProfileID: "p1", TitleID: "movie/x-1", IsPlaying: true, LastSeen: 1000}
	if err := s.UpsertSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	sess.IsPlaying = false
	sess.LastSeen = 2000
	if err := s.UpsertSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected single row per device, got %d", len(list))
	}
	if list[0].IsPlaying || list[0].LastSeen != 2000 {
		t.Errorf("session = %+v, want paused at 2000", list[0])
	}
}

func TestFlags(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, _ := s.GetFlag(ctx, "intro.movie/x-1"); ok {
		t.Error("flag present before set")
	}
	s.SetFlag(ctx, "intro.movie/x-1", "done")
	val, ok, err := s.GetFlag(ctx, "intro.movie/x-1")
	if err != nil || !ok || val != "done" {
		t.Errorf("GetFlag = %q %v %v", val, ok, err)
	}
	s.ClearFlag(ctx, "intro.movie/x-1")
	if _, ok, _ := s.GetFlag(ctx, "intro.movie/x-1"); ok {
		t.Error("flag present after clear")
	}
}

func TestMemoryMatchesSQLiteSemantics(t *testing.T) {
	// The memory store backs engine tests; its limit/revocation semantics
	// must match the sqlite implementation.
	m := NewMemory()
	m.DeviceLimit = 1
	ctx := context.Background()

	if _, err := m.RegisterDevice(ctx, "d1", "tv", "linux"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RegisterDevice(ctx, "d2", "tv", "linux"); !errors.Is(err, ErrDeviceLimit) {
		t.Errorf("err = %v, want ErrDeviceLimit", err)
	}
	m.RevokeDevice(ctx, "d1")
	if _, err := m.RegisterDevice(ctx, "d1", "tv", "linux"); !errors.Is(err, ErrDeviceRevoked) {
		t.Errorf("err = %v, want ErrDeviceRevoked", err)
	}

	for i := 0; i < 3; i++ {
		m.UpsertProgress(ctx, media.ProgressRecord{
			UserID: "u", ProfileID: "p", VideoID: fmt.Sprintf("v%d", i),
			Position: int64(i), UpdatedAt: int64(i),
		})
	}
	list, _ := m.ListProgress(ctx, "u", "p")
	if len(list) != 3 || list[0].VideoID != "v2" {
		t.Errorf("ListProgress = %+v, want newest first", list)
	}
}
