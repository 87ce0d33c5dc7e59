package database

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestDB opens an in-memory SQLite database for testing.
func setupTestDB(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSettings(t *testing.T) {
	s := setupTestDB(t)

	if _, err := s.GetSetting("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.SetSetting("k", "v1"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.SetSetting("k", "v2"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	got, err := s.GetSetting("k")
	if err != nil || got != "v2" {
		t.Fatalf("GetSetting = %q, %v", got, err)
	}
	if err := s.DeleteSetting("k"); err != nil {
		t.Fatalf("DeleteSetting: %v", err)
	}
	if _, err := s.GetSetting("k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("setting survived delete: %v", err)
	}
}

func TestTunnelJournal(t *testing.T) {
	s := setupTestDB(t)
	now := time.Now().UTC()

	id, err := s.OpenTunnel("mysqlTestService", "appmirror-tunnel", 40001, "jdbc:mysql://127.0.0.1:40001/db", now)
	if err != nil {
		t.Fatalf("OpenTunnel: %v", err)
	}
	if _, err := s.OpenTunnel("redis", "appmirror-tunnel", 40002, "", now); err != nil {
		t.Fatalf("OpenTunnel: %v", err)
	}
	if err := s.CloseTunnel(id, "explicit", now.Add(time.Minute)); err != nil {
		t.Fatalf("CloseTunnel: %v", err)
	}

	recs, err := s.TunnelHistory(10)
	if err != nil {
		t.Fatalf("TunnelHistory: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[1].Resource != "mysqlTestService" || recs[1].ClosedAt == nil || recs[1].CloseReason != "explicit" {
		t.Errorf("closed record = %+v", recs[1])
	}
	if recs[0].ClosedAt != nil {
		t.Errorf("open record closed: %+v", recs[0])
	}

	n, err := s.CloseDangling(now)
	if err != nil || n != 1 {
		t.Fatalf("CloseDangling = %d, %v", n, err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "appmirror.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()
}
