package credentials

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gluk-w/appmirror/internal/crypto"
	"github.com/gluk-w/appmirror/internal/database"
	"github.com/gluk-w/appmirror/internal/remote"
)

func TestDBStore(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()
	s := NewDBStore(db, crypto.NewKeyring(db))
	ctx := context.Background()

	if _, err := s.Get(ctx); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}

	want := remote.Credentials{Username: "dev@example.com", Password: "pa55", Token: "tok"}
	if err := s.Set(ctx, want); err != nil {
		t.Fatalf("Set: %v", err)
	}
	raw, _ := db.GetSetting(settingCredentials)
	if strings.Contains(raw, "pa55") {
		t.Fatal("password stored in clear text")
	}
	got, err := s.Get(ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != want {
		t.Errorf("Get = %+v, want %+v", got, want)
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore(nil)
	ctx := context.Background()
	if _, err := m.Get(ctx); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
	m.Set(ctx, remote.Credentials{Username: "u"})
	if c, _ := m.Get(ctx); c.Username != "u" {
		t.Errorf("Get = %+v", c)
	}
	if g, s := m.Counts(); g != 2 || s != 1 {
		t.Errorf("Counts = %d, %d", g, s)
	}
}
