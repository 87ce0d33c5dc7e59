package logging

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestReadTailAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "appmirror.log")
	l, err := New("debug", path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	for _, msg := range []string{"one", "two", "three", "four"} {
		l.Info().Msg(msg)
	}
	tail, err := l.ReadTail(2)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(tail, "\n")
	if len(lines) != 2 || !strings.Contains(lines[0], `"three"`) || !strings.Contains(lines[1], `"four"`) {
		t.Fatalf("tail = %q", tail)
	}

	if err := l.Clear(); err != nil {
		t.Fatal(err)
	}
	if tail, _ := l.ReadTail(10); tail != "" {
		t.Fatalf("tail after clear = %q", tail)
	}
	l.Info().Msg("after")
	if tail, _ := l.ReadTail(10); !strings.Contains(tail, `"after"`) {
		t.Fatalf("tail = %q", tail)
	}
}

func TestLevelFilters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.log")
	l, err := New("warn", path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	l.Info().Msg("hidden")
	l.Warn().Msg("shown")
	tail, _ := l.ReadTail(10)
	if strings.Contains(tail, "hidden") || !strings.Contains(tail, "shown") {
		t.Fatalf("tail = %q", tail)
	}
}

func TestInvalidLevel(t *testing.T) {
	if _, err := New("loud", ""); err == nil {
		t.Fatal("expected an error")
	}
}

func TestNoFile(t *testing.T) {
	l := Nop()
	if tail, err := l.ReadTail(5); tail != "" || err != nil {
		t.Fatalf("ReadTail = %q, %v", tail, err)
	}
	if err := l.Clear(); err != nil {
		t.Fatal(err)
	}
}
