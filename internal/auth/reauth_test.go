package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/gluk-w/appmirror/internal/credentials"
	"github.com/gluk-w/appmirror/internal/remote"
	"github.com/gluk-w/appmirror/internal/remote/memory"
	"github.com/rs/zerolog"
)

func newReauth(t *testing.T) (*Reauthenticator, *memory.Controller, *credentials.MemoryStore) {
	t.Helper()
	ctrl := memory.New(memory.WithPassword("secret"))
	store := credentials.NewMemoryStore(&remote.Credentials{Username: "dev", Password: "secret"})
	return NewReauthenticator(ctrl, store, zerolog.Nop()), ctrl, store
}

func TestDo_RetriesOnceAfterAuthFailure(t *testing.T) {
	r, ctrl, store := newReauth(t)
	refreshed := 0
	r.OnRefreshed = func() { refreshed++ }
	ctrl.ExpireSession()

	runs := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		runs++
		_, err := ctrl.ListWorkloads(ctx)
		return err
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if runs != 2 {
		t.Errorf("runs = %d, want 2", runs)
	}
	if gets, sets := store.Counts(); gets != 1 || sets != 1 {
		t.Errorf("store used %d/%d times, want 1/1", gets, sets)
	}
	if refreshed != 1 {
		t.Errorf("OnRefreshed called %d times", refreshed)
	}
	if c, _ := store.Get(context.Background()); c.Token == "" {
		t.Error("refreshed token not stored")
	}
}

func TestDo_SecondAuthFailureIsTerminal(t *testing.T) {
	r, ctrl, _ := newReauth(t)
	authErr := remote.NewError(remote.KindAuthentication, memory.OpListWorkloads, "", nil)
	ctrl.FailNext(memory.OpListWorkloads, authErr, 5)

	runs := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		runs++
		_, err := ctrl.ListWorkloads(ctx)
		return err
	})
	if !remote.IsAuthentication(err) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if runs != 2 {
		t.Errorf("runs = %d, want exactly 2", runs)
	}
	if n := ctrl.Calls(memory.OpAuthenticate); n != 1 {
		t.Errorf("Authenticate called %d times, want 1", n)
	}
}

func TestDo_NonAuthErrorsNotRetried(t *testing.T) {
	r, ctrl, _ := newReauth(t)
	boom := remote.NewError(remote.KindNetwork, "x", "", errors.New("reset"))
	runs := 0
	err := r.Do(context.Background(), func(context.Context) error {
		runs++
		return boom
	})
	if !errors.Is(err, boom) || runs != 1 {
		t.Fatalf("err = %v runs = %d", err, runs)
	}
	if ctrl.Calls(memory.OpAuthenticate) != 0 {
		t.Error("re-authenticated on a network error")
	}
}

func TestDo_RejectedCredentialsSurface(t *testing.T) {
	ctrl := memory.New(memory.WithPassword("secret"))
	store := credentials.NewMemoryStore(&remote.Credentials{Username: "dev", Password: "stale"})
	r := NewReauthenticator(ctrl, store, zerolog.Nop())
	ctrl.ExpireSession()

	runs := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		runs++
		_, err := ctrl.ListWorkloads(ctx)
		return err
	})
	if !remote.IsAuthentication(err) || runs != 1 {
		t.Fatalf("err = %v runs = %d", err, runs)
	}
}
