package auth

import (
	"context"
	"fmt"

	"github.com/gluk-w/appmirror/internal/remote"
	"github.com/rs/zerolog"
)

// CredentialStore is the external credential store. Get and Set are each used
// exactly once per re-authentication attempt.
type CredentialStore interface {
	Get(ctx context.Context) (remote.Credentials, error)
	Set(ctx context.Context, creds remote.Credentials) error
}

// Authenticator is the part of remote.Client used to open a fresh session.
type Authenticator interface {
	Authenticate(ctx context.Context, creds remote.Credentials) (remote.Credentials, error)
}

// Reauthenticator runs a unit of remote work with one-shot credential retry.
type Reauthenticator struct {
	client Authenticator
	store  CredentialStore
	log    zerolog.Logger

	// OnRefreshed, when set, runs after credentials were renewed.
	OnRefreshed func()
	// OnRetry, when set, runs once per replay (metrics).
	OnRetry func()
}

func NewReauthenticator(client Authenticator, store CredentialStore, log zerolog.Logger) *Reauthenticator {
	return &Reauthenticator{
		client: client,
		store:  store,
		log:    log.With().Str("component", "auth").Logger(),
	}
}

// Do runs fn. If it fails with an authentication error, Do re-authenticates
// once with the stored credentials and replays fn exactly once. A failure of
// the replay, whatever its kind, is returned as is.
func (r *Reauthenticator) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil || !remote.IsAuthentication(err) {
		return err
	}
	r.log.Info().Err(err).Msg("session rejected, re-authenticating")

	if rerr := r.Refresh(ctx); rerr != nil {
		return rerr
	}
	if r.OnRetry != nil {
		r.OnRetry()
	}
	return fn(ctx)
}

// Refresh performs one re-authentication: read the stored credentials, open a
// session, persist what the controller returned.
func (r *Reauthenticator) Refresh(ctx context.Context) error {
	creds, err := r.store.Get(ctx)
	if err != nil {
		return remote.NewError(remote.KindAuthentication, "reauthenticate", creds.Username,
			fmt.Errorf("load stored credentials: %w", err))
	}
	fresh, err := r.client.Authenticate(ctx, creds)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, fresh); err != nil {
		return fmt.Errorf("store refreshed credentials: %w", err)
	}
	r.log.Info().Str("username", creds.Username).Msg("credentials refreshed")
	if r.OnRefreshed != nil {
		r.OnRefreshed()
	}
	return nil
}
