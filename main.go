// Command appmirror keeps a local mirror of the workloads on a remote
// platform controller and serves it over a small HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/appmirror/internal/auth"
	"github.com/gluk-w/appmirror/internal/backends"
	"github.com/gluk-w/appmirror/internal/config"
	"github.com/gluk-w/appmirror/internal/credentials"
	"github.com/gluk-w/appmirror/internal/crypto"
	"github.com/gluk-w/appmirror/internal/database"
	"github.com/gluk-w/appmirror/internal/events"
	"github.com/gluk-w/appmirror/internal/handlers"
	"github.com/gluk-w/appmirror/internal/logging"
	"github.com/gluk-w/appmirror/internal/metrics"
	"github.com/gluk-w/appmirror/internal/operation"
	"github.com/gluk-w/appmirror/internal/proxycache"
	"github.com/gluk-w/appmirror/internal/refresh"
	"github.com/gluk-w/appmirror/internal/remote"
	"github.com/gluk-w/appmirror/internal/tunnel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--set-credentials":
			runCLICommand("set-credentials")
			return
		case "--set-api-token":
			runCLICommand("set-api-token")
			return
		case "--clear-api-token":
			runCLICommand("clear-api-token")
			return
		case "--status":
			runCLICommand("status")
			return
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	lg, err := logging.New(cfg.LogLevel, cfg.LogPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer lg.Close()
	log := lg.Logger

	db, err := database.Open(cfg.DBPath())
	if err != nil {
		log.Fatal().Err(err).Msg("database init")
	}
	defer db.Close()
	if n, err := db.CloseDangling(time.Now()); err != nil {
		log.Warn().Err(err).Msg("close dangling tunnel records")
	} else if n > 0 {
		log.Info().Int64("count", n).Msg("closed tunnel records left open by a previous run")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := build(sigCtx, cfg, db, log, m)
	if err != nil {
		log.Fatal().Err(err).Msg("init")
	}

	if err := st.coord.Schedule(cfg.RefreshSchedule); err != nil {
		log.Fatal().Err(err).Msg("refresh schedule")
	}
	go func() {
		if err := st.coord.Refresh(sigCtx, refresh.AllWorkloads()); err != nil {
			log.Warn().Err(err).Msg("initial refresh failed")
		}
	}()

	verifier := auth.NewTokenVerifier(func() (string, error) {
		hash, err := db.GetSetting(auth.SettingTokenHash)
		if errors.Is(err, database.ErrNotFound) {
			return "", nil
		}
		return hash, err
	})
	if !verifier.Enabled() {
		log.Warn().Msg("no API token configured; the API is open to local clients")
	}

	// Verification cache cleanup goroutine
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sigCtx.Done():
				return
			case <-ticker.C:
				verifier.Cleanup()
			}
		}
	}()

	api := &handlers.API{
		Cache:    st.cache,
		Coord:    st.coord,
		Exec:     st.exec,
		Tunnels:  st.tunnels,
		Bus:      st.bus,
		Backend:  st.client.BackendName(),
		Logs:     lg,
		DB:       db,
		Journal:  db,
		Gatherer: reg,
		Log:      log,
	}

	// Graceful shutdown
	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     api.Routes(verifier),
		BaseContext: func(net.Listener) context.Context { return sigCtx },
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Str("backend", st.client.BackendName()).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-sigCtx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	st.Close()
	log.Info().Msg("server stopped")
}

// stack is the wired mirror: backend, cache, coordinator, executor and
// tunnel manager.
type stack struct {
	client  remote.Client
	cache   *proxycache.Cache
	bus     *events.Bus
	coord   *refresh.Coordinator
	exec    *operation.Executor
	tunnels *tunnel.Manager
}

func build(ctx context.Context, cfg config.Settings, db *database.Store, log zerolog.Logger, m *metrics.Metrics) (*stack, error) {
	client, err := backends.Open(ctx, cfg, db, log)
	if err != nil {
		return nil, err
	}

	creds := credentials.NewDBStore(db, crypto.NewKeyring(db))
	reauth := auth.NewReauthenticator(client, creds, log)
	reauth.OnRetry = m.AuthRetry

	bus := events.NewBus(log)
	bus.OnPublish(func(t events.Type) { m.Event(string(t)) })

	cache := proxycache.New()
	coord := refresh.New(client, cache, bus, log, refresh.Options{
		Runner:     reauth,
		Metrics:    m,
		StaleAfter: cfg.GuardStaleAfter,
		Wait:       cfg.WaitPolicy(),
	})
	reauth.OnRefreshed = coord.CredentialsUpdated

	exec := operation.NewExecutor(client, cache, coord, bus, log, operation.Options{
		Workers: cfg.Workers,
		Wait:    cfg.WaitPolicy(),
		Runner:  reauth,
		Metrics: m,
	})

	memMB, _ := cfg.HostingMemoryMB()
	tunnels := tunnel.New(cache, exec, log, tunnel.Options{
		Hosting: remote.Descriptor{
			Name:      cfg.HostingWorkload,
			Image:     cfg.HostingImage,
			Instances: 1,
			MemoryMB:  memMB,
			Ports:     []int{tunnel.AgentPort},
			Started:   true,
		},
		Journal: db,
		Metrics: m,
	})
	tunnels.Watch(bus)

	// Apply stored credentials up front so token-based backends start with a
	// valid session.
	if err := reauth.Refresh(ctx); err != nil {
		if errors.Is(err, credentials.ErrNoCredentials) {
			log.Info().Msg("no controller credentials stored; using ambient backend credentials")
		} else {
			log.Warn().Err(err).Msg("initial authentication failed")
		}
	}

	return &stack{client: client, cache: cache, bus: bus, coord: coord, exec: exec, tunnels: tunnels}, nil
}

func (s *stack) Close() {
	s.tunnels.Close()
	s.exec.Close()
	s.coord.Close()
	if c, ok := s.client.(interface{ Close() error }); ok {
		c.Close()
	}
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	username := fs.String("username", "", "Controller username")
	password := fs.String("password", "", "Controller password")
	token := fs.String("token", "", "Controller session token")
	fs.Parse(os.Args[2:])

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.WarnLevel)

	db, err := database.Open(cfg.DBPath())
	if err != nil {
		log.Fatal().Err(err).Msg("database init")
	}
	defer db.Close()
	ctx := context.Background()

	switch command {
	case "set-credentials":
		if *username == "" || *password == "" {
			fmt.Fprintln(os.Stderr, "Usage: appmirror --set-credentials --username <user> --password <pass> [--token <token>]")
			os.Exit(1)
		}
		store := credentials.NewDBStore(db, crypto.NewKeyring(db))
		err := store.Set(ctx, remote.Credentials{Username: *username, Password: *password, Token: *token})
		if err != nil {
			log.Fatal().Err(err).Msg("store credentials")
		}
		fmt.Printf("Credentials for '%s' stored.\n", *username)

	case "set-api-token":
		if fs.NArg() != 1 || fs.Arg(0) == "" {
			fmt.Fprintln(os.Stderr, "Usage: appmirror --set-api-token <token>")
			os.Exit(1)
		}
		hash, err := auth.HashToken(fs.Arg(0))
		if err != nil {
			log.Fatal().Err(err).Msg("hash token")
		}
		if err := db.SetSetting(auth.SettingTokenHash, hash); err != nil {
			log.Fatal().Err(err).Msg("store token")
		}
		fmt.Println("API token stored. Clients must send it as 'Authorization: Bearer <token>'.")

	case "clear-api-token":
		if err := db.DeleteSetting(auth.SettingTokenHash); err != nil {
			log.Fatal().Err(err).Msg("clear token")
		}
		fmt.Println("API token cleared. The API is open to local clients.")

	case "status":
		if err := printStatus(ctx, cfg, db, log); err != nil {
			log.Fatal().Err(err).Msg("status")
		}
	}
}

type status struct {
	Backend   string                  `yaml:"backend"`
	Workloads []proxycache.Proxy      `yaml:"workloads"`
	Resources []remote.Resource       `yaml:"resources"`
	Tunnels   []database.TunnelRecord `yaml:"recent_tunnels,omitempty"`
}

// printStatus runs one full pass and prints the mirror as YAML.
func printStatus(ctx context.Context, cfg config.Settings, db *database.Store, log zerolog.Logger) error {
	st, err := build(ctx, cfg, db, log, nil)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	if err := st.coord.Refresh(ctx, refresh.AllWorkloads()); err != nil {
		return err
	}

	out := status{
		Backend:   st.client.BackendName(),
		Workloads: st.cache.List(),
		Resources: st.cache.Resources(),
	}
	if history, err := db.TunnelHistory(10); err == nil {
		out.Tunnels = history
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(out)
}
