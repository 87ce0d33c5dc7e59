// Command tunnel-agent runs inside the hosting workload and relays tunnel
// streams to the resources bound to it.
package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"syscall"

	"github.com/gluk-w/appmirror/internal/agent"
	"github.com/gluk-w/appmirror/internal/config"
	"github.com/gluk-w/appmirror/internal/crypto"
	"github.com/rs/zerolog"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "tunnel-agent").Logger()

	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(lvl)
	}

	tlsCfg, err := serverTLS(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("tls")
	}

	router := agent.NewRouter(log)
	router.HandleResources(agent.Relay(agent.EnvResolver(nil), cfg.DialTimeout, log))
	srv := agent.NewServer(router, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.ListenAndServe(ctx, cfg.ListenAddr, tlsCfg); err != nil {
		log.Fatal().Err(err).Msg("tunnel listener failed")
	}
	log.Info().Msg("tunnel agent stopped")
}

// serverTLS loads the configured key pair or, with SELF_SIGNED, generates
// one and prints the certificate for pinning by the daemon.
func serverTLS(cfg config.AgentSettings, log zerolog.Logger) (*tls.Config, error) {
	switch {
	case cfg.TLSCert != "" && cfg.TLSKey != "":
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
	case cfg.SelfSigned:
		host, _ := os.Hostname()
		certPEM, keyPEM, err := crypto.GenerateAgentCertPair(host, host, "localhost")
		if err != nil {
			return nil, err
		}
		cert, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM))
		if err != nil {
			return nil, err
		}
		log.Info().Str("certificate", certPEM).Msg("generated self-signed certificate")
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
	default:
		return nil, nil
	}
}
