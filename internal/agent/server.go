package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"
)

// Server accepts WebSocket connections on /tunnel and serves a yamux session
// over each.
type Server struct {
	router   *Router
	log      zerolog.Logger
	sessions sync.Map
	count    atomic.Int64
}

func NewServer(router *Router, log zerolog.Logger) *Server {
	return &Server{router: router, log: log.With().Str("component", "agent").Logger()}
}

// Handler returns the agent's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", s.serveTunnel)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.Sessions())
	})
	return mux
}

// Sessions returns the number of live yamux sessions.
func (s *Server) Sessions() int { return int(s.count.Load()) }

// ListenAndServe serves on addr. With a non-nil tlsCfg the listener is TLS.
func (s *Server) ListenAndServe(ctx context.Context, addr string, tlsCfg *tls.Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	srv := &http.Server{Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		srv.Close()
		s.closeSessions()
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Bool("tls", tlsCfg != nil).Msg("tunnel agent listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) serveTunnel(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket accept error")
		return
	}
	wsConn.SetReadLimit(-1)
	remoteAddr := r.RemoteAddr

	netConn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
	session, err := yamux.Server(netConn, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("yamux server error")
		wsConn.CloseNow()
		return
	}

	s.sessions.Store(remoteAddr, session)
	s.count.Add(1)
	defer func() {
		s.sessions.Delete(remoteAddr)
		s.count.Add(-1)
		session.Close()
	}()
	s.log.Info().Str("remote", remoteAddr).Msg("yamux session established")

	for {
		stream, err := session.AcceptStream()
		if err != nil {
			if !errors.Is(err, yamux.ErrSessionShutdown) && !errors.Is(err, net.ErrClosed) {
				s.log.Warn().Err(err).Str("remote", remoteAddr).Msg("accept stream error")
			}
			return
		}
		go s.router.ServeStream(stream)
	}
}

func (s *Server) closeSessions() {
	s.sessions.Range(func(_, v any) bool {
		v.(*yamux.Session).Close()
		return true
	})
}
