// Package agent is the tunnel agent that runs inside the hosting workload. It
// accepts yamux-over-WebSocket sessions and routes each stream by its header
// line: "ping" is answered in place, "resource/<name>" is relayed to the
// bound resource's host and port.
package agent

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gluk-w/appmirror/internal/channel"
	"github.com/rs/zerolog"
)

// Handler serves one routed stream. The header has already been consumed.
type Handler func(conn net.Conn)

const maxHeader = 64

// Router dispatches streams by header.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	resource func(name string) Handler
	log      zerolog.Logger
}

// NewRouter returns a router that answers pings.
func NewRouter(log zerolog.Logger) *Router {
	r := &Router{
		handlers: make(map[string]Handler),
		log:      log.With().Str("component", "agent").Logger(),
	}
	r.Register(channel.HeaderPing, PingHandler())
	return r
}

// Register installs h for streams whose header is exactly name.
func (r *Router) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// HandleResources serves "resource/<name>" streams with the handler fn returns.
func (r *Router) HandleResources(fn func(name string) Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resource = fn
}

// ServeStream reads the header from conn and hands it to the matching
// handler, closing conn when nothing matches.
func (r *Router) ServeStream(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	header, err := readHeader(conn)
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to read channel header")
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	if h := r.lookup(header); h != nil {
		h(conn)
		return
	}
	r.log.Warn().Str("header", header).Msg("unknown channel, closing stream")
	conn.Close()
}

func (r *Router) lookup(header string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[header]; ok {
		return h
	}
	if name, ok := channel.ParseResourceHeader(header); ok && r.resource != nil {
		return r.resource(name)
	}
	return nil
}

// readHeader reads a newline-terminated header one byte at a time so nothing
// past it is consumed.
func readHeader(r io.Reader) (string, error) {
	var buf []byte
	b := make([]byte, 1)
	for {
		if _, err := r.Read(b); err != nil {
			return "", err
		}
		if b[0] == '\n' {
			return string(buf), nil
		}
		buf = append(buf, b[0])
		if len(buf) > maxHeader {
			return "", errors.New("channel header exceeds 64 bytes")
		}
	}
}

// PingHandler writes "pong\n" and closes the stream.
func PingHandler() Handler {
	return func(conn net.Conn) {
		defer conn.Close()
		conn.Write([]byte("pong\n"))
	}
}
