// Package channel is the client side of the tunnel transport: one yamux
// session carried over a WebSocket to the tunnel agent, with a one-line
// header at the start of every stream telling the agent where to route it.
package channel

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"
	"github.com/rs/zerolog"
)

// Header names understood by the agent router.
const (
	HeaderPing     = "ping"
	resourcePrefix = "resource/"
)

// ResourceHeader is the stream header that asks the agent to relay to a bound
// resource.
func ResourceHeader(resource string) string { return resourcePrefix + resource }

// ParseResourceHeader is the inverse of ResourceHeader.
func ParseResourceHeader(header string) (string, bool) {
	name, ok := strings.CutPrefix(header, resourcePrefix)
	return name, ok && name != ""
}

// Ping defaults.
const (
	DefaultPingInterval = 30 * time.Second
	PingTimeout         = 5 * time.Second
)

// Client owns a single yamux session to an agent.
type Client struct {
	mu      sync.Mutex
	session *yamux.Session
	log     zerolog.Logger
}

// NewClient wraps an established yamux client session.
func NewClient(session *yamux.Session, log zerolog.Logger) *Client {
	return &Client{session: session, log: log.With().Str("component", "channel").Logger()}
}

// Dial connects to the agent's WebSocket endpoint and starts a yamux client
// session over it. tlsCfg may be nil for plain ws:// endpoints; header carries
// extra request headers such as an API-server bearer token.
func Dial(ctx context.Context, url string, tlsCfg *tls.Config, header http.Header, log zerolog.Logger) (*Client, error) {
	opts := &websocket.DialOptions{HTTPHeader: header}
	if tlsCfg != nil {
		opts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}
	}
	return DialWith(ctx, url, opts, log)
}

// DialWith is Dial with caller-supplied WebSocket options, for transports
// that need their own HTTP client (e.g. an authenticated API-server proxy).
func DialWith(ctx context.Context, url string, opts *websocket.DialOptions, log zerolog.Logger) (*Client, error) {
	wsConn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial to %s: %w", url, err)
	}
	wsConn.SetReadLimit(-1)

	// The NetConn outlives the dial context.
	netConn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
	session, err := yamux.Client(netConn, nil)
	if err != nil {
		wsConn.CloseNow()
		return nil, fmt.Errorf("yamux client init: %w", err)
	}
	return NewClient(session, log), nil
}

// Open opens a stream and writes the routing header. The returned conn is
// positioned at the first payload byte.
func (c *Client) Open(ctx context.Context, header string) (net.Conn, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return nil, fmt.Errorf("tunnel channel closed")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := s.Open()
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if _, err := conn.Write([]byte(header + "\n")); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write channel header %q: %w", header, err)
	}
	return conn, nil
}

// Ping sends "ping" and expects "pong" within PingTimeout.
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.Open(ctx, HeaderPing)
	if err != nil {
		return fmt.Errorf("open ping channel: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(PingTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("read pong: %w", err)
	}
	if line != "pong\n" {
		return fmt.Errorf("unexpected ping response: %q", line)
	}
	return nil
}

// StartPing pings every interval until ctx ends or the session closes. A
// failed ping closes the session, which fails subsequent Opens.
func (c *Client) StartPing(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if c.IsClosed() {
					return
				}
				if err := c.Ping(ctx); err != nil {
					c.log.Warn().Err(err).Msg("ping failed, closing session")
					c.Close()
					return
				}
			}
		}
	}()
}

// IsClosed reports whether the session is gone.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == nil || c.session.IsClosed()
}

// Close tears down the yamux session and the WebSocket under it.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}
