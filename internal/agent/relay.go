package agent

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gluk-w/appmirror/internal/remote"
	"github.com/rs/zerolog"
)

// Resolver maps a resource name to the address it listens on.
type Resolver func(resource string) (string, error)

// EnvResolver resolves resources from the bound-resource variables the
// controller injects into the hosting workload: <PREFIX>HOSTNAME and
// <PREFIX>PORT, with the prefix derived from the resource name. lookup
// defaults to os.LookupEnv.
func EnvResolver(lookup func(string) (string, bool)) Resolver {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	return func(resource string) (string, error) {
		prefix := remote.EnvPrefix(resource)
		host, ok := lookup(prefix + remote.CredHostname)
		if !ok || host == "" {
			return "", fmt.Errorf("resource %s is not bound here: %s%s unset", resource, prefix, remote.CredHostname)
		}
		port, ok := lookup(prefix + remote.CredPort)
		if !ok || port == "" {
			return "", fmt.Errorf("resource %s has no port: %s%s unset", resource, prefix, remote.CredPort)
		}
		return net.JoinHostPort(host, port), nil
	}
}

// Relay returns a resource handler factory that dials the resolved address
// for every stream and copies bytes both ways.
func Relay(resolve Resolver, dialTimeout time.Duration, log zerolog.Logger) func(name string) Handler {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return func(name string) Handler {
		return func(conn net.Conn) {
			defer conn.Close()
			addr, err := resolve(name)
			if err != nil {
				log.Warn().Err(err).Str("resource", name).Msg("cannot resolve resource")
				return
			}
			upstream, err := net.DialTimeout("tcp", addr, dialTimeout)
			if err != nil {
				log.Warn().Err(err).Str("resource", name).Str("addr", addr).Msg("dial resource failed")
				return
			}
			defer upstream.Close()
			pipe(conn, upstream)
		}
	}
}

// pipe copies in both directions and returns when both sides are done.
func pipe(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(b, a)
		closeWrite(b)
	}()
	go func() {
		defer wg.Done()
		io.Copy(a, b)
		closeWrite(a)
	}()
	wg.Wait()
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
		return
	}
	c.Close()
}
