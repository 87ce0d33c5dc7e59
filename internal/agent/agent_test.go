package agent

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gluk-w/appmirror/internal/channel"
	"github.com/rs/zerolog"
)

func TestReadHeader(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"ping", "ping\nrest", "ping", false},
		{"resource", "resource/mysqlTestService\n", "resource/mysqlTestService", false},
		{"empty line", "\n", "", false},
		{"no newline", "ping", "", true},
		{"too long", strings.Repeat("x", 65) + "\n", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readHeader(strings.NewReader(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("header = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReadHeaderLeavesPayload(t *testing.T) {
	r := strings.NewReader("ping\npayload")
	if _, err := readHeader(r); err != nil {
		t.Fatal(err)
	}
	rest, _ := io.ReadAll(r)
	if string(rest) != "payload" {
		t.Errorf("payload = %q", rest)
	}
}

func TestEnvResolver(t *testing.T) {
	env := map[string]string{
		"MYSQL_TEST_SERVICE_HOSTNAME": "10.0.0.5",
		"MYSQL_TEST_SERVICE_PORT":     "3306",
		"HALF_HOSTNAME":               "h",
	}
	resolve := EnvResolver(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	addr, err := resolve("mysqlTestService")
	if err != nil || addr != "10.0.0.5:3306" {
		t.Fatalf("resolve = %q, %v", addr, err)
	}
	if _, err := resolve("half"); err == nil {
		t.Error("expected an error for a missing port")
	}
	if _, err := resolve("unbound"); err == nil {
		t.Error("expected an error for an unbound resource")
	}
}

// echoServer listens on loopback and echoes every connection.
func echoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestRouterRelaysResourceStreams(t *testing.T) {
	addr := echoServer(t)
	r := NewRouter(zerolog.Nop())
	r.HandleResources(Relay(func(name string) (string, error) {
		if name != "db" {
			t.Errorf("resolved %q", name)
		}
		return addr, nil
	}, time.Second, zerolog.Nop()))

	local, far := net.Pipe()
	defer local.Close()
	go r.ServeStream(far)

	local.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := local.Write([]byte("resource/db\nhello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(local, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello" {
		t.Errorf("echo = %q", buf)
	}
}

func TestRouterClosesUnknownChannel(t *testing.T) {
	r := NewRouter(zerolog.Nop())
	local, far := net.Pipe()
	defer local.Close()
	go r.ServeStream(far)

	local.SetDeadline(time.Now().Add(5 * time.Second))
	local.Write([]byte("bogus\n"))
	if _, err := local.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the stream to be closed")
	}
}

func TestEndToEnd(t *testing.T) {
	addr := echoServer(t)
	r := NewRouter(zerolog.Nop())
	r.HandleResources(Relay(func(string) (string, error) { return addr, nil }, time.Second, zerolog.Nop()))
	srv := NewServer(r, zerolog.Nop())
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/tunnel"
	c, err := channel.Dial(ctx, url, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	ch := channel.ForResource(c, "db")
	for i := 0; i < 3; i++ {
		conn, err := ch.Open(ctx)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		conn.SetDeadline(time.Now().Add(5 * time.Second))
		conn.Write([]byte("line\n"))
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil || line != "line\n" {
			t.Fatalf("stream %d: %q, %v", i, line, err)
		}
		conn.Close()
	}

	ch.Close()
	if !c.IsClosed() {
		t.Error("client still open after channel close")
	}
	if _, err := ch.Open(ctx); err == nil {
		t.Error("Open after Close succeeded")
	}
}
