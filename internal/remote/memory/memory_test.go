package memory

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/gluk-w/appmirror/internal/remote"
)

func seed(t *testing.T, c *Controller) {
	t.Helper()
	ctx := context.Background()
	if err := c.CreateResource(ctx, remote.ResourceDescriptor{Name: "db", Kind: "mysql"}); err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	for _, name := range []string{"a", "b"} {
		if err := c.CreateWorkload(ctx, remote.Descriptor{Name: name, Instances: 1, Resources: []string{"db"}}); err != nil {
			t.Fatalf("CreateWorkload(%s): %v", name, err)
		}
	}
}

func TestDeleteResourceUnbindsEverywhere(t *testing.T) {
	c := New()
	seed(t, c)
	ctx := context.Background()

	if err := c.DeleteResource(ctx, "db"); err != nil {
		t.Fatalf("DeleteResource: %v", err)
	}
	ws, err := c.ListWorkloads(ctx)
	if err != nil {
		t.Fatalf("ListWorkloads: %v", err)
	}
	for _, w := range ws {
		if w.HasResource("db") {
			t.Errorf("%s still bound to deleted resource", w.Name)
		}
	}
}

func TestFailNextAndCalls(t *testing.T) {
	c := New()
	boom := remote.NewError(remote.KindNetwork, "list", "", errors.New("reset"))
	c.FailNext(OpListWorkloads, boom, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.ListWorkloads(ctx); !remote.IsNetwork(err) {
			t.Fatalf("call %d: expected network error, got %v", i, err)
		}
	}
	if _, err := c.ListWorkloads(ctx); err != nil {
		t.Fatalf("third call: %v", err)
	}
	if got := c.Calls(OpListWorkloads); got != 3 {
		t.Errorf("Calls = %d, want 3", got)
	}
}

func TestExpireSession(t *testing.T) {
	c := New(WithPassword("secret"))
	ctx := context.Background()
	c.ExpireSession()

	if _, err := c.ListWorkloads(ctx); !remote.IsAuthentication(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if _, err := c.Authenticate(ctx, remote.Credentials{Username: "u", Password: "wrong"}); !remote.IsAuthentication(err) {
		t.Fatalf("wrong password accepted: %v", err)
	}
	creds, err := c.Authenticate(ctx, remote.Credentials{Username: "u", Password: "secret"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if creds.Token == "" {
		t.Error("expected a refreshed token")
	}
	if _, err := c.ListWorkloads(ctx); err != nil {
		t.Fatalf("after re-auth: %v", err)
	}
}

func TestStopLag(t *testing.T) {
	c := New(WithStopLag(2))
	ctx := context.Background()
	if err := c.CreateWorkload(ctx, remote.Descriptor{Name: "a", Instances: 1, Started: true}); err != nil {
		t.Fatal(err)
	}
	stopped := remote.StateStopped
	if err := c.UpdateWorkload(ctx, "a", remote.Fields{State: &stopped}); err != nil {
		t.Fatal(err)
	}
	want := []remote.State{remote.StateStopping, remote.StateStopping, remote.StateStopped}
	for i, w := range want {
		got, err := c.GetWorkload(ctx, "a")
		if err != nil {
			t.Fatal(err)
		}
		if got.State != w {
			t.Errorf("read %d: state %s, want %s", i, got.State, w)
		}
	}
}

func TestChannelEcho(t *testing.T) {
	c := New()
	seed(t, c)
	ctx := context.Background()

	ch, err := c.OpenTunnelChannel(ctx, "db")
	if err != nil {
		t.Fatalf("OpenTunnelChannel: %v", err)
	}
	conn, err := ch.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	go conn.Write([]byte("ping"))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("echo = %q", buf)
	}
	ch.Close()
	if _, err := ch.Open(ctx); !remote.IsNetwork(err) {
		t.Errorf("Open after Close: %v", err)
	}
	if c.ChannelOpens("db") != 1 {
		t.Errorf("ChannelOpens = %d", c.ChannelOpens("db"))
	}
	if _, err := c.OpenTunnelChannel(ctx, "missing"); !remote.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}
