package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gluk-w/appmirror/internal/events"
)

const eventWriteTimeout = 10 * time.Second

// StreamEvents upgrades to a WebSocket and sends every ChangeEvent as one JSON
// text message. ?recent=n first replays up to n past events.
func (a *API) StreamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.Log.Debug().Err(err).Msg("accept event stream")
		return
	}
	defer conn.CloseNow()

	ch, unsubscribe := a.Bus.Channel(64)
	defer unsubscribe()

	// The client never sends; CloseRead cancels ctx once it goes away.
	ctx := conn.CloseRead(r.Context())

	if n, err := strconv.Atoi(r.URL.Query().Get("recent")); err == nil && n > 0 {
		for _, ev := range a.Bus.Recent(n) {
			if err := writeEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				a.Log.Debug().Err(err).Msg("event stream closed")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev events.ChangeEvent) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
