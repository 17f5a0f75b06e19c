package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	eventBuffer       = 64
	eventWriteTimeout = 5 * time.Second
)

// StreamEvents upgrades to a websocket and forwards every published event as
// a JSON text message. With ?replay=true the buffered recent events are sent
// first. Client messages are ignored.
func (a *API) StreamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger().Warn("event stream upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := a.Hub.Subscribe(eventBuffer)
	defer cancel()

	ctx := conn.CloseRead(r.Context())

	if r.URL.Query().Get("replay") == "true" {
		for _, ev := range a.Hub.Recent() {
			if err := writeEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				a.logger().Debug("event stream closed", "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}
