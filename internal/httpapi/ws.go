package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/usda-network/ledger/internal/eventbus"
	"github.com/usda-network/ledger/internal/metrics"
)

// writeWait bounds how long a single frame write may take before the
// connection is considered dead.
const writeWait = 10 * time.Second

// pingPeriod keeps intermediary proxies and the client's own read deadline
// from timing out an otherwise-idle subscription.
const pingPeriod = 30 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// subscribe upgrades the connection and streams line-delimited JSON event
// frames until the client disconnects or the bus drops the subscription for
// falling too far behind.
//
// A per-connection token bucket (golang.org/x/time/rate) paces the write
// loop so one slow client's TCP backpressure cannot stall delivery to
// others; the bus's own bounded queue is what actually protects the
// publisher from a stalled writer.
func (h *handler) subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.deps.Bus.Subscribe()
	defer sub.Unsubscribe()

	limiter := rate.NewLimiter(rate.Limit(200), 50)

	// Reader goroutine: the only purpose is to notice the client closing
	// the connection (control frames) and unblock the writer below.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := limiter.Wait(r.Context()); err != nil {
				return
			}
			if err := h.writeFrame(conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *handler) writeFrame(conn *websocket.Conn, ev eventbus.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	defer w.Close()

	if err := json.NewEncoder(w).Encode(newEventFrame(ev)); err != nil {
		metrics.SubscriberDropsTotal.Inc()
		return err
	}
	return nil
}
