package server

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/quantfold/rebalancer/internal/events"
)

// eventsWSHandler streams the event bus over a websocket. One subscription
// per connection; slow clients fall behind by dropping events at the bus.
type eventsWSHandler struct {
	events *events.Manager
	log    zerolog.Logger
}

func newEventsWSHandler(ev *events.Manager, log zerolog.Logger) *eventsWSHandler {
	return &eventsWSHandler{
		events: ev,
		log:    log.With().Str("component", "events_ws").Logger(),
	}
}

func (h *eventsWSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ch, unsubscribe := h.events.Bus().Subscribe(64)
	defer unsubscribe()

	ctx := r.Context()
	h.log.Debug().Str("remote", r.RemoteAddr).Msg("Event stream connected")

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				h.log.Debug().Err(err).Msg("Event stream write failed, closing")
				return
			}
		}
	}
}
