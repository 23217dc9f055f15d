package stream

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dshills/runplane/run/event"
)

// Frame is the WebSocket wire message. Exactly one of the optional fields
// is set, according to Type.
type Frame struct {
	Type  string       `json:"type"` // event, heartbeat, ping, pong, subscribed, error
	Event *event.Event `json:"event,omitempty"`
	TS    time.Time    `json:"ts,omitzero"`
	Seq   *int64       `json:"seq,omitempty"`
	Error string       `json:"error,omitempty"`
}

// WSHandler streams a run's events over a WebSocket.
//
// On connect the server sends a subscribed frame carrying the run's
// current seq, then event frames in order, honoring the after_seq query
// parameter. The server pings on the heartbeat interval and answers client
// pings with pongs.
type WSHandler struct {
	Log event.Log

	// RunID extracts the run id from the request; same default as SSE.
	RunID func(*http.Request) string

	Heartbeat    time.Duration
	PollInterval time.Duration

	upgrader websocket.Upgrader
}

// NewWSHandler creates a handler with default parameters.
func NewWSHandler(log event.Log) *WSHandler {
	return &WSHandler{
		Log:          log,
		Heartbeat:    DefaultHeartbeat,
		PollInterval: DefaultPollInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	extract := h.RunID
	if extract == nil {
		extract = requestRunID
	}
	runID := extract(r)
	if runID == "" {
		http.Error(w, "run_id is required", http.StatusBadRequest)
		return
	}
	cursor, err := afterSeq(r)
	if err != nil {
		http.Error(w, "invalid after_seq", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()

	latest, err := h.Log.LatestSeq(ctx, runID)
	if err != nil {
		_ = conn.WriteJSON(Frame{Type: "error", Error: err.Error(), TS: time.Now().UTC()})
		return
	}
	if err := conn.WriteJSON(Frame{Type: "subscribed", Seq: &latest, TS: time.Now().UTC()}); err != nil {
		return
	}

	// Reader: surfaces client pings and connection closure.
	pings := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Type == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	sub := NewSubscriber(h.Log, runID, cursor, h.PollInterval)

	poll := time.NewTicker(sub.interval)
	defer poll.Stop()
	beat := time.NewTicker(heartbeat)
	defer beat.Stop()

	for {
		events, err := sub.Next(ctx)
		if err != nil {
			_ = conn.WriteJSON(Frame{Type: "error", Error: err.Error(), TS: time.Now().UTC()})
			return
		}
		for i := range events {
			ev := events[i]
			seq := ev.Seq
			if err := conn.WriteJSON(Frame{Type: "event", Event: &ev, Seq: &seq, TS: time.Now().UTC()}); err != nil {
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-pings:
			if err := conn.WriteJSON(Frame{Type: "pong", TS: time.Now().UTC()}); err != nil {
				return
			}
		case <-beat.C:
			if err := conn.WriteJSON(Frame{Type: "ping", TS: time.Now().UTC()}); err != nil {
				return
			}
		case <-poll.C:
		}
	}
}
