package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/runplane/run/event"
)

// SSEHandler streams a run's events as Server-Sent Events.
//
// Each event is framed as
//
//	event: <type>
//	id: <seq>
//	data: <json>
//
// followed by a blank line. On connect the handler sends a retry hint and
// then every event after the after_seq query parameter (default -1, the
// full history). Heartbeats keep proxies from closing idle streams.
type SSEHandler struct {
	Log event.Log

	// RunID extracts the run id from the request. Defaults to the run_id
	// query parameter, falling back to the path segment after "runs".
	RunID func(*http.Request) string

	RetryMS      int
	Heartbeat    time.Duration
	PollInterval time.Duration
}

// NewSSEHandler creates a handler with default framing parameters.
func NewSSEHandler(log event.Log) *SSEHandler {
	return &SSEHandler{
		Log:          log,
		RetryMS:      DefaultRetryMS,
		Heartbeat:    DefaultHeartbeat,
		PollInterval: DefaultPollInterval,
	}
}

func requestRunID(r *http.Request) string {
	if id := r.URL.Query().Get("run_id"); id != "" {
		return id
	}
	// Canonical REST shape: /runs/{run_id}/events.
	segs := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	for i, seg := range segs {
		if seg == "runs" && i+1 < len(segs) {
			return segs[i+1]
		}
	}
	return ""
}

func afterSeq(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("after_seq")
	if raw == "" {
		return -1, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

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

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	retry := h.RetryMS
	if retry <= 0 {
		retry = DefaultRetryMS
	}
	fmt.Fprintf(w, "retry: %d\n\n", retry)
	flusher.Flush()

	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	sub := NewSubscriber(h.Log, runID, cursor, h.PollInterval)

	ctx := r.Context()
	poll := time.NewTicker(sub.interval)
	defer poll.Stop()
	beat := time.NewTicker(heartbeat)
	defer beat.Stop()

	for {
		events, err := sub.Next(ctx)
		if err != nil {
			fmt.Fprintf(w, "event: error\ndata: %q\n\n", err.Error())
			flusher.Flush()
			return
		}
		for _, ev := range events {
			if err := writeSSE(w, ev); err != nil {
				return
			}
		}
		if len(events) > 0 {
			flusher.Flush()
		}

		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			fmt.Fprintf(w, "event: heartbeat\ndata: {}\n\n")
			flusher.Flush()
		case <-poll.C:
		}
	}
}

func writeSSE(w http.ResponseWriter, ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", ev.Type(), ev.Seq, data)
	return err
}
