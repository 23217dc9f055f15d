// Package stream serves a run's event log to live consumers over SSE and
// WebSocket. Both transports carry the same stream and honor the after_seq
// cursor, so a client can reconnect and resume without gaps.
package stream

import (
	"context"
	"time"

	"github.com/dshills/runplane/run/event"
)

const (
	// DefaultRetryMS is the reconnect hint sent on SSE connect.
	DefaultRetryMS = 5000

	// DefaultHeartbeat is the keep-alive interval for both transports.
	DefaultHeartbeat = 30 * time.Second

	// DefaultPollInterval is how often a subscriber checks the log for new
	// events.
	DefaultPollInterval = 250 * time.Millisecond
)

// Subscriber tails one run's event log from a cursor. It polls Query: the
// log is the single source of truth, so a subscriber never needs a
// side channel and can start at any historical position.
type Subscriber struct {
	log      event.Log
	runID    string
	cursor   int64
	interval time.Duration
}

// NewSubscriber creates a subscriber that yields events with seq >
// afterSeq. Pass -1 for the full history.
func NewSubscriber(log event.Log, runID string, afterSeq int64, interval time.Duration) *Subscriber {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Subscriber{log: log, runID: runID, cursor: afterSeq, interval: interval}
}

// Cursor reports the seq of the last event yielded, or the starting cursor
// if none have been.
func (s *Subscriber) Cursor() int64 { return s.cursor }

// Next returns the next batch of events after the cursor, advancing it.
// An empty batch means the log has nothing new yet.
func (s *Subscriber) Next(ctx context.Context) ([]event.Event, error) {
	res, err := s.log.Query(ctx, s.runID, event.Query{AfterSeq: s.cursor, Limit: -1})
	if err != nil {
		return nil, err
	}
	if len(res.Events) > 0 {
		s.cursor = res.Cursor
	}
	return res.Events, nil
}

// Wait blocks until new events arrive, the poll ticks dry, or the context
// ends. It returns the batch (possibly after several empty polls) or the
// context error.
func (s *Subscriber) Wait(ctx context.Context) ([]event.Event, error) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		events, err := s.Next(ctx)
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			return events, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
