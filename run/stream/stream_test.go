package stream_test

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dshills/runplane/run/event"
	"github.com/dshills/runplane/run/stream"
)

// seedLog returns a log with n tool.result events for runID.
func seedLog(t *testing.T, runID string, n int) *event.MemLog {
	t.Helper()
	log := event.NewMemLog()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		ev := event.New(runID, int64(i), "executing", event.SeverityInfo, event.ToolResult{
			ToolName: "read_file", Success: true, DurationMS: int64(i),
		})
		if err := log.Append(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	return log
}

func TestSubscriberResumesFromCursor(t *testing.T) {
	log := seedLog(t, "r1", 10)
	ctx := context.Background()

	sub := stream.NewSubscriber(log, "r1", 5, time.Millisecond)
	events, err := sub.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4", len(events))
	}
	if events[0].Seq != 6 {
		t.Errorf("first seq = %d, want 6", events[0].Seq)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq != events[i-1].Seq+1 {
			t.Fatalf("gap between %d and %d", events[i-1].Seq, events[i].Seq)
		}
	}

	// Nothing new: empty batch, cursor holds.
	events, err = sub.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 || sub.Cursor() != 9 {
		t.Errorf("batch = %d, cursor = %d", len(events), sub.Cursor())
	}

	// New appends are picked up by Wait.
	go func() {
		time.Sleep(20 * time.Millisecond)
		ev := event.New("r1", 10, "executing", event.SeverityInfo, event.ToolResult{ToolName: "x", Success: true})
		_ = log.Append(context.Background(), ev)
	}()
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	events, err = sub.Wait(waitCtx)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Seq != 10 {
		t.Errorf("waited batch = %+v", events)
	}
}

func TestSSEStream(t *testing.T) {
	log := seedLog(t, "r1", 10)
	h := stream.NewSSEHandler(log)
	h.PollInterval = 5 * time.Millisecond
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/runs/r1/events?after_seq=5", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var sawRetry bool
	var ids []string
	var types []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "retry: "):
			sawRetry = line == "retry: 5000"
		case strings.HasPrefix(line, "id: "):
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		case strings.HasPrefix(line, "event: "):
			types = append(types, strings.TrimPrefix(line, "event: "))
		}
		if len(ids) == 4 {
			cancel()
			break
		}
	}

	if !sawRetry {
		t.Error("no retry: 5000 hint on connect")
	}
	want := []string{"6", "7", "8", "9"}
	if len(ids) != 4 {
		t.Fatalf("ids = %v", ids)
	}
	for i, id := range ids {
		if id != want[i] {
			t.Errorf("id[%d] = %s, want %s", i, id, want[i])
		}
	}
	for _, typ := range types {
		if typ != "tool.result" {
			t.Errorf("event type = %q, want tool.result", typ)
		}
	}
}

func TestSSERejectsBadCursor(t *testing.T) {
	h := stream.NewSSEHandler(event.NewMemLog())
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/runs/r1/events?after_seq=nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWebSocketStream(t *testing.T) {
	log := seedLog(t, "r1", 10)
	h := stream.NewWSHandler(log)
	h.PollInterval = 5 * time.Millisecond
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/runs/r1/events?after_seq=5"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var sub stream.Frame
	if err := conn.ReadJSON(&sub); err != nil {
		t.Fatal(err)
	}
	if sub.Type != "subscribed" || sub.Seq == nil || *sub.Seq != 9 {
		t.Fatalf("subscribed frame = %+v", sub)
	}

	var last int64 = 5
	for i := 0; i < 4; i++ {
		var f stream.Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatal(err)
		}
		if f.Type != "event" || f.Event == nil {
			t.Fatalf("frame = %+v", f)
		}
		if f.Event.Seq != last+1 {
			t.Fatalf("seq = %d, want %d", f.Event.Seq, last+1)
		}
		last = f.Event.Seq
	}

	// Client ping gets a pong.
	if err := conn.WriteJSON(stream.Frame{Type: "ping"}); err != nil {
		t.Fatal(err)
	}
	var f stream.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	if f.Type != "pong" {
		t.Errorf("frame type = %q, want pong", f.Type)
	}
}

func TestWebSocketDeliversLiveAppends(t *testing.T) {
	log := event.NewMemLog()
	h := stream.NewWSHandler(log)
	h.PollInterval = 5 * time.Millisecond
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?run_id=r1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var sub stream.Frame
	if err := conn.ReadJSON(&sub); err != nil {
		t.Fatal(err)
	}
	if *sub.Seq != -1 {
		t.Fatalf("subscribed seq = %d, want -1 for empty run", *sub.Seq)
	}

	ev := event.New("r1", 0, "planning", event.SeverityInfo, event.PhaseChanged{To: "planning"})
	if err := log.Append(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	var f stream.Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	if f.Type != "event" || f.Event.Seq != 0 || f.Event.Type() != event.TypePhaseChanged {
		t.Errorf("frame = %+v", f)
	}
}
