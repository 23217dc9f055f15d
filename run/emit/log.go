package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

// LogEmitter writes records to a writer, either as human-readable
// key=value lines or as one JSON object per line.
//
//	[phase_changed] run=r1 seq=4 phase=executing
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer defaults to stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one line. Write errors are swallowed; observability must not
// interfere with run progress.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		rec := map[string]any{
			"msg":    event.Msg,
			"run_id": event.RunID,
			"seq":    event.Seq,
		}
		if event.Phase != "" {
			rec["phase"] = event.Phase
		}
		for k, v := range event.Meta {
			rec[k] = v
		}
		if data, err := json.Marshal(rec); err == nil {
			fmt.Fprintf(l.writer, "%s\n", data)
		}
		return
	}

	fmt.Fprintf(l.writer, "[%s] run=%s seq=%d", event.Msg, event.RunID, event.Seq)
	if event.Phase != "" {
		fmt.Fprintf(l.writer, " phase=%s", event.Phase)
	}
	for _, k := range sortedKeys(event.Meta) {
		fmt.Fprintf(l.writer, " %s=%v", k, event.Meta[k])
	}
	fmt.Fprintln(l.writer)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
