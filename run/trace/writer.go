package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Writer persists trace bundles and artifacts under a root directory.
//
// Traces land at traces/YYYY/MM/{run_id}.md plus a sibling .jsonl with one
// record per line. Artifacts land at outputs/YYYY/MM/{run_id_prefix}_{slug}.md.
// Every write goes to a temp file in the destination directory and is
// renamed into place, so readers never see a partial file.
type Writer struct {
	Root string
}

// NewWriter creates a writer rooted at dir.
func NewWriter(dir string) *Writer {
	return &Writer{Root: dir}
}

// Write persists the bundle's markdown wrapper and JSONL stream, returning
// the paths written.
func (w *Writer) Write(b *Bundle) (mdPath, jsonlPath string, err error) {
	at := b.Front.StartedAt
	if at.IsZero() {
		at = b.Front.FinishedAt
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	dir := filepath.Join(w.Root, "traces", at.Format("2006"), at.Format("01"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create trace dir: %w", err)
	}

	md, err := renderMarkdown(b)
	if err != nil {
		return "", "", err
	}
	jsonl, err := renderJSONL(b.Records)
	if err != nil {
		return "", "", err
	}

	mdPath = filepath.Join(dir, b.Front.RunID+".md")
	jsonlPath = filepath.Join(dir, b.Front.RunID+".jsonl")
	if err := atomicWrite(mdPath, md); err != nil {
		return "", "", err
	}
	if err := atomicWrite(jsonlPath, jsonl); err != nil {
		return "", "", err
	}
	return mdPath, jsonlPath, nil
}

// atomicWrite writes data to a temp file in path's directory and renames it
// over path.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func renderJSONL(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	for i := range records {
		line, err := json.Marshal(records[i])
		if err != nil {
			return nil, fmt.Errorf("marshal %s record: %w", records[i].Type, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func renderMarkdown(b *Bundle) ([]byte, error) {
	front, err := yaml.Marshal(b.Front)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(front)
	buf.WriteString("---\n\n")

	fmt.Fprintf(&buf, "# Run %s\n\n", b.Front.RunID)

	buf.WriteString("## Contract\n\n")
	if b.Contract != nil && b.Contract.Contract != nil {
		c := b.Contract.Contract
		fmt.Fprintf(&buf, "**Goal:** %s\n\n", c.Goal)
		if len(c.SuccessCriteria) > 0 {
			buf.WriteString("Success criteria:\n\n")
			for _, sc := range c.SuccessCriteria {
				fmt.Fprintf(&buf, "- %s (%s)\n", sc.Description, sc.Evidence)
			}
			buf.WriteString("\n")
		}
		if len(c.Deliverables) > 0 {
			buf.WriteString("Deliverables:\n\n")
			for _, d := range c.Deliverables {
				req := "optional"
				if d.Required {
					req = "required"
				}
				fmt.Fprintf(&buf, "- %s → %s (%s)\n", d.ID, d.DestinationPath, req)
			}
			buf.WriteString("\n")
		}
		if len(c.Constraints) > 0 {
			fmt.Fprintf(&buf, "%d constraint(s) enforced.\n\n", len(c.Constraints))
		}
	} else {
		buf.WriteString("No contract recorded.\n\n")
	}

	buf.WriteString("## Outcome\n\n")
	fmt.Fprintf(&buf, "**%s**", b.Front.Outcome)
	if b.Front.CostCents > 0 {
		fmt.Fprintf(&buf, " at a total cost of %d cents", b.Front.CostCents)
	}
	if !b.Front.StartedAt.IsZero() && !b.Front.FinishedAt.IsZero() {
		fmt.Fprintf(&buf, " after %s", b.Front.FinishedAt.Sub(b.Front.StartedAt).Round(time.Second))
	}
	buf.WriteString(".\n\n")

	buf.WriteString("## Phases\n\n")
	if len(b.Phases) > 0 {
		buf.WriteString("| Phase | Duration | Tool Calls |\n|---|---|---|\n")
		for _, p := range b.Phases {
			fmt.Fprintf(&buf, "| %s | %s | %d |\n", p.Phase, p.Duration.Round(time.Millisecond), p.ToolCalls)
		}
		buf.WriteString("\n")
	} else {
		buf.WriteString("The run never entered a work phase.\n\n")
	}

	writeList(&buf, "Decisions", b.Decisions, "No approval checkpoints were raised.")
	writeList(&buf, "Errors & Recoveries", append(append([]string{}, b.Errors...), b.Recoveries...), "No errors occurred.")
	writeList(&buf, "Calibration Notes", b.Seeds, "No calibration seeds were provided.")

	return buf.Bytes(), nil
}

func writeList(buf *bytes.Buffer, title string, items []string, empty string) {
	fmt.Fprintf(buf, "## %s\n\n", title)
	if len(items) == 0 {
		buf.WriteString(empty + "\n\n")
		return
	}
	for _, it := range items {
		fmt.Fprintf(buf, "- %s\n", it)
	}
	buf.WriteString("\n")
}
