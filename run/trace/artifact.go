package trace

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// maxSlugLen caps artifact slugs.
const maxSlugLen = 100

// runIDPrefixLen is how much of the run id goes into artifact filenames.
const runIDPrefixLen = 8

// Slugify lowercases s and reduces it to [a-z0-9-], collapsing every other
// run of characters into a single hyphen. The result is at most 100
// characters and never starts or ends with a hyphen.
func Slugify(s string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		slug = "untitled"
	}
	return slug
}

// ExpandPath substitutes the recognized path variables {run_id}, {year},
// {month}, and {slug} into pattern. Unrecognized variables are left as-is.
func ExpandPath(pattern, runID string, at time.Time, slug string) string {
	r := strings.NewReplacer(
		"{run_id}", runID,
		"{year}", at.Format("2006"),
		"{month}", at.Format("01"),
		"{slug}", slug,
	)
	return r.Replace(pattern)
}

// ArtifactFront is the YAML header of a written artifact file.
type ArtifactFront struct {
	RunID     string    `yaml:"run_id"`
	Agent     string    `yaml:"agent"`
	Source    string    `yaml:"source"`
	CreatedAt time.Time `yaml:"created_at"`
	Status    string    `yaml:"status"`
	Type      string    `yaml:"type"`
}

// ArtifactFile is one markdown artifact to persist. Title is slugified into
// the filename.
type ArtifactFile struct {
	Front ArtifactFront
	Title string
	Body  string
}

// WriteArtifact writes the artifact under outputs/YYYY/MM/, named
// {run_id_prefix}_{slug}.md. If that name is taken the suffixes -2, -3, and
// so on are tried in order. The path actually written is returned.
func (w *Writer) WriteArtifact(a ArtifactFile) (string, error) {
	at := a.Front.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
		a.Front.CreatedAt = at
	}
	dir := filepath.Join(w.Root, "outputs", at.Format("2006"), at.Format("01"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	front, err := yaml.Marshal(a.Front)
	if err != nil {
		return "", fmt.Errorf("marshal artifact frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(front)
	buf.WriteString("---\n\n")
	buf.WriteString(a.Body)
	if !strings.HasSuffix(a.Body, "\n") {
		buf.WriteByte('\n')
	}

	prefix := a.Front.RunID
	if len(prefix) > runIDPrefixLen {
		prefix = prefix[:runIDPrefixLen]
	}
	base := prefix + "_" + Slugify(a.Title)

	path, err := claimPath(dir, base)
	if err != nil {
		return "", err
	}
	if err := atomicWrite(path, buf.Bytes()); err != nil {
		return "", err
	}
	return path, nil
}

// claimPath finds the first free name among base.md, base-2.md, base-3.md,
// creating the file exclusively so concurrent writers cannot claim the same
// name.
func claimPath(dir, base string) (string, error) {
	for n := 1; ; n++ {
		name := base
		if n > 1 {
			name = fmt.Sprintf("%s-%d", base, n)
		}
		path := filepath.Join(dir, name+".md")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return path, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("claim artifact path: %w", err)
		}
	}
}
