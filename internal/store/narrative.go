package store

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrNoFrontmatter is returned when a narrative file does not open with a
// "---" frontmatter delimiter.
var ErrNoFrontmatter = errors.New("narrative has no frontmatter block")

// NarrativeMeta is the YAML frontmatter of a narrative file. campaign_id is
// written even when nil so a migrated file is recognisable as migrated.
type NarrativeMeta struct {
	SessionID  string  `yaml:"session_id"`
	CampaignID *string `yaml:"campaign_id"`

	// Campaign is the campaign display name.
	Campaign string `yaml:"campaign,omitempty"`

	// Title is the narrative's heading, chosen by the generator.
	Title string `yaml:"title,omitempty"`

	// Date is the session date as YYYY-MM-DD.
	Date string `yaml:"date,omitempty"`

	// Model records which LLM wrote the narrative.
	Model string `yaml:"model,omitempty"`

	WordCount int `yaml:"word_count,omitempty"`
}

// Narrative is a parsed narrative file: typed frontmatter plus the Markdown
// body exactly as it appears on disk. Parsing and encoding round-trip the
// body byte for byte; only the frontmatter is re-serialized.
type Narrative struct {
	Meta NarrativeMeta
	Body string
}

// ParseNarrative splits and decodes a narrative file.
func ParseNarrative(data []byte) (*Narrative, error) {
	meta, body, err := SplitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("store: parse narrative: %w", err)
	}
	var n Narrative
	if err := yaml.Unmarshal(meta, &n.Meta); err != nil {
		return nil, fmt.Errorf("store: parse narrative frontmatter: %w", err)
	}
	n.Body = string(body)
	return &n, nil
}

// Encode serializes the narrative back to file bytes.
func (n *Narrative) Encode() ([]byte, error) {
	meta, err := yaml.Marshal(n.Meta)
	if err != nil {
		return nil, fmt.Errorf("store: marshal narrative frontmatter: %w", err)
	}
	return JoinFrontmatter(meta, []byte(n.Body)), nil
}

// ReadNarrative loads and parses the narrative at path. Returns
// [ErrNotFound] when the file does not exist.
func ReadNarrative(path string) (*Narrative, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("store: narrative %q: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: read narrative %q: %w", path, err)
	}
	return ParseNarrative(data)
}

// WriteNarrative encodes and atomically writes n to path.
func WriteNarrative(path string, n *Narrative) error {
	data, err := n.Encode()
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// frontmatter delimiters. The opening "---" must be the first bytes of the
// file; the closing one sits alone on its own line.
var (
	fmOpen  = []byte("---\n")
	fmClose = []byte("\n---\n")
)

// SplitFrontmatter splits raw narrative bytes into the YAML frontmatter
// block (without its delimiters) and the body (everything after the closing
// delimiter, untouched). The migrate command works at this level so it can
// rewrite frontmatter keys without re-serializing the body.
func SplitFrontmatter(data []byte) (meta, body []byte, err error) {
	rest, ok := bytes.CutPrefix(data, fmOpen)
	if !ok {
		return nil, nil, ErrNoFrontmatter
	}

	if idx := bytes.Index(rest, fmClose); idx >= 0 {
		return rest[:idx+1], rest[idx+len(fmClose):], nil
	}
	// Degenerate but legal files: empty frontmatter, or no body at all.
	if after, ok := bytes.CutPrefix(rest, []byte("---\n")); ok {
		return nil, after, nil
	}
	if tail, ok := bytes.CutSuffix(rest, []byte("\n---")); ok {
		return append(tail, '\n'), nil, nil
	}
	return nil, nil, fmt.Errorf("frontmatter opened but never closed")
}

// JoinFrontmatter reassembles file bytes from a frontmatter block and a
// body. The body is appended verbatim, so SplitFrontmatter → JoinFrontmatter
// reproduces it exactly.
func JoinFrontmatter(meta, body []byte) []byte {
	var buf bytes.Buffer
	buf.Write(fmOpen)
	buf.Write(meta)
	if len(meta) > 0 && meta[len(meta)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteString("---\n")
	buf.Write(body)
	return buf.Bytes()
}
