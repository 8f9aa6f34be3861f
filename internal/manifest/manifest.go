package manifest

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

const SchemaVersion = "1.0"

// RemoteEntry is a file reported by the remote listing.
type RemoteEntry struct {
	Path        string // relative to the sync root, slash separated
	SHA         string // git blob hash
	Size        int64
	DownloadURL string
}

// Entry records a path that was materialized locally with the given hash.
type Entry struct {
	SHA1     string    `json:"sha1"`
	Size     int64     `json:"size"`
	Modified Timestamp `json:"modified"`
}

// Manifest maps relative paths to what was last synced there.
// It is not safe for concurrent mutation; the sync engine owns it.
type Manifest struct {
	Version     string            `json:"version"`
	GeneratedAt Timestamp         `json:"generated_at"`
	Files       map[string]*Entry `json:"files"`
}

func New() *Manifest {
	return &Manifest{
		Version: SchemaVersion,
		Files:   make(map[string]*Entry),
	}
}

func (m *Manifest) Len() int {
	return len(m.Files)
}

func (m *Manifest) Get(path string) (*Entry, bool) {
	e, ok := m.Files[path]
	return e, ok
}

func (m *Manifest) Set(path string, e *Entry) {
	m.Files[path] = e
}

func (m *Manifest) Delete(path string) {
	delete(m.Files, path)
}

// Merge copies entries into the manifest, replacing existing paths.
func (m *Manifest) Merge(entries map[string]*Entry) {
	for path, e := range entries {
		m.Files[path] = e
	}
}

// Paths returns all recorded paths, sorted.
func (m *Manifest) Paths() []string {
	paths := make([]string, 0, len(m.Files))
	for p := range m.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Timestamp is written as RFC3339 and read from RFC3339, naive ISO-8601 or unix seconds.
type Timestamp struct {
	time.Time
}

func Now() Timestamp {
	return Timestamp{time.Now().UTC()}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	if data[0] != '"' {
		secs, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("timestamp %s: %w", data, err)
		}
		whole := int64(secs)
		t.Time = time.Unix(whole, int64((secs-float64(whole))*1e9)).UTC()
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("timestamp %q: unrecognized format", s)
}
