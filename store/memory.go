package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github/itish2003/retrieval/models"
)

const (
	manifestFile = "manifest.json"
	entriesFile  = "entries.jsonl"
)

type manifest struct {
	Metric    Metric `json:"metric"`
	Dimension int    `json:"dimension"`
	Count     int    `json:"count"`
}

// MemoryIndex is an exact, flat nearest-neighbour index held in memory and
// snapshotted to a directory on Persist.
type MemoryIndex struct {
	metric Metric

	mu      sync.RWMutex
	entries []models.IndexEntry
	dim     int
}

var _ VectorIndex = (*MemoryIndex)(nil)

// NewMemoryIndex creates an empty in-memory index ranking by metric.
func NewMemoryIndex(metric Metric) *MemoryIndex {
	if metric == "" {
		metric = MetricCosine
	}
	return &MemoryIndex{metric: metric}
}

func (m *MemoryIndex) Build(ctx context.Context, entries []models.IndexEntry) error {
	dim, err := validateEntries(entries)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = copyEntries(entries)
	m.dim = dim
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int, filter Filter) ([]models.ScoredEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := validateQuery(query, k, m.dim); err != nil {
		return nil, err
	}
	return rank(m.entries, query, k, filter, m.metric), nil
}

// Persist writes the snapshot to a temporary sibling directory and renames
// it over dir, so readers never see a partially written index.
func (m *MemoryIndex) Persist(ctx context.Context, dir string) error {
	if strings.TrimSpace(dir) == "" {
		return fmt.Errorf("persist location is empty: %w", models.ErrConfig)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return fmt.Errorf("persist index: %w", models.ErrEmptyInput)
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create index parent directory: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, filepath.Base(dir)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp index directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := m.writeSnapshot(tmp); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove previous index: %w", err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("move index into place: %w", err)
	}
	log.Printf("STORE: Persisted %d entries to %s", len(m.entries), dir)
	return nil
}

func (m *MemoryIndex) writeSnapshot(dir string) error {
	out, err := os.Create(filepath.Join(dir, entriesFile))
	if err != nil {
		return fmt.Errorf("create entries file: %w", err)
	}
	defer out.Close()

	writer := bufio.NewWriter(out)
	encoder := json.NewEncoder(writer)
	encoder.SetEscapeHTML(false)
	for _, e := range m.entries {
		if err := encoder.Encode(e); err != nil {
			return fmt.Errorf("write index entry: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush index: %w", err)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync index: %w", err)
	}

	raw, err := json.MarshalIndent(manifest{Metric: m.metric, Dimension: m.dim, Count: len(m.entries)}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), raw, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func (m *MemoryIndex) Load(ctx context.Context, dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("index at %s: %w", dir, models.ErrNotFound)
		}
		return fmt.Errorf("read manifest: %w", err)
	}
	var man manifest
	if err := json.Unmarshal(raw, &man); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	file, err := os.Open(filepath.Join(dir, entriesFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("index entries at %s: %w", dir, models.ErrNotFound)
		}
		return fmt.Errorf("open index entries: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	entries := make([]models.IndexEntry, 0, man.Count)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry models.IndexEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return fmt.Errorf("parse index line %d: %w", lineNo, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read index entries: %w", err)
	}

	dim, err := validateEntries(entries)
	if err != nil {
		return fmt.Errorf("load %s: %w", dir, err)
	}
	if man.Dimension != 0 && man.Dimension != dim {
		return fmt.Errorf("manifest dimension %d, entries dimension %d: %w", man.Dimension, dim, models.ErrConfig)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if man.Metric != "" {
		m.metric = man.Metric
	}
	m.entries = entries
	m.dim = dim
	return nil
}

func (m *MemoryIndex) Entries(ctx context.Context) ([]models.IndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyEntries(m.entries), nil
}

func (m *MemoryIndex) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *MemoryIndex) ScoreKind() ScoreKind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return scoreKindFor(m.metric)
}

func (m *MemoryIndex) Close() error { return nil }
