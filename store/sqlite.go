package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver

	"github/itish2003/retrieval/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS index_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	id       TEXT PRIMARY KEY,
	source   TEXT NOT NULL,
	text     TEXT NOT NULL,
	metadata TEXT NOT NULL,
	vector   BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_source ON entries(source);
`

// SQLiteIndex keeps entries in a single SQLite file. Writes go straight to
// disk inside a transaction; searches are an exact scan over the rows.
type SQLiteIndex struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	metric Metric
	dim    int
}

var _ VectorIndex = (*SQLiteIndex)(nil)

// NewSQLiteIndex returns an index backed by the database file at path.
// The file is created on the first Build.
func NewSQLiteIndex(path string, metric Metric) (*SQLiteIndex, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is empty: %w", models.ErrConfig)
	}
	if metric == "" {
		metric = MetricCosine
	}
	return &SQLiteIndex{path: path, metric: metric}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return db, nil
}

func (s *SQLiteIndex) ensureOpen() error {
	if s.db != nil {
		return nil
	}
	db, err := openSQLite(s.path)
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

func (s *SQLiteIndex) Build(ctx context.Context, entries []models.IndexEntry) error {
	dim, err := validateEntries(entries)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries"); err != nil {
		return fmt.Errorf("clear entries: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO entries (id, source, text, metadata, vector) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", e.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.Source, e.Text, string(meta), encodeVector(e.Vector)); err != nil {
			return fmt.Errorf("insert entry %s: %w", e.ID, err)
		}
	}

	for key, value := range map[string]string{"metric": string(s.metric), "dimension": strconv.Itoa(dim)} {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO index_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			key, value); err != nil {
			return fmt.Errorf("write index meta %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit build: %w", err)
	}
	s.dim = dim
	log.Printf("STORE: Wrote %d entries to %s", len(entries), s.path)
	return nil
}

func (s *SQLiteIndex) Search(ctx context.Context, query []float32, k int, filter Filter) ([]models.ScoredEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := validateQuery(query, k, s.dim); err != nil {
		return nil, err
	}
	if s.db == nil {
		return nil, nil
	}
	entries, err := s.readEntries(ctx)
	if err != nil {
		return nil, err
	}
	return rank(entries, query, k, filter, s.metric), nil
}

// Persist is a no-op for the index's own file, which is already durable.
// Any other location receives a compacted copy through VACUUM INTO.
func (s *SQLiteIndex) Persist(ctx context.Context, location string) error {
	if strings.TrimSpace(location) == "" {
		return fmt.Errorf("persist location is empty: %w", models.ErrConfig)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return fmt.Errorf("persist index: %w", models.ErrEmptyInput)
	}
	if samePath(location, s.path) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(location), 0o755); err != nil {
		return fmt.Errorf("create persist directory: %w", err)
	}
	if err := os.Remove(location); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove previous copy: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", location); err != nil {
		return fmt.Errorf("copy index to %s: %w", location, err)
	}
	return nil
}

func (s *SQLiteIndex) Load(ctx context.Context, location string) error {
	if _, err := os.Stat(location); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("index at %s: %w", location, models.ErrNotFound)
		}
		return fmt.Errorf("stat index: %w", err)
	}

	db, err := openSQLite(location)
	if err != nil {
		return err
	}

	meta := make(map[string]string)
	rows, err := db.QueryContext(ctx, "SELECT key, value FROM index_meta")
	if err != nil {
		db.Close()
		return fmt.Errorf("read index meta: %w", err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			db.Close()
			return fmt.Errorf("scan index meta: %w", err)
		}
		meta[k] = v
	}
	rows.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		s.db.Close()
	}
	s.db = db
	s.path = location
	if m, ok := meta["metric"]; ok {
		s.metric = Metric(m)
	}
	if d, err := strconv.Atoi(meta["dimension"]); err == nil {
		s.dim = d
	}
	return nil
}

func (s *SQLiteIndex) Entries(ctx context.Context) ([]models.IndexEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, nil
	}
	return s.readEntries(ctx)
}

func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, nil
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (s *SQLiteIndex) ScoreKind() ScoreKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scoreKindFor(s.metric)
}

// Path returns the database file currently in use.
func (s *SQLiteIndex) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

func (s *SQLiteIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteIndex) readEntries(ctx context.Context) ([]models.IndexEntry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, source, text, metadata, vector FROM entries ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []models.IndexEntry
	for rows.Next() {
		var (
			e    models.IndexEntry
			meta string
			blob []byte
		)
		if err := rows.Scan(&e.ID, &e.Source, &e.Text, &meta, &blob); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, fmt.Errorf("parse metadata for %s: %w", e.ID, err)
			}
		}
		e.Vector = decodeVector(blob)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(data []byte) []float32 {
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return absA == absB
}
