package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github/itish2003/retrieval/models"
)

const defaultWatchDebounce = 2 * time.Second

// FileIndexingService keeps the index in sync with the corpus directory.
type FileIndexingService struct {
	files      *CorpusFiles
	ragService RAGService
	debounce   time.Duration

	mu    sync.Mutex
	state map[string]string // source -> file hash of the last build
}

// NewFileIndexingService creates a new indexing service.
func NewFileIndexingService(files *CorpusFiles, ragService RAGService, debounce time.Duration) *FileIndexingService {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	return &FileIndexingService{
		files:      files,
		ragService: ragService,
		debounce:   debounce,
	}
}

// ScanAndIndexDirectory rebuilds the index from the corpus directory unless
// no file changed since the last build. It reports whether a rebuild ran.
func (s *FileIndexingService) ScanAndIndexDirectory(ctx context.Context) (bool, error) {
	log.Printf("INDEXER: Starting directory scan for: %s", s.files.Dir)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		indexed, err := s.getCurrentIndexState(ctx)
		if err != nil {
			log.Printf("INDEXER WARN: Could not get current index state: %v", err)
		}
		s.state = indexed
		log.Printf("INDEXER: Found %d files currently in the index.", len(indexed))
	}

	paths, err := s.files.List()
	if err != nil {
		return false, err
	}
	if len(paths) == 0 {
		return false, fmt.Errorf("no supported files in %s: %w", s.files.Dir, models.ErrEmptyInput)
	}

	local := make(map[string]string, len(paths))
	for _, path := range paths {
		hash, err := calculateFileHash(path)
		if err != nil {
			log.Printf("INDEXER WARN: Could not hash file %s: %v", path, err)
			continue
		}
		local[s.files.SourceName(path)] = hash
	}

	if len(s.state) > 0 && maps.Equal(local, s.state) {
		log.Println("INDEXER: No changes since the last build, skipping.")
		return false, nil
	}
	for source := range s.state {
		if _, ok := local[source]; !ok {
			log.Printf("INDEXER: File deleted: %s. Removing from index...", source)
		}
	}

	count, err := s.ragService.IngestFiles(ctx, paths)
	if err != nil {
		return false, err
	}
	s.state = local
	log.Printf("INDEXER: Directory scan finished, %d chunks indexed.", count)
	return true, nil
}

// getCurrentIndexState reads the file hashes recorded in the index.
func (s *FileIndexingService) getCurrentIndexState(ctx context.Context) (map[string]string, error) {
	state := make(map[string]string)
	resp, err := s.ragService.ListEntries(ctx)
	if err != nil {
		return state, err
	}
	for _, e := range resp.Entries {
		source, hash := e.Metadata[models.MetaSource], e.Metadata[models.MetaFileHash]
		if source == "" || hash == "" {
			continue
		}
		if _, exists := state[source]; !exists {
			state[source] = hash
		}
	}
	return state, nil
}

// WatchDirectory watches the corpus directory and rebuilds the index once
// events have settled for the debounce interval. It blocks until ctx is
// cancelled.
func (s *FileIndexingService) WatchDirectory(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := addWatchDirs(watcher, s.files.Dir); err != nil {
		return fmt.Errorf("failed to add path to watcher: %w", err)
	}
	log.Printf("WATCHER: Watching directory: %s", s.files.Dir)

	var pending <-chan time.Time
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) && isVisibleDir(event.Name) {
				if err := addWatchDirs(watcher, event.Name); err != nil {
					log.Printf("WATCHER ERROR: Could not watch %s: %v", event.Name, err)
				}
				pending = time.After(s.debounce)
				continue
			}
			// We only care about supported file types.
			if !IsSupportedFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				log.Printf("WATCHER EVENT: %s", event)
				pending = time.After(s.debounce)
			}

		case <-pending:
			pending = nil
			if _, err := s.ScanAndIndexDirectory(ctx); err != nil {
				if errors.Is(err, models.ErrEmptyInput) {
					log.Printf("WATCHER WARN: %v", err)
					continue
				}
				log.Printf("WATCHER ERROR: Re-index failed: %v", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("WATCHER ERROR: %v", err)

		case <-ctx.Done():
			log.Println("WATCHER: Context cancelled, shutting down watcher.")
			return nil
		}
	}
}

// addWatchDirs watches root and every visible directory below it.
func addWatchDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func isVisibleDir(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
