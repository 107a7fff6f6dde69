package services

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github/itish2003/retrieval/models"
)

// CorpusFiles handles the file system operations on the corpus directory.
type CorpusFiles struct {
	Dir string // absolute path to the corpus directory
}

func NewCorpusFiles(dir string) (*CorpusFiles, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("CORPUS_DIR is not set: %w", models.ErrConfig)
	}
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("could not determine absolute path for CORPUS_DIR: %w", err)
	}
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return nil, fmt.Errorf("create corpus directory: %w", err)
	}
	return &CorpusFiles{Dir: absPath}, nil
}

// sanitizeFilename keeps the file inside the corpus directory and limits it
// to formats that can be written as text.
func (cf *CorpusFiles) sanitizeFilename(filename string) (string, error) {
	base := filepath.Base(strings.TrimSpace(filename))
	switch strings.ToLower(filepath.Ext(base)) {
	case ".txt", ".md", ".markdown":
	default:
		return "", fmt.Errorf("filename %q must end with .txt or .md: %w", filename, models.ErrConfig)
	}
	if base == "." || base == ".." || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("invalid filename %q: %w", filename, models.ErrConfig)
	}
	cleanPath := filepath.Join(cf.Dir, base)
	if !strings.HasPrefix(cleanPath, cf.Dir+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid filename %q, attempts to escape corpus directory: %w", filename, models.ErrConfig)
	}
	return cleanPath, nil
}

// SaveDocument writes content to filename, replacing any existing file.
func (cf *CorpusFiles) SaveDocument(filename, content string) (string, error) {
	path, err := cf.sanitizeFilename(filename)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("document %q has no text: %w", filename, models.ErrEmptyInput)
	}

	if err := cf.writeAtomic(path, []byte(content)); err != nil {
		return "", fmt.Errorf("failed to save file '%s': %w", filename, err)
	}
	return path, nil
}

func (cf *CorpusFiles) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(cf.Dir, ".upload-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// documentPath resolves a top-level corpus document by name.
func (cf *CorpusFiles) documentPath(filename string) (string, error) {
	base := filepath.Base(strings.TrimSpace(filename))
	if !IsSupportedFile(base) || strings.HasPrefix(base, ".") {
		return "", fmt.Errorf("invalid filename %q: %w", filename, models.ErrConfig)
	}
	return filepath.Join(cf.Dir, base), nil
}

// Snapshot records the current state of filename. The returned function
// puts it back: the old content is rewritten, or the file is removed if it
// did not exist.
func (cf *CorpusFiles) Snapshot(filename string) (func() error, error) {
	path, err := cf.documentPath(filename)
	if err != nil {
		return nil, err
	}
	old, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return func() error {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("remove '%s': %w", filename, err)
			}
			return nil
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read '%s': %w", filename, err)
	}
	return func() error {
		if err := cf.writeAtomic(path, old); err != nil {
			return fmt.Errorf("restore '%s': %w", filename, err)
		}
		return nil
	}, nil
}

// DeleteDocument removes filename from the corpus.
func (cf *CorpusFiles) DeleteDocument(filename string) error {
	path, err := cf.documentPath(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("file '%s': %w", filename, models.ErrNotFound)
		}
		return fmt.Errorf("failed to delete file '%s': %w", filename, err)
	}
	return nil
}

// SourceName is the name a corpus file is indexed under: its path relative
// to the corpus directory, with forward slashes.
func (cf *CorpusFiles) SourceName(path string) string {
	return sourceName(cf.Dir, path)
}

// List returns every supported file under the corpus directory, sorted.
// Hidden files and directories are skipped. Files in subdirectories are
// indexed under their relative path.
func (cf *CorpusFiles) List() ([]string, error) {
	var files []string
	err := filepath.WalkDir(cf.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != cf.Dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() && IsSupportedFile(path) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", cf.Dir, err)
	}
	sort.Strings(files)
	return files, nil
}
