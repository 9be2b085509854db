// Package file is a store.Store that keeps one JSON document per session
// under a directory.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"agentrelay/internal/store"
)

const ext = ".json"

// Store persists records as <root>/<id>.json.
type Store struct {
	root string
}

var _ store.Store = (*Store)(nil)

// New returns a Store rooted at dir. The directory is created on first save.
func New(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the directory the store writes to.
func (s *Store) Root() string { return s.root }

func (s *Store) path(id string) string {
	return filepath.Join(s.root, id+ext)
}

// Save writes rec atomically: a temp file in the same directory is renamed
// over the previous document.
func (s *Store) Save(_ context.Context, rec store.Record) error {
	if err := store.ValidateID(rec.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", rec.ID, err)
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}

	tmp, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmpName, s.path(rec.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) Load(_ context.Context, id string) (store.Record, error) {
	if err := store.ValidateID(id); err != nil {
		return store.Record{}, err
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return store.Record{}, store.NotFound(id)
		}
		return store.Record{}, fmt.Errorf("load session %s: %w", id, err)
	}
	var rec store.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return store.Record{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	if err := store.ValidateID(id); err != nil {
		return err
	}
	if err := os.Remove(s.path(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return store.NotFound(id)
		}
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// List returns the stored IDs in lexical order. Hidden files, including
// in-progress temp files, are skipped.
func (s *Store) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ext) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ext))
	}
	sort.Strings(ids)
	return ids, nil
}
