package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kingrea/relay/internal/lifecycle"
)

// DocumentStore persists coordination documents between cycles. Any backend
// offering atomic read-modify-write per document satisfies the contract.
type DocumentStore interface {
	Load() (Document, error)
	Save(Document) error
}

// Repository stores the coordination document as JSON on disk. Saves go
// through a temp file plus rename so a crashed writer never leaves a
// half-written document behind.
type Repository struct {
	path string
}

// NewRepository creates a repository backed by the given file path.
func NewRepository(path string) *Repository {
	return &Repository{path: path}
}

// Load reads and validates the persisted document if present.
func (r *Repository) Load() (Document, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Document{}, ErrStateNotFound
		}
		return Document{}, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, &CorruptionError{Path: r.path, Reason: err.Error(), Raw: data}
	}
	if err := validateDocument(doc); err != nil {
		return Document{}, &CorruptionError{Path: r.path, Reason: err.Error(), Raw: data}
	}
	return doc, nil
}

// Save writes the document atomically.
func (r *Repository) Save(doc Document) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, append(encoded, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

func validateDocument(doc Document) error {
	if doc.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema_version %d not supported (want %d)", doc.SchemaVersion, SchemaVersion)
	}
	if doc.Workers == nil {
		return fmt.Errorf("worker map is missing")
	}
	for id, worker := range doc.Workers {
		if worker.ID != id {
			return fmt.Errorf("worker %q keyed under %q", worker.ID, id)
		}
		if !lifecycle.Known(worker.State) {
			return fmt.Errorf("worker %s has unknown state %q", id, worker.State)
		}
		if worker.Version < 1 {
			return fmt.Errorf("worker %s has non-positive version %d", id, worker.Version)
		}
	}
	for id, req := range doc.Requests {
		if req.ID != id {
			return fmt.Errorf("request %q keyed under %q", req.ID, id)
		}
		if req.SourceWorker == "" {
			return fmt.Errorf("request %s has no source worker", id)
		}
	}
	return nil
}
