package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// GenerationRecord is the row persisted after a successful generation.
type GenerationRecord struct {
	UserID    string    `json:"user_id"`
	Prompt    string    `json:"prompt"`
	ImageURL  string    `json:"image_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence collaborator boundary. Implementations write
// gallery rows to whatever backs the calling application; the client only
// guarantees a well-formed record per successful generation.
type Store interface {
	SaveGeneration(ctx context.Context, rec GenerationRecord) error
}

// fileStore writes one sidecar JSON file per generation, for local use and
// the CLI's --gallery-dir flag.
type fileStore struct {
	dir string
}

func NewFileStore(dir string) Store {
	return &fileStore{dir: dir}
}

func (s *fileStore) SaveGeneration(_ context.Context, rec GenerationRecord) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create gallery dir %s", s.dir)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to marshal generation record")
	}
	fileName := filepath.Join(s.dir, fmt.Sprintf("generation-%d.json", rec.CreatedAt.UnixNano()))
	if err := os.WriteFile(fileName, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", fileName)
	}
	return nil
}
