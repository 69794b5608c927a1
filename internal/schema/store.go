package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/JakeFAU/product-extractor/internal/crawler"
)

// Store persists schemas keyed by root domain.
type Store interface {
	Load(ctx context.Context, rootDomain string) (SiteSchema, bool, error)
	Save(ctx context.Context, s SiteSchema) error
}

// FileStore keeps one JSON file per root domain:
// <dir>/product_schema_<host>.json.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("schema directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create schema directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the file backing rootDomain.
func (s *FileStore) Path(rootDomain string) string {
	return filepath.Join(s.dir, fmt.Sprintf("product_schema_%s.json", crawler.SafeName(crawler.Host(rootDomain))))
}

// Load reads the schema for rootDomain. A missing file is not an error.
func (s *FileStore) Load(_ context.Context, rootDomain string) (SiteSchema, bool, error) {
	data, err := os.ReadFile(s.Path(rootDomain))
	if errors.Is(err, os.ErrNotExist) {
		return SiteSchema{}, false, nil
	}
	if err != nil {
		return SiteSchema{}, false, fmt.Errorf("read schema: %w", err)
	}
	var out SiteSchema
	if err := json.Unmarshal(data, &out); err != nil {
		return SiteSchema{}, false, fmt.Errorf("decode schema %s: %w", s.Path(rootDomain), err)
	}
	return out, true, nil
}

// Save writes the schema through a temp file and rename so readers never see
// a partial file.
func (s *FileStore) Save(_ context.Context, sch SiteSchema) error {
	if sch.RootDomain == "" {
		return errors.New("schema root domain is required")
	}
	data, err := json.MarshalIndent(sch, "", "  ")
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".schema-*")
	if err != nil {
		return fmt.Errorf("create temp schema: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write temp schema: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close temp schema: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path(sch.RootDomain)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rename schema into place: %w", err)
	}
	return nil
}
