package pagecache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/project-tktt/house-tracker/internal/domain"
)

// Cache is a write-once store of fetched page bodies laid out as
// <root>/<type>/<batchNumber>/<diskURI>.
type Cache struct {
	root string
}

// New creates a cache rooted at root
func New(root string) *Cache {
	if root == "" {
		root = "cache"
	}
	return &Cache{root: root}
}

// Dir returns the directory of one batch generation
func (c *Cache) Dir(batchNumber int, typ domain.BatchType) string {
	return filepath.Join(c.root, string(typ), strconv.Itoa(batchNumber))
}

// Prepare creates the directory of a batch generation. Calling it again is a no-op.
func (c *Cache) Prepare(batchNumber int, typ domain.BatchType) error {
	if err := os.MkdirAll(c.Dir(batchNumber, typ), 0o755); err != nil {
		return fmt.Errorf("prepare cache dir: %w", err)
	}
	return nil
}

func (c *Cache) path(batchNumber int, typ domain.BatchType, diskURI string) (string, error) {
	if diskURI == "" || !filepath.IsLocal(diskURI) {
		return "", fmt.Errorf("invalid cache name %q", diskURI)
	}
	return filepath.Join(c.Dir(batchNumber, typ), diskURI), nil
}

// Read returns the cached body and whether it was present
func (c *Cache) Read(batchNumber int, typ domain.BatchType, diskURI string) ([]byte, bool, error) {
	p, err := c.path(batchNumber, typ, diskURI)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache %s: %w", p, err)
	}
	return data, true, nil
}

// Write stores body unless an entry already exists. It reports whether
// the body was written. The entry appears atomically via a hard link so
// readers never see a partial file.
func (c *Cache) Write(batchNumber int, typ domain.BatchType, diskURI string, body []byte) (bool, error) {
	p, err := c.path(batchNumber, typ, diskURI)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return false, fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".page-*")
	if err != nil {
		return false, fmt.Errorf("create temp cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return false, fmt.Errorf("write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close temp cache file: %w", err)
	}

	if err := os.Link(tmp.Name(), p); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("publish cache file: %w", err)
	}
	return true, nil
}

// Clear removes an entry so the next read misses
func (c *Cache) Clear(batchNumber int, typ domain.BatchType, diskURI string) error {
	p, err := c.path(batchNumber, typ, diskURI)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clear cache %s: %w", p, err)
	}
	return nil
}
