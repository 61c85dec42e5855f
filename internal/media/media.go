// Package media stores product photos and videos on disk, one directory
// per product. Files arrive as Telegram downloads at drop creation and
// are read back when a purchase is delivered.
package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrInvalidProductID rejects product ids that cannot name a directory.
var ErrInvalidProductID = errors.New("media: invalid product id")

// Store is a disk-backed media store rooted at a single directory.
type Store struct {
	root   string
	logger zerolog.Logger
}

// New creates the root directory if needed and returns the store.
func New(root string, logger zerolog.Logger) (*Store, error) {
	if root == "" {
		return nil, errors.New("media: root directory not configured")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("media: create root: %w", err)
	}
	return &Store{
		root:   root,
		logger: logger.With().Str("component", "media").Logger(),
	}, nil
}

// Save streams one file into the product's directory under a fresh
// unique name and returns the stored filename. The original name only
// contributes its extension.
func (s *Store) Save(productID, filename string, r io.Reader) (string, error) {
	dir, err := s.productDir(productID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("media: create product dir: %w", err)
	}

	name := uuid.NewString() + safeExt(filename)
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("media: create file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("media: write file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("media: close file: %w", err)
	}

	s.logger.Debug().Str("product_id", productID).Str("file", name).Msg("media.saved")
	return name, nil
}

// List returns the absolute paths of the product's media, sorted by
// filename. A product with no media yields an empty slice.
func (s *Store) List(productID string) ([]string, error) {
	dir, err := s.productDir(productID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("media: read product dir: %w", err)
	}

	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// Open opens one stored file for reading. name must come from List or
// Save; path separators are rejected.
func (s *Store) Open(productID, name string) (io.ReadCloser, error) {
	dir, err := s.productDir(productID)
	if err != nil {
		return nil, err
	}
	if name == "" || name != filepath.Base(name) {
		return nil, fmt.Errorf("media: invalid file name %q", name)
	}
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("media: open file: %w", err)
	}
	return f, nil
}

// Remove deletes the product's directory and everything in it. Removing
// a product that never had media is not an error.
func (s *Store) Remove(productID string) error {
	dir, err := s.productDir(productID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("media: remove product dir: %w", err)
	}
	s.logger.Debug().Str("product_id", productID).Msg("media.removed")
	return nil
}

// productDir maps a product id to its directory, rejecting ids that
// would escape the root.
func (s *Store) productDir(productID string) (string, error) {
	if productID == "" || productID != filepath.Base(productID) || productID == "." || productID == ".." {
		return "", ErrInvalidProductID
	}
	return filepath.Join(s.root, productID), nil
}

// safeExt extracts a conservative file extension: lowercase, short, and
// limited to letters and digits. Anything else is dropped.
func safeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || len(ext) > 8 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
