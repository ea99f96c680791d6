// Package filestore keeps generated documents and uploaded receipts on local disk
// and hands back the public URL they are served from.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrInvalidKey indicates a key that escapes the store root.
var ErrInvalidKey = errors.New("filestore: invalid key")

// Store writes blobs below a root directory.
type Store struct {
	root    string
	baseURL string
}

// New constructs a Store. baseURL is the prefix the router serves root under.
func New(root, baseURL string) *Store {
	return &Store{root: root, baseURL: strings.TrimRight(baseURL, "/")}
}

// Put writes data under key and returns its public URL.
func (s *Store) Put(ctx context.Context, key string, data []byte) (string, error) {
	if s == nil {
		return "", errors.New("filestore: not configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	full := filepath.Join(s.root, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("filestore: mkdir: %w", err)
	}
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("filestore: write: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("filestore: rename: %w", err)
	}
	return s.baseURL + "/" + clean, nil
}

// Handler serves stored blobs; mount it under baseURL.
func (s *Store) Handler() http.Handler {
	return http.StripPrefix(s.baseURL+"/", http.FileServer(http.Dir(s.root)))
}

// BaseURL returns the URL prefix blobs are served under.
func (s *Store) BaseURL() string {
	return s.baseURL
}

func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrInvalidKey
	}
	clean := path.Clean("/" + key)[1:]
	if clean == "" || strings.HasPrefix(clean, "..") {
		return "", ErrInvalidKey
	}
	return clean, nil
}
