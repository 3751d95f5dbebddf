package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BlobStore keeps generated artifacts that providers return inline (audio
// bytes) and hands back a stable reference for the job result.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// FileStore persists artifacts onto the local filesystem. References are
// "file://<key>" so they can be told apart from provider URLs.
type FileStore struct {
	basePath string
}

func NewFileStore(basePath string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

func (s *FileStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if s == nil {
		return "", errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	fullPath := filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("storage: ensure directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("storage: write file: %w", err)
	}
	return "file://" + cleanKey, nil
}

// Open resolves a reference produced by Put back to a path on disk.
func (s *FileStore) Open(ref string) (*os.File, error) {
	cleanKey, err := sanitizeKey(strings.TrimPrefix(ref, "file://"))
	if err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(s.basePath, filepath.FromSlash(cleanKey)))
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}
