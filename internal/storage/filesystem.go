package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"server/internal/domain"
)

// FileStore persists artifacts onto the local filesystem. It is intended for
// development and test environments where the CDN is not configured. The
// reported format mirrors the requested delivery format for response parity
// with the CDN backend, while the stored bytes keep their local encoding.
type FileStore struct {
	basePath string
	baseURL  string
}

// NewFileStore initializes a FileStore rooted at basePath. Served URLs are
// built from baseURL.
func NewFileStore(basePath, baseURL string) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &FileStore{basePath: basePath, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Store writes the artifact under a fresh key and returns its description.
func (s *FileStore) Store(ctx context.Context, req StoreRequest) (*StoreResult, error) {
	if s == nil {
		return nil, errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Data) == 0 {
		return nil, errors.New("storage: empty artifact")
	}

	publicID := fmt.Sprintf("%s/%s-%s", req.Folder, SafeName(req.Name), uuid.NewString()[:8])
	key, err := sanitizeKey(publicID + extensionFor(req.Encoding))
	if err != nil {
		return nil, err
	}

	fullPath := filepath.Join(s.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure directory: %w", err)
	}
	if err := os.WriteFile(fullPath, req.Data, 0o644); err != nil {
		return nil, fmt.Errorf("storage: write file: %w", err)
	}

	format := req.Format
	if format == "" {
		format = req.Encoding
	}
	return &StoreResult{
		URL:      s.baseURL + "/" + key,
		PublicID: publicID,
		Bytes:    int64(len(req.Data)),
		Format:   format,
		Width:    req.Width,
		Height:   req.Height,
	}, nil
}

func extensionFor(encoding string) string {
	if encoding == domain.FormatJPEG {
		return ".jpg"
	}
	return ".png"
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
	cleaned := filepath.Clean(key)
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}
