// Package storage hosts the media stores that hold processed artifacts: the
// Cloudinary-compatible CDN used in production and a filesystem store for
// development and tests.
package storage

import (
	"context"
	"strings"
)

// StoreRequest carries one encoded artifact to a blob store.
type StoreRequest struct {
	Data []byte
	// Name is the suggested artifact name, derived from the upload filename.
	Name   string
	Folder string
	// Format is the delivery format requested by the client (webp, png,
	// jpeg); Encoding is the actual encoding of Data (png or jpeg). The CDN
	// transcodes when they differ.
	Format   string
	Encoding string
	Quality  string
	Width    int
	Height   int
}

// StoreResult is the durable description returned by a blob store.
type StoreResult struct {
	URL      string
	PublicID string
	Bytes    int64
	Format   string
	Width    int
	Height   int
}

// BlobStore persists one artifact and returns its durable location. Stores
// never overwrite: every call creates a new object, which is what makes
// at-least-once job delivery safe.
type BlobStore interface {
	Store(ctx context.Context, req StoreRequest) (*StoreResult, error)
}

// SafeName strips everything but alphanumerics, dots, underscores and dashes
// from the base of a filename, for use inside public identifiers.
func SafeName(filename string) string {
	base := filename
	if idx := strings.IndexByte(base, '.'); idx >= 0 {
		base = base[:idx]
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "image"
	}
	return b.String()
}
