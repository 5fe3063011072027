package domain

import (
	"context"
	"time"
)

// Artifact is one completed output recorded in the catalog. Only successful
// attempts produce artifacts; failures leave no catalog state behind.
type Artifact struct {
	ID        string
	JobID     string
	Kind      JobKind
	PublicID  string
	URL       string
	Format    string
	Bytes     int64
	Width     int
	Height    int
	CreatedAt time.Time
}

// ArtifactRepository persists and lists completed artifacts.
type ArtifactRepository interface {
	Create(ctx context.Context, artifact *Artifact) error
	ListRecent(ctx context.Context, limit int) ([]Artifact, error)
}
