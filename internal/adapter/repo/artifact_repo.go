package repo

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// ArtifactRepositoryPG implements domain.ArtifactRepository.
type ArtifactRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewArtifactRepository creates a new artifact repository backed by PostgreSQL.
func NewArtifactRepository(pool *pgxpool.Pool) *ArtifactRepositoryPG {
	return &ArtifactRepositoryPG{pool: pool}
}

// EnsureSchema creates the artifacts table when it does not exist yet.
func (r *ArtifactRepositoryPG) EnsureSchema(ctx context.Context) error {
	query := `
CREATE TABLE IF NOT EXISTS artifacts (
    id         UUID PRIMARY KEY,
    job_id     TEXT NOT NULL,
    kind       TEXT NOT NULL,
    public_id  TEXT NOT NULL,
    url        TEXT NOT NULL,
    format     TEXT NOT NULL,
    bytes      BIGINT NOT NULL DEFAULT 0,
    width      INT NOT NULL DEFAULT 0,
    height     INT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS artifacts_created_at_idx ON artifacts (created_at DESC);
`
	_, err := r.pool.Exec(ctx, query)
	return err
}

// Create inserts a completed artifact record.
func (r *ArtifactRepositoryPG) Create(ctx context.Context, artifact *domain.Artifact) error {
	if artifact.ID == "" {
		artifact.ID = uuid.NewString()
	}
	query := `
INSERT INTO artifacts (id, job_id, kind, public_id, url, format, bytes, width, height)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`
	_, err := r.pool.Exec(ctx, query,
		artifact.ID,
		artifact.JobID,
		artifact.Kind,
		artifact.PublicID,
		artifact.URL,
		artifact.Format,
		artifact.Bytes,
		artifact.Width,
		artifact.Height,
	)
	return err
}

// ListRecent returns the most recently recorded artifacts.
func (r *ArtifactRepositoryPG) ListRecent(ctx context.Context, limit int) ([]domain.Artifact, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `
SELECT id, job_id, kind, public_id, url, format, bytes, width, height, created_at
FROM artifacts
ORDER BY created_at DESC
LIMIT $1;
`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	defer rows.Close()

	var artifacts []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(
			&a.ID,
			&a.JobID,
			&a.Kind,
			&a.PublicID,
			&a.URL,
			&a.Format,
			&a.Bytes,
			&a.Width,
			&a.Height,
			&a.CreatedAt,
		); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}
