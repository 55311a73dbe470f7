package caselog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	nanoid "github.com/matoous/go-nanoid/v2"

	"courtflow/session"
)

var (
	// ErrNotFound is returned when no case exists for the identifier.
	ErrNotFound = errors.New("caselog: not found")
)

const (
	idPrefix   = "case-"
	idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	idLength   = 12
)

// Repository implements the session core's CaseWriter against Postgres.
type Repository struct {
	pool  *pgxpool.Pool
	idGen func() (string, error)
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool: pool,
		idGen: func() (string, error) {
			id, err := nanoid.Generate(idAlphabet, idLength)
			if err != nil {
				return "", fmt.Errorf("caselog: generate id: %w", err)
			}
			return idPrefix + id, nil
		},
	}
}

func (r *Repository) WithIDGenerator(gen func() (string, error)) *Repository {
	r.idGen = gen
	return r
}

// Open creates the case record with verdict version 1. Re-opening for the
// same session returns the existing case id so generation retries stay
// idempotent.
func (r *Repository) Open(ctx context.Context, sessionID, pairID string, options []session.ResolutionOption) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("caselog: begin open tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing string
	switch err := tx.QueryRow(ctx, `SELECT id FROM cases WHERE session_id = $1`, sessionID).Scan(&existing); {
	case err == nil:
		return existing, nil
	case errors.Is(err, pgx.ErrNoRows):
		// continue with insert
	default:
		return "", fmt.Errorf("caselog: check existing case: %w", err)
	}

	id, err := r.idGen()
	if err != nil {
		return "", err
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO cases (id, session_id, pair_id) VALUES ($1, $2, $3)
`, id, sessionID, pairID); err != nil {
		return "", fmt.Errorf("caselog: insert case: %w", err)
	}

	if err := insertVersion(ctx, tx, id, 1, options, nil); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("caselog: commit open: %w", err)
	}
	return id, nil
}

// AppendVersion records a regenerated verdict after an addendum.
func (r *Repository) AppendVersion(ctx context.Context, caseID string, options []session.ResolutionOption) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("caselog: begin append tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the parent row to serialize version numbering, then count.
	var locked string
	switch err := tx.QueryRow(ctx, `SELECT id FROM cases WHERE id = $1 FOR UPDATE`, caseID).Scan(&locked); {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("caselog: lock case: %w", err)
	}

	var next int
	if err := tx.QueryRow(ctx, `
SELECT COALESCE(MAX(version), 0) + 1 FROM case_verdict_versions WHERE case_id = $1
`, caseID).Scan(&next); err != nil {
		return fmt.Errorf("caselog: next version: %w", err)
	}

	if err := insertVersion(ctx, tx, caseID, next, options, nil); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("caselog: commit append: %w", err)
	}
	return nil
}

// RecordResolution stamps the converged pick on the latest verdict version.
func (r *Repository) RecordResolution(ctx context.Context, caseID string, picked session.ResolutionOption) error {
	body, err := json.Marshal(picked)
	if err != nil {
		return fmt.Errorf("caselog: marshal resolution: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE case_verdict_versions
SET final_resolution = $2::jsonb
WHERE case_id = $1
  AND version = (SELECT MAX(version) FROM case_verdict_versions WHERE case_id = $1)
`, caseID, body)
	if err != nil {
		return fmt.Errorf("caselog: record resolution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkSettled closes the case as settled-without-full-verdict.
func (r *Repository) MarkSettled(ctx context.Context, caseID string) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE cases SET settled = true, closed_at = COALESCE(closed_at, now()) WHERE id = $1
`, caseID)
	if err != nil {
		return fmt.Errorf("caselog: mark settled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AttachRating closes the case with an optional 1..5 rating.
func (r *Repository) AttachRating(ctx context.Context, caseID string, rating *int) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE cases SET rating = $2, closed_at = COALESCE(closed_at, now()) WHERE id = $1
`, caseID, rating)
	if err != nil {
		return fmt.Errorf("caselog: attach rating: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetBySession fetches the case header for a session id.
func (r *Repository) GetBySession(ctx context.Context, sessionID string) (Case, error) {
	const query = `
SELECT id, session_id, pair_id, settled, rating, created_at, closed_at
FROM cases
WHERE session_id = $1
`
	var c Case
	if err := r.pool.QueryRow(ctx, query, sessionID).Scan(
		&c.ID, &c.SessionID, &c.PairID, &c.Settled, &c.Rating, &c.CreatedAt, &c.ClosedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrNotFound
		}
		return Case{}, fmt.Errorf("caselog: get by session: %w", err)
	}
	return c, nil
}

// ListVersions returns all verdict versions for a case, oldest first.
func (r *Repository) ListVersions(ctx context.Context, caseID string) ([]VerdictVersion, error) {
	const query = `
SELECT id, case_id, version, options, final_resolution, created_at
FROM case_verdict_versions
WHERE case_id = $1
ORDER BY version ASC
`
	rows, err := r.pool.Query(ctx, query, caseID)
	if err != nil {
		return nil, fmt.Errorf("caselog: list versions: %w", err)
	}
	defer rows.Close()

	out := make([]VerdictVersion, 0, 4)
	for rows.Next() {
		var v VerdictVersion
		if err := rows.Scan(&v.ID, &v.CaseID, &v.Version, &v.Options, &v.FinalResolution, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("caselog: scan version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("caselog: iterate versions: %w", err)
	}
	return out, nil
}

func insertVersion(ctx context.Context, tx pgx.Tx, caseID string, version int, options []session.ResolutionOption, final []byte) error {
	if options == nil {
		options = []session.ResolutionOption{}
	}
	body, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("caselog: marshal options: %w", err)
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO case_verdict_versions (case_id, version, options, final_resolution)
VALUES ($1, $2, $3::jsonb, $4)
`, caseID, version, body, final); err != nil {
		return fmt.Errorf("caselog: insert version: %w", err)
	}
	return nil
}
