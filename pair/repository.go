package pair

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested pair does not exist.
var ErrNotFound = errors.New("pair: not found")

// Repository provides read access to pair profiles.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a pair by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	const query = `SELECT id, created_at FROM pairs WHERE id = $1`

	var profile Profile
	if err := r.pool.QueryRow(ctx, query, id).Scan(&profile.ID, &profile.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("pair: query by id: %w", err)
	}
	return profile, nil
}

// Members fetches the participants linked to a pair, oldest account first.
func (r *Repository) Members(ctx context.Context, pairID string) ([]Member, error) {
	const query = `
		SELECT id, full_name, email
		FROM participants
		WHERE pair_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, pairID)
	if err != nil {
		return nil, fmt.Errorf("pair: list members: %w", err)
	}
	defer rows.Close()

	members := make([]Member, 0, 2)
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.FullName, &m.Email); err != nil {
			return nil, fmt.Errorf("pair: scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pair: iterate members: %w", err)
	}
	return members, nil
}
