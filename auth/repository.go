package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrParticipantNotFound signals that the account does not exist.
	ErrParticipantNotFound = errors.New("auth: participant not found")
	// ErrDuplicateEmail signals that the email is already registered.
	ErrDuplicateEmail = errors.New("auth: email already exists")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateParticipant(ctx context.Context, params CreateParticipantParams) (Participant, error)
	GetByEmail(ctx context.Context, email string) (Participant, error)
	GetByID(ctx context.Context, id string) (Participant, error)
	LinkPair(ctx context.Context, participantID, pairID string) (Participant, error)
}

// CreateParticipantParams contains write parameters for creating accounts.
type CreateParticipantParams struct {
	Email        string
	FullName     string
	PasswordHash string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// CreateParticipant inserts a new account with a hashed password.
func (r *PGRepository) CreateParticipant(ctx context.Context, params CreateParticipantParams) (Participant, error) {
	const insertSQL = `
		INSERT INTO participants (email, full_name, password_hash)
		VALUES ($1, $2, $3)
		RETURNING id, email, full_name, password_hash, pair_id, created_at, updated_at
	`

	p, err := scanParticipant(r.pool.QueryRow(ctx, insertSQL, params.Email, params.FullName, params.PasswordHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Participant{}, ErrDuplicateEmail
		}
		return Participant{}, fmt.Errorf("auth: create participant: %w", err)
	}
	return p, nil
}

// GetByEmail retrieves an account by email address.
func (r *PGRepository) GetByEmail(ctx context.Context, email string) (Participant, error) {
	const selectSQL = `
		SELECT id, email, full_name, password_hash, pair_id, created_at, updated_at
		FROM participants
		WHERE email = $1
	`

	p, err := scanParticipant(r.pool.QueryRow(ctx, selectSQL, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Participant{}, ErrParticipantNotFound
		}
		return Participant{}, fmt.Errorf("auth: get by email: %w", err)
	}
	return p, nil
}

// GetByID retrieves an account by id.
func (r *PGRepository) GetByID(ctx context.Context, id string) (Participant, error) {
	const selectSQL = `
		SELECT id, email, full_name, password_hash, pair_id, created_at, updated_at
		FROM participants
		WHERE id = $1
	`

	p, err := scanParticipant(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Participant{}, ErrParticipantNotFound
		}
		return Participant{}, fmt.Errorf("auth: get by id: %w", err)
	}
	return p, nil
}

// LinkPair attaches the participant to a pair. Re-linking to a different pair
// is rejected at the database layer by the partner flow, not here.
func (r *PGRepository) LinkPair(ctx context.Context, participantID, pairID string) (Participant, error) {
	const updateSQL = `
		UPDATE participants
		SET pair_id = $2, updated_at = now()
		WHERE id = $1
		RETURNING id, email, full_name, password_hash, pair_id, created_at, updated_at
	`

	p, err := scanParticipant(r.pool.QueryRow(ctx, updateSQL, participantID, pairID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Participant{}, ErrParticipantNotFound
		}
		return Participant{}, fmt.Errorf("auth: link pair: %w", err)
	}
	return p, nil
}

func scanParticipant(row pgx.Row) (Participant, error) {
	var (
		p      Participant
		pairID *string
	)
	err := row.Scan(
		&p.ID,
		&p.Email,
		&p.FullName,
		&p.PasswordHash,
		&pairID,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return Participant{}, err
	}
	p.PairID = pairID
	return p, nil
}
