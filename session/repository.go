package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the pgx-backed Store. Every mutation commits the session row,
// its timeline events, and any outbox messages in one transaction.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionColumns = `
id, pair_id, creator_id, partner_id, phase::text,
evidence, options, picks, hybrid, acceptances,
settlement_requested_by::text, settlement_declined_by::text,
addendum_count, generation_failed,
submission_deadline, verdict_deadline, case_id,
created_at, updated_at
`

func (r *Repository) GetByID(ctx context.Context, id string) (Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	s, err := scanSession(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("session: get by id: %w", err)
	}
	return s, nil
}

func (r *Repository) GetLiveByParticipant(ctx context.Context, participantID string) (Session, error) {
	query := `
SELECT ` + sessionColumns + `
FROM sessions
WHERE (creator_id = $1 OR partner_id = $1)
  AND phase NOT IN ('idle','closed','settled','timed_out')
LIMIT 1
`
	s, err := scanSession(r.pool.QueryRow(ctx, query, participantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("session: get live: %w", err)
	}
	return s, nil
}

func (r *Repository) Create(ctx context.Context, cs ChangeSet) (Session, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("session: begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	s := cs.Session
	cols, err := jsonColumns(s)
	if err != nil {
		return Session{}, err
	}

	const insertSQL = `
INSERT INTO sessions (
    id, pair_id, creator_id, partner_id, phase,
    evidence, options, picks, hybrid, acceptances,
    settlement_requested_by, settlement_declined_by,
    addendum_count, generation_failed,
    submission_deadline, verdict_deadline, case_id
)
VALUES ($1,$2,$3,$4,$5::court_phase,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
RETURNING ` + sessionColumns

	saved, err := scanSession(tx.QueryRow(ctx, insertSQL,
		s.ID, s.PairID, s.CreatorID, s.PartnerID, s.Phase,
		cols.evidence, cols.options, cols.picks, cols.hybrid, cols.acceptances,
		s.Settlement.RequestedBy, s.Settlement.DeclinedBy,
		s.AddendumCount, s.GenerationFailed,
		s.SubmissionDeadline, s.VerdictDeadline, s.CaseID,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Session{}, ErrAlreadyLive
		}
		return Session{}, fmt.Errorf("session: insert: %w", err)
	}

	if err := r.writeEventsAndOutbox(ctx, tx, saved.ID, cs); err != nil {
		return Session{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Session{}, fmt.Errorf("session: commit create: %w", err)
	}
	return saved, nil
}

func (r *Repository) Save(ctx context.Context, cs ChangeSet) (Session, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("session: begin save tx: %w", err)
	}
	defer tx.Rollback(ctx)

	s := cs.Session

	var locked string
	if err := tx.QueryRow(ctx, `SELECT id FROM sessions WHERE id = $1 FOR UPDATE`, s.ID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, fmt.Errorf("session: lock row: %w", err)
	}

	cols, err := jsonColumns(s)
	if err != nil {
		return Session{}, err
	}

	const updateSQL = `
UPDATE sessions
SET phase = $2::court_phase,
    evidence = $3,
    options = $4,
    picks = $5,
    hybrid = $6,
    acceptances = $7,
    settlement_requested_by = $8,
    settlement_declined_by = $9,
    addendum_count = $10,
    generation_failed = $11,
    submission_deadline = $12,
    verdict_deadline = $13,
    case_id = $14,
    updated_at = now()
WHERE id = $1
RETURNING ` + sessionColumns

	saved, err := scanSession(tx.QueryRow(ctx, updateSQL,
		s.ID, s.Phase,
		cols.evidence, cols.options, cols.picks, cols.hybrid, cols.acceptances,
		s.Settlement.RequestedBy, s.Settlement.DeclinedBy,
		s.AddendumCount, s.GenerationFailed,
		s.SubmissionDeadline, s.VerdictDeadline, s.CaseID,
	))
	if err != nil {
		return Session{}, fmt.Errorf("session: update: %w", err)
	}

	if err := r.writeEventsAndOutbox(ctx, tx, saved.ID, cs); err != nil {
		return Session{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Session{}, fmt.Errorf("session: commit save: %w", err)
	}
	return saved, nil
}

func (r *Repository) ListDueDeadlines(ctx context.Context, now time.Time) ([]Session, error) {
	query := `
SELECT ` + sessionColumns + `
FROM sessions
WHERE (phase = 'submitting' AND submission_deadline IS NOT NULL AND submission_deadline <= $1)
   OR (phase = 'verdict' AND verdict_deadline IS NOT NULL AND verdict_deadline <= $1)
ORDER BY updated_at ASC
`
	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("session: list due deadlines: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0, 8)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("session: scan due session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: iterate due sessions: %w", err)
	}
	return out, nil
}

func (r *Repository) writeEventsAndOutbox(ctx context.Context, tx pgx.Tx, sessionID string, cs ChangeSet) error {
	for _, ev := range cs.Events {
		body, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("session: marshal timeline payload: %w", err)
		}
		var actor any
		if ev.ActorID != nil {
			actor = *ev.ActorID
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO session_timeline_events (session_id, type, payload, actor_id)
VALUES ($1, $2, $3::jsonb, $4::uuid)
`, sessionID, ev.Type, body, actor); err != nil {
			return fmt.Errorf("session: insert timeline event: %w", err)
		}
	}
	for _, msg := range cs.Outbox {
		body, err := json.Marshal(msg.Payload)
		if err != nil {
			return fmt.Errorf("session: marshal outbox payload: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, msg.Topic, body); err != nil {
			return fmt.Errorf("session: enqueue outbox: %w", err)
		}
	}
	return nil
}

type sessionJSON struct {
	evidence    []byte
	options     []byte
	picks       []byte
	hybrid      []byte
	acceptances []byte
}

func jsonColumns(s Session) (sessionJSON, error) {
	var (
		out sessionJSON
		err error
	)
	if out.evidence, err = json.Marshal(orEmptyMap(s.Evidence)); err != nil {
		return sessionJSON{}, fmt.Errorf("session: marshal evidence: %w", err)
	}
	opts := s.Options
	if opts == nil {
		opts = []ResolutionOption{}
	}
	if out.options, err = json.Marshal(opts); err != nil {
		return sessionJSON{}, fmt.Errorf("session: marshal options: %w", err)
	}
	if out.picks, err = json.Marshal(orEmptyMap(s.Picks)); err != nil {
		return sessionJSON{}, fmt.Errorf("session: marshal picks: %w", err)
	}
	if s.Hybrid != nil {
		if out.hybrid, err = json.Marshal(s.Hybrid); err != nil {
			return sessionJSON{}, fmt.Errorf("session: marshal hybrid: %w", err)
		}
	}
	if out.acceptances, err = json.Marshal(orEmptyMap(s.Acceptances)); err != nil {
		return sessionJSON{}, fmt.Errorf("session: marshal acceptances: %w", err)
	}
	return out, nil
}

func orEmptyMap[V any](m map[Role]V) map[Role]V {
	if m == nil {
		return map[Role]V{}
	}
	return m
}

func scanSession(row pgx.Row) (Session, error) {
	var (
		s           Session
		evidence    []byte
		options     []byte
		picks       []byte
		hybrid      []byte
		acceptances []byte
		requestedBy *string
		declinedBy  *string
	)
	if err := row.Scan(
		&s.ID, &s.PairID, &s.CreatorID, &s.PartnerID, &s.Phase,
		&evidence, &options, &picks, &hybrid, &acceptances,
		&requestedBy, &declinedBy,
		&s.AddendumCount, &s.GenerationFailed,
		&s.SubmissionDeadline, &s.VerdictDeadline, &s.CaseID,
		&s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return Session{}, err
	}
	if err := json.Unmarshal(evidence, &s.Evidence); err != nil {
		return Session{}, fmt.Errorf("unmarshal evidence: %w", err)
	}
	if err := json.Unmarshal(options, &s.Options); err != nil {
		return Session{}, fmt.Errorf("unmarshal options: %w", err)
	}
	if err := json.Unmarshal(picks, &s.Picks); err != nil {
		return Session{}, fmt.Errorf("unmarshal picks: %w", err)
	}
	if len(hybrid) > 0 {
		s.Hybrid = &ResolutionOption{}
		if err := json.Unmarshal(hybrid, s.Hybrid); err != nil {
			return Session{}, fmt.Errorf("unmarshal hybrid: %w", err)
		}
	}
	if err := json.Unmarshal(acceptances, &s.Acceptances); err != nil {
		return Session{}, fmt.Errorf("unmarshal acceptances: %w", err)
	}
	s.Settlement = Settlement{RequestedBy: requestedBy, DeclinedBy: declinedBy}
	return s, nil
}
