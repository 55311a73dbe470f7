package actors

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"courtflow/session"
)

// Applier is the engine surface actors drive.
type Applier interface {
	Apply(ctx context.Context, act session.Action) (session.Snapshot, error)
}

// Couple drives one pair through repeated full session lifecycles. Each loop
// reads the canonical state and performs whichever step either participant
// owes next, with enough randomness to hit mismatch, hybrid, addendum and
// settlement branches.
func Couple(ctx context.Context, eng Applier, creatorID, partnerID, pairID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		snap, err := eng.Apply(ctx, session.Action{Type: session.ActionFetchState, ActorID: creatorID})
		if errors.Is(err, session.ErrNotFound) {
			_, err = eng.Apply(ctx, session.Action{
				Type: session.ActionServe, ActorID: creatorID, PartnerID: partnerID, PairID: pairID,
			})
			if err != nil && !errors.Is(err, session.ErrAlreadyLive) {
				return err
			}
			jitter(10, 30)
			continue
		}
		if err != nil {
			return err
		}

		if err := stepCouple(ctx, eng, snap, creatorID, partnerID); err != nil {
			return err
		}
		jitter(10, 40)
	}
}

func stepCouple(ctx context.Context, eng Applier, snap session.Snapshot, creatorID, partnerID string) error {
	s := snap.Session
	sides := map[session.Role]string{
		session.RoleCreator: creatorID,
		session.RolePartner: partnerID,
	}

	// A pending settlement request gets answered before anything else.
	if s.Settlement.RequestedBy != nil {
		responder := creatorID
		if *s.Settlement.RequestedBy == creatorID {
			responder = partnerID
		}
		ty := session.ActionAcceptSettlement
		if rand.Intn(2) == 0 {
			ty = session.ActionDeclineSettlement
		}
		return tolerate(eng.Apply(ctx, session.Action{Type: ty, ActorID: responder}))
	}

	switch snap.Phase {
	case session.PhasePending:
		if rand.Intn(10) == 0 {
			return tolerate(eng.Apply(ctx, session.Action{Type: session.ActionCancel, ActorID: creatorID}))
		}
		return tolerate(eng.Apply(ctx, session.Action{Type: session.ActionAccept, ActorID: partnerID}))

	case session.PhaseInSession:
		return tolerate(eng.Apply(ctx, session.Action{Type: session.ActionBeginSubmission, ActorID: creatorID}))

	case session.PhaseSubmitting:
		if rand.Intn(20) == 0 {
			return tolerate(eng.Apply(ctx, session.Action{Type: session.ActionRequestSettlement, ActorID: creatorID}))
		}
		for role, actor := range sides {
			if _, done := s.Evidence[role]; done {
				continue
			}
			// Leave the submission hanging occasionally so deadline sweeps fire.
			if rand.Intn(25) == 0 {
				continue
			}
			if err := tolerate(eng.Apply(ctx, session.Action{
				Type: session.ActionSubmitEvidence, ActorID: actor,
				Facts: "stress facts", Feelings: "stress feelings", Needs: "stress needs",
			})); err != nil {
				return err
			}
		}
		return nil

	case session.PhaseDeliberating:
		if snap.ViewPhase == session.ViewGenerationFailed {
			return tolerate(eng.Apply(ctx, session.Action{Type: session.ActionRetryVerdict, ActorID: creatorID}))
		}
		return nil // generation in flight

	case session.PhaseResolutionSelect:
		for role, actor := range sides {
			if _, done := s.Picks[role]; done || len(s.Options) == 0 {
				continue
			}
			pick := s.Options[rand.Intn(len(s.Options))]
			if err := tolerate(eng.Apply(ctx, session.Action{
				Type: session.ActionPickResolution, ActorID: actor, OptionID: pick.ID,
			})); err != nil {
				return err
			}
		}
		return nil

	case session.PhaseResolutionMismatch:
		switch rand.Intn(3) {
		case 0:
			return tolerate(eng.Apply(ctx, session.Action{Type: session.ActionAcceptPartnerResolution, ActorID: creatorID}))
		case 1:
			if s.Hybrid != nil {
				return tolerate(eng.Apply(ctx, session.Action{
					Type: session.ActionPickResolution, ActorID: partnerID, OptionID: s.Hybrid.ID,
				}))
			}
			return tolerate(eng.Apply(ctx, session.Action{Type: session.ActionRequestHybridResolution, ActorID: partnerID}))
		default:
			return tolerate(eng.Apply(ctx, session.Action{Type: session.ActionAcceptPartnerResolution, ActorID: partnerID}))
		}

	case session.PhaseVerdict:
		if s.AddendumCount < 3 && rand.Intn(15) == 0 {
			return tolerate(eng.Apply(ctx, session.Action{
				Type: session.ActionSubmitAddendum, ActorID: creatorID, Addendum: "one more point",
			}))
		}
		for role, actor := range sides {
			if s.Acceptances[role] {
				continue
			}
			if err := tolerate(eng.Apply(ctx, session.Action{Type: session.ActionAcceptVerdict, ActorID: actor})); err != nil {
				return err
			}
		}
		return nil

	case session.PhaseRating:
		if rand.Intn(2) == 0 {
			return tolerate(eng.Apply(ctx, session.Action{
				Type: session.ActionSubmitRating, ActorID: creatorID, Rating: 1 + rand.Intn(5),
			}))
		}
		return tolerate(eng.Apply(ctx, session.Action{Type: session.ActionSkipRating, ActorID: partnerID}))

	default:
		// Retired phases recycle through dismiss; the next loop serves afresh.
		return tolerate(eng.Apply(ctx, session.Action{Type: session.ActionDismiss, ActorID: creatorID}))
	}
}

// Meddler replays stale and illegal actions: duplicate submissions, strangers,
// picks for unknown options. Every one of them must come back as a clean
// rejection, never corrupt state.
func Meddler(ctx context.Context, eng Applier, creatorID, partnerID string, stop <-chan struct{}) error {
	stranger := "00000000-0000-0000-0000-00000000dead"
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var act session.Action
		switch rand.Intn(4) {
		case 0:
			act = session.Action{Type: session.ActionAccept, ActorID: stranger}
		case 1:
			act = session.Action{
				Type: session.ActionSubmitEvidence, ActorID: creatorID,
				Facts: "replayed", Feelings: "replayed", Needs: "replayed",
			}
		case 2:
			act = session.Action{Type: session.ActionPickResolution, ActorID: partnerID, OptionID: "no-such-option"}
		default:
			act = session.Action{Type: session.ActionAcceptVerdict, ActorID: creatorID}
		}
		if _, err := eng.Apply(ctx, act); err != nil && isUnexpected(err) {
			return err
		}
		jitter(30, 60)
	}
}

// OutboxWorker consumes pending outbox rows with SKIP LOCKED, simulating the
// delivery relay with occasional retries.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed' WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// tolerate swallows the rejections contention legitimately produces.
func tolerate(_ session.Snapshot, err error) error {
	if err == nil || !isUnexpected(err) {
		return nil
	}
	return err
}

func isUnexpected(err error) bool {
	switch {
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrAlreadyLive),
		errors.Is(err, session.ErrAddendumLimit),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func jitter(baseMs, spreadMs int) {
	time.Sleep(time.Duration(baseMs+rand.Intn(spreadMs)) * time.Millisecond)
}
