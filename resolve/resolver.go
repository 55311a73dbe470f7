// Package resolve implements the reconciliation sub-protocol for divergent
// resolution picks: it asks the generation collaborator for a blended option
// and routes the result back through the engine's transition path.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"courtflow/session"
)

// Applier is the slice of the engine the resolver needs.
type Applier interface {
	Apply(ctx context.Context, act session.Action) (session.Snapshot, error)
}

// Resolver synthesizes hybrid resolutions. Requests are best-effort and
// re-triggerable: concurrent requests for the same session (and addendum
// epoch) share one in-flight generation call instead of issuing duplicates.
type Resolver struct {
	gen    session.Generator
	apply  Applier
	group  singleflight.Group
	budget time.Duration
	logger *slog.Logger
}

func New(gen session.Generator, apply Applier) *Resolver {
	return &Resolver{
		gen:    gen,
		apply:  apply,
		budget: 90 * time.Second,
		logger: slog.Default(),
	}
}

func (r *Resolver) WithBudget(d time.Duration) *Resolver {
	r.budget = d
	return r
}

func (r *Resolver) WithLogger(l *slog.Logger) *Resolver {
	r.logger = l
	return r
}

// Request starts (or joins) hybrid generation for the session's current
// mismatch. Fire-and-forget: the outcome arrives as an internal action, and a
// failure leaves the mismatch intact rather than picking a winner.
func (r *Resolver) Request(s session.Session) {
	a, okA := s.PickOf(session.RoleCreator)
	b, okB := s.PickOf(session.RolePartner)
	if !okA || !okB || a.ID == b.ID {
		return
	}

	key := fmt.Sprintf("%s:%d", s.ID, s.AddendumCount)
	go func() {
		v, err, shared := r.group.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), r.budget)
			defer cancel()
			input := session.GenerationInput{
				SessionID: s.ID,
				PairID:    s.PairID,
				Evidence:  s.Evidence,
				Version:   s.AddendumCount + 1,
			}
			return r.gen.Hybrid(ctx, input, a, b)
		})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err != nil {
			r.logger.Warn("hybrid generation failed", "session_id", s.ID, "err", err)
			_, _ = r.apply.Apply(ctx, session.Action{Type: session.ActionGenerationFailed, SessionID: s.ID})
			return
		}
		opt := v.(session.ResolutionOption)
		opt.Hybrid = true
		if opt.ID == "" {
			opt.ID = uuid.NewString()
		}
		if shared {
			r.logger.Debug("hybrid request coalesced", "session_id", s.ID)
		}
		if _, err := r.apply.Apply(ctx, session.Action{Type: session.ActionHybridReady, SessionID: s.ID, Hybrid: &opt}); err != nil {
			r.logger.Warn("hybrid result discarded", "session_id", s.ID, "err", err)
		}
	}()
}
