// Package deadline fires time-based forced transitions for live sessions.
// Deadlines are read from the persisted session rows, not from in-process
// timers, so a restarted process recomputes "already expired" and fires
// immediately.
package deadline

import (
	"context"
	"log/slog"
	"time"

	"courtflow/session"
)

// Applier is the slice of the engine the supervisor drives. Timeouts go
// through the same transition path as user actions so their handling cannot
// diverge.
type Applier interface {
	Apply(ctx context.Context, act session.Action) (session.Snapshot, error)
}

// Source lists sessions whose deadline has elapsed.
type Source interface {
	ListDueDeadlines(ctx context.Context, now time.Time) ([]session.Session, error)
}

// Supervisor periodically sweeps for elapsed deadlines and injects the
// corresponding synthetic timeout action.
type Supervisor struct {
	store    Source
	apply    Applier
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

const defaultInterval = 5 * time.Second

func NewSupervisor(store Source, apply Applier) *Supervisor {
	return &Supervisor{
		store:    store,
		apply:    apply,
		interval: defaultInterval,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

func (s *Supervisor) WithInterval(d time.Duration) *Supervisor {
	s.interval = d
	return s
}

func (s *Supervisor) WithClock(now func() time.Time) *Supervisor {
	s.now = now
	return s
}

func (s *Supervisor) WithLogger(l *slog.Logger) *Supervisor {
	s.logger = l
	return s
}

// Run sweeps immediately, then on every tick until the context ends.
func (s *Supervisor) Run(ctx context.Context) error {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep fires a timeout action for every due session. The engine re-checks
// phase and deadline under its own lock, so a session that advanced between
// the query and the apply is a harmless no-op.
func (s *Supervisor) Sweep(ctx context.Context) {
	due, err := s.store.ListDueDeadlines(ctx, s.now())
	if err != nil {
		s.logger.Error("list due deadlines", "err", err)
		return
	}
	for _, sess := range due {
		act := session.Action{SessionID: sess.ID}
		switch sess.Phase {
		case session.PhaseSubmitting:
			act.Type = session.ActionSubmissionTimeout
		case session.PhaseVerdict:
			act.Type = session.ActionVerdictTimeout
		default:
			continue
		}
		if _, err := s.apply.Apply(ctx, act); err != nil {
			s.logger.Warn("apply timeout", "session_id", sess.ID, "type", act.Type, "err", err)
			continue
		}
		s.logger.Info("deadline fired", "session_id", sess.ID, "type", act.Type)
	}
}
