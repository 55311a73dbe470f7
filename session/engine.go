package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GenerationInput is what the black-box generation collaborator receives. The
// verdict text itself is opaque to the engine.
type GenerationInput struct {
	SessionID string
	PairID    string
	Evidence  map[Role]Evidence
	Addendum  string
	Version   int
}

// Generator produces resolution options from submitted evidence. Its
// internals are a collaborator concern; the engine only routes results back
// through its own transition path.
type Generator interface {
	Verdict(ctx context.Context, input GenerationInput) ([]ResolutionOption, error)
	Hybrid(ctx context.Context, input GenerationInput, a, b ResolutionOption) (ResolutionOption, error)
}

// HybridRequester is the reconciliation resolver. Request is fire-and-forget;
// the result (or failure) comes back as an internal action.
type HybridRequester interface {
	Request(s Session)
}

// errNoChange marks an idempotent no-op transition: the action is accepted
// but nothing is persisted or pushed.
var errNoChange = errors.New("session: no change")

// Engine validates every action against the current phase and the actor's
// identity, computes the next canonical session, persists it, and fans the
// result out to both participants. All actions for one session id are
// serialized through a per-session lock.
type Engine struct {
	store    Store
	gen      Generator
	cases    CaseWriter
	notify   Notifier
	resolver HybridRequester
	logger   *slog.Logger

	locks sync.Map // session id -> *sync.Mutex

	dedup *dedupCache
	now   func() time.Time
	idGen func() string

	submissionWindow time.Duration
	verdictWindow    time.Duration
	generationBudget time.Duration
	addendumLimit    int
}

const (
	defaultSubmissionWindow = 60 * time.Minute
	defaultVerdictWindow    = 60 * time.Minute
	defaultGenerationBudget = 90 * time.Second
	defaultAddendumLimit    = 3
	defaultDedupWindow      = 10 * time.Second
)

func NewEngine(store Store, gen Generator, cases CaseWriter) *Engine {
	now := time.Now
	return &Engine{
		store:            store,
		gen:              gen,
		cases:            cases,
		logger:           slog.Default(),
		dedup:            newDedupCache(defaultDedupWindow, now),
		now:              now,
		idGen:            func() string { return uuid.NewString() },
		submissionWindow: defaultSubmissionWindow,
		verdictWindow:    defaultVerdictWindow,
		generationBudget: defaultGenerationBudget,
		addendumLimit:    defaultAddendumLimit,
	}
}

func (e *Engine) WithNotifier(n Notifier) *Engine {
	e.notify = n
	return e
}

func (e *Engine) WithResolver(r HybridRequester) *Engine {
	e.resolver = r
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.dedup.now = now
	return e
}

func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGen = gen
	return e
}

func (e *Engine) WithWindows(submission, verdict time.Duration) *Engine {
	e.submissionWindow = submission
	e.verdictWindow = verdict
	return e
}

func (e *Engine) WithAddendumLimit(n int) *Engine {
	e.addendumLimit = n
	return e
}

func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// Apply runs one action through the full validate-transition-persist-push
// cycle and returns the actor's snapshot of the resulting canonical state.
// Illegal input never fails the session: the current state is returned
// alongside the error code so a stale client can reconcile.
func (e *Engine) Apply(ctx context.Context, act Action) (Snapshot, error) {
	switch act.Type {
	case ActionFetchState:
		return e.fetchState(ctx, act.ActorID)
	case ActionServe:
		return e.serve(ctx, act)
	}

	dedupKey := ""
	if act.Mutating() && !act.Internal() {
		dedupKey = act.DedupKey()
		if snap, ok := e.dedup.Get(dedupKey); ok {
			return snap, nil
		}
	}

	target, err := e.resolveTarget(ctx, act)
	if err != nil {
		if errors.Is(err, ErrNotFound) && (act.Type == ActionDismiss || act.Type == ActionCancel) {
			// Dismissing an already-idle session is a no-op.
			return idleSnapshot(), nil
		}
		return idleSnapshot(), err
	}

	mu := e.lockFor(target.ID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock so concurrent "both complete" checks are
	// race-free.
	current, err := e.store.GetByID(ctx, target.ID)
	if err != nil {
		return idleSnapshot(), err
	}

	snap, err := e.applyLocked(ctx, current, act)
	if err == nil && dedupKey != "" {
		e.dedup.Put(dedupKey, snap)
	}
	return snap, err
}

func (e *Engine) applyLocked(ctx context.Context, current Session, act Action) (Snapshot, error) {
	cs, effects, err := e.transition(current, act)
	if err != nil {
		if errors.Is(err, errNoChange) {
			return SnapshotFor(current, act.ActorID), nil
		}
		return SnapshotFor(current, act.ActorID), err
	}

	// A successful mutation consumes any pending declined-settlement notice,
	// except the decline itself which sets it.
	if act.Type != ActionDeclineSettlement {
		cs.Session.Settlement.DeclinedBy = nil
	}
	cs.Session.UpdatedAt = e.now()

	e.runPreSaveEffects(ctx, &cs, effects)

	saved, err := e.store.Save(ctx, cs)
	if err != nil {
		return SnapshotFor(current, act.ActorID), fmt.Errorf("session: save %s: %w", act.Type, err)
	}

	e.runPostSaveEffects(saved, effects, act)
	e.push(saved)

	return SnapshotFor(saved, act.ActorID), nil
}

func (e *Engine) fetchState(ctx context.Context, actorID string) (Snapshot, error) {
	s, err := e.store.GetLiveByParticipant(ctx, actorID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return idleSnapshot(), ErrNotFound
		}
		return idleSnapshot(), err
	}
	return SnapshotFor(s, actorID), nil
}

func (e *Engine) serve(ctx context.Context, act Action) (Snapshot, error) {
	if act.PartnerID == "" || act.PartnerID == act.ActorID {
		return idleSnapshot(), ErrInvalidTransition
	}
	if existing, err := e.store.GetLiveByParticipant(ctx, act.ActorID); err == nil {
		return SnapshotFor(existing, act.ActorID), ErrAlreadyLive
	} else if !errors.Is(err, ErrNotFound) {
		return idleSnapshot(), err
	}
	if _, err := e.store.GetLiveByParticipant(ctx, act.PartnerID); err == nil {
		return idleSnapshot(), ErrAlreadyLive
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return idleSnapshot(), err
	}

	now := e.now()
	s := Session{
		ID:          e.idGen(),
		PairID:      act.PairID,
		CreatorID:   act.ActorID,
		PartnerID:   act.PartnerID,
		Phase:       PhasePending,
		Evidence:    map[Role]Evidence{},
		Picks:       map[Role]string{},
		Acceptances: map[Role]bool{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	cs := ChangeSet{
		Session: s,
		Events: []TimelineEvent{
			{Type: "SESSION_SERVED", ActorID: &act.ActorID, Payload: map[string]any{"partner_id": act.PartnerID}},
		},
		Outbox: []OutboxMessage{
			{Topic: OutboxTopicServed, Payload: map[string]any{"session_id": s.ID, "partner_id": act.PartnerID}},
		},
	}

	saved, err := e.store.Create(ctx, cs)
	if err != nil {
		if errors.Is(err, ErrAlreadyLive) {
			return idleSnapshot(), ErrAlreadyLive
		}
		return idleSnapshot(), fmt.Errorf("session: serve: %w", err)
	}
	e.push(saved)
	return SnapshotFor(saved, act.ActorID), nil
}

// resolveTarget locates the session an action addresses. Internal actions
// always carry an explicit session id so a late-arriving generation result or
// timeout can never land on a successor session for the same pair.
func (e *Engine) resolveTarget(ctx context.Context, act Action) (Session, error) {
	if act.Internal() {
		if act.SessionID == "" {
			return Session{}, ErrNotFound
		}
		return e.store.GetByID(ctx, act.SessionID)
	}
	return e.store.GetLiveByParticipant(ctx, act.ActorID)
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (e *Engine) push(s Session) {
	if e.notify == nil {
		return
	}
	e.notify.PushState(s.CreatorID, SnapshotFor(s, s.CreatorID))
	e.notify.PushState(s.PartnerID, SnapshotFor(s, s.PartnerID))
}

func idleSnapshot() Snapshot {
	return Snapshot{Phase: PhaseIdle, ViewPhase: ViewIdle}
}
