package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no live session exists for the actor or id.
	ErrNotFound = errors.New("session: not found")
	// ErrInvalidTransition signals the action is illegal in the current phase,
	// for this actor, or has already been satisfied by the actor's role.
	ErrInvalidTransition = errors.New("session: invalid transition")
	// ErrAlreadyLive is returned by serve when the actor's pair already has a
	// non-retired session.
	ErrAlreadyLive = errors.New("session: pair already has a live session")
	// ErrGenerationFailure signals the verdict or hybrid-resolution collaborator
	// failed; the session stays in its pre-generation phase so retry is safe.
	ErrGenerationFailure = errors.New("session: generation failure")
	// ErrAddendumLimit is returned when the per-session addendum budget is spent.
	ErrAddendumLimit = errors.New("session: addendum limit reached")
)

// Role identifies which side of the pair an actor occupies.
type Role string

const (
	RoleCreator Role = "creator"
	RolePartner Role = "partner"
)

// Evidence is one participant's submitted input. Unsubmitted drafts are client
// scratch state and never reach the server.
type Evidence struct {
	Facts       string    `json:"facts"`
	Feelings    string    `json:"feelings"`
	Needs       string    `json:"needs"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ResolutionOption is one selectable outcome attached by verdict generation.
type ResolutionOption struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	Hybrid  bool   `json:"hybrid,omitempty"`
	Version int    `json:"version"`
}

// Settlement tracks an open settlement request. DeclinedBy is kept only until
// the next state mutation so the decline notice is shown exactly once.
type Settlement struct {
	RequestedBy *string `json:"requested_by,omitempty"`
	DeclinedBy  *string `json:"declined_by,omitempty"`
}

// Session is the canonical record for one pair's live court session. It is
// mutated only by the Engine.
type Session struct {
	ID        string
	PairID    string
	CreatorID string
	PartnerID string

	Phase Phase

	Evidence    map[Role]Evidence
	Options     []ResolutionOption
	Picks       map[Role]string
	Hybrid      *ResolutionOption
	Acceptances map[Role]bool
	Settlement  Settlement

	AddendumCount    int
	GenerationFailed bool

	SubmissionDeadline *time.Time
	VerdictDeadline    *time.Time

	CaseID *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RoleOf maps an actor id onto the session's pair, or "" for strangers.
func (s *Session) RoleOf(actorID string) Role {
	switch actorID {
	case s.CreatorID:
		return RoleCreator
	case s.PartnerID:
		return RolePartner
	}
	return ""
}

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleCreator {
		return RolePartner
	}
	return RoleCreator
}

func (s *Session) participantID(role Role) string {
	if role == RoleCreator {
		return s.CreatorID
	}
	return s.PartnerID
}

func (s *Session) bothSubmitted() bool {
	_, c := s.Evidence[RoleCreator]
	_, p := s.Evidence[RolePartner]
	return c && p
}

func (s *Session) bothAccepted() bool {
	return s.Acceptances[RoleCreator] && s.Acceptances[RolePartner]
}

func (s *Session) bothPicked() bool {
	_, c := s.Picks[RoleCreator]
	_, p := s.Picks[RolePartner]
	return c && p
}

// TimelineEvent captures an immutable business event for a session.
type TimelineEvent struct {
	Type    string
	ActorID *string
	Payload map[string]any
}

// OutboxMessage is a transactional outbox entry consumed by the notification
// collaborator.
type OutboxMessage struct {
	Topic   string
	Payload map[string]any
}

// ChangeSet bundles the session row with the timeline events and outbox
// messages that must be committed in the same transaction.
type ChangeSet struct {
	Session Session
	Events  []TimelineEvent
	Outbox  []OutboxMessage
}

// Store is the durable source of truth for sessions.
type Store interface {
	GetByID(ctx context.Context, id string) (Session, error)
	// GetLiveByParticipant returns the participant's non-retired session.
	GetLiveByParticipant(ctx context.Context, participantID string) (Session, error)
	Create(ctx context.Context, cs ChangeSet) (Session, error)
	Save(ctx context.Context, cs ChangeSet) (Session, error)
	// ListDueDeadlines returns live sessions whose submission or verdict
	// deadline elapsed at or before now.
	ListDueDeadlines(ctx context.Context, now time.Time) ([]Session, error)
}

// CaseWriter is the history collaborator. The engine only appends; browsing
// and rating aggregation live elsewhere.
type CaseWriter interface {
	Open(ctx context.Context, sessionID, pairID string, options []ResolutionOption) (string, error)
	AppendVersion(ctx context.Context, caseID string, options []ResolutionOption) error
	RecordResolution(ctx context.Context, caseID string, picked ResolutionOption) error
	MarkSettled(ctx context.Context, caseID string) error
	AttachRating(ctx context.Context, caseID string, rating *int) error
}

// Notifier pushes fresh snapshots to connected participants. Implementations
// must not block the engine beyond their ack window.
type Notifier interface {
	PushState(participantID string, snap Snapshot)
}

const (
	OutboxTopicServed              = "court.session.served"
	OutboxTopicAccepted            = "court.session.accepted"
	OutboxTopicTimedOut            = "court.session.timed_out"
	OutboxTopicSettled             = "court.session.settled"
	OutboxTopicClosed              = "court.session.closed"
	OutboxTopicVerdictReady        = "court.verdict.ready"
	OutboxTopicSettlementRequested = "court.settlement.requested"
)
