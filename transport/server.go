package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"courtflow/auth"
	"courtflow/session"
)

// Applier is the engine surface the server drives.
type Applier interface {
	Apply(ctx context.Context, act session.Action) (session.Snapshot, error)
}

// TokenVerifier authenticates action frames.
type TokenVerifier interface {
	VerifyToken(token string) (auth.Claims, error)
}

// Server subscribes to the action subject and pushes state snapshots to
// participants. It implements the engine's Notifier.
type Server struct {
	nc       *nats.Conn
	engine   Applier
	verifier TokenVerifier
	logger   *slog.Logger

	ackWait      time.Duration
	handleBudget time.Duration

	sub *nats.Subscription
}

const (
	defaultAckWait      = 3 * time.Second
	defaultHandleBudget = 15 * time.Second
)

func NewServer(nc *nats.Conn, engine Applier) *Server {
	return &Server{
		nc:           nc,
		engine:       engine,
		logger:       slog.Default(),
		ackWait:      defaultAckWait,
		handleBudget: defaultHandleBudget,
	}
}

func (s *Server) WithVerifier(v TokenVerifier) *Server {
	s.verifier = v
	return s
}

func (s *Server) WithAckWait(d time.Duration) *Server {
	s.ackWait = d
	return s
}

func (s *Server) WithLogger(l *slog.Logger) *Server {
	s.logger = l
	return s
}

// Start subscribes the server on a queue group so a standby process can take
// over the action stream. The engine's session locks and dedup cache are
// process-local, so exactly one live engine instance consumes at a time.
func (s *Server) Start() error {
	sub, err := s.nc.QueueSubscribe(ActionSubject, "court-engine", s.handle)
	if err != nil {
		return fmt.Errorf("transport: subscribe actions: %w", err)
	}
	if err := s.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("transport: flush subscription: %w", err)
	}
	s.sub = sub
	return nil
}

// Close tears down the action subscription.
func (s *Server) Close() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *Server) handle(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), s.handleBudget)
	defer cancel()

	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, Response{State: idleSnapshot(), Error: CodeInternal})
		return
	}

	act, err := s.buildAction(req)
	if err != nil {
		// Rejections before the engine still carry a well-formed snapshot.
		s.respond(msg, Response{State: idleSnapshot(), Error: codeFor(err)})
		return
	}

	snap, err := s.engine.Apply(ctx, act)
	s.respond(msg, Response{State: snap, Error: codeFor(err)})
}

// buildAction authenticates the frame and maps it onto an engine action.
// Internal action types never cross the wire.
func (s *Server) buildAction(req Request) (session.Action, error) {
	actorID, pairID := req.ActorID, req.PairID
	if s.verifier != nil {
		claims, err := s.verifier.VerifyToken(req.Token)
		if err != nil {
			return session.Action{}, fmt.Errorf("%w: %w", errUnauthorized, err)
		}
		actorID, pairID = claims.ParticipantID, claims.PairID
	}
	if actorID == "" {
		return session.Action{}, errUnauthorized
	}

	actionType := session.ActionType(req.Action)
	switch actionType {
	case session.ActionServe, session.ActionAccept, session.ActionCancel,
		session.ActionDismiss, session.ActionBeginSubmission,
		session.ActionSubmitEvidence, session.ActionPickResolution,
		session.ActionAcceptPartnerResolution, session.ActionRequestHybridResolution,
		session.ActionAcceptVerdict, session.ActionSubmitAddendum,
		session.ActionSubmitRating, session.ActionSkipRating,
		session.ActionRequestSettlement, session.ActionAcceptSettlement,
		session.ActionDeclineSettlement, session.ActionRetryVerdict,
		session.ActionFetchState:
	default:
		return session.Action{}, session.ErrInvalidTransition
	}

	// Serving requires a linked pair; the claim rides in the token.
	if actionType == session.ActionServe && pairID == "" {
		return session.Action{}, auth.ErrNotPaired
	}

	return session.Action{
		Type:      actionType,
		ActorID:   actorID,
		PairID:    pairID,
		PartnerID: req.PartnerID,
		Facts:     req.Facts,
		Feelings:  req.Feelings,
		Needs:     req.Needs,
		OptionID:  req.OptionID,
		Addendum:  req.Addendum,
		Rating:    req.Rating,
	}, nil
}

func idleSnapshot() session.Snapshot {
	return session.Snapshot{Phase: session.PhaseIdle, ViewPhase: session.ViewIdle}
}

func (s *Server) respond(msg *nats.Msg, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal response", "err", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("respond action", "err", err)
	}
}

// PushState delivers one participant's snapshot with a bounded synchronous
// ack. An unacked push is dropped; the client's staleness check pulls the
// canonical state through resync instead.
func (s *Server) PushState(participantID string, snap session.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		s.logger.Error("marshal snapshot", "participant_id", participantID, "err", err)
		return
	}
	go func() {
		if _, err := s.nc.Request(StateSubject(participantID), data, s.ackWait); err != nil {
			s.logger.Debug("state push unacked", "participant_id", participantID, "err", err)
		}
	}()
}
