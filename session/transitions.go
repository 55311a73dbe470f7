package session

import (
	"context"
	"time"
)

type effectKind int

const (
	effTriggerVerdict effectKind = iota
	effTriggerHybrid
	effOpenCase
	effAppendCaseVersion
	effRecordResolution
	effMarkCaseSettled
	effAttachRating
)

type effect struct {
	kind     effectKind
	addendum string
	rating   *int
	picked   ResolutionOption
}

// transition encodes the full guard table: phase x action x actor. It returns
// the next canonical session as a ChangeSet plus the side effects the engine
// must run around persistence. errNoChange marks accepted-but-idempotent
// input; ErrInvalidTransition covers everything illegal.
func (e *Engine) transition(s Session, act Action) (ChangeSet, []effect, error) {
	role := s.RoleOf(act.ActorID)
	if !act.Internal() && role == "" {
		return ChangeSet{}, nil, ErrInvalidTransition
	}
	if s.Phase.Retired() {
		// Dismissing a retired session and late internal callbacks are benign.
		if act.Type == ActionDismiss || act.Type == ActionCancel || act.Internal() {
			return ChangeSet{}, nil, errNoChange
		}
		return ChangeSet{}, nil, ErrInvalidTransition
	}

	now := e.now()

	switch act.Type {
	case ActionAccept:
		if s.Phase != PhasePending || role != RolePartner {
			return ChangeSet{}, nil, ErrInvalidTransition
		}
		s.Phase = PhaseInSession
		return changed(s, act, "SESSION_ACCEPTED", OutboxTopicAccepted, nil), nil, nil

	case ActionCancel:
		if s.Phase != PhasePending || role != RoleCreator {
			return ChangeSet{}, nil, ErrInvalidTransition
		}
		s.Phase = PhaseIdle
		return changed(s, act, "SESSION_CANCELLED", "", nil), nil, nil

	case ActionDismiss:
		s.Phase = PhaseIdle
		s.SubmissionDeadline = nil
		s.VerdictDeadline = nil
		return changed(s, act, "SESSION_DISMISSED", "", nil), nil, nil

	case ActionBeginSubmission:
		if s.Phase == PhaseSubmitting {
			return ChangeSet{}, nil, errNoChange
		}
		if s.Phase != PhaseInSession {
			return ChangeSet{}, nil, ErrInvalidTransition
		}
		s.Phase = PhaseSubmitting
		deadline := now.Add(e.submissionWindow)
		s.SubmissionDeadline = &deadline
		return changed(s, act, "SUBMISSION_OPENED", "", map[string]any{
			"submission_deadline": deadline.UTC(),
		}), nil, nil

	case ActionSubmitEvidence:
		if s.Phase != PhaseSubmitting {
			return ChangeSet{}, nil, ErrInvalidTransition
		}
		if _, done := s.Evidence[role]; done {
			return ChangeSet{}, nil, ErrInvalidTransition
		}
		s.Evidence = cloneMap(s.Evidence)
		s.Evidence[role] = Evidence{
			Facts:       act.Facts,
			Feelings:    act.Feelings,
			Needs:       act.Needs,
			SubmittedAt: now,
		}
		if !s.bothSubmitted() {
			return changed(s, act, "EVIDENCE_SUBMITTED", "", map[string]any{"role": role}), nil, nil
		}
		s.Phase = PhaseDeliberating
		s.SubmissionDeadline = nil
		s.GenerationFailed = false
		cs := changed(s, act, "DELIBERATION_STARTED", "", nil)
		return cs, []effect{{kind: effTriggerVerdict}}, nil

	case ActionSubmissionTimeout:
		if s.Phase != PhaseSubmitting || s.bothSubmitted() {
			return ChangeSet{}, nil, errNoChange
		}
		if s.SubmissionDeadline == nil || now.Before(*s.SubmissionDeadline) {
			return ChangeSet{}, nil, errNoChange
		}
		s.Phase = PhaseTimedOut
		s.SubmissionDeadline = nil
		return changed(s, act, "SESSION_TIMED_OUT", OutboxTopicTimedOut, nil), nil, nil

	case ActionVerdictReady:
		if s.Phase != PhaseDeliberating {
			return ChangeSet{}, nil, errNoChange
		}
		if len(act.Options) == 0 || act.Options[0].Version != s.AddendumCount+1 {
			// Stale result from a superseded generation attempt.
			return ChangeSet{}, nil, errNoChange
		}
		s.Options = act.Options
		s.GenerationFailed = false
		deadline := now.Add(e.verdictWindow)
		s.VerdictDeadline = &deadline
		effects := []effect{}
		if s.CaseID == nil {
			effects = append(effects, effect{kind: effOpenCase})
		} else {
			effects = append(effects, effect{kind: effAppendCaseVersion})
		}
		if len(act.Options) == 1 {
			// A single option matches both picks by construction.
			s.Picks = map[Role]string{
				RoleCreator: act.Options[0].ID,
				RolePartner: act.Options[0].ID,
			}
			s.Phase = PhaseVerdict
		} else {
			s.Phase = PhaseResolutionSelect
		}
		return changed(s, act, "VERDICT_READY", OutboxTopicVerdictReady, map[string]any{
			"options": len(act.Options),
		}), effects, nil

	case ActionGenerationFailed:
		if s.Phase != PhaseDeliberating && s.Phase != PhaseResolutionMismatch {
			return ChangeSet{}, nil, errNoChange
		}
		s.GenerationFailed = true
		return changed(s, act, "GENERATION_FAILED", "", nil), nil, nil

	case ActionRetryVerdict:
		if s.Phase != PhaseDeliberating || !s.GenerationFailed {
			return ChangeSet{}, nil, ErrInvalidTransition
		}
		s.GenerationFailed = false
		return changed(s, act, "GENERATION_RETRIED", "", nil), []effect{{kind: effTriggerVerdict}}, nil

	case ActionPickResolution:
		return e.pickResolution(s, act, role)

	case ActionAcceptPartnerResolution:
		if s.Phase != PhaseResolutionMismatch {
			return ChangeSet{}, nil, ErrInvalidTransition
		}
		partnerPick, ok := s.Picks[role.Other()]
		if !ok {
			return ChangeSet{}, nil, ErrInvalidTransition
		}
		s.Picks = cloneMap(s.Picks)
		s.Picks[role] = partnerPick
		s.Phase = PhaseVerdict
		return changed(s, act, "PARTNER_RESOLUTION_ADOPTED", "", map[string]any{"option_id": partnerPick}), nil, nil

	case ActionRequestHybridResolution:
		if s.Phase != PhaseResolutionMismatch {
			return ChangeSet{}, nil, ErrInvalidTransition
		}
		s.GenerationFailed = false
		return changed(s, act, "HYBRID_REQUESTED", "", nil), []effect{{kind: effTriggerHybrid}}, nil

	case ActionHybridReady:
		if s.Phase != PhaseResolutionMismatch || act.Hybrid == nil {
			return ChangeSet{}, nil, errNoChange
		}
		s.Hybrid = act.Hybrid
		s.GenerationFailed = false
		return changed(s, act, "HYBRID_READY", "", map[string]any{"option_id": act.Hybrid.ID}), nil, nil

	case ActionAcceptVerdict:
		if s.Phase != PhaseVerdict {
			return ChangeSet{}, nil, ErrInvalidTransition
		}
		if s.Acceptances[role] {
			return ChangeSet{}, nil, ErrInvalidTransition
		}
		s.Acceptances = cloneMap(s.Acceptances)
		s.Acceptances[role] = true
		if !s.bothAccepted() {
			return changed(s, act, "VERDICT_ACCEPTED", "", map[string]any{"role": role}), nil, nil
		}
		s.Phase = PhaseRating
		s.VerdictDeadline = nil
		picked, _ := s.PickOf(RoleCreator)
		return changed(s, act, "VERDICT_CONFIRMED", "", nil),
			[]effect{{kind: effRecordResolution, picked: picked}}, nil

	case ActionVerdictTimeout:
		if s.Phase != PhaseVerdict || s.bothAccepted() {
			return ChangeSet{}, nil, errNoChange
		}
		if s.VerdictDeadline == nil || now.Before(*s.VerdictDeadline) {
			return ChangeSet{}, nil, errNoChange
		}
		s.Acceptances = map[Role]bool{RoleCreator: true, RolePartner: true}
		s.Phase = PhaseRating
		s.VerdictDeadline = nil
		picked, _ := s.PickOf(RoleCreator)
		return changed(s, act, "VERDICT_FORCE_ACCEPTED", "", nil),
			[]effect{{kind: effRecordResolution, picked: picked}}, nil

	case ActionSubmitAddendum:
		if s.Phase != PhaseVerdict && s.Phase != PhaseRating {
			return ChangeSet{}, nil, ErrInvalidTransition
		}
		if s.AddendumCount >= e.addendumLimit {
			return ChangeSet{}, nil, ErrAddendumLimit
		}
		s.AddendumCount++
		s.Phase = PhaseDeliberating
		s.Options = nil
		s.Hybrid = nil
		s.Picks = map[Role]string{}
		s.Acceptances = map[Role]bool{}
		s.VerdictDeadline = nil
		s.GenerationFailed = false
		return changed(s, act, "ADDENDUM_SUBMITTED", "", map[string]any{"count": s.AddendumCount}),
			[]effect{{kind: effTriggerVerdict, addendum: act.Addendum}}, nil

	case ActionSubmitRating:
		if s.Phase != PhaseRating {
			return ChangeSet{}, nil, ErrInvalidTransition
		}
		if act.Rating < 1 || act.Rating > 5 {
			return ChangeSet{}, nil, ErrInvalidTransition
		}
		s.Phase = PhaseClosed
		rating := act.Rating
		return changed(s, act, "SESSION_CLOSED", OutboxTopicClosed, map[string]any{"rating": rating}),
			[]effect{{kind: effAttachRating, rating: &rating}}, nil

	case ActionSkipRating:
		if s.Phase != PhaseRating {
			return ChangeSet{}, nil, ErrInvalidTransition
		}
		s.Phase = PhaseClosed
		return changed(s, act, "SESSION_CLOSED", OutboxTopicClosed, map[string]any{"rating": nil}),
			[]effect{{kind: effAttachRating}}, nil

	case ActionRequestSettlement:
		if !s.Phase.SettlementEligible() || s.Settlement.RequestedBy != nil {
			return ChangeSet{}, nil, ErrInvalidTransition
		}
		s.Settlement.RequestedBy = &act.ActorID
		return changed(s, act, "SETTLEMENT_REQUESTED", OutboxTopicSettlementRequested, nil), nil, nil

	case ActionAcceptSettlement:
		if s.Settlement.RequestedBy == nil || *s.Settlement.RequestedBy == act.ActorID {
			return ChangeSet{}, nil, ErrInvalidTransition
		}
		s.Phase = PhaseSettled
		s.SubmissionDeadline = nil
		s.VerdictDeadline = nil
		return changed(s, act, "SESSION_SETTLED", OutboxTopicSettled, nil),
			[]effect{{kind: effMarkCaseSettled}}, nil

	case ActionDeclineSettlement:
		if s.Settlement.RequestedBy == nil || *s.Settlement.RequestedBy == act.ActorID {
			return ChangeSet{}, nil, ErrInvalidTransition
		}
		s.Settlement.RequestedBy = nil
		s.Settlement.DeclinedBy = &act.ActorID
		return changed(s, act, "SETTLEMENT_DECLINED", "", nil), nil, nil
	}

	return ChangeSet{}, nil, ErrInvalidTransition
}

func (e *Engine) pickResolution(s Session, act Action, role Role) (ChangeSet, []effect, error) {
	if s.Phase != PhaseResolutionSelect && s.Phase != PhaseResolutionMismatch {
		return ChangeSet{}, nil, ErrInvalidTransition
	}
	if !s.optionExists(act.OptionID) {
		return ChangeSet{}, nil, ErrInvalidTransition
	}
	if s.Phase == PhaseResolutionSelect {
		if _, done := s.Picks[role]; done {
			return ChangeSet{}, nil, ErrInvalidTransition
		}
	}
	s.Picks = cloneMap(s.Picks)
	s.Picks[role] = act.OptionID

	switch {
	case s.Hybrid != nil && act.OptionID == s.Hybrid.ID:
		// One side adopting the generated blend resolves the mismatch.
		s.Picks[role.Other()] = s.Hybrid.ID
		s.Phase = PhaseVerdict
	case s.bothPicked() && s.Picks[RoleCreator] == s.Picks[RolePartner]:
		s.Phase = PhaseVerdict
	case s.bothPicked():
		s.Phase = PhaseResolutionMismatch
	}

	return changed(s, act, "RESOLUTION_PICKED", "", map[string]any{
		"role":      role,
		"option_id": act.OptionID,
	}), nil, nil
}

func (s *Session) optionExists(id string) bool {
	if id == "" {
		return false
	}
	for _, o := range s.Options {
		if o.ID == id {
			return true
		}
	}
	return s.Hybrid != nil && s.Hybrid.ID == id
}

func changed(s Session, act Action, eventType, outboxTopic string, extra map[string]any) ChangeSet {
	payload := map[string]any{"phase": s.Phase}
	for k, v := range extra {
		payload[k] = v
	}
	var actor *string
	if !act.Internal() && act.ActorID != "" {
		id := act.ActorID
		actor = &id
	}
	cs := ChangeSet{
		Session: s,
		Events:  []TimelineEvent{{Type: eventType, ActorID: actor, Payload: payload}},
	}
	if outboxTopic != "" {
		cs.Outbox = []OutboxMessage{{
			Topic: outboxTopic,
			Payload: map[string]any{
				"session_id": s.ID,
				"pair_id":    s.PairID,
				"phase":      s.Phase,
			},
		}}
	}
	return cs
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// runPreSaveEffects executes the effects that feed fields into the row being
// written, currently only opening the case record.
func (e *Engine) runPreSaveEffects(ctx context.Context, cs *ChangeSet, effects []effect) {
	for _, eff := range effects {
		if eff.kind != effOpenCase || e.cases == nil {
			continue
		}
		caseID, err := e.cases.Open(ctx, cs.Session.ID, cs.Session.PairID, cs.Session.Options)
		if err != nil {
			e.logger.Error("open case record", "session_id", cs.Session.ID, "err", err)
			continue
		}
		cs.Session.CaseID = &caseID
	}
}

// runPostSaveEffects runs collaborator calls that must not delay or fail the
// committed transition: generation triggers and case history appends.
func (e *Engine) runPostSaveEffects(s Session, effects []effect, act Action) {
	for _, eff := range effects {
		switch eff.kind {
		case effTriggerVerdict:
			e.spawnVerdictGeneration(s, eff.addendum)
		case effTriggerHybrid:
			e.spawnHybridGeneration(s)
		case effAppendCaseVersion:
			e.withCase(s, func(ctx context.Context, caseID string) error {
				return e.cases.AppendVersion(ctx, caseID, s.Options)
			})
		case effRecordResolution:
			picked := eff.picked
			e.withCase(s, func(ctx context.Context, caseID string) error {
				return e.cases.RecordResolution(ctx, caseID, picked)
			})
		case effMarkCaseSettled:
			e.withCase(s, func(ctx context.Context, caseID string) error {
				return e.cases.MarkSettled(ctx, caseID)
			})
		case effAttachRating:
			rating := eff.rating
			e.withCase(s, func(ctx context.Context, caseID string) error {
				return e.cases.AttachRating(ctx, caseID, rating)
			})
		}
	}
}

func (e *Engine) withCase(s Session, fn func(ctx context.Context, caseID string) error) {
	if e.cases == nil || s.CaseID == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx, *s.CaseID); err != nil {
		e.logger.Error("case history write", "session_id", s.ID, "case_id", *s.CaseID, "err", err)
	}
}

// spawnVerdictGeneration hands the submitted evidence to the generation
// collaborator. The result comes back as an internal action so a dismissed
// session's late result is discarded by the phase guard, never applied.
func (e *Engine) spawnVerdictGeneration(s Session, addendum string) {
	input := GenerationInput{
		SessionID: s.ID,
		PairID:    s.PairID,
		Evidence:  s.Evidence,
		Addendum:  addendum,
		Version:   s.AddendumCount + 1,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.generationBudget)
		defer cancel()

		opts, err := e.gen.Verdict(ctx, input)
		if err != nil {
			e.logger.Warn("verdict generation failed", "session_id", s.ID, "err", err)
			_, _ = e.Apply(ctx, Action{Type: ActionGenerationFailed, SessionID: s.ID})
			return
		}
		for i := range opts {
			if opts[i].ID == "" {
				opts[i].ID = e.idGen()
			}
			opts[i].Version = input.Version
		}
		if _, err := e.Apply(ctx, Action{Type: ActionVerdictReady, SessionID: s.ID, Options: opts}); err != nil {
			e.logger.Warn("verdict result discarded", "session_id", s.ID, "err", err)
		}
	}()
}

func (e *Engine) spawnHybridGeneration(s Session) {
	if e.resolver != nil {
		e.resolver.Request(s)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.generationBudget)
		defer cancel()
		a, okA := s.PickOf(RoleCreator)
		b, okB := s.PickOf(RolePartner)
		if !okA || !okB {
			return
		}
		input := GenerationInput{SessionID: s.ID, PairID: s.PairID, Evidence: s.Evidence, Version: s.AddendumCount + 1}
		opt, err := e.gen.Hybrid(ctx, input, a, b)
		if err != nil {
			_, _ = e.Apply(ctx, Action{Type: ActionGenerationFailed, SessionID: s.ID})
			return
		}
		if opt.ID == "" {
			opt.ID = e.idGen()
		}
		opt.Hybrid = true
		_, _ = e.Apply(ctx, Action{Type: ActionHybridReady, SessionID: s.ID, Hybrid: &opt})
	}()
}

// PickOf resolves a role's picked option struct.
func (s *Session) PickOf(role Role) (ResolutionOption, bool) {
	id, ok := s.Picks[role]
	if !ok {
		return ResolutionOption{}, false
	}
	if s.Hybrid != nil && s.Hybrid.ID == id {
		return *s.Hybrid, true
	}
	for _, o := range s.Options {
		if o.ID == id {
			return o, true
		}
	}
	return ResolutionOption{}, false
}
