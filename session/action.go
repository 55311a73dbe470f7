package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ActionType names a logical operation against a session.
type ActionType string

const (
	ActionServe                   ActionType = "serve"
	ActionAccept                  ActionType = "accept"
	ActionCancel                  ActionType = "cancel"
	ActionDismiss                 ActionType = "dismiss"
	ActionBeginSubmission         ActionType = "begin_submission"
	ActionSubmitEvidence          ActionType = "submit_evidence"
	ActionPickResolution          ActionType = "pick_resolution"
	ActionAcceptPartnerResolution ActionType = "accept_partner_resolution"
	ActionRequestHybridResolution ActionType = "request_hybrid_resolution"
	ActionAcceptVerdict           ActionType = "accept_verdict"
	ActionSubmitAddendum          ActionType = "submit_addendum"
	ActionSubmitRating            ActionType = "submit_rating"
	ActionSkipRating              ActionType = "skip_rating"
	ActionRequestSettlement       ActionType = "request_settlement"
	ActionAcceptSettlement        ActionType = "accept_settlement"
	ActionDeclineSettlement       ActionType = "decline_settlement"
	ActionRetryVerdict            ActionType = "retry_verdict"
	ActionFetchState              ActionType = "fetch_state"

	// Internal action types: synthesized by the deadline supervisor and the
	// generation callbacks, never accepted from clients.
	ActionSubmissionTimeout ActionType = "submission_timeout"
	ActionVerdictTimeout    ActionType = "verdict_timeout"
	ActionVerdictReady      ActionType = "verdict_ready"
	ActionGenerationFailed  ActionType = "generation_failed"
	ActionHybridReady       ActionType = "hybrid_ready"
)

// Action is a single request against the engine. SessionID is implicit from
// the actor's live session for every type except the internal ones, which
// always target an explicit id so a late callback can never land on a
// successor session.
type Action struct {
	Type      ActionType
	ActorID   string
	SessionID string

	// serve
	PartnerID string
	PairID    string

	// submitEvidence
	Facts    string
	Feelings string
	Needs    string

	// pickResolution
	OptionID string

	// submitAddendum
	Addendum string

	// submitRating
	Rating int

	// verdictReady / hybridReady
	Options []ResolutionOption
	Hybrid  *ResolutionOption
}

// Internal reports whether the action type is synthesized server-side.
func (a Action) Internal() bool {
	switch a.Type {
	case ActionSubmissionTimeout, ActionVerdictTimeout, ActionVerdictReady,
		ActionGenerationFailed, ActionHybridReady:
		return true
	}
	return false
}

// Mutating reports whether the action can change canonical state. Read-only
// resync requests bypass the idempotency cache entirely.
func (a Action) Mutating() bool {
	return a.Type != ActionFetchState
}

// DedupKey derives the ephemeral idempotency key for a mutating client
// action: actor, action type, and a digest of the action-specific payload.
func (a Action) DedupKey() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s|%d",
		a.PartnerID, a.Facts, a.Feelings, a.Needs, a.OptionID, a.Addendum,
		a.SessionID, a.Rating)
	return string(a.Type) + "|" + a.ActorID + "|" + hex.EncodeToString(h.Sum(nil)[:12])
}
