package session

// Phase is the canonical, server-authoritative lifecycle value. Exactly one
// phase is stored per session; everything a client renders derives from it.
type Phase string

const (
	// PhaseIdle marks a discarded session (cancel/dismiss). New sessions are
	// created directly in PhasePending by serve.
	PhaseIdle               Phase = "idle"
	PhasePending            Phase = "pending"
	PhaseInSession          Phase = "in_session"
	PhaseSubmitting         Phase = "submitting"
	PhaseDeliberating       Phase = "deliberating"
	PhaseResolutionSelect   Phase = "resolution_select"
	PhaseResolutionMismatch Phase = "resolution_mismatch"
	PhaseVerdict            Phase = "verdict"
	PhaseRating             Phase = "rating"
	PhaseClosed             Phase = "closed"
	PhaseSettled            Phase = "settled"
	PhaseTimedOut           Phase = "timed_out"
)

// Retired reports whether the session's lifecycle is over; a retired session
// never accepts further actions and frees the pair for a fresh serve.
func (p Phase) Retired() bool {
	switch p {
	case PhaseIdle, PhaseClosed, PhaseSettled, PhaseTimedOut:
		return true
	}
	return false
}

// SettlementEligible reports whether a settlement request may be opened in
// this phase: any in-progress phase once the courtroom has been entered.
func (p Phase) SettlementEligible() bool {
	switch p {
	case PhaseSubmitting, PhaseDeliberating, PhaseResolutionSelect,
		PhaseResolutionMismatch, PhaseVerdict, PhaseRating:
		return true
	}
	return false
}

// Valid reports whether p is one of the canonical phase values.
func (p Phase) Valid() bool {
	switch p {
	case PhaseIdle, PhasePending, PhaseInSession, PhaseSubmitting,
		PhaseDeliberating, PhaseResolutionSelect, PhaseResolutionMismatch,
		PhaseVerdict, PhaseRating, PhaseClosed, PhaseSettled, PhaseTimedOut:
		return true
	}
	return false
}
