// Package transport carries actions from clients to the phase engine and
// canonical state back to both participants over NATS. Delivery is push-first
// with a time-boxed synchronous ack; clients converge through a read-only
// resync path whenever push goes quiet.
package transport

import (
	"errors"

	"courtflow/auth"
	"courtflow/session"
)

const (
	// ActionSubject receives request/reply action frames from clients.
	ActionSubject = "court.action"

	stateSubjectPrefix = "court.state."
)

// StateSubject is the per-participant push subject.
func StateSubject(participantID string) string {
	return stateSubjectPrefix + participantID
}

// Request is one action frame. Token identifies the actor when the server is
// configured with a verifier; ActorID/PairID are trusted only without one
// (tests, trusted internal callers).
type Request struct {
	Action  string `json:"action"`
	Token   string `json:"token,omitempty"`
	ActorID string `json:"actor_id,omitempty"`
	PairID  string `json:"pair_id,omitempty"`

	PartnerID string `json:"partner_id,omitempty"`
	Facts     string `json:"facts,omitempty"`
	Feelings  string `json:"feelings,omitempty"`
	Needs     string `json:"needs,omitempty"`
	OptionID  string `json:"option_id,omitempty"`
	Addendum  string `json:"addendum,omitempty"`
	Rating    int    `json:"rating,omitempty"`
}

// Response always carries the actor's full snapshot so clients converge even
// when the action itself was rejected or duplicated.
type Response struct {
	State session.Snapshot `json:"state"`
	Error string           `json:"error,omitempty"`
}

// Error codes surfaced to clients.
const (
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeNotFound          = "NOT_FOUND"
	CodeAddendumLimit     = "ADDENDUM_LIMIT"
	CodeGenerationFailure = "GENERATION_FAILURE"
	CodeTransportTimeout  = "TRANSPORT_TIMEOUT"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeNotPaired         = "NOT_PAIRED"
	CodeInternal          = "INTERNAL"
)

// errUnauthorized covers frames whose identity could not be established.
var errUnauthorized = errors.New("transport: unauthorized")

func codeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, auth.ErrNotPaired):
		return CodeNotPaired
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrAlreadyLive):
		return CodeInvalidTransition
	case errors.Is(err, session.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, session.ErrAddendumLimit):
		return CodeAddendumLimit
	case errors.Is(err, session.ErrGenerationFailure):
		return CodeGenerationFailure
	default:
		return CodeInternal
	}
}
