package session

import "time"

// ViewPhase is the per-participant projection of the canonical phase plus the
// viewer's completion flags. It is derived on every read and never persisted.
type ViewPhase string

const (
	ViewIdle               ViewPhase = "idle"
	ViewServeSent          ViewPhase = "serve_sent"
	ViewServeReceived      ViewPhase = "serve_received"
	ViewCourtEntry         ViewPhase = "court_entry"
	ViewSubmitting         ViewPhase = "submitting"
	ViewAwaitingPartner    ViewPhase = "awaiting_partner"
	ViewDeliberating       ViewPhase = "deliberating"
	ViewGenerationFailed   ViewPhase = "generation_failed"
	ViewResolutionSelect   ViewPhase = "resolution_select"
	ViewAwaitingPick       ViewPhase = "awaiting_partner_pick"
	ViewResolutionMismatch ViewPhase = "resolution_mismatch"
	ViewVerdict            ViewPhase = "verdict"
	ViewAwaitingAcceptance ViewPhase = "awaiting_partner_acceptance"
	ViewRating             ViewPhase = "rating"
	ViewClosed             ViewPhase = "closed"
	ViewSettled            ViewPhase = "settled"
	ViewTimedOut           ViewPhase = "timed_out"
)

// SessionView is the state exposed to clients. Only submitted evidence is
// present; drafts never reach the server.
type SessionView struct {
	ID          string              `json:"id"`
	PairID      string              `json:"pair_id"`
	CreatorID   string              `json:"creator_id"`
	PartnerID   string              `json:"partner_id"`
	Evidence    map[Role]Evidence   `json:"evidence,omitempty"`
	Options     []ResolutionOption  `json:"options,omitempty"`
	Picks       map[Role]string     `json:"picks,omitempty"`
	Hybrid      *ResolutionOption   `json:"hybrid,omitempty"`
	Acceptances map[Role]bool       `json:"acceptances,omitempty"`
	Settlement  Settlement          `json:"settlement"`

	SubmissionDeadline *time.Time `json:"submission_deadline,omitempty"`
	VerdictDeadline    *time.Time `json:"verdict_deadline,omitempty"`
	CaseID             *string    `json:"case_id,omitempty"`
	AddendumCount      int        `json:"addendum_count"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Snapshot is the full state delivered to one participant.
type Snapshot struct {
	Phase     Phase       `json:"phase"`
	ViewPhase ViewPhase   `json:"my_view_phase"`
	Session   SessionView `json:"session"`
}

// SnapshotFor projects the canonical session for the given viewer.
func SnapshotFor(s Session, viewerID string) Snapshot {
	return Snapshot{
		Phase:     s.Phase,
		ViewPhase: viewPhaseFor(s, s.RoleOf(viewerID)),
		Session: SessionView{
			ID:                 s.ID,
			PairID:             s.PairID,
			CreatorID:          s.CreatorID,
			PartnerID:          s.PartnerID,
			Evidence:           s.Evidence,
			Options:            s.Options,
			Picks:              s.Picks,
			Hybrid:             s.Hybrid,
			Acceptances:        s.Acceptances,
			Settlement:         s.Settlement,
			SubmissionDeadline: s.SubmissionDeadline,
			VerdictDeadline:    s.VerdictDeadline,
			CaseID:             s.CaseID,
			AddendumCount:      s.AddendumCount,
			UpdatedAt:          s.UpdatedAt,
		},
	}
}

// viewPhaseFor is the pure projection (phase, role, completion flags) → view.
// Two participants at the same canonical phase may see different values here;
// that asymmetry is the whole point.
func viewPhaseFor(s Session, role Role) ViewPhase {
	switch s.Phase {
	case PhaseIdle:
		return ViewIdle
	case PhasePending:
		if role == RoleCreator {
			return ViewServeSent
		}
		return ViewServeReceived
	case PhaseInSession:
		return ViewCourtEntry
	case PhaseSubmitting:
		if _, done := s.Evidence[role]; done {
			return ViewAwaitingPartner
		}
		return ViewSubmitting
	case PhaseDeliberating:
		if s.GenerationFailed {
			return ViewGenerationFailed
		}
		return ViewDeliberating
	case PhaseResolutionSelect:
		if _, done := s.Picks[role]; done {
			return ViewAwaitingPick
		}
		return ViewResolutionSelect
	case PhaseResolutionMismatch:
		return ViewResolutionMismatch
	case PhaseVerdict:
		if s.Acceptances[role] {
			return ViewAwaitingAcceptance
		}
		return ViewVerdict
	case PhaseRating:
		return ViewRating
	case PhaseClosed:
		return ViewClosed
	case PhaseSettled:
		return ViewSettled
	case PhaseTimedOut:
		return ViewTimedOut
	}
	return ViewIdle
}
