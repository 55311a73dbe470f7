// Package verdict wraps the opaque verdict-generation service. The session
// core treats the produced text as a black box; this package shapes the
// inputs (submitted evidence plus pair profiles) and guarantees well-formed
// resolution options come back.
package verdict

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"courtflow/session"
)

// ProfileSource supplies the participant display names fed into generation.
type ProfileSource interface {
	MemberNames(ctx context.Context, pairID string) (creator, partner string, err error)
}

// Service is the default generator. It renders deterministic structured
// options from the submitted needs; a production deployment swaps the render
// step for the remote model call without touching the engine.
type Service struct {
	profiles ProfileSource
	idGen    func() string
}

func NewService(profiles ProfileSource) *Service {
	return &Service{
		profiles: profiles,
		idGen:    func() string { return uuid.NewString() },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// Verdict produces the resolution options for one deliberation round.
func (s *Service) Verdict(ctx context.Context, input session.GenerationInput) ([]session.ResolutionOption, error) {
	creatorName, partnerName := "Partner A", "Partner B"
	if s.profiles != nil {
		c, p, err := s.profiles.MemberNames(ctx, input.PairID)
		if err == nil {
			creatorName, partnerName = c, p
		}
	}

	ce, okC := input.Evidence[session.RoleCreator]
	pe, okP := input.Evidence[session.RolePartner]
	if !okC || !okP {
		return nil, fmt.Errorf("verdict: generation requires both submissions")
	}

	opts := []session.ResolutionOption{
		{
			ID:      s.idGen(),
			Title:   fmt.Sprintf("Lead with %s's needs", creatorName),
			Body:    renderResolution(creatorName, partnerName, ce, pe, input.Addendum),
			Version: input.Version,
		},
		{
			ID:      s.idGen(),
			Title:   fmt.Sprintf("Lead with %s's needs", partnerName),
			Body:    renderResolution(partnerName, creatorName, pe, ce, input.Addendum),
			Version: input.Version,
		},
	}
	return opts, nil
}

// Hybrid blends two divergent picks into one option.
func (s *Service) Hybrid(ctx context.Context, input session.GenerationInput, a, b session.ResolutionOption) (session.ResolutionOption, error) {
	if a.ID == b.ID {
		return session.ResolutionOption{}, fmt.Errorf("verdict: hybrid requires divergent picks")
	}
	return session.ResolutionOption{
		ID:      s.idGen(),
		Title:   "Middle ground",
		Body:    strings.TrimSpace(a.Body + "\n\n" + b.Body),
		Hybrid:  true,
		Version: input.Version,
	}, nil
}

func renderResolution(first, second string, fe, se session.Evidence, addendum string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s needs: %s\n", first, fe.Needs)
	fmt.Fprintf(&b, "%s needs: %s\n", second, se.Needs)
	if addendum != "" {
		fmt.Fprintf(&b, "Follow-up raised: %s\n", addendum)
	}
	fmt.Fprintf(&b, "Proposed: start from what %s asked for, with a concrete step for %s this week.", first, second)
	return b.String()
}
