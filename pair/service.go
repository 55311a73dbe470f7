package pair

import (
	"context"
	"fmt"
)

// ProfileReader abstracts repository operations for the service.
type ProfileReader interface {
	GetByID(ctx context.Context, id string) (Profile, error)
	Members(ctx context.Context, pairID string) ([]Member, error)
}

// Service exposes read-level pair operations to the rest of the system.
type Service struct {
	repo ProfileReader
}

// NewService builds a Service using the provided repository.
func NewService(repo ProfileReader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the pair profile for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Profile, error) {
	return s.repo.GetByID(ctx, id)
}

// Members returns the participants linked to the pair.
func (s *Service) Members(ctx context.Context, pairID string) ([]Member, error) {
	return s.repo.Members(ctx, pairID)
}

// MemberNames returns the two display names in account-creation order; it
// satisfies the generation collaborator's profile source.
func (s *Service) MemberNames(ctx context.Context, pairID string) (string, string, error) {
	members, err := s.repo.Members(ctx, pairID)
	if err != nil {
		return "", "", err
	}
	if len(members) != 2 {
		return "", "", fmt.Errorf("pair: expected 2 members, found %d", len(members))
	}
	return members[0].FullName, members[1].FullName, nil
}
