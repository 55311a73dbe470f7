// Package caselog owns the durable case history written once a verdict
// exists. The session core only appends; browsing and rating aggregation are
// downstream concerns.
package caselog

import "time"

// Case is the historical record for one court session.
type Case struct {
	ID        string
	SessionID string
	PairID    string
	Settled   bool
	Rating    *int
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// VerdictVersion is one generation of the verdict: the initial options plus
// one row per addendum regeneration. FinalResolution is set when both parties
// accept.
type VerdictVersion struct {
	ID              int64
	CaseID          string
	Version         int
	Options         []byte
	FinalResolution []byte
	CreatedAt       time.Time
}
