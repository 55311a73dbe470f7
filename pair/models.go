package pair

import "time"

// Profile is the stored pair record.
type Profile struct {
	ID        string
	CreatedAt time.Time
}

// Member is one participant's public profile within a pair.
type Member struct {
	ID       string
	FullName string
	Email    string
}
