package auth

import "time"

// Participant is the domain representation of an authenticated account.
// It mirrors the participants table and should not include JSON annotations
// so it can be reused by different presentation layers.
type Participant struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	PairID       *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
