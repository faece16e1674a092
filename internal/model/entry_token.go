package model

import (
	"time"

	"github.com/google/uuid"
)

// TokenStatus enumerates entry token states.
type TokenStatus string

const (
	TokenStatusPending TokenStatus = "pending"
	TokenStatusClaimed TokenStatus = "claimed"
	TokenStatusExpired TokenStatus = "expired"
)

// EntryToken is a one-time credential authorizing one student to enter one exam.
// Token is only populated on issuance; storage keeps TokenHash.
type EntryToken struct {
	Token     string      `json:"token,omitempty"`
	TokenHash string      `json:"-"`
	ExamID    uuid.UUID   `json:"exam_id"`
	StudentID int         `json:"student_id"`
	IssuedAt  time.Time   `json:"issued_at"`
	ExpiresAt time.Time   `json:"expires_at"`
	Status    TokenStatus `json:"status"`
	ClaimedAt *time.Time  `json:"claimed_at,omitempty"`
}

// TokenClaim is what a successful claim resolves to.
type TokenClaim struct {
	StudentID int       `json:"student_id"`
	ExamID    uuid.UUID `json:"exam_id"`
}

// ClaimTokenRequest is sent by the locked-down entry view.
type ClaimTokenRequest struct {
	Token string `json:"token" binding:"required,entry_token"`
}
