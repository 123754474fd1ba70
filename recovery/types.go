package recovery

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound  = errors.New("recovery: no record for subject")
	ErrDelivery  = errors.New("recovery: key delivery failed")
	ErrBadRecord = errors.New("recovery: stored record failed integrity check")
)

// Policy is the attempt quota.
type Policy struct {
	MaxAttempts int
	Window      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Window: 24 * time.Hour}
}

// Record is the server-side state for one subject. It holds only salted
// hashes and the escrowed recovery key.
type Record struct {
	SubjectID     string    `json:"subject_id" bson:"_id"`
	NameHash      []byte    `json:"name_hash" bson:"name_hash"`
	DocumentHash  []byte    `json:"document_hash" bson:"document_hash"`
	DOBHash       []byte    `json:"dob_hash,omitempty" bson:"dob_hash,omitempty"`
	KeyHash       []byte    `json:"key_hash" bson:"key_hash"`
	EscrowedKey   []byte    `json:"escrowed_key" bson:"escrowed_key"`
	Salt          []byte    `json:"salt" bson:"salt"`
	AttemptCount  int       `json:"attempt_count" bson:"attempt_count"`
	LastAttemptAt time.Time `json:"last_attempt_at" bson:"last_attempt_at"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" bson:"updated_at"`
}

// InputValidationError rejects a register or verify request before any
// stored state is read.
type InputValidationError struct {
	Field string
}

func (e *InputValidationError) Error() string {
	return "recovery: missing or invalid " + e.Field
}

// RateLimitedError means the quota is spent until the window elapses.
type RateLimitedError struct {
	Remaining int
}

func (e *RateLimitedError) Error() string {
	return "recovery: too many attempts, try again later"
}

// VerificationFailedError never says which attribute mismatched.
type VerificationFailedError struct {
	Remaining int
}

func (e *VerificationFailedError) Error() string {
	return fmt.Sprintf("recovery: verification failed, %d attempts remaining", e.Remaining)
}
