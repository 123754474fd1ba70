package vault

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("vault: blob not found")
	ErrUndecodable   = errors.New("vault: stored blob cannot be decoded")
	ErrStaleRevision = errors.New("vault: record revision is stale")
	ErrEntryNotFound = errors.New("vault: entry not found")
	ErrNoUser        = errors.New("vault: user id required")
)

// Entry is one stored credential.
type Entry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Login     string    `json:"login"`
	Secret    []byte    `json:"secret"`
	URL       string    `json:"url,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (e Entry) Validate() error {
	if e.Name == "" {
		return &InputValidationError{Field: "name", Reason: "required"}
	}
	if len(e.Secret) == 0 {
		return &InputValidationError{Field: "secret", Reason: "required"}
	}
	return nil
}

// Record is the plaintext vault. It only ever leaves memory inside an
// envelope.
type Record struct {
	Entries     []Entry   `json:"entries"`
	LastSync    time.Time `json:"lastSync"`
	RecoveryRef string    `json:"recoveryRef,omitempty"`
	Revision    uint64    `json:"revision"`
}

func (r Record) Find(id string) (Entry, bool) {
	for _, e := range r.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

func (r Record) validate() error {
	seen := make(map[string]struct{}, len(r.Entries))
	for _, e := range r.Entries {
		if e.ID == "" {
			return &InputValidationError{Field: "id", Reason: "required"}
		}
		if _, dup := seen[e.ID]; dup {
			return &InputValidationError{Field: "id", Reason: fmt.Sprintf("duplicate id %q", e.ID)}
		}
		seen[e.ID] = struct{}{}
	}
	return nil
}

type InputValidationError struct {
	Field  string
	Reason string
}

func (e *InputValidationError) Error() string {
	return fmt.Sprintf("vault: invalid %s: %s", e.Field, e.Reason)
}

// UndecodableError means a blob exists for the user but could not be
// opened: wrong key material or damaged bytes. It matches ErrUndecodable
// and unwraps to the underlying *envelope.DecodingError or JSON error.
type UndecodableError struct {
	UserID string
	Err    error
}

func (e *UndecodableError) Error() string {
	return "vault: stored blob cannot be decoded: " + e.Err.Error()
}

func (e *UndecodableError) Unwrap() error        { return e.Err }
func (e *UndecodableError) Is(target error) bool { return target == ErrUndecodable }

// Snapshot is the export form of a vault: still encrypted.
type Snapshot struct {
	UserID        string    `json:"userId"`
	Blob          string    `json:"blob"`
	FormatVersion uint8     `json:"formatVersion"`
	Legacy        bool      `json:"legacy"`
	Size          int       `json:"size"`
	Checksum      string    `json:"checksum"`
	ExportedAt    time.Time `json:"exportedAt"`
}
