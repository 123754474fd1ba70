package document

import (
	"errors"
	"fmt"
)

var ErrTimeout = errors.New("document: extraction timed out")

// InputValidationError rejects an upload before any text is parsed.
type InputValidationError struct {
	Reason string
}

func (e *InputValidationError) Error() string {
	return "document: invalid input: " + e.Reason
}

// ExtractionError names the first required field that could not be
// located. The caller may fall back to manual entry.
type ExtractionError struct {
	Field string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("document: could not locate %s", e.Field)
}
