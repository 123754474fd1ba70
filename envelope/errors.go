package envelope

import "errors"

var (
	ErrMissingPlaintext = errors.New("envelope: missing plaintext")
	ErrMissingKey       = errors.New("envelope: missing or invalid key material")

	// Decoding failure kinds. Every *DecodingError wraps exactly one.
	ErrAuthFailed     = errors.New("envelope: authentication failed")
	ErrCorrupt        = errors.New("envelope: truncated or corrupt data")
	ErrEmptyPlaintext = errors.New("envelope: decrypted content is empty")
)

// EncodingError is returned by Encode when its inputs are unusable.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string { return "envelope: encode: " + e.Err.Error() }
func (e *EncodingError) Unwrap() error { return e.Err }

// DecodingError is returned by Decode. Use errors.Is against
// ErrAuthFailed, ErrCorrupt and ErrEmptyPlaintext to tell a wrong key from
// damaged bytes from a vault that decrypted to nothing.
type DecodingError struct {
	Legacy bool
	Err    error
}

func (e *DecodingError) Error() string {
	if e.Legacy {
		return "envelope: decode legacy: " + e.Err.Error()
	}
	return "envelope: decode: " + e.Err.Error()
}

func (e *DecodingError) Unwrap() error { return e.Err }
