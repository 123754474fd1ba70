package envelope

import (
	"github.com/fahmaliyi/keyvault/keys"
)

// EncodeLegacy writes the untagged, unauthenticated layout produced by
// older clients. It exists for compatibility fixtures and migration
// tooling; Encode never produces it.
func (c *Codec) EncodeLegacy(plaintext []byte, m keys.Material) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, &EncodingError{Err: ErrMissingPlaintext}
	}
	if m.Validate() != nil {
		return nil, &EncodingError{Err: ErrMissingKey}
	}
	key, err := c.backend.DeriveKey(m, keys.VersionLegacy)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}
	defer keys.Zero(key)

	iv, err := c.backend.RandomBytes(IVLen)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}
	ct, err := cbcEncrypt(key, iv, plaintext)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}
	return append(iv, ct...), nil
}

// openLegacy has no MAC to check, so a wrong key surfaces as bad padding
// and is reported as an authentication failure.
func (c *Codec) openLegacy(env []byte, m keys.Material) ([]byte, error) {
	key, err := c.backend.DeriveKey(m, keys.VersionLegacy)
	if err != nil {
		return nil, &DecodingError{Legacy: true, Err: ErrCorrupt}
	}
	defer keys.Zero(key)

	pt, err := cbcDecrypt(key, env[:IVLen], env[IVLen:])
	if err != nil {
		return nil, &DecodingError{Legacy: true, Err: ErrAuthFailed}
	}
	if len(pt) == 0 {
		return nil, &DecodingError{Legacy: true, Err: ErrEmptyPlaintext}
	}
	return pt, nil
}
