package recovery

import (
	"crypto/rand"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// Escrow seals recovery keys under the operator's escrow key so they can
// be released after a successful verification. The subject id is bound
// as associated data, so a sealed key only opens for its own subject.
type Escrow struct {
	key  []byte
	rand io.Reader
}

func NewEscrow(key []byte) (*Escrow, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.Errorf("recovery: escrow key must be %d bytes", chacha20poly1305.KeySize)
	}
	return &Escrow{key: append([]byte(nil), key...), rand: rand.Reader}, nil
}

// EscrowFromHex parses a hex-encoded escrow key as found in config.
func EscrowFromHex(s string) (*Escrow, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "recovery: decoding escrow key")
	}
	return NewEscrow(key)
}

// Seal returns nonce || ciphertext.
func (e *Escrow) Seal(subjectID string, secret []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(secret)+aead.Overhead())
	if _, err := io.ReadFull(e.rand, nonce); err != nil {
		return nil, errors.Wrap(err, "recovery: reading nonce")
	}
	return aead.Seal(nonce, nonce, secret, []byte(subjectID)), nil
}

func (e *Escrow) Open(subjectID string, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrBadRecord
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, []byte(subjectID))
	if err != nil {
		return nil, ErrBadRecord
	}
	return pt, nil
}
