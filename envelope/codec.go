// Package envelope encrypts and decrypts vault payloads into a
// self-describing, versioned byte layout.
//
// Current format (tagged):
//
//	tag(1) || IV(16) || AES-256-CBC ciphertext || HMAC-SHA256(32)
//
// Legacy format (untagged):
//
//	IV(16) || AES-256-CBC ciphertext
//
// CBC ciphertext is always a whole number of blocks, so a legacy envelope
// length is a multiple of 16 while a current one is 1 modulo 16. The
// decoder relies on that instead of an explicit flag.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/fahmaliyi/keyvault/keys"
)

const (
	TagLen = 1
	IVLen  = aes.BlockSize
	MACLen = sha256.Size

	minCurrentLen = TagLen + IVLen + aes.BlockSize + MACLen
	minLegacyLen  = IVLen + aes.BlockSize
)

// Codec is stateless apart from its backend and safe for concurrent use.
type Codec struct {
	backend *keys.Backend
}

func NewCodec(backend *keys.Backend) *Codec {
	return &Codec{backend: backend}
}

// Info describes an envelope without decrypting it.
type Info struct {
	Version keys.Version
	Legacy  bool
	Size    int
}

// IsLegacyLength reports whether an envelope of n bytes is parsed with
// the legacy layout.
func IsLegacyLength(n int) bool {
	return n >= minLegacyLen && n%aes.BlockSize == 0
}

func isCurrentLength(n int) bool {
	return n >= minCurrentLen && n%aes.BlockSize == TagLen
}

// Inspect classifies env by length and tag.
func Inspect(env []byte) (Info, error) {
	switch {
	case IsLegacyLength(len(env)):
		return Info{Version: keys.VersionLegacy, Legacy: true, Size: len(env)}, nil
	case isCurrentLength(len(env)) && keys.Version(env[0]).Known():
		return Info{Version: keys.Version(env[0]), Size: len(env)}, nil
	default:
		return Info{}, ErrCorrupt
	}
}

// Encode seals plaintext under m with a fresh IV, tagged with
// m.FormatVersion.
func (c *Codec) Encode(plaintext []byte, m keys.Material) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, &EncodingError{Err: ErrMissingPlaintext}
	}
	if m.Validate() != nil {
		return nil, &EncodingError{Err: ErrMissingKey}
	}
	master, err := c.backend.DeriveKey(m, m.FormatVersion)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}
	defer keys.Zero(master)

	env, err := c.seal(m.FormatVersion, master, plaintext)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}
	return env, nil
}

// Decode opens env with m, choosing the legacy or current layout by length.
func (c *Codec) Decode(env []byte, m keys.Material) ([]byte, error) {
	if m.Validate() != nil {
		return nil, &DecodingError{Err: ErrMissingKey}
	}
	if IsLegacyLength(len(env)) {
		return c.openLegacy(env, m)
	}
	if !isCurrentLength(len(env)) {
		return nil, &DecodingError{Err: ErrCorrupt}
	}

	version := keys.Version(env[0])
	if !version.Known() {
		return nil, &DecodingError{Err: ErrCorrupt}
	}
	master, err := c.backend.DeriveKey(m, version)
	if err != nil {
		return nil, &DecodingError{Err: ErrCorrupt}
	}
	defer keys.Zero(master)

	pt, err := open(master, env)
	if err != nil {
		return nil, &DecodingError{Err: err}
	}
	return pt, nil
}

func (c *Codec) EncodeString(plaintext []byte, m keys.Material) (string, error) {
	env, err := c.Encode(plaintext, m)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(env), nil
}

func (c *Codec) DecodeString(blob string, m keys.Material) ([]byte, error) {
	env, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, &DecodingError{Err: ErrCorrupt}
	}
	return c.Decode(env, m)
}

func (c *Codec) seal(version keys.Version, master, plaintext []byte) ([]byte, error) {
	encKey, macKey, err := subkeys(master, version)
	if err != nil {
		return nil, err
	}
	defer keys.Zero(encKey)
	defer keys.Zero(macKey)

	iv, err := c.backend.RandomBytes(IVLen)
	if err != nil {
		return nil, err
	}
	ct, err := cbcEncrypt(encKey, iv, plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, TagLen+IVLen+len(ct)+MACLen)
	out = append(out, byte(version))
	out = append(out, iv...)
	out = append(out, ct...)
	out = append(out, computeMAC(macKey, out)...)
	return out, nil
}

func open(master, env []byte) ([]byte, error) {
	version := keys.Version(env[0])
	encKey, macKey, err := subkeys(master, version)
	if err != nil {
		return nil, ErrCorrupt
	}
	defer keys.Zero(encKey)
	defer keys.Zero(macKey)

	macStart := len(env) - MACLen
	if !hmac.Equal(computeMAC(macKey, env[:macStart]), env[macStart:]) {
		return nil, ErrAuthFailed
	}

	iv := env[TagLen : TagLen+IVLen]
	pt, err := cbcDecrypt(encKey, iv, env[TagLen+IVLen:macStart])
	if err != nil {
		// The MAC already matched, so bad padding means a broken producer.
		return nil, ErrCorrupt
	}
	if len(pt) == 0 {
		return nil, ErrEmptyPlaintext
	}
	return pt, nil
}

func subkeys(master []byte, version keys.Version) (encKey, macKey []byte, err error) {
	stream := hkdf.New(sha256.New, master, nil, []byte{'k', 'v', '/', 'e', 'n', 'v', '/', byte(version)})
	encKey = make([]byte, 32)
	macKey = make([]byte, 32)
	if _, err = io.ReadFull(stream, encKey); err != nil {
		return nil, nil, err
	}
	if _, err = io.ReadFull(stream, macKey); err != nil {
		return nil, nil, err
	}
	return encKey, macKey, nil
}

func computeMAC(macKey, data []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write(data)
	return mac.Sum(nil)
}

func cbcEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pad(plaintext)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	keys.Zero(padded)
	return ct, nil
}

func cbcDecrypt(key, iv, ct []byte) ([]byte, error) {
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, ErrCorrupt
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	return unpad(pt)
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrCorrupt
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrCorrupt
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, ErrCorrupt
		}
	}
	return b[:len(b)-n], nil
}
