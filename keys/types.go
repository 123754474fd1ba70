package keys

import (
	"errors"
	"time"
)

// Version identifies an envelope/KDF format generation. It is written as
// the leading tag byte of every current-format envelope.
type Version uint8

const (
	// VersionLegacy is the untagged format: PBKDF2 key, no MAC.
	VersionLegacy Version = 0x01
	// VersionArgon is the tagged format with an Argon2id key and HMAC.
	VersionArgon Version = 0x02

	CurrentVersion = VersionArgon

	SecretLen    = 32
	SaltLen      = 32
	MinSecretLen = 16
	MinSaltLen   = 16
	KeyLen       = 32
)

var (
	ErrWeakMaterial   = errors.New("keys: secret or salt shorter than 128 bits")
	ErrUnknownVersion = errors.New("keys: unknown format version")
	ErrEmptyInput     = errors.New("keys: empty secret or salt")
)

// Material is the user-held key material. The secret never leaves the
// client; the export artifact is the only sanctioned way to persist it.
type Material struct {
	Secret        []byte    `json:"secret"`
	Salt          []byte    `json:"salt"`
	CreatedAt     time.Time `json:"createdAt"`
	FormatVersion Version   `json:"formatVersion"`
}

// Validate reports whether m is usable for encryption.
func (m Material) Validate() error {
	if len(m.Secret) < MinSecretLen || len(m.Salt) < MinSaltLen {
		return ErrWeakMaterial
	}
	if !m.FormatVersion.Known() {
		return ErrUnknownVersion
	}
	return nil
}

// Equal compares secret, salt and version. CreatedAt is informational.
func (m Material) Equal(o Material) bool {
	return string(m.Secret) == string(o.Secret) &&
		string(m.Salt) == string(o.Salt) &&
		m.FormatVersion == o.FormatVersion
}

func (v Version) Known() bool {
	return v == VersionLegacy || v == VersionArgon
}

type Algorithm uint8

const (
	PBKDF2SHA256 Algorithm = iota + 1
	Argon2id
)

func (a Algorithm) String() string {
	switch a {
	case PBKDF2SHA256:
		return "pbkdf2-sha256"
	case Argon2id:
		return "argon2id"
	default:
		return "unknown"
	}
}

// KDFParams is the work factor recorded for one format version.
// Iterations is the PBKDF2 round count or the Argon2id time cost.
type KDFParams struct {
	Algorithm  Algorithm
	Iterations uint32
	Memory     uint32 // KiB, Argon2id only
	Threads    uint8  // Argon2id only
	KeyLen     uint32
}
