package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"

	"github.com/fahmaliyi/keyvault/clock"
)

// DefaultKDF returns the work factors for every supported version. Newer
// versions may raise the cost without affecting envelopes written under
// older ones.
func DefaultKDF() map[Version]KDFParams {
	return map[Version]KDFParams{
		VersionLegacy: {Algorithm: PBKDF2SHA256, Iterations: 10000, KeyLen: KeyLen},
		VersionArgon:  {Algorithm: Argon2id, Iterations: 3, Memory: 64 * 1024, Threads: 1, KeyLen: KeyLen},
	}
}

// DeriveKey stretches secret with salt under p. Identical inputs always
// yield the same key.
func DeriveKey(secret, salt []byte, p KDFParams) ([]byte, error) {
	if len(secret) == 0 || len(salt) == 0 {
		return nil, ErrEmptyInput
	}
	if p.Iterations == 0 {
		return nil, errors.New("keys: iteration count must be positive")
	}
	keyLen := p.KeyLen
	if keyLen == 0 {
		keyLen = KeyLen
	}
	switch p.Algorithm {
	case PBKDF2SHA256:
		return pbkdf2.Key(secret, salt, int(p.Iterations), int(keyLen), sha256.New), nil
	case Argon2id:
		threads := p.Threads
		if threads == 0 {
			threads = 1
		}
		if p.Memory == 0 {
			return nil, errors.New("keys: argon2id memory cost must be positive")
		}
		return argon2.IDKey(secret, salt, p.Iterations, p.Memory, threads, keyLen), nil
	default:
		return nil, errors.Errorf("keys: unsupported kdf algorithm %d", p.Algorithm)
	}
}

// Backend bundles the random source, clock and KDF table used by the
// codec and the repository. Construct one at startup and pass it down.
type Backend struct {
	random io.Reader
	clock  clock.Clock
	kdf    map[Version]KDFParams
}

type Option func(*Backend)

func WithRandom(r io.Reader) Option { return func(b *Backend) { b.random = r } }

func WithClock(c clock.Clock) Option { return func(b *Backend) { b.clock = c } }

// WithKDF overrides the work factor for one version. Tests use it to keep
// derivations cheap.
func WithKDF(v Version, p KDFParams) Option {
	return func(b *Backend) { b.kdf[v] = p }
}

func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		random: rand.Reader,
		clock:  clock.Real(),
		kdf:    DefaultKDF(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RandomBytes reads n bytes from the backend random source.
func (b *Backend) RandomBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, errors.New("keys: invalid byte count")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(b.random, buf); err != nil {
		return nil, errors.Wrap(err, "keys: reading random bytes")
	}
	return buf, nil
}

func (b *Backend) Params(v Version) (KDFParams, error) {
	p, ok := b.kdf[v]
	if !ok {
		return KDFParams{}, ErrUnknownVersion
	}
	return p, nil
}

// GenerateKeyMaterial issues fresh material for a new vault.
func (b *Backend) GenerateKeyMaterial() (Material, error) {
	secret, err := b.RandomBytes(SecretLen)
	if err != nil {
		return Material{}, errors.Wrap(err, "keys: generating secret")
	}
	salt, err := b.RandomBytes(SaltLen)
	if err != nil {
		Zero(secret)
		return Material{}, errors.Wrap(err, "keys: generating salt")
	}
	return Material{
		Secret:        secret,
		Salt:          salt,
		CreatedAt:     b.clock.Now().UTC(),
		FormatVersion: CurrentVersion,
	}, nil
}

// DeriveKey derives the symmetric key for m under the work factor of
// version v. The caller owns the returned slice and should Zero it.
func (b *Backend) DeriveKey(m Material, v Version) ([]byte, error) {
	p, err := b.Params(v)
	if err != nil {
		return nil, err
	}
	return DeriveKey(m.Secret, m.Salt, p)
}

func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
