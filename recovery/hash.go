package recovery

import (
	"crypto/subtle"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"
)

const SaltLen = 16

// HashParams are the Argon2id costs for attribute hashes.
type HashParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
	KeyLen  uint32
}

func DefaultHashParams() HashParams {
	return HashParams{Time: 2, Memory: 32 * 1024, Threads: 1, KeyLen: 32}
}

// Hash domains keep equal values in different fields from hashing alike.
const (
	domainName     = "kv/rec/name"
	domainDocument = "kv/rec/document"
	domainDOB      = "kv/rec/dob"
	domainKey      = "kv/rec/key"
)

type Hasher struct {
	params HashParams
}

func NewHasher(p HashParams) *Hasher {
	return &Hasher{params: p}
}

func (h *Hasher) Hash(domain, value string, salt []byte) []byte {
	msg := make([]byte, 0, len(domain)+1+len(value))
	msg = append(msg, domain...)
	msg = append(msg, 0)
	msg = append(msg, value...)
	return argon2.IDKey(msg, salt, h.params.Time, h.params.Memory, h.params.Threads, h.params.KeyLen)
}

// CanonicalName upper-cases and collapses whitespace.
func CanonicalName(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

// CanonicalDocumentNumber keeps digits only.
func CanonicalDocumentNumber(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

// CanonicalDOB trims the value; dates already arrive as YYYY-MM-DD.
func CanonicalDOB(s string) string {
	return strings.TrimSpace(s)
}

// equalAll compares every pair in constant time and reports whether all
// matched. It never stops early.
func equalAll(pairs ...[2][]byte) bool {
	ok := 1
	for _, p := range pairs {
		ok &= subtle.ConstantTimeCompare(p[0], p[1])
	}
	return ok == 1
}
