// Package recovery holds the server side of key recovery: salted
// attribute hashes per subject, a rate-limited verifier, and release of
// the escrowed recovery key over an out-of-band channel.
package recovery

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/fahmaliyi/keyvault/clock"
	"github.com/fahmaliyi/keyvault/document"
)

const DefaultTimeout = 10 * time.Second

type Service struct {
	store     Store
	escrow    *Escrow
	deliverer Deliverer
	hasher    *Hasher
	clock     clock.Clock
	logger    zerolog.Logger
	policy    Policy
	timeout   time.Duration
	rand      io.Reader
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

func WithHashParams(p HashParams) Option { return func(s *Service) { s.hasher = NewHasher(p) } }

func WithPolicy(p Policy) Option { return func(s *Service) { s.policy = p } }

func WithTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

func NewService(store Store, escrow *Escrow, d Deliverer, opts ...Option) *Service {
	s := &Service{
		store:     store,
		escrow:    escrow,
		deliverer: d,
		hasher:    NewHasher(DefaultHashParams()),
		clock:     clock.Real(),
		logger:    zerolog.Nop(),
		policy:    DefaultPolicy(),
		timeout:   DefaultTimeout,
		rand:      rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register stores hashes of attrs and the escrowed recovery key for
// subjectID, replacing any earlier registration.
func (s *Service) Register(ctx context.Context, subjectID string, attrs document.Attributes, recoveryKey []byte) error {
	if err := validate(subjectID, attrs); err != nil {
		return err
	}
	if len(recoveryKey) == 0 {
		return &InputValidationError{Field: "recovery_key"}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	salt := make([]byte, SaltLen)
	if _, err := io.ReadFull(s.rand, salt); err != nil {
		return errors.Wrap(err, "recovery: reading salt")
	}
	sealed, err := s.escrow.Seal(subjectID, recoveryKey)
	if err != nil {
		return err
	}

	h := s.hashes(attrs, salt)
	now := s.clock.Now().UTC()
	r := Record{
		SubjectID:    subjectID,
		NameHash:     h.name,
		DocumentHash: h.document,
		KeyHash:      s.hasher.Hash(domainKey, string(recoveryKey), salt),
		EscrowedKey:  sealed,
		Salt:         salt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if attrs.DOB != "" {
		r.DOBHash = h.dob
	}
	if err := s.store.Put(ctx, r); err != nil {
		return errors.Wrap(err, "recovery: storing record")
	}
	s.logger.Info().Str("subject", maskSubject(subjectID)).Bool("dob", attrs.DOB != "").Msg("recovery registered")
	return nil
}

// Verify checks attrs against the stored hashes. Every call that is not
// rate limited consumes one attempt. On a full match the recovery key is
// delivered and the attempt count resets.
func (s *Service) Verify(ctx context.Context, subjectID string, attrs document.Attributes) error {
	if err := validate(subjectID, attrs); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// Hash outside the store's critical section; recompute below only if
	// a re-registration changed the salt in between.
	current, err := s.store.Get(ctx, subjectID)
	if errors.Is(err, ErrNotFound) {
		s.hashes(attrs, make([]byte, SaltLen))
		s.logger.Info().Str("subject", maskSubject(subjectID)).Msg("recovery verify for unknown subject")
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "recovery: reading record")
	}
	salt := current.Salt
	h := s.hashes(attrs, salt)

	var (
		released  []byte
		remaining int
		broken    error
	)
	err = s.store.Update(ctx, subjectID, func(r *Record) error {
		released, broken = nil, nil
		now := s.clock.Now().UTC()
		if !r.LastAttemptAt.IsZero() && now.Sub(r.LastAttemptAt) >= s.policy.Window {
			r.AttemptCount = 0
		}
		if r.AttemptCount >= s.policy.MaxAttempts {
			return &RateLimitedError{Remaining: 0}
		}
		if !bytes.Equal(r.Salt, salt) {
			h = s.hashes(attrs, r.Salt)
		}

		pairs := [][2][]byte{{r.NameHash, h.name}, {r.DocumentHash, h.document}}
		if len(r.DOBHash) > 0 {
			pairs = append(pairs, [2][]byte{r.DOBHash, h.dob})
		}
		matched := equalAll(pairs...)

		r.AttemptCount++
		r.LastAttemptAt = now
		r.UpdatedAt = now
		if !matched {
			remaining = s.policy.MaxAttempts - r.AttemptCount
			released = nil
			return nil
		}

		// A record that cannot release its key still consumes the attempt.
		key, err := s.escrow.Open(subjectID, r.EscrowedKey)
		if err != nil {
			broken = err
			remaining = s.policy.MaxAttempts - r.AttemptCount
			return nil
		}
		if !equalAll([2][]byte{r.KeyHash, s.hasher.Hash(domainKey, string(key), r.Salt)}) {
			broken = ErrBadRecord
			remaining = s.policy.MaxAttempts - r.AttemptCount
			return nil
		}
		released = key
		r.AttemptCount = 0
		return nil
	})

	var rl *RateLimitedError
	switch {
	case errors.As(err, &rl):
		s.logger.Warn().Str("subject", maskSubject(subjectID)).Msg("recovery verify rate limited")
		return err
	case err != nil:
		s.logger.Error().Err(err).Str("subject", maskSubject(subjectID)).Msg("recovery verify failed")
		return err
	case broken != nil:
		s.logger.Error().Err(broken).Str("subject", maskSubject(subjectID)).Int("remaining", remaining).Msg("recovery record cannot release its key")
		return broken
	case released == nil:
		s.logger.Info().Str("subject", maskSubject(subjectID)).Int("remaining", remaining).Msg("recovery verify mismatch")
		return &VerificationFailedError{Remaining: remaining}
	}

	if err := s.deliverer.Deliver(ctx, subjectID, released); err != nil {
		s.logger.Error().Err(err).Str("subject", maskSubject(subjectID)).Msg("recovery key delivery failed")
		return errors.Wrap(ErrDelivery, err.Error())
	}
	s.logger.Info().Str("subject", maskSubject(subjectID)).Msg("recovery verified, key delivered")
	return nil
}

type attrHashes struct {
	name, document, dob []byte
}

func (s *Service) hashes(a document.Attributes, salt []byte) attrHashes {
	return attrHashes{
		name:     s.hasher.Hash(domainName, CanonicalName(a.Name), salt),
		document: s.hasher.Hash(domainDocument, CanonicalDocumentNumber(a.DocumentNumber), salt),
		dob:      s.hasher.Hash(domainDOB, CanonicalDOB(a.DOB), salt),
	}
}

func validate(subjectID string, a document.Attributes) error {
	switch {
	case subjectID == "":
		return &InputValidationError{Field: "subject_id"}
	case CanonicalName(a.Name) == "":
		return &InputValidationError{Field: "name"}
	case CanonicalDocumentNumber(a.DocumentNumber) == "":
		return &InputValidationError{Field: "document_number"}
	}
	return nil
}
