// Package vault stores credential entries for a user as a single
// encrypted blob and performs read-modify-write operations on it.
package vault

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/zeebo/blake3"

	"github.com/fahmaliyi/keyvault/clock"
	"github.com/fahmaliyi/keyvault/envelope"
	"github.com/fahmaliyi/keyvault/keys"
)

const DefaultTimeout = 10 * time.Second

// Repository is the vault read/write API. Mutations for one user are
// serialized in-process; writers in other processes are detected through
// the record revision.
type Repository struct {
	store   BlobStore
	codec   *envelope.Codec
	clock   clock.Clock
	logger  zerolog.Logger
	timeout time.Duration
	lenient bool
	locks   keyedMutex
}

type Option func(*Repository)

func WithClock(c clock.Clock) Option { return func(r *Repository) { r.clock = c } }

func WithLogger(l zerolog.Logger) Option { return func(r *Repository) { r.logger = l } }

// WithTimeout bounds every storage call.
func WithTimeout(d time.Duration) Option { return func(r *Repository) { r.timeout = d } }

// WithLenientLoad makes Load return an empty record when a stored blob
// cannot be decoded, instead of ErrUndecodable. A following save then
// overwrites the unreadable blob.
func WithLenientLoad() Option { return func(r *Repository) { r.lenient = true } }

func NewRepository(store BlobStore, codec *envelope.Codec, opts ...Option) *Repository {
	r := &Repository{
		store:   store,
		codec:   codec,
		clock:   clock.Real(),
		logger:  zerolog.Nop(),
		timeout: DefaultTimeout,
		locks:   keyedMutex{locks: make(map[string]*lockEntry)},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load returns the user's vault. A user with no stored blob gets a fresh
// empty record.
func (r *Repository) Load(ctx context.Context, userID string, m keys.Material) (Record, error) {
	if userID == "" {
		return Record{}, ErrNoUser
	}
	return r.load(ctx, userID, m)
}

// Save writes rec, which must carry the revision it was loaded at. An
// entry's UpdatedAt is raised to the stored value when it would move
// backwards.
func (r *Repository) Save(ctx context.Context, userID string, rec Record, m keys.Material) (Record, error) {
	if userID == "" {
		return Record{}, ErrNoUser
	}
	unlock := r.locks.Lock(userID)
	defer unlock()

	current, err := r.load(ctx, userID, m)
	if err != nil {
		return Record{}, err
	}
	if current.Revision != rec.Revision {
		return Record{}, ErrStaleRevision
	}
	rec.Entries = clampUpdatedAt(rec.Entries, current.Entries)
	return r.write(ctx, userID, rec, m)
}

func clampUpdatedAt(entries, stored []Entry) []Entry {
	prev := make(map[string]time.Time, len(stored))
	for _, e := range stored {
		prev[e.ID] = e.UpdatedAt
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	for i, e := range out {
		if t, ok := prev[e.ID]; ok && e.UpdatedAt.Before(t) {
			out[i].UpdatedAt = t
		}
	}
	return out
}

// UpsertEntry replaces the entry with e.ID or appends e. An empty ID gets
// a new UUID. UpdatedAt never moves backwards for an existing ID.
func (r *Repository) UpsertEntry(ctx context.Context, userID string, e Entry, m keys.Material) (Entry, error) {
	if userID == "" {
		return Entry{}, ErrNoUser
	}
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	unlock := r.locks.Lock(userID)
	defer unlock()

	rec, err := r.load(ctx, userID, m)
	if err != nil {
		return Entry{}, err
	}

	now := r.clock.Now().UTC()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	replaced := false
	for i, prev := range rec.Entries {
		if prev.ID != e.ID {
			continue
		}
		e.CreatedAt = prev.CreatedAt
		e.UpdatedAt = now
		if e.UpdatedAt.Before(prev.UpdatedAt) {
			e.UpdatedAt = prev.UpdatedAt
		}
		rec.Entries[i] = e
		replaced = true
		break
	}
	if !replaced {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		e.UpdatedAt = now
		rec.Entries = append(rec.Entries, e)
	}

	if _, err := r.write(ctx, userID, rec, m); err != nil {
		return Entry{}, err
	}
	r.logger.Debug().Str("user", MaskID(userID)).Str("entry", e.ID).Bool("replaced", replaced).Msg("entry upserted")
	return e, nil
}

func (r *Repository) RemoveEntry(ctx context.Context, userID, entryID string, m keys.Material) error {
	if userID == "" {
		return ErrNoUser
	}
	unlock := r.locks.Lock(userID)
	defer unlock()

	rec, err := r.load(ctx, userID, m)
	if err != nil {
		return err
	}
	kept := rec.Entries[:0]
	for _, e := range rec.Entries {
		if e.ID != entryID {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(rec.Entries) {
		return ErrEntryNotFound
	}
	rec.Entries = kept

	if _, err := r.write(ctx, userID, rec, m); err != nil {
		return err
	}
	r.logger.Debug().Str("user", MaskID(userID)).Str("entry", entryID).Msg("entry removed")
	return nil
}

// SetRecoveryRef records which recovery subject protects this vault.
func (r *Repository) SetRecoveryRef(ctx context.Context, userID, ref string, m keys.Material) error {
	if userID == "" {
		return ErrNoUser
	}
	unlock := r.locks.Lock(userID)
	defer unlock()

	rec, err := r.load(ctx, userID, m)
	if err != nil {
		return err
	}
	rec.RecoveryRef = ref
	_, err = r.write(ctx, userID, rec, m)
	return err
}

// ExportSnapshot returns the stored blob as-is with descriptive metadata.
// It needs no key and never decrypts.
func (r *Repository) ExportSnapshot(ctx context.Context, userID string) (Snapshot, error) {
	if userID == "" {
		return Snapshot{}, ErrNoUser
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	blob, err := r.store.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Snapshot{}, err
		}
		return Snapshot{}, errors.Wrap(err, "vault: reading blob for export")
	}
	env, err := base64.StdEncoding.DecodeString(string(blob))
	if err != nil {
		return Snapshot{}, &UndecodableError{UserID: userID, Err: envelope.ErrCorrupt}
	}
	info, err := envelope.Inspect(env)
	if err != nil {
		return Snapshot{}, &UndecodableError{UserID: userID, Err: err}
	}
	sum := blake3.Sum256(blob)
	return Snapshot{
		UserID:        userID,
		Blob:          string(blob),
		FormatVersion: uint8(info.Version),
		Legacy:        info.Legacy,
		Size:          info.Size,
		Checksum:      hex.EncodeToString(sum[:]),
		ExportedAt:    r.clock.Now().UTC(),
	}, nil
}

// VerifySnapshot checks a snapshot's checksum against its blob.
func VerifySnapshot(s Snapshot) bool {
	sum := blake3.Sum256([]byte(s.Blob))
	return hex.EncodeToString(sum[:]) == s.Checksum
}

// CopyTo pushes the user's raw blob to another store, e.g. a DriveStore.
func (r *Repository) CopyTo(ctx context.Context, userID string, dst BlobStore) error {
	return r.copyBlob(ctx, userID, r.store, dst)
}

// CopyFrom replaces the local blob with the one held by src. The incoming
// blob must at least look like an envelope.
func (r *Repository) CopyFrom(ctx context.Context, userID string, src BlobStore) error {
	unlock := r.locks.Lock(userID)
	defer unlock()
	return r.copyBlob(ctx, userID, src, r.store)
}

func (r *Repository) copyBlob(ctx context.Context, userID string, src, dst BlobStore) error {
	if userID == "" {
		return ErrNoUser
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	blob, err := src.Get(ctx, userID)
	if err != nil {
		return err
	}
	env, err := base64.StdEncoding.DecodeString(string(blob))
	if err != nil {
		return &UndecodableError{UserID: userID, Err: envelope.ErrCorrupt}
	}
	if _, err := envelope.Inspect(env); err != nil {
		return &UndecodableError{UserID: userID, Err: err}
	}
	return dst.Put(ctx, userID, blob)
}

func (r *Repository) load(ctx context.Context, userID string, m keys.Material) (Record, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	blob, err := r.store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return emptyRecord(), nil
	}
	if err != nil {
		return Record{}, errors.Wrap(err, "vault: reading blob")
	}

	pt, err := r.codec.DecodeString(string(blob), m)
	if err != nil {
		return r.undecodable(userID, err)
	}
	defer keys.Zero(pt)

	var rec Record
	if err := json.Unmarshal(pt, &rec); err != nil {
		return r.undecodable(userID, err)
	}
	if rec.Entries == nil {
		rec.Entries = []Entry{}
	}
	return rec, nil
}

func (r *Repository) undecodable(userID string, err error) (Record, error) {
	if r.lenient {
		r.logger.Error().Err(err).Str("user", MaskID(userID)).Msg("vault blob undecodable, continuing with empty vault")
		return emptyRecord(), nil
	}
	r.logger.Warn().Err(err).Str("user", MaskID(userID)).Msg("vault blob undecodable")
	return Record{}, &UndecodableError{UserID: userID, Err: err}
}

// write stores rec as the next revision.
func (r *Repository) write(ctx context.Context, userID string, rec Record, m keys.Material) (Record, error) {
	if rec.Entries == nil {
		rec.Entries = []Entry{}
	}
	if err := rec.validate(); err != nil {
		return Record{}, err
	}
	rec.Revision++
	rec.LastSync = r.clock.Now().UTC()

	pt, err := json.Marshal(rec)
	if err != nil {
		return Record{}, errors.Wrap(err, "vault: encoding record")
	}
	defer keys.Zero(pt)

	blob, err := r.codec.EncodeString(pt, m)
	if err != nil {
		return Record{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.store.Put(ctx, userID, []byte(blob)); err != nil {
		return Record{}, errors.Wrap(err, "vault: writing blob")
	}
	r.logger.Debug().Str("user", MaskID(userID)).Uint64("revision", rec.Revision).Int("entries", len(rec.Entries)).Msg("vault saved")
	return rec, nil
}

func emptyRecord() Record {
	return Record{Entries: []Entry{}}
}

// MaskID shortens an identifier for logs.
func MaskID(s string) string {
	if s == "" {
		return "(none)"
	}
	if len(s) <= 2 {
		return "***"
	}
	return s[:1] + "***" + s[len(s)-1:]
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
