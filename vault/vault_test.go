package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fahmaliyi/keyvault/clock"
	"github.com/fahmaliyi/keyvault/envelope"
	"github.com/fahmaliyi/keyvault/keys"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func testBackend() *keys.Backend {
	return keys.NewBackend(
		keys.WithKDF(keys.VersionLegacy, keys.KDFParams{Algorithm: keys.PBKDF2SHA256, Iterations: 1000, KeyLen: keys.KeyLen}),
		keys.WithKDF(keys.VersionArgon, keys.KDFParams{Algorithm: keys.Argon2id, Iterations: 1, Memory: 1024, Threads: 1, KeyLen: keys.KeyLen}),
	)
}

type fixture struct {
	repo    *Repository
	store   *MemoryStore
	clock   *clock.FakeClock
	backend *keys.Backend
	key     keys.Material
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	b := testBackend()
	m, err := b.GenerateKeyMaterial()
	if err != nil {
		t.Fatalf("GenerateKeyMaterial() error = %v", err)
	}
	fc := clock.Fake(epoch)
	store := NewMemoryStore()
	opts = append([]Option{WithClock(fc)}, opts...)
	return &fixture{
		repo:    NewRepository(store, envelope.NewCodec(b), opts...),
		store:   store,
		clock:   fc,
		backend: b,
		key:     m,
	}
}

func TestLoadWithoutBlobReturnsEmpty(t *testing.T) {
	f := newFixture(t)
	rec, err := f.repo.Load(context.Background(), "u@test", f.key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(rec.Entries) != 0 || rec.Revision != 0 {
		t.Fatalf("Load() = %+v, want empty record", rec)
	}
}

func TestEndToEndSingleEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.repo.Save(ctx, "u@test", Record{}, f.key); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	in := Entry{Name: "Mail", Login: "a@b.com", Secret: []byte("x")}
	stored, err := f.repo.UpsertEntry(ctx, "u@test", in, f.key)
	if err != nil {
		t.Fatalf("UpsertEntry() error = %v", err)
	}

	rec, err := f.repo.Load(ctx, "u@test", f.key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(rec.Entries) != 1 {
		t.Fatalf("entry count = %d, want 1", len(rec.Entries))
	}
	got := rec.Entries[0]
	if got.ID != stored.ID || got.ID == "" {
		t.Fatalf("ID = %q, want %q", got.ID, stored.ID)
	}
	if got.Name != in.Name || got.Login != in.Login || !bytes.Equal(got.Secret, in.Secret) {
		t.Fatalf("entry = %+v, want fields of %+v", got, in)
	}
	if !got.CreatedAt.Equal(epoch) || !got.UpdatedAt.Equal(epoch) {
		t.Fatalf("timestamps = %v/%v, want %v", got.CreatedAt, got.UpdatedAt, epoch)
	}
	if rec.Revision != 2 {
		t.Fatalf("Revision = %d, want 2", rec.Revision)
	}
}

func TestUpsertSameIDNeverGrows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.repo.UpsertEntry(ctx, "u", Entry{ID: "e1", Name: "Mail", Secret: []byte("one")}, f.key)
	if err != nil {
		t.Fatalf("UpsertEntry() error = %v", err)
	}
	f.clock.Advance(time.Minute)
	second, err := f.repo.UpsertEntry(ctx, "u", Entry{ID: "e1", Name: "Mail", Secret: []byte("two")}, f.key)
	if err != nil {
		t.Fatalf("UpsertEntry() error = %v", err)
	}

	rec, err := f.repo.Load(ctx, "u", f.key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(rec.Entries) != 1 {
		t.Fatalf("entry count = %d, want 1", len(rec.Entries))
	}
	got := rec.Entries[0]
	if string(got.Secret) != "two" {
		t.Fatalf("Secret = %q, want the later write", got.Secret)
	}
	if !got.UpdatedAt.Equal(second.UpdatedAt) || !got.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("UpdatedAt = %v, first %v second %v", got.UpdatedAt, first.UpdatedAt, second.UpdatedAt)
	}
	if !got.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("CreatedAt changed: %v -> %v", first.CreatedAt, got.CreatedAt)
	}
}

func TestUpdatedAtNeverMovesBackwards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.repo.UpsertEntry(ctx, "u", Entry{ID: "e1", Name: "Mail", Secret: []byte("one")}, f.key)
	if err != nil {
		t.Fatalf("UpsertEntry() error = %v", err)
	}
	f.clock.Set(epoch.Add(-time.Hour))
	second, err := f.repo.UpsertEntry(ctx, "u", Entry{ID: "e1", Name: "Mail", Secret: []byte("two")}, f.key)
	if err != nil {
		t.Fatalf("UpsertEntry() error = %v", err)
	}
	if second.UpdatedAt.Before(first.UpdatedAt) {
		t.Fatalf("UpdatedAt went backwards: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
}

func TestSaveKeepsUpdatedAtMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stored, err := f.repo.UpsertEntry(ctx, "u", Entry{ID: "e1", Name: "Mail", Secret: []byte("one")}, f.key)
	if err != nil {
		t.Fatalf("UpsertEntry() error = %v", err)
	}
	rec, err := f.repo.Load(ctx, "u", f.key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	rec.Entries[0].UpdatedAt = stored.UpdatedAt.Add(-48 * time.Hour)
	rec.Entries[0].Secret = []byte("two")
	if _, err := f.repo.Save(ctx, "u", rec, f.key); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := f.repo.Load(ctx, "u", f.key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !got.Entries[0].UpdatedAt.Equal(stored.UpdatedAt) {
		t.Fatalf("UpdatedAt = %v, want %v", got.Entries[0].UpdatedAt, stored.UpdatedAt)
	}
	if string(got.Entries[0].Secret) != "two" {
		t.Fatalf("Secret = %q, want the saved value", got.Entries[0].Secret)
	}
}

func TestUpsertValidatesEntry(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		entry Entry
		field string
	}{
		{"missing name", Entry{Secret: []byte("x")}, "name"},
		{"missing secret", Entry{Name: "Mail"}, "secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.repo.UpsertEntry(context.Background(), "u", tt.entry, f.key)
			var vErr *InputValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("UpsertEntry() error = %v, want *InputValidationError", err)
			}
			if vErr.Field != tt.field {
				t.Fatalf("Field = %q, want %q", vErr.Field, tt.field)
			}
		})
	}
}

func TestLoadWithWrongKeyIsReported(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.repo.UpsertEntry(ctx, "u", Entry{Name: "Mail", Secret: []byte("x")}, f.key); err != nil {
		t.Fatalf("UpsertEntry() error = %v", err)
	}
	other, err := f.backend.GenerateKeyMaterial()
	if err != nil {
		t.Fatalf("GenerateKeyMaterial() error = %v", err)
	}

	_, err = f.repo.Load(ctx, "u", other)
	if !errors.Is(err, ErrUndecodable) {
		t.Fatalf("Load() error = %v, want ErrUndecodable", err)
	}
	var decErr *envelope.DecodingError
	if !errors.As(err, &decErr) || !errors.Is(err, envelope.ErrAuthFailed) {
		t.Fatalf("Load() error = %v, want wrapped authentication failure", err)
	}

	// Mutations must not silently replace the unreadable vault.
	if _, err := f.repo.UpsertEntry(ctx, "u", Entry{Name: "New", Secret: []byte("y")}, other); !errors.Is(err, ErrUndecodable) {
		t.Fatalf("UpsertEntry() error = %v, want ErrUndecodable", err)
	}
}

func TestLoadCorruptBlob(t *testing.T) {
	f := newFixture(t)
	if err := f.store.Put(context.Background(), "u", []byte("AAAA")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	_, err := f.repo.Load(context.Background(), "u", f.key)
	if !errors.Is(err, ErrUndecodable) || !errors.Is(err, envelope.ErrCorrupt) {
		t.Fatalf("Load() error = %v, want undecodable corrupt blob", err)
	}
}

func TestLenientLoadFallsBackToEmpty(t *testing.T) {
	f := newFixture(t, WithLenientLoad())
	if err := f.store.Put(context.Background(), "u", []byte("AAAA")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	rec, err := f.repo.Load(context.Background(), "u", f.key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(rec.Entries) != 0 {
		t.Fatalf("Load() = %+v, want empty", rec)
	}
}

func TestSaveRejectsStaleRevision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.repo.Load(ctx, "u", f.key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	b := a

	a.Entries = append(a.Entries, Entry{ID: "a", Name: "A", Secret: []byte("1")})
	if _, err := f.repo.Save(ctx, "u", a, f.key); err != nil {
		t.Fatalf("Save(a) error = %v", err)
	}
	b.Entries = append(b.Entries, Entry{ID: "b", Name: "B", Secret: []byte("2")})
	if _, err := f.repo.Save(ctx, "u", b, f.key); !errors.Is(err, ErrStaleRevision) {
		t.Fatalf("Save(b) error = %v, want ErrStaleRevision", err)
	}
}

func TestSaveRejectsDuplicateIDs(t *testing.T) {
	f := newFixture(t)
	rec := Record{Entries: []Entry{
		{ID: "dup", Name: "A", Secret: []byte("1")},
		{ID: "dup", Name: "B", Secret: []byte("2")},
	}}
	_, err := f.repo.Save(context.Background(), "u", rec, f.key)
	var vErr *InputValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("Save() error = %v, want *InputValidationError", err)
	}
}

func TestRemoveEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	keep, err := f.repo.UpsertEntry(ctx, "u", Entry{Name: "Keep", Secret: []byte("k")}, f.key)
	if err != nil {
		t.Fatalf("UpsertEntry() error = %v", err)
	}
	drop, err := f.repo.UpsertEntry(ctx, "u", Entry{Name: "Drop", Secret: []byte("d")}, f.key)
	if err != nil {
		t.Fatalf("UpsertEntry() error = %v", err)
	}
	if err := f.repo.RemoveEntry(ctx, "u", drop.ID, f.key); err != nil {
		t.Fatalf("RemoveEntry() error = %v", err)
	}
	rec, err := f.repo.Load(ctx, "u", f.key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(rec.Entries) != 1 || rec.Entries[0].ID != keep.ID {
		t.Fatalf("entries after remove = %+v", rec.Entries)
	}
	if err := f.repo.RemoveEntry(ctx, "u", "missing", f.key); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("RemoveEntry(missing) error = %v, want ErrEntryNotFound", err)
	}
}

func TestSetRecoveryRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.repo.SetRecoveryRef(ctx, "u", "u@test", f.key); err != nil {
		t.Fatalf("SetRecoveryRef() error = %v", err)
	}
	rec, err := f.repo.Load(ctx, "u", f.key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if rec.RecoveryRef != "u@test" {
		t.Fatalf("RecoveryRef = %q", rec.RecoveryRef)
	}
}

func TestExportSnapshotHasNoPlaintext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.repo.UpsertEntry(ctx, "u", Entry{Name: "Mailbox", Login: "someone@example.com", Secret: []byte("hunter2")}, f.key); err != nil {
		t.Fatalf("UpsertEntry() error = %v", err)
	}

	snap, err := f.repo.ExportSnapshot(ctx, "u")
	if err != nil {
		t.Fatalf("ExportSnapshot() error = %v", err)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	for _, needle := range []string{"Mailbox", "someone@example.com", "hunter2"} {
		if strings.Contains(string(raw), needle) {
			t.Fatalf("snapshot leaks %q", needle)
		}
	}
	if snap.Legacy || snap.FormatVersion != uint8(keys.CurrentVersion) {
		t.Fatalf("snapshot format = %d legacy=%v", snap.FormatVersion, snap.Legacy)
	}
	if !VerifySnapshot(snap) {
		t.Fatal("snapshot checksum does not verify")
	}
	tampered := snap
	tampered.Blob = snap.Blob + "=="
	if VerifySnapshot(tampered) {
		t.Fatal("tampered snapshot verified")
	}

	if _, err := f.repo.ExportSnapshot(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ExportSnapshot(missing) error = %v, want ErrNotFound", err)
	}
}

func TestConcurrentUpsertsAreSerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.repo.UpsertEntry(ctx, "u", Entry{ID: fmt.Sprintf("e%d", i), Name: "N", Secret: []byte("s")}, f.key)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("UpsertEntry() error = %v", err)
		}
	}
	rec, err := f.repo.Load(ctx, "u", f.key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(rec.Entries) != n {
		t.Fatalf("entry count = %d, want %d", len(rec.Entries), n)
	}
	if rec.Revision != n {
		t.Fatalf("Revision = %d, want %d", rec.Revision, n)
	}
}

func TestCopyBetweenStores(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.repo.UpsertEntry(ctx, "u", Entry{Name: "Mail", Secret: []byte("x")}, f.key); err != nil {
		t.Fatalf("UpsertEntry() error = %v", err)
	}

	remote := NewMemoryStore()
	if err := f.repo.CopyTo(ctx, "u", remote); err != nil {
		t.Fatalf("CopyTo() error = %v", err)
	}
	if err := f.store.Delete(ctx, "u"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := f.repo.CopyFrom(ctx, "u", remote); err != nil {
		t.Fatalf("CopyFrom() error = %v", err)
	}
	rec, err := f.repo.Load(ctx, "u", f.key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(rec.Entries) != 1 {
		t.Fatalf("entry count = %d, want 1", len(rec.Entries))
	}

	if err := remote.Put(ctx, "u", []byte("not an envelope")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := f.repo.CopyFrom(ctx, "u", remote); !errors.Is(err, ErrUndecodable) {
		t.Fatalf("CopyFrom(garbage) error = %v, want ErrUndecodable", err)
	}
}

func TestNoUser(t *testing.T) {
	f := newFixture(t)
	if _, err := f.repo.Load(context.Background(), "", f.key); !errors.Is(err, ErrNoUser) {
		t.Fatalf("Load() error = %v, want ErrNoUser", err)
	}
}

func TestBlobStores(t *testing.T) {
	dir := t.TempDir()
	fileStore, err := NewFileStore(filepath.Join(dir, "files"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	boltStore, err := OpenBoltStore(filepath.Join(dir, "vault.db"))
	if err != nil {
		t.Fatalf("OpenBoltStore() error = %v", err)
	}
	defer boltStore.Close()

	stores := []struct {
		name  string
		store BlobStore
	}{
		{"memory", NewMemoryStore()},
		{"file", fileStore},
		{"bolt", boltStore},
	}
	for _, tt := range stores {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := tt.store.Get(ctx, "a@b.com"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
			}
			if err := tt.store.Put(ctx, "a@b.com", []byte("blob-1")); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if err := tt.store.Put(ctx, "a@b.com", []byte("blob-2")); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			got, err := tt.store.Get(ctx, "a@b.com")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if string(got) != "blob-2" {
				t.Fatalf("Get() = %q, want blob-2", got)
			}
			if err := tt.store.Delete(ctx, "a@b.com"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if _, err := tt.store.Get(ctx, "a@b.com"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get(deleted) error = %v, want ErrNotFound", err)
			}
			if err := tt.store.Delete(ctx, "a@b.com"); err != nil {
				t.Fatalf("Delete(missing) error = %v", err)
			}
		})
	}
}

func TestRepositoryOverFileStore(t *testing.T) {
	b := testBackend()
	m, err := b.GenerateKeyMaterial()
	if err != nil {
		t.Fatalf("GenerateKeyMaterial() error = %v", err)
	}
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	ctx := context.Background()

	repo := NewRepository(store, envelope.NewCodec(b))
	if _, err := repo.UpsertEntry(ctx, "u", Entry{Name: "Mail", Secret: []byte("x")}, m); err != nil {
		t.Fatalf("UpsertEntry() error = %v", err)
	}

	reopened := NewRepository(store, envelope.NewCodec(b))
	rec, err := reopened.Load(ctx, "u", m)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(rec.Entries) != 1 || rec.Entries[0].Name != "Mail" {
		t.Fatalf("entries = %+v", rec.Entries)
	}
}

func TestMaskID(t *testing.T) {
	tests := map[string]string{
		"":           "(none)",
		"ab":         "***",
		"u@test.com": "u***m",
	}
	for in, want := range tests {
		if got := MaskID(in); got != want {
			t.Errorf("MaskID(%q) = %q, want %q", in, got, want)
		}
	}
}
