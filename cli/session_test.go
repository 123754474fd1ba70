package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fahmaliyi/keyvault/document"
	"github.com/fahmaliyi/keyvault/envelope"
	"github.com/fahmaliyi/keyvault/keys"
	"github.com/fahmaliyi/keyvault/recovery"
	"github.com/fahmaliyi/keyvault/vault"
)

func testBackend() *keys.Backend {
	return keys.NewBackend(
		keys.WithKDF(keys.VersionLegacy, keys.KDFParams{Algorithm: keys.PBKDF2SHA256, Iterations: 1000, KeyLen: keys.KeyLen}),
		keys.WithKDF(keys.VersionArgon, keys.KDFParams{Algorithm: keys.Argon2id, Iterations: 1, Memory: 1024, Threads: 1, KeyLen: keys.KeyLen}),
	)
}

type fakeClipboard struct {
	mu     sync.Mutex
	writes []string
}

func (c *fakeClipboard) WriteAll(s string) error {
	c.mu.Lock()
	c.writes = append(c.writes, s)
	c.mu.Unlock()
	return nil
}

func (c *fakeClipboard) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return ""
	}
	return c.writes[len(c.writes)-1]
}

type fakeRecovery struct {
	registered []byte
	verifyErr  error
	attrs      document.Attributes
}

func (f *fakeRecovery) Register(_ context.Context, _ string, attrs document.Attributes, key []byte) error {
	f.attrs = attrs
	f.registered = key
	return nil
}

func (f *fakeRecovery) Verify(_ context.Context, _ string, attrs document.Attributes) error {
	f.attrs = attrs
	return f.verifyErr
}

type onePage string

func (p onePage) NumPage() int                  { return 1 }
func (p onePage) PageText(int) (string, error) { return string(p), nil }

const idCard = "Government of India\nRavi Kumar Sharma\nDOB: 14/03/1988\nMale\n2345 6789 0123\nAadhaar - Aam Aadmi ka Adhikar"

// statAs stats a real file of size bytes, whatever path is asked for.
func statAs(t *testing.T, size int) func(string) (os.FileInfo, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.pdf")
	if err := os.WriteFile(path, make([]byte, size), 0o600); err != nil {
		t.Fatal(err)
	}
	return func(string) (os.FileInfo, error) { return os.Stat(path) }
}

func newSession(t *testing.T, input string) (*Session, *bytes.Buffer) {
	t.Helper()
	b := testBackend()
	m, err := b.GenerateKeyMaterial()
	if err != nil {
		t.Fatalf("GenerateKeyMaterial() error = %v", err)
	}
	out := &bytes.Buffer{}
	s := &Session{
		Repo:       vault.NewRepository(vault.NewMemoryStore(), envelope.NewCodec(b)),
		UserID:     "u@test",
		Key:        m,
		Clipboard:  &fakeClipboard{},
		ClearAfter: time.Hour,
		ReadSecret: func(string) ([]byte, error) { return []byte("x"), nil },
		ReadFile:   func(string) ([]byte, error) { return []byte("%PDF-1.4 card"), nil },
		Stat:       statAs(t, 13),
		Extractor: document.NewExtractor(document.WithOpener(func([]byte) (document.PageSource, error) {
			return onePage(idCard), nil
		})),
		In:  strings.NewReader(input),
		Out: out,
	}
	return s, out
}

func TestSessionAddListShowCopyDelete(t *testing.T) {
	input := strings.Join([]string{
		"a", "Mail", "a@b.com", "https://mail.example", "personal", "",
		"l",
		"s 1",
		"c 1",
		"d 1",
		"l",
		"q",
	}, "\n") + "\n"
	s, out := newSession(t, input)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"Entry added!",
		"1) Name: Mail | Login: a@b.com",
		"Secret: x",
		"URL: https://mail.example",
		"Secret copied to clipboard",
		"Entry deleted!",
		"Exiting.",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if s.Clipboard.(*fakeClipboard).last() != "x" {
		t.Fatalf("clipboard = %q, want the secret", s.Clipboard.(*fakeClipboard).last())
	}

	rec, err := s.Repo.Load(context.Background(), s.UserID, s.Key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(rec.Entries) != 0 {
		t.Fatalf("entries after delete = %d", len(rec.Entries))
	}
}

func TestSessionRequiresListBeforeIndex(t *testing.T) {
	s, out := newSession(t, "s 1\ns\nzz\n")
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := out.String()
	for _, want := range []string{"Invalid item number", "Specify item number", "Unknown command"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestSessionRejectsEmptyName(t *testing.T) {
	s, out := newSession(t, "a\n\nlogin\n\n\n\nq\n")
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), "Entry not saved: name is required") {
		t.Fatalf("output = %s", out.String())
	}
}

func TestSessionExportAndRemote(t *testing.T) {
	s, out := newSession(t, "e\np\na\nMail\nm\n\n\n\ne\np\ng\nq\n")
	remote := vault.NewMemoryStore()
	s.Remote = remote

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "Nothing to export yet.") {
		t.Errorf("output missing empty export notice")
	}
	if !strings.Contains(got, `"checksum"`) || strings.Contains(got, "Secret: ") {
		t.Errorf("export output unexpected: %s", got)
	}
	if !strings.Contains(got, "Vault pushed.") || !strings.Contains(got, "Vault pulled.") {
		t.Errorf("push/pull output missing: %s", got)
	}
	if _, err := remote.Get(context.Background(), s.UserID); err != nil {
		t.Fatalf("remote Get() error = %v", err)
	}
}

func TestSessionRecovery(t *testing.T) {
	s, out := newSession(t, "r card.pdf\nv card.pdf\nq\n")
	rc := &fakeRecovery{}
	s.Recovery = rc

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "Recovery registered.") || !strings.Contains(got, "Verified.") {
		t.Fatalf("output = %s", got)
	}
	if rc.attrs.DocumentNumber != "234567890123" {
		t.Fatalf("attrs = %+v", rc.attrs)
	}
	m, err := keys.ParseRecoveryText(string(rc.registered))
	if err != nil || !m.Equal(s.Key) {
		t.Fatalf("registered key does not decode to the session key: %v", err)
	}
	rec, err := s.Repo.Load(context.Background(), s.UserID, s.Key)
	if err != nil || rec.RecoveryRef != s.UserID {
		t.Fatalf("RecoveryRef = %q, %v", rec.RecoveryRef, err)
	}
}

func TestSessionVerifyOutcomes(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&recovery.VerificationFailedError{Remaining: 3}, "3 attempts remaining"},
		{&recovery.RateLimitedError{}, "Too many attempts"},
		{errors.New("connection refused"), "Verification error"},
	}
	for _, tt := range tests {
		s, out := newSession(t, "v card.pdf\nq\n")
		s.Recovery = &fakeRecovery{verifyErr: tt.err}
		if err := s.Run(context.Background()); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if !strings.Contains(out.String(), tt.want) {
			t.Errorf("output for %v missing %q", tt.err, tt.want)
		}
	}
}

func TestSessionReportsExtractionFailure(t *testing.T) {
	s, out := newSession(t, "r card.pdf\nq\n")
	s.Recovery = &fakeRecovery{}
	s.Extractor = document.NewExtractor(document.WithOpener(func([]byte) (document.PageSource, error) {
		return onePage("Government of India\nRavi Kumar Sharma\n"), nil
	}))
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), "Could not find the documentNumber") {
		t.Fatalf("output = %s", out.String())
	}
}

func TestSessionRejectsOversizedDocumentBeforeReading(t *testing.T) {
	s, out := newSession(t, "r card.pdf\nq\n")
	s.Recovery = &fakeRecovery{}
	limits := document.DefaultLimits()
	limits.MaxBytes = 1024
	s.Extractor = document.NewExtractor(document.WithLimits(limits))
	s.Stat = statAs(t, 2048)
	s.ReadFile = func(string) ([]byte, error) {
		t.Error("document read despite exceeding the size limit")
		return nil, errors.New("unexpected read")
	}

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), "Document rejected: document exceeds 1024 bytes") {
		t.Fatalf("output = %s", out.String())
	}
}

func TestSessionWrongKey(t *testing.T) {
	s, out := newSession(t, "a\nMail\nm\n\n\n\nq\n")
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	other, err := testBackend().GenerateKeyMaterial()
	if err != nil {
		t.Fatal(err)
	}
	s.Key = other
	s.In = strings.NewReader("l\nq\n")
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), "cannot be opened with this key") {
		t.Fatalf("output = %s", out.String())
	}
	_, err = s.Repo.Load(context.Background(), s.UserID, s.Key)
	if !errors.Is(err, vault.ErrUndecodable) {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestOpenKeyCreatesThenOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "key.age")
	pass := func(bool) (string, error) { return "correct horse", nil }

	m, created, err := OpenKey(path, testBackend(), pass, keys.WithWorkFactor(10))
	if err != nil || !created {
		t.Fatalf("OpenKey() = %v, %v; want created", created, err)
	}
	again, created, err := OpenKey(path, testBackend(), pass)
	if err != nil || created {
		t.Fatalf("OpenKey() second call = %v, %v", created, err)
	}
	if !again.Equal(m) {
		t.Fatal("reopened key differs")
	}
	wrong := func(bool) (string, error) { return "wrong", nil }
	if _, _, err := OpenKey(path, testBackend(), wrong); err == nil {
		t.Fatal("OpenKey() with wrong passphrase succeeded")
	}
}

func TestTUIAddAndDelete(t *testing.T) {
	s, _ := newSession(t, "")
	s.defaults()
	m := newModel(s)

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("a")})
	m = next.(model)
	if m.state != stateAddEntry {
		t.Fatalf("state = %v, want add form", m.state)
	}
	m.textInputs[0].SetValue("Mail")
	m.textInputs[1].SetValue("a@b.com")
	m.textInputs[2].SetValue("x")
	m = saveAddEntry(m)
	if m.state != stateTable || len(m.entries) != 1 || m.entries[0].Name != "Mail" {
		t.Fatalf("after save: state %v entries %+v msg %q", m.state, m.entries, m.msg)
	}

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(model)
	if m.state != stateShowEntry || strings.Contains(m.View(), "Secret: x") {
		t.Fatalf("show view leaks secret or wrong state: %v", m.state)
	}
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("v")})
	m = next.(model)
	if !strings.Contains(m.View(), "Secret: x") {
		t.Fatal("secret not revealed")
	}
	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = next.(model)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	m = next.(model)
	if len(m.entries) != 0 {
		t.Fatalf("entries after delete = %d", len(m.entries))
	}
}
