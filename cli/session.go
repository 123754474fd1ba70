package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/rs/zerolog"

	"github.com/fahmaliyi/keyvault/document"
	"github.com/fahmaliyi/keyvault/keys"
	"github.com/fahmaliyi/keyvault/recovery"
	"github.com/fahmaliyi/keyvault/vault"
)

const DefaultClearAfter = 30 * time.Second

// RecoveryClient is the recovery API as seen from the client.
type RecoveryClient interface {
	Register(ctx context.Context, subjectID string, attrs document.Attributes, recoveryKey []byte) error
	Verify(ctx context.Context, subjectID string, attrs document.Attributes) error
}

type Clipboard interface {
	WriteAll(text string) error
}

type systemClipboard struct{}

func (systemClipboard) WriteAll(text string) error { return clipboard.WriteAll(text) }

// Session is one unlocked vault and the collaborators the commands use.
// Recovery and Remote are optional; their commands report when unset.
type Session struct {
	Repo      *vault.Repository
	UserID    string
	Key       keys.Material
	Extractor *document.Extractor
	Recovery  RecoveryClient
	Remote    vault.BlobStore

	Clipboard  Clipboard
	ClearAfter time.Duration
	ReadSecret func(prompt string) ([]byte, error)
	ReadFile   func(path string) ([]byte, error)
	Stat       func(path string) (os.FileInfo, error)
	In         io.Reader
	Out        io.Writer
	Logger     zerolog.Logger

	idMap map[int]string
}

func (s *Session) defaults() {
	if s.Clipboard == nil {
		s.Clipboard = systemClipboard{}
	}
	if s.ClearAfter <= 0 {
		s.ClearAfter = DefaultClearAfter
	}
	if s.ReadSecret == nil {
		s.ReadSecret = func(prompt string) ([]byte, error) { return ReadPasswordMasked(prompt), nil }
	}
	if s.ReadFile == nil {
		s.ReadFile = os.ReadFile
	}
	if s.Stat == nil {
		s.Stat = os.Stat
	}
	if s.In == nil {
		s.In = os.Stdin
	}
	if s.Out == nil {
		s.Out = os.Stdout
	}
	if s.Extractor == nil {
		s.Extractor = document.NewExtractor(document.WithLogger(s.Logger))
	}
}

const help = "Commands: a=add, l=list, s N=show, c N=copy, d N=delete, e=export, " +
	"r FILE=register recovery, v FILE=verify recovery, p=push, g=pull, q=quit"

// Run reads commands until q or end of input.
func (s *Session) Run(ctx context.Context) error {
	s.defaults()
	reader := bufio.NewReader(s.In)

	for {
		fmt.Fprintln(s.Out, "\n"+help)
		fmt.Fprint(s.Out, "> ")

		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd, arg := parts[0], ""
		if len(parts) > 1 {
			arg = strings.Join(parts[1:], " ")
		}

		switch cmd {
		case "a":
			s.handleAdd(ctx, reader)
			s.idMap = nil
		case "l":
			s.handleList(ctx)
		case "s", "c", "d":
			id, ok := s.lookup(arg)
			if !ok {
				continue
			}
			switch cmd {
			case "s":
				s.handleShow(ctx, id)
			case "c":
				s.handleCopy(ctx, id)
			case "d":
				s.handleDelete(ctx, id)
				s.idMap = nil
			}
		case "e":
			s.handleExport(ctx)
		case "r":
			s.handleRegister(ctx, arg)
		case "v":
			s.handleVerify(ctx, arg)
		case "p":
			s.handlePush(ctx)
		case "g":
			s.handlePull(ctx)
			s.idMap = nil
		case "q":
			fmt.Fprintln(s.Out, "Exiting.")
			return nil
		default:
			fmt.Fprintln(s.Out, "Unknown command")
		}
	}
}

func (s *Session) lookup(arg string) (string, bool) {
	if arg == "" {
		fmt.Fprintln(s.Out, "Specify item number")
		return "", false
	}
	num, err := strconv.Atoi(arg)
	id, ok := s.idMap[num]
	if err != nil || !ok {
		fmt.Fprintln(s.Out, "Invalid item number, run l first")
		return "", false
	}
	return id, true
}

func (s *Session) load(ctx context.Context) (vault.Record, bool) {
	rec, err := s.Repo.Load(ctx, s.UserID, s.Key)
	if err != nil {
		s.reportVaultError(err)
		return vault.Record{}, false
	}
	return rec, true
}

func (s *Session) reportVaultError(err error) {
	var decErr *vault.UndecodableError
	switch {
	case errors.As(err, &decErr):
		fmt.Fprintln(s.Out, "The stored vault cannot be opened with this key:", decErr.Err)
	case errors.Is(err, vault.ErrStaleRevision):
		fmt.Fprintln(s.Out, "The vault changed underneath this session; list again and retry.")
	default:
		fmt.Fprintln(s.Out, "Error:", err)
	}
}

func (s *Session) handleList(ctx context.Context) {
	rec, ok := s.load(ctx)
	if !ok {
		return
	}
	fmt.Fprintln(s.Out, "Vault entries:")
	s.idMap = make(map[int]string, len(rec.Entries))
	for i, e := range rec.Entries {
		num := i + 1
		s.idMap[num] = e.ID
		fmt.Fprintf(s.Out, "%d) Name: %s | Login: %s\n", num, e.Name, e.Login)
	}
}

func (s *Session) handleShow(ctx context.Context, id string) {
	rec, ok := s.load(ctx)
	if !ok {
		return
	}
	e, found := rec.Find(id)
	if !found {
		fmt.Fprintln(s.Out, "Entry not found")
		return
	}
	fmt.Fprintf(s.Out, "Name: %s\nLogin: %s\nSecret: %s\nURL: %s\nCategory: %s\nNotes: %s\nUpdated: %s\n",
		e.Name, e.Login, string(e.Secret), e.URL, e.Category, e.Notes, e.UpdatedAt.Format(time.RFC3339))
}

func (s *Session) handleCopy(ctx context.Context, id string) {
	rec, ok := s.load(ctx)
	if !ok {
		return
	}
	e, found := rec.Find(id)
	if !found {
		fmt.Fprintln(s.Out, "Entry not found")
		return
	}
	if err := s.Clipboard.WriteAll(string(e.Secret)); err != nil {
		fmt.Fprintln(s.Out, "Clipboard unavailable:", err)
		return
	}
	fmt.Fprintf(s.Out, "Secret copied to clipboard. Clearing in %s...\n", s.ClearAfter)
	cb := s.Clipboard
	time.AfterFunc(s.ClearAfter, func() {
		_ = cb.WriteAll("")
	})
}

func (s *Session) handleDelete(ctx context.Context, id string) {
	if err := s.Repo.RemoveEntry(ctx, s.UserID, id, s.Key); err != nil {
		s.reportVaultError(err)
		return
	}
	fmt.Fprintln(s.Out, "Entry deleted!")
}

func (s *Session) handleExport(ctx context.Context) {
	snap, err := s.Repo.ExportSnapshot(ctx, s.UserID)
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			fmt.Fprintln(s.Out, "Nothing to export yet.")
			return
		}
		s.reportVaultError(err)
		return
	}
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		fmt.Fprintln(s.Out, "Error:", err)
		return
	}
	fmt.Fprintln(s.Out, string(out))
}

func (s *Session) handlePush(ctx context.Context) {
	if s.Remote == nil {
		fmt.Fprintln(s.Out, "No remote store configured.")
		return
	}
	if err := s.Repo.CopyTo(ctx, s.UserID, s.Remote); err != nil {
		s.reportVaultError(err)
		return
	}
	fmt.Fprintln(s.Out, "Vault pushed.")
}

func (s *Session) handlePull(ctx context.Context) {
	if s.Remote == nil {
		fmt.Fprintln(s.Out, "No remote store configured.")
		return
	}
	if err := s.Repo.CopyFrom(ctx, s.UserID, s.Remote); err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			fmt.Fprintln(s.Out, "No remote copy found.")
			return
		}
		s.reportVaultError(err)
		return
	}
	fmt.Fprintln(s.Out, "Vault pulled.")
}

func (s *Session) handleRegister(ctx context.Context, path string) {
	if s.Recovery == nil {
		fmt.Fprintln(s.Out, "No recovery server configured.")
		return
	}
	attrs, ok := s.extract(ctx, path)
	if !ok {
		return
	}
	text, err := s.Key.RecoveryText()
	if err != nil {
		fmt.Fprintln(s.Out, "Error:", err)
		return
	}
	if err := s.Recovery.Register(ctx, s.UserID, attrs, []byte(text)); err != nil {
		fmt.Fprintln(s.Out, "Recovery registration failed:", err)
		return
	}
	if err := s.Repo.SetRecoveryRef(ctx, s.UserID, s.UserID, s.Key); err != nil {
		s.reportVaultError(err)
		return
	}
	fmt.Fprintln(s.Out, "Recovery registered.")
}

func (s *Session) handleVerify(ctx context.Context, path string) {
	if s.Recovery == nil {
		fmt.Fprintln(s.Out, "No recovery server configured.")
		return
	}
	attrs, ok := s.extract(ctx, path)
	if !ok {
		return
	}
	err := s.Recovery.Verify(ctx, s.UserID, attrs)
	var (
		rl *recovery.RateLimitedError
		vf *recovery.VerificationFailedError
	)
	switch {
	case err == nil:
		fmt.Fprintln(s.Out, "Verified. Your recovery key has been sent to you.")
	case errors.As(err, &rl):
		fmt.Fprintln(s.Out, "Too many attempts. Try again later.")
	case errors.As(err, &vf):
		fmt.Fprintf(s.Out, "Verification failed. %d attempts remaining.\n", vf.Remaining)
	default:
		fmt.Fprintln(s.Out, "Verification error:", err)
	}
}

func (s *Session) extract(ctx context.Context, path string) (document.Attributes, bool) {
	if path == "" {
		fmt.Fprintln(s.Out, "Specify a document file")
		return document.Attributes{}, false
	}
	var (
		inErr *document.InputValidationError
		exErr *document.ExtractionError
	)
	info, err := s.Stat(path)
	if err != nil {
		fmt.Fprintln(s.Out, "Cannot read document:", err)
		return document.Attributes{}, false
	}
	if err := s.Extractor.CheckSize(info.Size()); errors.As(err, &inErr) {
		fmt.Fprintln(s.Out, "Document rejected:", inErr.Reason)
		return document.Attributes{}, false
	}
	data, err := s.ReadFile(path)
	if err != nil {
		fmt.Fprintln(s.Out, "Cannot read document:", err)
		return document.Attributes{}, false
	}
	attrs, err := s.Extractor.Extract(ctx, data)
	switch {
	case err == nil:
		return attrs, true
	case errors.As(err, &inErr):
		fmt.Fprintln(s.Out, "Document rejected:", inErr.Reason)
	case errors.As(err, &exErr):
		fmt.Fprintf(s.Out, "Could not find the %s in the document.\n", exErr.Field)
	case errors.Is(err, document.ErrTimeout):
		fmt.Fprintln(s.Out, "Reading the document took too long.")
	default:
		fmt.Fprintln(s.Out, "Document error:", err)
	}
	return document.Attributes{}, false
}
