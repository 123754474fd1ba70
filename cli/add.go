package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fahmaliyi/keyvault/keys"
	"github.com/fahmaliyi/keyvault/vault"
)

func (s *Session) handleAdd(ctx context.Context, reader *bufio.Reader) {
	fmt.Fprint(s.Out, "\n--- Add New Entry ---\n")

	e := vault.Entry{}
	e.Name = s.prompt(reader, "Name: ")
	e.Login = s.prompt(reader, "Login: ")

	secret, err := s.ReadSecret("Secret: ")
	if err != nil {
		fmt.Fprintln(s.Out, "Error reading secret:", err)
		return
	}
	e.Secret = []byte(strings.TrimSpace(string(secret)))
	keys.Zero(secret)

	e.URL = s.prompt(reader, "URL (optional): ")
	e.Category = s.prompt(reader, "Category (optional): ")
	e.Notes = s.prompt(reader, "Notes (optional): ")

	var inErr *vault.InputValidationError
	stored, err := s.Repo.UpsertEntry(ctx, s.UserID, e, s.Key)
	switch {
	case err == nil:
		fmt.Fprintf(s.Out, "Entry added! (%s)\n", stored.ID)
	case errors.As(err, &inErr):
		fmt.Fprintf(s.Out, "Entry not saved: %s is %s\n", inErr.Field, inErr.Reason)
	default:
		s.reportVaultError(err)
	}
}

func (s *Session) prompt(reader *bufio.Reader, label string) string {
	fmt.Fprint(s.Out, label)
	v, _ := reader.ReadString('\n')
	return strings.TrimSpace(v)
}
