package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/term"

	"github.com/fahmaliyi/keyvault/keys"
)

func ReadPassword(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	return pw, err
}

func ReadPasswordMasked(prompt string) []byte {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	state, err := term.MakeRaw(fd)
	if err == nil {
		defer term.Restore(fd, state)
	}

	var input []rune
	for {
		var buf [1]byte
		if n, err := os.Stdin.Read(buf[:]); n == 0 || err != nil {
			fmt.Println()
			return []byte(string(input))
		}
		c := buf[0]

		switch c {
		case 13, 10: // Enter
			fmt.Print("\r\n")
			return []byte(string(input))
		case 127, 8: // Backspace
			if len(input) > 0 {
				input = input[:len(input)-1]
				fmt.Print("\b \b")
			}
		default:
			r, _ := utf8.DecodeRune(buf[:])
			input = append(input, r)
			fmt.Print("*")
		}
	}
}

// PassphraseFunc supplies the key file passphrase. confirm is true when a
// new key file is being created.
type PassphraseFunc func(confirm bool) (string, error)

// TerminalPassphrase prompts on the terminal, twice for a new key file.
func TerminalPassphrase(confirm bool) (string, error) {
	first, err := ReadPassword("Key file passphrase: ")
	if err != nil {
		return "", err
	}
	if !confirm {
		return string(first), nil
	}
	second, err := ReadPassword("Repeat passphrase: ")
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", errors.New("passphrases do not match")
	}
	return string(first), nil
}

// OpenKey loads the age-protected key material at path. When no file
// exists it generates fresh material and writes it there; created reports
// which happened.
func OpenKey(path string, backend *keys.Backend, passphrase PassphraseFunc, opts ...keys.ExportOption) (m keys.Material, created bool, err error) {
	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		pass, err := passphrase(false)
		if err != nil {
			return keys.Material{}, false, err
		}
		m, err = keys.ImportMaterial(f, pass)
		if err != nil {
			return keys.Material{}, false, pkgerrors.Wrap(err, "cli: opening key file")
		}
		return m, false, nil
	}
	if !os.IsNotExist(err) {
		return keys.Material{}, false, pkgerrors.Wrap(err, "cli: opening key file")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return keys.Material{}, false, err
	}
	pass, err := passphrase(true)
	if err != nil {
		return keys.Material{}, false, err
	}
	m, err = backend.GenerateKeyMaterial()
	if err != nil {
		return keys.Material{}, false, err
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return keys.Material{}, false, pkgerrors.Wrap(err, "cli: creating key file")
	}
	if err := m.Export(out, pass, opts...); err != nil {
		out.Close()
		os.Remove(path)
		return keys.Material{}, false, err
	}
	if err := out.Close(); err != nil {
		return keys.Material{}, false, err
	}
	return m, true, nil
}
