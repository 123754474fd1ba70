package keys

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"

	"filippo.io/age"
	"github.com/pkg/errors"
)

// DefaultExportWorkFactor is the scrypt log2(N) used for export
// artifacts; it matches age's own default.
const DefaultExportWorkFactor = 18

type exportConfig struct {
	workFactor int
}

type ExportOption func(*exportConfig)

func WithWorkFactor(logN int) ExportOption {
	return func(c *exportConfig) { c.workFactor = logN }
}

// Export writes m as an age-encrypted JSON artifact protected by
// passphrase. This file is what the user keeps out-of-band.
func (m Material) Export(w io.Writer, passphrase string, opts ...ExportOption) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if passphrase == "" {
		return errors.New("keys: export passphrase required")
	}
	cfg := exportConfig{workFactor: DefaultExportWorkFactor}
	for _, opt := range opts {
		opt(&cfg)
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return errors.Wrap(err, "keys: creating scrypt recipient")
	}
	recipient.SetWorkFactor(cfg.workFactor)

	aw, err := age.Encrypt(w, recipient)
	if err != nil {
		return errors.Wrap(err, "keys: creating age encryptor")
	}
	if err := json.NewEncoder(aw).Encode(m); err != nil {
		aw.Close()
		return errors.Wrap(err, "keys: encoding material")
	}
	if err := aw.Close(); err != nil {
		return errors.Wrap(err, "keys: finalizing export")
	}
	return nil
}

// ImportMaterial reads an artifact produced by Export.
func ImportMaterial(r io.Reader, passphrase string) (Material, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return Material{}, errors.Wrap(err, "keys: creating scrypt identity")
	}
	ar, err := age.Decrypt(r, identity)
	if err != nil {
		return Material{}, errors.Wrap(err, "keys: decrypting export")
	}
	var m Material
	if err := json.NewDecoder(ar).Decode(&m); err != nil {
		return Material{}, errors.Wrap(err, "keys: decoding material")
	}
	if err := m.Validate(); err != nil {
		return Material{}, err
	}
	return m, nil
}

// RecoveryText encodes m as a single line of text, the form escrowed with
// the recovery service and mailed back on a successful verification.
func (m Material) RecoveryText() (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "keys: encoding material")
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// ParseRecoveryText reverses RecoveryText.
func ParseRecoveryText(s string) (Material, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return Material{}, errors.Wrap(err, "keys: decoding recovery text")
	}
	var m Material
	if err := json.Unmarshal(raw, &m); err != nil {
		return Material{}, errors.Wrap(err, "keys: decoding material")
	}
	if err := m.Validate(); err != nil {
		return Material{}, err
	}
	return m, nil
}
