package config

import (
	"github.com/spf13/pflag"
)

// Flag names understood by Load.
const (
	FlagEnv         = "env"
	FlagLogLevel    = "log-level"
	FlagVaultDir    = "vault-dir"
	FlagBackend     = "backend"
	FlagRecoveryURL = "recovery-url"
	FlagAddr        = "addr"
	FlagStore       = "store"
	FlagDeliverer   = "deliverer"
)

// AddClientFlags registers the overrides used by the vault client.
func AddClientFlags(fs *pflag.FlagSet) {
	addCommon(fs)
	fs.String(FlagVaultDir, "", "directory holding the vault and key file")
	fs.String(FlagBackend, "", "vault storage backend: file or bolt")
	fs.String(FlagRecoveryURL, "", "base URL of the recovery server")
}

// AddServerFlags registers the overrides used by the recovery server.
func AddServerFlags(fs *pflag.FlagSet) {
	addCommon(fs)
	fs.String(FlagAddr, "", "listen address")
	fs.String(FlagStore, "", "recovery store: memory, sqlite or mongo")
	fs.String(FlagDeliverer, "", "recovery key deliverer: log or smtp")
}

func addCommon(fs *pflag.FlagSet) {
	fs.String(FlagEnv, "", "environment: development or production")
	fs.String(FlagLogLevel, "", "log level")
}

func (c *Config) applyFlags(fs *pflag.FlagSet) error {
	targets := map[string]*string{
		FlagLogLevel:    &c.LogLevel,
		FlagVaultDir:    &c.Vault.Dir,
		FlagBackend:     &c.Vault.Backend,
		FlagRecoveryURL: &c.Vault.RecoveryURL,
		FlagAddr:        &c.Server.Addr,
		FlagStore:       &c.Recovery.Store,
		FlagDeliverer:   &c.Recovery.Deliverer,
	}
	for name, dst := range targets {
		if fs.Lookup(name) == nil || !fs.Changed(name) {
			continue
		}
		v, err := fs.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	if fs.Lookup(FlagEnv) != nil && fs.Changed(FlagEnv) {
		v, err := fs.GetString(FlagEnv)
		if err != nil {
			return err
		}
		c.Environment = Environment(v)
	}
	return nil
}
