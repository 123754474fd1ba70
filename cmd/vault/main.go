package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/fahmaliyi/keyvault/cli"
	"github.com/fahmaliyi/keyvault/config"
	"github.com/fahmaliyi/keyvault/document"
	"github.com/fahmaliyi/keyvault/envelope"
	"github.com/fahmaliyi/keyvault/keys"
	"github.com/fahmaliyi/keyvault/recovery"
	"github.com/fahmaliyi/keyvault/vault"
)

func main() {
	fs := pflag.NewFlagSet("vault", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to the YAML config file")
	user := fs.String("user", "", "vault owner id, usually an email address")
	useTUI := fs.Bool("tui", false, "start the full-screen interface")
	config.AddClientFlags(fs)
	_ = fs.Parse(os.Args[1:])

	if err := run(*configPath, *user, *useTUI, fs); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(configPath, user string, useTUI bool, fs *pflag.FlagSet) error {
	cfg, err := config.Load(configPath, fs)
	if err != nil {
		return err
	}
	logger := config.NewLogger(cfg, os.Stderr)

	if user == "" {
		user = os.Getenv("USER")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, closeStore, err := openStore(cfg.Vault)
	if err != nil {
		return err
	}
	defer closeStore()

	backend := keys.NewBackend()
	key, created, err := cli.OpenKey(cfg.Vault.KeyPath(), backend, cli.TerminalPassphrase)
	if err != nil {
		return err
	}
	if created {
		fmt.Println("No key file found. Created", cfg.Vault.KeyPath())
	}

	opts := []vault.Option{vault.WithLogger(logger), vault.WithTimeout(cfg.Vault.Timeout)}
	if cfg.Vault.Lenient {
		opts = append(opts, vault.WithLenientLoad())
	}
	s := &cli.Session{
		Repo:      vault.NewRepository(store, envelope.NewCodec(backend), opts...),
		UserID:    user,
		Key:       key,
		Extractor: document.NewExtractor(document.WithLogger(logger)),
		Logger:    logger,
	}
	if cfg.Vault.RecoveryURL != "" {
		s.Recovery = recovery.NewClient(cfg.Vault.RecoveryURL, &http.Client{Timeout: cfg.Vault.Timeout})
	}
	if remote, err := openDrive(ctx, cfg.Vault, logger); err != nil {
		logger.Warn().Err(err).Msg("drive sync disabled")
	} else if remote != nil {
		s.Remote = remote
	}

	if useTUI {
		return cli.RunTUI(s)
	}
	return s.Run(ctx)
}

func openStore(c config.VaultConfig) (vault.BlobStore, func(), error) {
	if c.Backend == "bolt" {
		bs, err := vault.OpenBoltStore(c.BoltFile())
		if err != nil {
			return nil, nil, err
		}
		return bs, func() { bs.Close() }, nil
	}
	fstore, err := vault.NewFileStore(c.Dir)
	if err != nil {
		return nil, nil, err
	}
	return fstore, func() {}, nil
}

func openDrive(ctx context.Context, c config.VaultConfig, logger zerolog.Logger) (vault.BlobStore, error) {
	if c.DriveCredentials == "" || c.DriveToken == "" {
		return nil, nil
	}
	creds, err := os.ReadFile(c.DriveCredentials)
	if err != nil {
		return nil, err
	}
	token, err := vault.LoadToken(c.DriveToken)
	if err != nil {
		return nil, err
	}
	d, err := vault.NewDriveStore(ctx, creds, token)
	if err != nil {
		return nil, err
	}
	logger.Debug().Msg("drive sync enabled")
	return d, nil
}
