// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// mxengine logs in to a Matrix homeserver and prints the timeline of
// every joined room as JSON lines on stdout.
//
// The binary is a driver for the messaging engine: it owns the socket,
// writes the bytes the engine produces, and feeds back what it reads.
// Everything between those bytes and the room state happens in the
// engine.
//
// Configuration comes from the file named by --config or
// MXENGINE_CONFIG. With store.path set, the session survives restarts:
// the access token and the crypto state are sealed with the age key in
// store.key_file, and the next start resumes syncing where the last one
// stopped instead of logging in again. --generate-store-key writes a
// fresh key file and prints its public key.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/mxengine/lib/config"
	"github.com/bureau-foundation/mxengine/lib/process"
	"github.com/bureau-foundation/mxengine/lib/sealed"
	"github.com/bureau-foundation/mxengine/lib/secret"
	"github.com/bureau-foundation/mxengine/lib/sessionstore"
	"github.com/bureau-foundation/mxengine/lib/version"
	"github.com/bureau-foundation/mxengine/messaging"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		once        bool
		showVersion bool
		generateKey string
	)
	flagSet := pflag.NewFlagSet("mxengine", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "config file (default: $MXENGINE_CONFIG)")
	flagSet.BoolVar(&once, "once", false, "exit after the first successful sync")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.StringVar(&generateKey, "generate-store-key", "", "write a new age key for store.key_file to `path` and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("mxengine")
		return nil
	}
	if generateKey != "" {
		return generateStoreKey(generateKey, os.Stdout)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	return runDriver(ctx, driverConfig{
		config:   cfg,
		store:    store,
		logger:   logger,
		output:   os.Stdout,
		password: func() (*secret.Buffer, error) { return readPassword(cfg.Account.PasswordFile) },
		once:     once,
	})
}

// loadConfig reads the file at path, or the one MXENGINE_CONFIG names
// when path is empty, and validates it.
func loadConfig(path string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	options := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, options)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, options)), nil
	default:
		return nil, fmt.Errorf("log.format: unknown format %q", cfg.Format)
	}
}

// openStore opens the sealed session store, or returns a nil store
// when no path is configured. The returned func closes whatever was
// opened.
func openStore(cfg config.StoreConfig, logger *slog.Logger) (messaging.Store, func(), error) {
	if cfg.Path == "" {
		logger.Info("no store configured, session state is kept in memory")
		return nil, func() {}, nil
	}

	privateKey, err := secret.ReadFromPath(cfg.KeyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("reading store key %s: %w", cfg.KeyFile, err)
	}
	keypair, err := sealed.KeypairFromPrivateKey(privateKey)
	if err != nil {
		privateKey.Close()
		return nil, nil, fmt.Errorf("store key %s: %w", cfg.KeyFile, err)
	}
	store, err := sessionstore.Open(sessionstore.Config{
		Path:    cfg.Path,
		Keypair: keypair,
		Logger:  logger.With("component", "sessionstore"),
	})
	if err != nil {
		keypair.Close()
		return nil, nil, err
	}
	logger.Info("session store opened", "path", cfg.Path, "recipient", keypair.PublicKey)
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing session store", "error", err)
		}
		keypair.Close()
	}, nil
}

// generateStoreKey writes a new age private key to path, refusing to
// replace an existing file, and prints the public key to w.
func generateStoreKey(path string, w io.Writer) error {
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return err
	}
	defer keypair.Close()

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating store key: %w", err)
	}
	_, err = file.Write(keypair.PrivateKey.Bytes())
	if err == nil {
		_, err = file.Write([]byte{'\n'})
	}
	if err != nil {
		file.Close()
		return fmt.Errorf("writing store key %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("writing store key %s: %w", path, err)
	}
	fmt.Fprintln(w, keypair.PublicKey)
	return nil
}

// readPassword reads the account password from path ("-" for stdin),
// or prompts on the terminal when path is empty.
func readPassword(path string) (*secret.Buffer, error) {
	if path != "" {
		password, err := secret.ReadFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		return password, nil
	}

	descriptor := int(os.Stdin.Fd())
	if !term.IsTerminal(descriptor) {
		return nil, fmt.Errorf("account.password_file is not set and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	raw, err := term.ReadPassword(descriptor)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("password is empty")
	}
	// NewFromBytes zeroes raw.
	return secret.NewFromBytes(raw)
}
