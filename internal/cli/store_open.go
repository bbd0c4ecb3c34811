package cli

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"mlsvault/internal/config"
	"mlsvault/internal/crypto"
	"mlsvault/store"
)

const passphraseEnv = "MLSVAULT_PASSPHRASE"

// saltPath is where the passphrase salt lives: next to the database file
// for sqlite, inside the store directory for objstore.
func saltPath(backendKind, storePath string) string {
	if backendKind == "objstore" {
		return filepath.Join(storePath, "store.salt")
	}
	return storePath + ".salt"
}

func loadSalt(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read salt file %q: %w", path, err)
	}
	salt, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode salt file %q: %w", path, err)
	}
	return salt, nil
}

func createSalt(path string) ([]byte, error) {
	salt, err := crypto.GenerateSalt(crypto.DefaultArgon2SaltLen)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create salt directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(salt)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write salt file %q: %w", path, err)
	}
	return salt, nil
}

func argonParams(cfg config.CryptoConfig) crypto.Argon2Params {
	params := crypto.DefaultArgon2Params()
	params.Memory = cfg.Argon2MemoryKiB
	params.Iterations = cfg.Argon2Iterations
	params.Parallelism = cfg.Argon2Parallelism
	return params
}

// readPassphrase takes the passphrase from stdin (with --passphrase-stdin)
// or from MLSVAULT_PASSPHRASE.
func readPassphrase(in io.Reader, fromStdin bool) ([]byte, error) {
	if fromStdin {
		reader := bufio.NewReader(in)
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, mapCommandError(fmt.Errorf("read passphrase from stdin: %w", err))
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return nil, usageErrorf("--passphrase-stdin requires a non-empty value on stdin")
		}
		return []byte(line), nil
	}

	if value := os.Getenv(passphraseEnv); value != "" {
		return []byte(value), nil
	}
	return nil, usageErrorf("no passphrase: pass --passphrase-stdin or set %s", passphraseEnv)
}

// openStore derives the store key from the passphrase and opens the
// configured store. The passphrase and derived key are wiped before
// return.
func openStore(cfg config.Config, logger *slog.Logger, passphrase []byte, createIfMissing bool) (*store.Store, error) {
	defer crypto.Wipe(passphrase)

	if cfg.Store.Path == "" {
		return nil, usageErrorf("no store path: set store.path in config or MLSVAULT_STORE_PATH")
	}

	sp := saltPath(cfg.Store.Backend, cfg.Store.Path)
	salt, err := loadSalt(sp)
	if err != nil {
		if !createIfMissing || !errors.Is(err, os.ErrNotExist) {
			return nil, mapCommandError(err)
		}
		salt, err = createSalt(sp)
		if err != nil {
			return nil, mapCommandError(err)
		}
	}

	key, err := crypto.DeriveStoreKey(passphrase, salt, argonParams(cfg.Crypto))
	if err != nil {
		return nil, mapCommandError(err)
	}

	s, err := store.Open(store.Options{
		Backend: store.BackendKind(cfg.Store.Backend),
		Path:    cfg.Store.Path,
		Key:     key,
		Workers: cfg.Store.Workers,
		Logger:  logger,
	})
	if err != nil {
		return nil, mapCommandError(err)
	}
	return s, nil
}
