package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, storePath string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.toml")
	content := `
[store]
backend = "sqlite"
path = "` + storePath + `"

[crypto]
argon2_memory_kib = 32768
argon2_iterations = 1
argon2_parallelism = 1
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))
	return configPath
}

func runCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand(&out, BuildInfo{Version: "test", Commit: "abc", BuildTime: "now"})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "", "version")
	require.NoError(t, err)
	require.Contains(t, out, "version=test")

	out, err = runCommand(t, "", "version", "--json")
	require.NoError(t, err)
	var build BuildInfo
	require.NoError(t, json.Unmarshal([]byte(out), &build))
	require.Equal(t, "test", build.Version)
}

func TestInitThenStatus(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "store.db")
	configPath := writeTestConfig(t, storePath)

	out, err := runCommand(t, "correct horse\n", "init", "--config", configPath, "--passphrase-stdin")
	require.NoError(t, err)
	require.Contains(t, out, "store initialized")
	require.Contains(t, out, "schema_version=2")

	// Salt file sits next to the database.
	_, err = os.Stat(storePath + ".salt")
	require.NoError(t, err)

	out, err = runCommand(t, "correct horse\n", "status", "--config", configPath, "--passphrase-stdin", "--json")
	require.NoError(t, err)

	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, "sqlite", report.Backend)
	require.Equal(t, 2, report.SchemaVersion)
}

func TestStatusWithWrongPassphraseFails(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "store.db")
	configPath := writeTestConfig(t, storePath)

	_, err := runCommand(t, "right one\n", "init", "--config", configPath, "--passphrase-stdin")
	require.NoError(t, err)

	_, err = runCommand(t, "wrong one\n", "status", "--config", configPath, "--passphrase-stdin")
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, ExitCodeAuthFailed, exitErr.ExitCode())
}

func TestInitRequiresPassphrase(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "store.db")
	configPath := writeTestConfig(t, storePath)
	t.Setenv("MLSVAULT_PASSPHRASE", "")

	_, err := runCommand(t, "", "init", "--config", configPath)
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, ExitCodeUsage, exitErr.ExitCode())
}

func TestStatusWithoutStoreFails(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "absent.db")
	configPath := writeTestConfig(t, storePath)

	_, err := runCommand(t, "pass\n", "status", "--config", configPath, "--passphrase-stdin")
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	require.Equal(t, ExitCodeIO, exitErr.ExitCode())
}

func TestInitObjstoreBackendFlag(t *testing.T) {
	storeDir := filepath.Join(t.TempDir(), "store")
	configPath := writeTestConfig(t, storeDir)

	out, err := runCommand(t, "pw\n", "init", "--config", configPath, "--backend", "objstore", "--passphrase-stdin")
	require.NoError(t, err)
	require.Contains(t, out, "backend=objstore")

	_, err = os.Stat(filepath.Join(storeDir, "store.salt"))
	require.NoError(t, err)
}
