package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/rlmd/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, envFile = "", ""
	t.Cleanup(func() { configPath, envFile = "", "" })

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "commit:")
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rlmd.yaml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = execute(t, "config", "init", path)
	assert.ErrorIs(t, err, config.ErrConfigExists)

	_, err = execute(t, "config", "init", "--force", path)
	require.NoError(t, err)

	out, err = execute(t, "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")
}

func TestConfigValidate_RejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen: \":3000\"\n  bogus: 1\n"), 0o600))

	_, err := execute(t, "--config", path, "config", "validate")
	assert.ErrorIs(t, err, config.ErrUnknownConfigField)
}

func TestConfigDump_RedactsKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-secret")

	out, err := execute(t, "config", "dump")
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-secret")
	assert.Contains(t, out, "listen:")

	out, err = execute(t, "config", "dump", "--format", "json")
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-secret")
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "{"))

	_, err = execute(t, "config", "dump", "--format", "toml")
	assert.Error(t, err)
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte("RLMD_MODEL=from-dotenv\nRLMD_DEPTH=3\n"), 0o600))
	t.Setenv("RLMD_MODEL", "from-env")
	t.Setenv("RLMD_DEPTH", "")
	require.NoError(t, os.Unsetenv("RLMD_DEPTH"))

	require.NoError(t, loadDotEnv(env))
	assert.Equal(t, "from-env", os.Getenv("RLMD_MODEL"))
	assert.Equal(t, "3", os.Getenv("RLMD_DEPTH"))

	assert.NoError(t, loadDotEnv(filepath.Join(dir, "missing.env")), "a missing file is not an error")
}

func TestHealthcheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/readyz" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	out, err := execute(t, "healthcheck", "--mode", "live", "--addr", addr)
	require.NoError(t, err)
	assert.Contains(t, out, "successful (live)")

	_, err = execute(t, "healthcheck", "--addr", addr)
	assert.ErrorContains(t, err, "503")
}

func TestProbeURL(t *testing.T) {
	assert.Equal(t, "http://localhost:3000/readyz", probeURL(":3000", "/readyz"))
	assert.Equal(t, "http://localhost:3000/healthz", probeURL("0.0.0.0:3000", "/healthz"))
	assert.Equal(t, "http://127.0.0.1:8080/readyz", probeURL("127.0.0.1:8080", "/readyz"))
}
