package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvHelpers(t *testing.T) {
	t.Setenv("CFG_TEST_STR", "value")
	assert.Equal(t, "value", Env("CFG_TEST_STR", "def"))
	assert.Equal(t, "def", Env("CFG_TEST_ABSENT", "def"))

	t.Setenv("CFG_TEST_INT", "42")
	assert.Equal(t, 42, EnvInt("CFG_TEST_INT", 7))
	t.Setenv("CFG_TEST_INT", "not-a-number")
	assert.Equal(t, 7, EnvInt("CFG_TEST_INT", 7))

	t.Setenv("CFG_TEST_MS", "1500")
	assert.Equal(t, 1500*time.Millisecond, EnvDurationMs("CFG_TEST_MS", 30000))
}

func TestLoadIdentityDefaults(t *testing.T) {
	t.Setenv("NODE_ID", "")
	t.Setenv("DEVICE_ID", "")
	t.Setenv("ROLE", "")

	id := LoadIdentity()
	host, _ := os.Hostname()
	assert.Equal(t, host, id.NodeID)
	assert.Equal(t, id.NodeID, id.DeviceID)
	assert.Equal(t, "runner", id.Role)
}

func TestLoadIdentityExplicit(t *testing.T) {
	t.Setenv("NODE_ID", "pi-07")
	t.Setenv("DEVICE_ID", "dev-07")
	t.Setenv("ROLE", "tier1")

	id := LoadIdentity()
	assert.Equal(t, Identity{NodeID: "pi-07", DeviceID: "dev-07", Role: "tier1"}, id)
}

func TestLoadFileExportsWithoutClobbering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labplane.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
vault_ingest_url: http://vault.lan:8081/v1/ingest
aux_host: bus.lan:8090
paths:
  allowlist: /opt/lab/allowlist.json
limits:
  default_timeout_ms: 12000
`), 0o644))

	t.Setenv("LABPLANE_CONFIG", path)
	t.Setenv("VAULT_INGEST_URL", "")
	t.Setenv("ALLOWLIST_PATH", "")
	t.Setenv("DEFAULT_TIMEOUT_MS", "")
	t.Setenv("AUX_HOST", "preset.lan:9999") // environment wins

	f, err := LoadFile()
	require.NoError(t, err)
	require.NotNil(t, f)

	assert.Equal(t, "http://vault.lan:8081/v1/ingest", VaultIngestURL())
	assert.Equal(t, "preset.lan:9999", AuxHost())
	assert.Equal(t, "/opt/lab/allowlist.json", os.Getenv("ALLOWLIST_PATH"))
	assert.Equal(t, 12*time.Second, EnvDurationMs("DEFAULT_TIMEOUT_MS", DefaultTimeoutMs))
}

func TestLoadFileMissingVarIsNoop(t *testing.T) {
	t.Setenv("LABPLANE_CONFIG", "")
	f, err := LoadFile()
	assert.NoError(t, err)
	assert.Nil(t, f)
}

func TestLoadFileBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\t-not yaml"), 0o644))
	t.Setenv("LABPLANE_CONFIG", path)

	_, err := LoadFile()
	assert.Error(t, err)
}
