package alias

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(t *testing.T, dir, name string, v interface{}) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func TestOverlayWinsOverOfficial(t *testing.T) {
	dir := t.TempDir()
	official := writeJSON(t, dir, "official.json", map[string]string{
		"pi-01": "garage sensor",
		"pi-02": "bench runner",
	})
	overlay := writeJSON(t, dir, "overlay.json", map[string]string{
		"pi-01": "GARAGE (moved)",
	})

	m := Load(official, overlay)
	assert.Equal(t, "GARAGE (moved)", m.Resolve("pi-01"))
	assert.Equal(t, "bench runner", m.Resolve("pi-02"))
	assert.Equal(t, "", m.Resolve("pi-99"))
}

func TestMissingFilesAreEmpty(t *testing.T) {
	m := Load(filepath.Join(t.TempDir(), "absent.json"), "")
	assert.Equal(t, "", m.Resolve("pi-01"))
}

func TestMalformedFileIsIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	m := Load(path, "")
	assert.Equal(t, "", m.Resolve("pi-01"))
}

func TestSetPersistsOverlay(t *testing.T) {
	dir := t.TempDir()
	overlay := filepath.Join(dir, "overlay.json")

	m := Load("", overlay)
	require.NoError(t, m.Set("pi-07", "window scanner"))
	assert.Equal(t, "window scanner", m.Resolve("pi-07"))

	// A fresh load sees the persisted value.
	m2 := Load("", overlay)
	assert.Equal(t, "window scanner", m2.Resolve("pi-07"))
}

func TestSetEmptyDeletes(t *testing.T) {
	dir := t.TempDir()
	overlay := filepath.Join(dir, "overlay.json")

	m := Load("", overlay)
	require.NoError(t, m.Set("pi-07", "temp name"))
	require.NoError(t, m.Set("pi-07", ""))
	assert.Equal(t, "", m.Resolve("pi-07"))

	m2 := Load("", overlay)
	assert.Equal(t, "", m2.Resolve("pi-07"))
}
