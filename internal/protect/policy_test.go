package protect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_BaselineKeys(t *testing.T) {
	p := &Policy{}

	for _, key := range []string{"id", "modelKey", "mac", "type"} {
		assert.True(t, p.IsIgnored(ModelCamera, key), "key %q", key)
	}

	assert.False(t, p.IsIgnored(ModelCamera, "name"))
}

func TestPolicy_StatsKeysRespectToggle(t *testing.T) {
	withStats := &Policy{IgnoreStats: false}
	withoutStats := &Policy{IgnoreStats: true}

	for _, key := range []string{"stats", "systemInfo", "uptime", "lastSeen"} {
		assert.False(t, withStats.IsIgnored(ModelNVR, key), "key %q", key)
		assert.True(t, withoutStats.IsIgnored(ModelNVR, key), "key %q", key)
	}
}

func TestPolicy_ModelSpecificKeys(t *testing.T) {
	p := &Policy{}

	assert.True(t, p.IsIgnored(ModelCamera, "lastMotion"))
	assert.True(t, p.IsIgnored(ModelCamera, "lastRing"))
	assert.True(t, p.IsIgnored(ModelLight, "lastMotion"))
	assert.True(t, p.IsIgnored(ModelChime, "cameraIds"))

	// A key ignored for one model is live for another.
	assert.False(t, p.IsIgnored(ModelSensor, "lastMotion"))
	assert.False(t, p.IsIgnored(ModelCamera, "cameraIds"))
}

func TestPolicy_IsStatsKey(t *testing.T) {
	p := &Policy{}

	assert.True(t, p.IsStatsKey("wifiConnectionState"))
	assert.False(t, p.IsStatsKey("name"))
}

func writeOverrides(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadPolicyOverrides(t *testing.T) {
	p := &Policy{}

	path := writeOverrides(t, `
ignore:
  camera:
    - talkbackSettings
    - osdSettings
  nvr:
    - locationSettings
`)

	require.NoError(t, p.LoadPolicyOverrides(path))

	assert.True(t, p.IsIgnored(ModelCamera, "talkbackSettings"))
	assert.True(t, p.IsIgnored(ModelCamera, "osdSettings"))
	assert.True(t, p.IsIgnored(ModelNVR, "locationSettings"))

	assert.False(t, p.IsIgnored(ModelNVR, "talkbackSettings"))
	assert.False(t, p.IsIgnored(ModelCamera, "locationSettings"))
}

func TestLoadPolicyOverrides_UnknownModelRejected(t *testing.T) {
	p := &Policy{}

	path := writeOverrides(t, `
ignore:
  cammera:
    - talkbackSettings
`)

	err := p.LoadPolicyOverrides(path)
	require.ErrorContains(t, err, `unknown model type "cammera"`)
}

func TestLoadPolicyOverrides_MalformedYAML(t *testing.T) {
	p := &Policy{}

	path := writeOverrides(t, "ignore: [not: a: map")

	require.ErrorContains(t, p.LoadPolicyOverrides(path), "parsing policy overrides")
}

func TestLoadPolicyOverrides_MissingFile(t *testing.T) {
	p := &Policy{}

	require.ErrorContains(t, p.LoadPolicyOverrides(filepath.Join(t.TempDir(), "nope.yaml")),
		"reading policy overrides")
}

func TestLoadPolicyOverrides_ReplacesPreviousExtras(t *testing.T) {
	p := &Policy{}

	first := writeOverrides(t, "ignore:\n  camera: [talkbackSettings]\n")
	require.NoError(t, p.LoadPolicyOverrides(first))
	require.True(t, p.IsIgnored(ModelCamera, "talkbackSettings"))

	second := writeOverrides(t, "ignore:\n  camera: [osdSettings]\n")
	require.NoError(t, p.LoadPolicyOverrides(second))

	assert.False(t, p.IsIgnored(ModelCamera, "talkbackSettings"))
	assert.True(t, p.IsIgnored(ModelCamera, "osdSettings"))
}
