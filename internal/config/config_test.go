package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uilibs/uiprotect-go/internal/protect"
)

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"UIPROTECT_HOST",
		"UIPROTECT_USERNAME",
		"UIPROTECT_PASSWORD",
		"UIPROTECT_VERIFY_SSL",
		"UIPROTECT_IGNORE_STATS",
		"UIPROTECT_INCLUDE_UNADOPTED",
		"UIPROTECT_SUBSCRIBE_MODELS",
		"UIPROTECT_POLICY_FILE",
		"UIPROTECT_STATE_PATH",
		"ENVIRONMENT",
		"LOG_LEVEL",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setMinimalEnv sets the required env vars.
func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("UIPROTECT_HOST", "nvr.local")
	t.Setenv("UIPROTECT_USERNAME", "admin")
	t.Setenv("UIPROTECT_PASSWORD", "secret123")
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "nvr.local", cfg.Host)
	assert.Equal(t, "admin", cfg.Username)
	assert.Equal(t, "secret123", cfg.Password)
	assert.False(t, cfg.VerifySSL)
	assert.True(t, cfg.IgnoreStats)
	assert.False(t, cfg.IncludeUnadopted)
	assert.Empty(t, cfg.SubscribeModels)
	assert.Equal(t, "development", cfg.Environment)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_MissingHost(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	os.Unsetenv("UIPROTECT_HOST")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UIPROTECT_HOST")
}

func TestLoad_MissingUsername(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	os.Unsetenv("UIPROTECT_USERNAME")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UIPROTECT_USERNAME")
}

func TestLoad_MissingPassword(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	os.Unsetenv("UIPROTECT_PASSWORD")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UIPROTECT_PASSWORD")
}

func TestLoad_Overrides(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("UIPROTECT_VERIFY_SSL", "true")
	t.Setenv("UIPROTECT_IGNORE_STATS", "false")
	t.Setenv("UIPROTECT_INCLUDE_UNADOPTED", "true")
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.VerifySSL)
	assert.False(t, cfg.IgnoreStats)
	assert.True(t, cfg.IncludeUnadopted)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_PolicyFileResolvedToAbsolute(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("UIPROTECT_POLICY_FILE", "policy.yaml")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.PolicyFile), "got %q", cfg.PolicyFile)
}

func TestModelFilter_Empty(t *testing.T) {
	cfg := &Config{SubscribeModels: ""}

	models, err := cfg.ModelFilter()
	require.NoError(t, err)
	assert.Nil(t, models)
}

func TestModelFilter_ParsesList(t *testing.T) {
	cfg := &Config{SubscribeModels: "camera, light ,EVENT"}

	models, err := cfg.ModelFilter()
	require.NoError(t, err)
	assert.Equal(t, []protect.ModelType{protect.ModelCamera, protect.ModelLight, protect.ModelEvent}, models)
}

func TestModelFilter_UnknownModel(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("UIPROTECT_SUBSCRIBE_MODELS", "camera,toaster")

	// Rejected at load time, not at first use.
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UIPROTECT_SUBSCRIBE_MODELS")
}
