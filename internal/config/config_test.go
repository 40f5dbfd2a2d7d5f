package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inDir runs the test from an empty directory so no stray config file is read.
func inDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestDefaults(t *testing.T) {
	inDir(t)
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 100*time.Millisecond, cfg.GracePeriod)
	assert.Equal(t, Backoff{Floor: 10 * time.Millisecond, Factor: 10, Cap: 10 * time.Second}, cfg.Backoff)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers)
	assert.False(t, cfg.Discovery.Enabled)
}

func TestFileEnvAndFlags(t *testing.T) {
	dir := inDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := "mode: debug\nport: 9000\nbackoff:\n  floor: 20ms\ndiscovery:\n  enabled: true\n  instance: lab\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte(yaml), 0o644))
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("WDI_SECRET", "from-env")

	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.Int("port", 8080, "")
	require.NoError(t, fs.Parse([]string{"--port=9100"}))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "from-env", cfg.Secret)
	assert.Equal(t, 20*time.Millisecond, cfg.Backoff.Floor)
	assert.Equal(t, "lab", cfg.Discovery.Instance)
}

func TestValidationRejectsBadValues(t *testing.T) {
	inDir(t)
	t.Setenv("WDI_MODE", "loud")
	_, err := Load(nil)
	require.Error(t, err)
	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "Mode", verrs[0].Field())
}

func TestValidateBackoff(t *testing.T) {
	cfg := Config{
		Mode: "release", Port: 1, ReadLimit: 1, Secret: "s",
		Backoff: Backoff{Floor: time.Second, Factor: 2, Cap: time.Millisecond},
	}
	assert.Error(t, Validate(&cfg))

	cfg.Backoff.Cap = time.Minute
	assert.NoError(t, Validate(&cfg))
}
