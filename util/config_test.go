package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test in an empty working directory with its own home, so
// ReadConf neither sees nor writes a real user config.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv(HomeEnv, "")
	return dir
}

func TestConfigConstants(t *testing.T) {
	assert.Equal(t, "stegofed", Name)
	assert.Equal(t, "config.yaml", ConfigFileName)
}

func TestReadConfWithYaml(t *testing.T) {
	isolate(t)
	yamlContent := `
conf:
  host: 127.0.0.1
  httpPort: 8443
  sslDomain: social.example
  withAp: true
  database: fed.db
federation:
  maxAttempts: 5
  backoffBase: 30s
  blockedInstances: [spam.example]
`
	require.NoError(t, os.WriteFile("config.yaml", []byte(yamlContent), 0644))

	config, err := ReadConf()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", config.Conf.Host)
	assert.Equal(t, 8443, config.Conf.HttpPort)
	assert.Equal(t, "social.example", config.Conf.SslDomain)
	assert.True(t, config.Conf.WithAp)
	assert.Equal(t, "fed.db", config.Conf.Database)

	assert.Equal(t, 5, config.Federation.MaxAttempts)
	assert.Equal(t, 30*time.Second, config.Federation.BackoffBase)
	assert.Equal(t, []string{"spam.example"}, config.Federation.BlockedInstances)

	// untouched keys keep their defaults
	assert.Equal(t, 24*time.Hour, config.Federation.BackoffCap)
	assert.Equal(t, time.Hour, config.Federation.ClockSkew)
	assert.Equal(t, 4, config.Federation.Workers)
	assert.Equal(t, "instance", config.Conf.InstanceActor)
}

func TestReadConfWithEnvOverrides(t *testing.T) {
	isolate(t)
	yamlContent := `
conf:
  host: 127.0.0.1
  httpPort: 9999
  sslDomain: example.com
  withAp: false
`
	require.NoError(t, os.WriteFile("config.yaml", []byte(yamlContent), 0644))

	t.Setenv("STEGOFED_HOST", "192.168.1.1")
	t.Setenv("STEGOFED_HTTPPORT", "8080")
	t.Setenv("STEGOFED_SSLDOMAIN", "test.example.com")
	t.Setenv("STEGOFED_WITH_AP", "true")
	t.Setenv("STEGOFED_WORKERS", "9")
	t.Setenv("STEGOFED_BLOCKED_INSTANCES", "a.example, b.example,")

	config, err := ReadConf()
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.1", config.Conf.Host)
	assert.Equal(t, 8080, config.Conf.HttpPort)
	assert.Equal(t, "test.example.com", config.Conf.SslDomain)
	assert.True(t, config.Conf.WithAp)
	assert.Equal(t, 9, config.Federation.Workers)
	assert.Equal(t, []string{"a.example", "b.example"}, config.Federation.BlockedInstances)
}

func TestReadConfInvalidPortEnvKeepsYamlValue(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile("config.yaml", []byte("conf:\n  httpPort: 9999\n"), 0644))
	t.Setenv("STEGOFED_HTTPPORT", "not_a_number")

	config, err := ReadConf()
	require.NoError(t, err)
	assert.Equal(t, 9999, config.Conf.HttpPort)
}

func TestReadConfWithApOnlyTrueEnables(t *testing.T) {
	isolate(t)
	require.NoError(t, os.WriteFile("config.yaml", []byte("conf:\n  withAp: false\n"), 0644))
	t.Setenv("STEGOFED_WITH_AP", "yes")

	config, err := ReadConf()
	require.NoError(t, err)
	assert.False(t, config.Conf.WithAp)
}

func TestReadConfMissingFileUsesDefaults(t *testing.T) {
	home := isolate(t)

	config, err := ReadConf()
	require.NoError(t, err)
	assert.Equal(t, 9999, config.Conf.HttpPort)
	assert.Equal(t, 10, config.Federation.MaxAttempts)
	assert.Equal(t, 0.2, config.Federation.Jitter)

	_, err = os.Stat(filepath.Join(home, AppConfigDir, ConfigFileName))
	assert.NoError(t, err, "default config should be written to the user config dir")
}

func TestReadConfInvalidYaml(t *testing.T) {
	isolate(t)
	invalidYaml := `
conf:
  host: 127.0.0.1
  httpPort: not_a_number
  invalid yaml structure
`
	require.NoError(t, os.WriteFile("config.yaml", []byte(invalidYaml), 0644))

	_, err := ReadConf()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *AppConfig)
		ok     bool
	}{
		{"defaults", func(c *AppConfig) {}, true},
		{"no domain", func(c *AppConfig) { c.Conf.SslDomain = "" }, false},
		{"zero attempts", func(c *AppConfig) { c.Federation.MaxAttempts = 0 }, false},
		{"zero base", func(c *AppConfig) { c.Federation.BackoffBase = 0 }, false},
		{"cap below base", func(c *AppConfig) { c.Federation.BackoffCap = time.Second }, false},
		{"jitter above one", func(c *AppConfig) { c.Federation.Jitter = 1.5 }, false},
		{"no workers", func(c *AppConfig) { c.Federation.Workers = 0 }, false},
		{"no cache", func(c *AppConfig) { c.Federation.CacheSize = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseConf(nil)
			require.NoError(t, err)
			tt.mutate(c)
			if tt.ok {
				assert.NoError(t, c.Validate())
			} else {
				assert.Error(t, c.Validate())
			}
		})
	}
}
