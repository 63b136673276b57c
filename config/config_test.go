package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, DriverBBolt, cfg.Storage.Driver)
	assert.Equal(t, 20*365*24*time.Hour, cfg.PKI.Validity.Root)
	assert.Equal(t, 3*365*24*time.Hour, cfg.PKI.Validity.Supervisor)
	assert.Equal(t, "Aufseher", cfg.PKI.Naming.SupervisorUnit)
	assert.False(t, cfg.Signing.RequireReason)
	assert.True(t, cfg.Notify.Log)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rangebook.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: ":9090"
storage:
  driver: sqlite
  path: /var/lib/rangebook/rangebook.sqlite
pki:
  master_key: `+testMasterKey+`
  validity:
    club: 0
    supervisor: 400d
signing:
  require_reason: true
notify:
  webhook:
    url: https://hooks.example.org/rangebook
    initial_interval: 2s
`), 0o600))

	t.Setenv("RANGEBOOK_SERVER_LISTEN", ":7070")
	t.Setenv("RANGEBOOK_PKI_VALIDITY_ROOT", "10y")
	t.Setenv("RANGEBOOK_NOTIFY_WEBHOOK_MAX__RETRIES", "5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Listen, "env overrides file")
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, 10*365*24*time.Hour, cfg.PKI.Validity.Root)
	assert.Zero(t, cfg.PKI.Validity.Club, "zero disables expiry")
	assert.Equal(t, 400*24*time.Hour, cfg.PKI.Validity.Supervisor)
	assert.True(t, cfg.Signing.RequireReason)
	assert.Equal(t, "https://hooks.example.org/rangebook", cfg.Notify.Webhook.URL)
	assert.Equal(t, 2*time.Second, cfg.Notify.Webhook.InitialInterval)
	assert.Equal(t, uint64(5), cfg.Notify.Webhook.MaxRetries)

	key, err := cfg.PKI.MasterKeyBytes()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"memory", func(c *Config) { c.Storage.Driver = DriverMemory; c.Storage.Path = "" }, true},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }, false},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }, false},
		{"short master key", func(c *Config) { c.PKI.MasterKey = "abcd" }, false},
		{"bad master key", func(c *Config) { c.PKI.MasterKey = "zz" }, false},
		{"negative validity", func(c *Config) { c.PKI.Validity.Club = -time.Hour }, false},
		{"pkcs11 without module", func(c *Config) { c.PKI.KeyStore = KeyStorePKCS11 }, false},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "short" }, false},
		{"half tls", func(c *Config) { c.Server.TLSCert = "cert.pem" }, false},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"":     0,
		"0":    0,
		"90m":  90 * time.Minute,
		"30d":  30 * 24 * time.Hour,
		"5y":   5 * 365 * 24 * time.Hour,
		" 1y ": 365 * 24 * time.Hour,
	}
	for in, want := range tests {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"xy", "-5d", "300y", "600y", "200000d", "99999999999999999999y"} {
		_, err := ParseDuration(in)
		assert.Error(t, err, in)
	}

	got, err := ParseDuration("292y")
	require.NoError(t, err)
	assert.Equal(t, 292*365*24*time.Hour, got)
}
