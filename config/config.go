// Package config loads rangebook configuration from defaults, an optional
// YAML file and RANGEBOOK_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/jmcleod/rangebook/attest"
	"github.com/jmcleod/rangebook/internal/logging"
	"github.com/jmcleod/rangebook/internal/util"
	"github.com/jmcleod/rangebook/notify"
	"github.com/jmcleod/rangebook/pki"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "RANGEBOOK_"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverBBolt    = "bbolt"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Key stores.
const (
	KeyStoreSoftware = "software"
	KeyStorePKCS11   = "pkcs11"
)

type Config struct {
	Server    ServerConfig           `koanf:"server"`
	Storage   StorageConfig          `koanf:"storage"`
	PKI       PKIConfig              `koanf:"pki"`
	Auth      AuthConfig             `koanf:"auth"`
	Signing   attest.RejectionPolicy `koanf:"signing"`
	Notify    NotifyConfig           `koanf:"notify"`
	Logging   logging.Config         `koanf:"logging"`
	RateLimit RateLimitConfig        `koanf:"verify_rate_limit"`
}

type ServerConfig struct {
	Listen  string `koanf:"listen"`
	TLSCert string `koanf:"tls_cert"`
	TLSKey  string `koanf:"tls_key"`
	// PublicURL is used in generated links and the OpenAPI server list.
	PublicURL       string        `koanf:"public_url"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// TrustedProxies lists CIDRs whose forwarding headers are honored.
	TrustedProxies []string `koanf:"trusted_proxies"`
}

type StorageConfig struct {
	Driver string `koanf:"driver"`
	// Path is the database file for bbolt and sqlite.
	Path string `koanf:"path"`
	DSN  string `koanf:"dsn"`
}

type PKIConfig struct {
	// MasterKey is the hex encoded secret that seals certificate keys.
	MasterKey string             `koanf:"master_key"`
	Validity  pki.ValidityPolicy `koanf:"validity"`
	Naming    pki.Naming         `koanf:"naming"`
	KeyStore  string             `koanf:"key_store"`
	PKCS11    pki.PKCS11Config   `koanf:"pkcs11"`
}

// MasterKeyBytes decodes MasterKey.
func (c PKIConfig) MasterKeyBytes() ([]byte, error) {
	key, err := util.HexDecode(c.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("pki.master_key: %w", err)
	}
	return key, nil
}

type AuthConfig struct {
	JWTSecret string        `koanf:"jwt_secret"`
	Issuer    string        `koanf:"issuer"`
	TokenTTL  time.Duration `koanf:"token_ttl"`
}

type NotifyConfig struct {
	Log     bool                 `koanf:"log"`
	Webhook notify.WebhookConfig `koanf:"webhook"`
}

// RateLimitConfig bounds anonymous verification lookups per client.
type RateLimitConfig struct {
	Requests int           `koanf:"requests"`
	Window   time.Duration `koanf:"window"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Driver: DriverBBolt,
			Path:   "rangebook.db",
		},
		PKI: PKIConfig{
			Validity: pki.DefaultValidityPolicy(),
			Naming:   pki.DefaultNaming(),
			KeyStore: KeyStoreSoftware,
		},
		Auth: AuthConfig{
			Issuer:   "rangebook",
			TokenTTL: 12 * time.Hour,
		},
		Notify: NotifyConfig{Log: true},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		RateLimit: RateLimitConfig{
			Requests: 30,
			Window:   time.Minute,
		},
	}
}

// Load reads configPath (optional) and the environment on top of the
// defaults, then validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Double underscores keep a literal underscore in a key:
	// RANGEBOOK_PKI_MASTER__KEY -> pki.master_key.
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
		s = strings.ReplaceAll(s, "_", ".")
		return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.ComposeDecodeHookFunc(durationHook(), mapstructure.StringToSliceHookFunc(",")),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverBBolt, DriverSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for %s", c.Storage.Driver))
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	if c.PKI.MasterKey != "" {
		if key, err := c.PKI.MasterKeyBytes(); err != nil {
			errs = append(errs, err)
		} else if len(key) < pki.MinMasterKeySize {
			errs = append(errs, fmt.Errorf("pki.master_key must be at least %d bytes", pki.MinMasterKeySize))
		}
	}
	if c.PKI.Validity.Root < 0 || c.PKI.Validity.Club < 0 || c.PKI.Validity.Supervisor < 0 {
		errs = append(errs, errors.New("pki.validity durations must not be negative"))
	}
	switch c.PKI.KeyStore {
	case KeyStoreSoftware:
	case KeyStorePKCS11:
		if c.PKI.PKCS11.ModulePath == "" {
			errs = append(errs, errors.New("pki.pkcs11.module_path is required for the pkcs11 key store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown pki.key_store %q", c.PKI.KeyStore))
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 characters"))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	if c.RateLimit.Requests < 0 || c.RateLimit.Window < 0 {
		errs = append(errs, errors.New("verify_rate_limit values must not be negative"))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// durationHook decodes durations, additionally accepting whole days ("30d")
// and 365-day years ("5y"). "0" disables expiry for validity settings.
func durationHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return ParseDuration(data.(string))
	}
}

// ParseDuration extends time.ParseDuration with "d" and "y" units. Values
// that do not fit a time.Duration (about 292 years) are rejected.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 'd':
		unit = 24 * time.Hour
	case 'y':
		unit = 365 * 24 * time.Hour
	default:
		return time.ParseDuration(s)
	}
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if n > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("duration %q is out of range", s)
	}
	return time.Duration(n) * unit, nil
}
