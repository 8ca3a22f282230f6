package authzserver

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/gematik/zero-lab/go/authzserver/jose"
	"github.com/gematik/zero-lab/go/authzserver/oauth"
	"github.com/gematik/zero-lab/go/authzserver/storage"
	"github.com/go-playground/validator/v10"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/valkey-io/valkey-go"
	"gopkg.in/yaml.v3"
)

const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

type Config struct {
	BaseDir string         `yaml:"-"`
	Tenants []TenantConfig `yaml:"tenants" validate:"required,min=1,dive"`
	Storage StorageConfig  `yaml:"storage"`
	// Valkey, when set, backs the replay store and the nonce service so
	// that several instances share them.
	Valkey      *ValkeyConfig `yaml:"valkey"`
	NonceExpiry time.Duration `yaml:"nonce_expiry"`
	// ClientCertificateHeader names the header a TLS terminating proxy
	// forwards the client certificate in.
	ClientCertificateHeader string        `yaml:"client_certificate_header"`
	JwksFetchTimeout        time.Duration `yaml:"jwks_fetch_timeout"`
	DPoPNonceRequired       bool          `yaml:"dpop_nonce_required"`
}

// TenantConfig is one authorization server. The server settings are
// inlined, clients and users are registered with the tenant.
type TenantConfig struct {
	oauth.ServerConfiguration `yaml:",inline"`
	SignPrivateKeyPath        string                      `yaml:"sign_private_key_path"`
	Clients                   []oauth.ClientConfiguration `yaml:"clients" validate:"dive"`
	Users                     []oauth.User                `yaml:"users" validate:"dive"`
}

type StorageConfig struct {
	Type  string               `yaml:"type" validate:"omitempty,oneof=memory redis"`
	Redis *storage.RedisConfig `yaml:"redis" validate:"required_if=Type redis"`
}

type ValkeyConfig struct {
	Host      string `yaml:"host" validate:"required"`
	Port      int    `yaml:"port" validate:"required"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	UseTLS    bool   `yaml:"use_tls"`
	KeyPrefix string `yaml:"key_prefix"`
}

func (c *ValkeyConfig) clientOption() valkey.ClientOption {
	option := valkey.ClientOption{
		InitAddress: []string{net.JoinHostPort(c.Host, strconv.Itoa(c.Port))},
		Username:    c.Username,
		Password:    c.Password,
	}
	if c.UseTLS {
		option.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return option
}

// LoadConfigFile reads the YAML configuration. Environment variables are
// expanded before decoding; relative paths are resolved against the
// directory of the file.
func LoadConfigFile(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	expanded := os.ExpandEnv(string(content))

	cfg := new(Config)
	cfg.BaseDir = filepath.Dir(path)

	err = yaml.Unmarshal([]byte(expanded), cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}

	return cfg, nil
}

func newValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return validate
}

// Validate checks the configuration before anything is wired.
func (c *Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	seen := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if seen[t.Tenant] {
			return fmt.Errorf("validate config: tenant '%s' is configured twice", t.Tenant)
		}
		seen[t.Tenant] = true
		for _, client := range t.Clients {
			if client.TokenEndpointAuthMethod != oauth.ClientAuthenticationNone && client.IsPublic() {
				return fmt.Errorf("validate config: public client '%s' must use token_endpoint_auth_method none", client.ClientID)
			}
		}
	}
	return nil
}

func (c *Config) absPath(path string) string {
	path = ExpandPath(path)
	if filepath.IsAbs(path) || c.BaseDir == "" {
		return path
	}
	return filepath.Join(c.BaseDir, path)
}

// signingKey loads the tenant's key. Without a configured path a random
// key is generated; it does not survive a restart.
func (c *Config) signingKey(t *TenantConfig) (jwk.Key, error) {
	if t.SigningKey != nil {
		return t.SigningKey, nil
	}
	if t.SignPrivateKeyPath == "" {
		slog.Warn("no signing key configured, generating a random one", "tenant", t.Tenant)
		return jose.GenerateRandomJwk()
	}
	path := c.absPath(t.SignPrivateKeyPath)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key of tenant '%s': %w", t.Tenant, err)
	}
	key, err := jose.LoadPEMKey(data)
	if err != nil {
		return nil, fmt.Errorf("load signing key of tenant '%s' from %s: %w", t.Tenant, path, err)
	}
	return key, nil
}

// ExpandPath expands ~ to $HOME
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = strings.Replace(path, "~", home, 1)
	}
	return path
}
