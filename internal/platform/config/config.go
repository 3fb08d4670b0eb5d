package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "GATEWAY_"

// Backend names.
const (
	BackendRemote   = "remote"
	BackendPostgres = "postgres"
	BackendJWT      = "jwt"
	BackendCasbin   = "casbin"
)

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Log      LogConfig      `koanf:"log"`
	Database DatabaseConfig `koanf:"database"`
	Accounts AccountsConfig `koanf:"accounts"`
	Identity IdentityConfig `koanf:"identity"`
	Policy   PolicyConfig   `koanf:"policy"`
	Upload   UploadConfig   `koanf:"upload"`
	Profile  ProfileConfig  `koanf:"profile"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Audit    AuditConfig    `koanf:"audit"`
}

type ServerConfig struct {
	Host        string        `koanf:"host"`
	Port        int           `koanf:"port"`
	APIPrefix   string        `koanf:"apiprefix"`
	CORSOrigins []string      `koanf:"corsorigins"`
	CORSMethods []string      `koanf:"corsmethods"`
	CORSHeaders []string      `koanf:"corsheaders"`
	CORSMaxAge  time.Duration `koanf:"corsmaxage"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxConns        int           `koanf:"maxconns"`
	MinConns        int           `koanf:"minconns"`
	MaxConnLifetime time.Duration `koanf:"maxconnlifetime"`
	MaxConnIdleTime time.Duration `koanf:"maxconnidletime"`
	ApplicationName string        `koanf:"applicationname"`
}

type AccountsConfig struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

type IdentityConfig struct {
	Backend       string              `koanf:"backend"`
	Timeout       time.Duration       `koanf:"timeout"`
	Cache         CacheConfig         `koanf:"cache"`
	NegativeCache NegativeCacheConfig `koanf:"negativecache"`
	JWT           JWTConfig           `koanf:"jwt"`
}

// CacheConfig bounds the identity cache. Zero size and TTL keep every
// entry until shutdown.
type CacheConfig struct {
	Size int           `koanf:"size"`
	TTL  time.Duration `koanf:"ttl"`
}

type NegativeCacheConfig struct {
	Enabled bool          `koanf:"enabled"`
	Size    int           `koanf:"size"`
	TTL     time.Duration `koanf:"ttl"`
}

type JWTConfig struct {
	SigningKey string `koanf:"signingkey"`
	Issuer     string `koanf:"issuer"`
}

type PolicyConfig struct {
	Backend   string        `koanf:"backend"`
	Timeout   time.Duration `koanf:"timeout"`
	AdminRole string        `koanf:"adminrole"`
	Casbin    CasbinConfig  `koanf:"casbin"`
}

type CasbinConfig struct {
	PolicyFile string        `koanf:"policyfile"`
	Reload     time.Duration `koanf:"reload"`
}

type UploadConfig struct {
	Dir       string        `koanf:"dir"`
	PublicURL string        `koanf:"publicurl"`
	MaxBytes  int64         `koanf:"maxbytes"`
	Timeout   time.Duration `koanf:"timeout"`
}

type ProfileConfig struct {
	Backend string `koanf:"backend"`
}

type UpstreamConfig struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

type AuditConfig struct {
	BufferSize    int           `koanf:"buffersize"`
	BatchSize     int           `koanf:"batchsize"`
	FlushInterval time.Duration `koanf:"flushinterval"`
}

func Load(configPaths ...string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	_ = k.Load(confmap.Provider(map[string]any{
		"server.host":                    "0.0.0.0",
		"server.port":                    4000,
		"server.apiprefix":               "/api",
		"server.corsorigins":             []string{},
		"server.corsmethods":             []string{},
		"server.corsheaders":             []string{},
		"server.corsmaxage":              "24h",
		"log.level":                      "info",
		"log.format":                     "json",
		"database.maxconns":              10,
		"database.minconns":              0,
		"database.maxconnlifetime":       "1h",
		"database.maxconnidletime":       "30m",
		"database.applicationname":       "gateway",
		"accounts.url":                   "http://localhost:4100",
		"accounts.timeout":               "5s",
		"identity.backend":               BackendRemote,
		"identity.timeout":               "5s",
		"identity.cache.size":            0,
		"identity.cache.ttl":             "0s",
		"identity.negativecache.enabled": false,
		"identity.negativecache.size":    10000,
		"identity.negativecache.ttl":     "10s",
		"identity.jwt.issuer":            "gateway",
		"policy.backend":                 BackendRemote,
		"policy.timeout":                 "5s",
		"policy.adminrole":               "administrator",
		"policy.casbin.policyfile":       "policy.csv",
		"policy.casbin.reload":           "0s",
		"upload.dir":                     "./public/avatars",
		"upload.publicurl":               "http://localhost:4000/avatars",
		"upload.maxbytes":                10 << 20,
		"upload.timeout":                 "2m",
		"profile.backend":                BackendRemote,
		"upstream.url":                   "http://localhost:4200",
		"upstream.timeout":               "30s",
		"audit.buffersize":               4096,
		"audit.batchsize":                100,
		"audit.flushinterval":            "500ms",
	}, "."), nil)

	// YAML file (optional)
	for _, path := range configPaths {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// Config file is optional, skip if not found
			continue
		}
	}

	// Environment variables override everything
	// GATEWAY_IDENTITY_CACHE_SIZE -> identity.cache.size
	_ = k.Load(env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, any) {
		key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, envPrefix)), "_", ".")
		switch key {
		case "server.corsorigins", "server.corsmethods", "server.corsheaders":
			return key, splitList(value)
		}
		return key, value
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks backend names and the settings each backend needs.
func (c *Config) Validate() error {
	var errs []error

	switch c.Identity.Backend {
	case BackendRemote:
	case BackendPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("identity.backend postgres requires database.url"))
		}
	case BackendJWT:
		if len(c.Identity.JWT.SigningKey) < 32 {
			errs = append(errs, errors.New("identity.jwt.signingkey must be at least 32 characters"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown identity.backend %q", c.Identity.Backend))
	}

	switch c.Policy.Backend {
	case BackendRemote:
	case BackendCasbin:
		if c.Policy.Casbin.PolicyFile == "" {
			errs = append(errs, errors.New("policy.backend casbin requires policy.casbin.policyfile"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown policy.backend %q", c.Policy.Backend))
	}

	switch c.Profile.Backend {
	case BackendRemote:
	case BackendPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("profile.backend postgres requires database.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown profile.backend %q", c.Profile.Backend))
	}

	if c.Server.APIPrefix != "" && !strings.HasPrefix(c.Server.APIPrefix, "/") {
		errs = append(errs, fmt.Errorf("server.apiprefix %q must start with /", c.Server.APIPrefix))
	}
	if c.Upload.Dir == "" {
		errs = append(errs, errors.New("upload.dir is required"))
	}

	return errors.Join(errs...)
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
