// Package config loads pimd/pim settings from a YAML file with environment
// overrides. Durations are written as Go duration strings ("15s", "1h").
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfig names the variable holding the config file path.
const EnvConfig = "PIM_CONFIG"

// Duration is a time.Duration that reads from YAML strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Auth    AuthConfig    `yaml:"auth"`
	Graph   GraphConfig   `yaml:"graph"`
	Policy  PolicyConfig  `yaml:"policy"`
	Catalog CatalogConfig `yaml:"catalog"`
	Monitor MonitorConfig `yaml:"monitor"`
	Storage StorageConfig `yaml:"storage"`
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Log     LogConfig     `yaml:"log"`
}

type AuthConfig struct {
	// ClientID is the app registration's application id.
	ClientID string `yaml:"client_id"`
	// TenantID may be a GUID, a domain, or "common"/"organizations".
	TenantID string   `yaml:"tenant_id"`
	Flow     string   `yaml:"flow"`
	Scopes   []string `yaml:"scopes"`
	// RedirectAddr and RedirectPath form the loopback redirect URI.
	RedirectAddr string `yaml:"redirect_addr"`
	RedirectPath string `yaml:"redirect_path"`
	// Browser is the command used to open the sign-in page; empty prints the URL.
	Browser string `yaml:"browser"`
}

type GraphConfig struct {
	BaseURL      string   `yaml:"base_url"`
	Timeout      Duration `yaml:"timeout"`
	Retries      int      `yaml:"retries"`
	RateLimit    float64  `yaml:"rate_limit"`
	RateBurst    int      `yaml:"rate_burst"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
}

type PolicyConfig struct {
	FallbackRoles []string `yaml:"fallback_roles"`
	Concurrency   int      `yaml:"concurrency"`
}

type CatalogConfig struct {
	CacheTTL Duration `yaml:"cache_ttl"`
}

type MonitorConfig struct {
	Interval   Duration `yaml:"interval"`
	WarnBefore Duration `yaml:"warn_before"`
	AutoStart  bool     `yaml:"auto_start"`
}

type StorageConfig struct {
	// Backend is one of file, keyring, postgres, memory.
	Backend        string `yaml:"backend"`
	Path           string `yaml:"path"`
	KeyringService string `yaml:"keyring_service"`
	PostgresDSN    string `yaml:"postgres_dsn"`
	// Namespace scopes keyring and Postgres entries.
	Namespace string `yaml:"namespace"`
}

type ServerConfig struct {
	HTTPAddr     string  `yaml:"http_addr"`
	GRPCAddr     string  `yaml:"grpc_addr"`
	RateLimit    float64 `yaml:"rate_limit"`
	RateBurst    int     `yaml:"rate_burst"`
	MaxBodyBytes int64   `yaml:"max_body_bytes"`
}

type ClientConfig struct {
	// Timeout bounds one broker round trip; Retries re-sends on timeout.
	Timeout Duration `yaml:"timeout"`
	// SignInTimeout replaces Timeout for actions that may open a browser
	// sign-in. login (forceReauth) is never bounded; 0 leaves the rest
	// unbounded too.
	SignInTimeout Duration `yaml:"signin_timeout"`
	Retries       int      `yaml:"retries"`
	BulkDelay     Duration `yaml:"bulk_delay"`
	Transport     string   `yaml:"transport"`
	HTTPTarget    string   `yaml:"http_target"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultFallbackRoles require justification when policy cannot be read.
var DefaultFallbackRoles = []string{
	"Global Administrator",
	"Privileged Role Administrator",
	"Security Administrator",
}

func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	stateDir := filepath.Join(homeDir, ".config", "pimhelper")

	return &Config{
		Auth: AuthConfig{
			TenantID:     "common",
			Flow:         "authorization_code",
			RedirectAddr: "127.0.0.1:8400",
			RedirectPath: "/callback",
		},
		Graph: GraphConfig{
			BaseURL:      "https://graph.microsoft.com/v1.0",
			Timeout:      Duration(15 * time.Second),
			Retries:      2,
			RateLimit:    10,
			RateBurst:    10,
			MaxBodyBytes: 8 << 20,
		},
		Policy: PolicyConfig{
			FallbackRoles: append([]string(nil), DefaultFallbackRoles...),
			Concurrency:   4,
		},
		Catalog: CatalogConfig{
			CacheTTL: Duration(time.Hour),
		},
		Monitor: MonitorConfig{
			Interval:   Duration(5 * time.Minute),
			WarnBefore: Duration(15 * time.Minute),
		},
		Storage: StorageConfig{
			Backend:        "file",
			Path:           filepath.Join(stateDir, "state.cbor"),
			KeyringService: "pimhelper",
			Namespace:      "default",
		},
		Server: ServerConfig{
			HTTPAddr:     "127.0.0.1:8787",
			GRPCAddr:     "127.0.0.1:8788",
			RateLimit:    20,
			RateBurst:    40,
			MaxBodyBytes: 1 << 20,
		},
		Client: ClientConfig{
			Timeout:       Duration(15 * time.Second),
			SignInTimeout: Duration(10 * time.Minute),
			Retries:       2,
			BulkDelay:     Duration(time.Second),
			Transport:     "grpc",
			HTTPTarget:    "http://127.0.0.1:8787",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the file named by path, or by PIM_CONFIG when path is empty.
// With neither set the defaults are used. Environment overrides are applied
// last in every case.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv(os.Getenv)
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Auth.ClientID, "PIM_CLIENT_ID")
	set(&c.Auth.TenantID, "PIM_TENANT_ID")
	set(&c.Auth.Flow, "PIM_AUTH_FLOW")
	set(&c.Auth.Browser, "PIM_BROWSER")
	set(&c.Storage.Backend, "PIM_STORAGE")
	set(&c.Storage.Path, "PIM_STATE_PATH")
	set(&c.Storage.PostgresDSN, "PIM_PG_DSN")
	set(&c.Server.HTTPAddr, "PIM_HTTP_ADDR")
	set(&c.Server.GRPCAddr, "PIM_GRPC_ADDR")
	set(&c.Log.Level, "PIM_LOG_LEVEL")
}

func (c *Config) expandVariables() {
	c.Storage.Path = expandVars(c.Storage.Path)
	c.Storage.PostgresDSN = expandVars(c.Storage.PostgresDSN)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// RedirectURL is the loopback redirect URI registered with the app.
func (c *Config) RedirectURL() string {
	return "http://" + c.Auth.RedirectAddr + c.Auth.RedirectPath
}

var (
	backends = []string{"file", "keyring", "postgres", "memory"}
	flows    = []string{"authorization_code", "implicit"}
	levels   = []string{"debug", "info", "warn", "error"}
)

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Auth.ClientID) == "" {
		errs = append(errs, errors.New("auth.client_id is required (or PIM_CLIENT_ID)"))
	}
	if !contains(flows, c.Auth.Flow) {
		errs = append(errs, fmt.Errorf("auth.flow must be one of: %v", flows))
	}
	if c.Auth.RedirectAddr == "" || !strings.HasPrefix(c.Auth.RedirectPath, "/") {
		errs = append(errs, errors.New("auth.redirect_addr and an absolute auth.redirect_path are required"))
	}
	if !strings.HasPrefix(c.Graph.BaseURL, "https://") && !strings.HasPrefix(c.Graph.BaseURL, "http://") {
		errs = append(errs, fmt.Errorf("graph.base_url must be an http(s) url, got %q", c.Graph.BaseURL))
	}
	if c.Graph.Timeout <= 0 {
		errs = append(errs, errors.New("graph.timeout must be positive"))
	}
	if c.Graph.Retries < 0 {
		errs = append(errs, errors.New("graph.retries must not be negative"))
	}
	if c.Policy.Concurrency < 1 {
		errs = append(errs, errors.New("policy.concurrency must be at least 1"))
	}
	if c.Catalog.CacheTTL <= 0 {
		errs = append(errs, errors.New("catalog.cache_ttl must be positive"))
	}
	if c.Monitor.Interval <= 0 || c.Monitor.WarnBefore <= 0 {
		errs = append(errs, errors.New("monitor.interval and monitor.warn_before must be positive"))
	}
	if c.Client.Timeout <= 0 || c.Client.SignInTimeout < 0 {
		errs = append(errs, errors.New("client.timeout must be positive and client.signin_timeout not negative"))
	}
	if !contains(backends, c.Storage.Backend) {
		errs = append(errs, fmt.Errorf("storage.backend must be one of: %v", backends))
	}
	if c.Storage.Backend == "file" && c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required for the file backend"))
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend (or PIM_PG_DSN)"))
	}
	if !contains(levels, strings.ToLower(c.Log.Level)) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", levels))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}
