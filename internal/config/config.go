package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Davincible/claude-code-mux/internal/routing"
)

const (
	DefaultPort           = 6970
	DefaultConfigFilename = "config.json"
	DefaultYAMLFilename   = "config.yaml"
	DefaultEnvFilename    = ".env"
	DefaultHost           = "127.0.0.1"

	DefaultLongContextThreshold = 60000
	DefaultAttemptTimeout       = 2 * time.Minute
)

var ErrNoConfig = errors.New("no configuration file found")

type Provider struct {
	Name       string `json:"name" yaml:"name" validate:"required"`
	Type       string `json:"type,omitempty" yaml:"type,omitempty"`
	Format     string `json:"format,omitempty" yaml:"format,omitempty" validate:"omitempty,oneof=anthropic openai openai-responses gemini"`
	Dialect    string `json:"dialect,omitempty" yaml:"dialect,omitempty"`
	APIBase    string `json:"api_base_url,omitempty" yaml:"url,omitempty" validate:"omitempty,url"`
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	APIKeyPath string `json:"api_key_path,omitempty" yaml:"api_key_path,omitempty"`
	Priority   int    `json:"priority,omitempty" yaml:"priority,omitempty" validate:"gte=0"`

	// ModelMap maps client model names to upstream model names. An empty
	// value forwards the client name.
	ModelMap        map[string]string `json:"model_map,omitempty" yaml:"model_map,omitempty"`
	AutoMap         []AutoMapRule     `json:"auto_map,omitempty" yaml:"auto_map,omitempty" validate:"dive"`
	ResponsesModels []string          `json:"responses_models,omitempty" yaml:"responses_models,omitempty"`
	ModelWhitelist  []string          `json:"model_whitelist,omitempty" yaml:"model_whitelist,omitempty"`
	DefaultModels   []string          `json:"default_models,omitempty" yaml:"default_models,omitempty"`

	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout  Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Disabled bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

type AutoMapRule struct {
	Pattern string `json:"pattern" yaml:"pattern" validate:"required"`
	Target  string `json:"target,omitempty" yaml:"target,omitempty"`
}

// RouterConfig lists, per mode, the providers to prefer in order.
type RouterConfig struct {
	Default     ProviderList `json:"default,omitempty" yaml:"default,omitempty"`
	Think       ProviderList `json:"think,omitempty" yaml:"think,omitempty"`
	Background  ProviderList `json:"background,omitempty" yaml:"background,omitempty"`
	LongContext ProviderList `json:"long_context,omitempty" yaml:"long_context,omitempty"`
	WebSearch   ProviderList `json:"web_search,omitempty" yaml:"web_search,omitempty"`
}

type FailoverConfig struct {
	AttemptTimeout      Duration       `json:"attempt_timeout,omitempty" yaml:"attempt_timeout,omitempty"`
	SameProviderRetries int            `json:"same_provider_retries,omitempty" yaml:"same_provider_retries,omitempty" validate:"gte=0,lte=5"`
	FatalStatus         []int          `json:"fatal_status,omitempty" yaml:"fatal_status,omitempty" validate:"dive,gte=400,lte=599"`
	CircuitBreaker      *BreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
}

type BreakerConfig struct {
	Threshold int      `json:"threshold,omitempty" yaml:"threshold,omitempty" validate:"gte=0"`
	Cooldown  Duration `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
}

type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

type Config struct {
	Host   string `json:"host,omitempty" yaml:"host,omitempty"`
	Port   int    `json:"port,omitempty" yaml:"port,omitempty" validate:"gte=0,lte=65535"`
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// AllowTelemetry disables the blocker for client telemetry endpoints.
	AllowTelemetry bool `json:"allow_telemetry,omitempty" yaml:"allow_telemetry,omitempty"`

	LongContextThreshold int      `json:"long_context_threshold,omitempty" yaml:"long_context_threshold,omitempty" validate:"gte=0"`
	BackgroundModels     []string `json:"background_models,omitempty" yaml:"background_models,omitempty"`

	CORS      CORSConfig     `json:"cors,omitempty" yaml:"cors,omitempty"`
	Failover  FailoverConfig `json:"failover,omitempty" yaml:"failover,omitempty"`
	Providers []Provider     `json:"providers" yaml:"providers" validate:"dive"`
	Router    RouterConfig   `json:"router" yaml:"router"`
}

// Manager loads configuration from a base directory. YAML takes precedence
// over JSON when both exist.
type Manager struct {
	baseDir     string
	configPath  string
	yamlPath    string
	configValue atomic.Value
}

func NewManager(baseDir string) *Manager {
	return &Manager{
		baseDir:    baseDir,
		configPath: filepath.Join(baseDir, DefaultConfigFilename),
		yamlPath:   filepath.Join(baseDir, DefaultYAMLFilename),
	}
}

// Load reads, defaults and validates the configuration, then makes it the
// current one.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}
	m.configValue.Store(cfg)
	return cfg, nil
}

// Reload reads the configuration and builds its routing snapshot. The
// current configuration only changes when both succeed.
func (m *Manager) Reload() (*Config, *routing.Snapshot, error) {
	cfg, err := m.read()
	if err != nil {
		return nil, nil, err
	}
	snap, err := BuildSnapshot(cfg)
	if err != nil {
		return nil, nil, err
	}
	m.configValue.Store(cfg)
	return cfg, snap, nil
}

func (m *Manager) read() (*Config, error) {
	m.loadEnv()

	var (
		cfg  Config
		data []byte
		err  error
	)

	switch {
	case m.HasYAML():
		if data, err = os.ReadFile(m.yamlPath); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml config: %w", err)
		}
	case m.HasJSON():
		if data, err = os.ReadFile(m.configPath); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w in %s", ErrNoConfig, m.baseDir)
	}

	cfg.applyDefaults()

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadEnv reads an optional .env file next to the config. Variables that
// are already set win.
func (m *Manager) loadEnv() {
	path := filepath.Join(m.baseDir, DefaultEnvFilename)
	if _, err := os.Stat(path); err == nil {
		_ = godotenv.Load(path)
	}
}

func (m *Manager) Get() *Config {
	if v := m.configValue.Load(); v != nil {
		return v.(*Config)
	}

	cfg, err := m.Load()
	if err != nil {
		// Return a config with defaults if loading fails
		return &Config{
			Host: DefaultHost,
			Port: DefaultPort,
		}
	}
	return cfg
}

func (m *Manager) Save(cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return m.write(m.configPath, data, cfg)
}

func (m *Manager) SaveAsYAML(cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml config: %w", err)
	}
	return m.write(m.yamlPath, data, cfg)
}

func (m *Manager) write(path string, data []byte, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	// The file may hold API keys.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	m.configValue.Store(cfg)
	return nil
}

// GetPath returns the file Load reads: the YAML file when present.
func (m *Manager) GetPath() string {
	if m.HasYAML() {
		return m.yamlPath
	}
	return m.configPath
}

func (m *Manager) BaseDir() string { return m.baseDir }

func (m *Manager) Exists() bool { return m.HasYAML() || m.HasJSON() }

func (m *Manager) HasYAML() bool { return fileExists(m.yamlPath) }

func (m *Manager) HasJSON() bool { return fileExists(m.configPath) }

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CreateExampleYAML writes a starter configuration with every well-known
// provider preset.
func (m *Manager) CreateExampleYAML() error {
	cfg := &Config{
		Host:   DefaultHost,
		Port:   DefaultPort,
		APIKey: "your-proxy-api-key-here",
		Providers: []Provider{
			{Name: "openrouter", APIKey: "${OPENROUTER_API_KEY}", AutoMap: []AutoMapRule{{Pattern: "^claude-", Target: "anthropic/claude-sonnet-4"}}},
			{Name: "openai", APIKey: "${OPENAI_API_KEY}", ModelMap: map[string]string{"gpt-5-codex": ""}},
			{Name: "anthropic", APIKey: "${ANTHROPIC_API_KEY}", AutoMap: []AutoMapRule{{Pattern: "^claude-"}}},
			{Name: "nvidia", APIKey: "${NVIDIA_API_KEY}", Disabled: true},
			{Name: "gemini", APIKey: "${GEMINI_API_KEY}", ModelWhitelist: []string{"gemini-"}},
		},
		Router: RouterConfig{
			Default:    ProviderList{"anthropic", "openrouter"},
			Think:      ProviderList{"anthropic", "openrouter"},
			Background: ProviderList{"openrouter", "anthropic"},
			WebSearch:  ProviderList{"openrouter"},
		},
	}
	cfg.applyDefaults()
	return m.SaveAsYAML(cfg)
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.LongContextThreshold == 0 {
		c.LongContextThreshold = DefaultLongContextThreshold
	}
	if len(c.BackgroundModels) == 0 {
		c.BackgroundModels = []string{"haiku"}
	}
	if c.Failover.AttemptTimeout == 0 {
		c.Failover.AttemptTimeout = Duration(DefaultAttemptTimeout)
	}

	for i := range c.Providers {
		p := &c.Providers[i]
		pr, ok := p.preset()
		if !ok {
			continue
		}
		if p.APIBase == "" {
			p.APIBase = pr.URL
		}
		if len(p.DefaultModels) == 0 {
			p.DefaultModels = pr.Models
		}
		if p.Format == "" {
			p.Format = string(pr.Format)
		}
		if p.Dialect == "" {
			p.Dialect = pr.Dialect
		}
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints. Cross references between providers
// and router lists are checked when the routing snapshot is built.
func Validate(cfg *Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}

	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		switch fe.Tag() {
		case "required":
			problems = append(problems, fmt.Sprintf("%s is required", field))
		case "oneof":
			problems = append(problems, fmt.Sprintf("%s must be one of: %s", field, fe.Param()))
		case "url":
			problems = append(problems, fmt.Sprintf("%s must be a valid URL", field))
		default:
			problems = append(problems, fmt.Sprintf("%s must satisfy %s=%s", field, fe.Tag(), fe.Param()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
}
