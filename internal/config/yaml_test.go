package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_YAML_Support(t *testing.T) {
	tempDir := t.TempDir()

	yamlContent := `
host: 0.0.0.0
port: 8080
api_key: test-proxy-key
long_context_threshold: 100000
failover:
  attempt_timeout: 45s
  same_provider_retries: 1
  circuit_breaker:
    threshold: 5
    cooldown: 1m

providers:
  - name: openrouter
    api_key: test-openrouter-key
    model_whitelist: ["claude", "gpt-4"]
  - name: openai
    url: "https://api.openai.com/v1/chat/completions"
    api_key: test-openai-key
    responses_models: ["codex"]
    timeout: 90s

router:
  default: openrouter
  think: [openai, openrouter]
`
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, DefaultYAMLFilename), []byte(yamlContent), 0644))

	cfg, err := NewManager(tempDir).Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "test-proxy-key", cfg.APIKey)
	assert.Equal(t, 100000, cfg.LongContextThreshold)
	assert.Equal(t, "45s", cfg.Failover.AttemptTimeout.String())
	require.NotNil(t, cfg.Failover.CircuitBreaker)
	assert.Equal(t, 5, cfg.Failover.CircuitBreaker.Threshold)

	require.Len(t, cfg.Providers, 2)

	openrouter := cfg.Providers[0]
	assert.Equal(t, "test-openrouter-key", openrouter.APIKey)
	assert.Equal(t, DefaultProviderURLs["openrouter"], openrouter.APIBase)
	assert.Equal(t, []string{"claude", "gpt-4"}, openrouter.ModelWhitelist)
	assert.NotEmpty(t, openrouter.DefaultModels)

	openai := cfg.Providers[1]
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", openai.APIBase)
	assert.Equal(t, []string{"codex"}, openai.ResponsesModels)
	assert.Equal(t, "1m30s", openai.Timeout.String())

	assert.Equal(t, ProviderList{"openrouter"}, cfg.Router.Default)
	assert.Equal(t, ProviderList{"openai", "openrouter"}, cfg.Router.Think)
}

func TestManager_YAML_Takes_Precedence(t *testing.T) {
	tempDir := t.TempDir()

	jsonContent := `{"host": "127.0.0.1", "port": 6970, "providers": [{"name": "openai", "api_key": "json-key"}]}`
	yamlContent := "host: 0.0.0.0\nport: 8080\nproviders:\n  - name: openrouter\n    api_key: yaml-key\n"

	require.NoError(t, os.WriteFile(filepath.Join(tempDir, DefaultConfigFilename), []byte(jsonContent), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(tempDir, DefaultYAMLFilename), []byte(yamlContent), 0644))

	manager := NewManager(tempDir)
	assert.Equal(t, filepath.Join(tempDir, DefaultYAMLFilename), manager.GetPath())

	cfg, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "openrouter", cfg.Providers[0].Name)
	assert.Equal(t, "yaml-key", cfg.Providers[0].APIKey)
}

func TestManager_SaveAsYAML(t *testing.T) {
	tempDir := t.TempDir()
	manager := NewManager(tempDir)

	cfg := &Config{
		Host:   "127.0.0.1",
		Port:   6970,
		APIKey: "test-key",
		Providers: []Provider{
			{
				Name:           "openrouter",
				APIKey:         "test-openrouter-key",
				ModelWhitelist: []string{"claude"},
				AutoMap:        []AutoMapRule{{Pattern: "^claude-", Target: "anthropic/claude-sonnet-4"}},
			},
		},
		Router: RouterConfig{Default: ProviderList{"openrouter"}},
	}

	require.NoError(t, manager.SaveAsYAML(cfg))
	assert.FileExists(t, filepath.Join(tempDir, DefaultYAMLFilename))

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, cfg.Host, loaded.Host)
	assert.Equal(t, cfg.Port, loaded.Port)
	assert.Equal(t, cfg.APIKey, loaded.APIKey)
	assert.Equal(t, cfg.Providers[0].ModelWhitelist, loaded.Providers[0].ModelWhitelist)
	assert.Equal(t, cfg.Providers[0].AutoMap, loaded.Providers[0].AutoMap)
	assert.Equal(t, cfg.Router.Default, loaded.Router.Default)
}

func TestManager_CreateExampleYAML(t *testing.T) {
	tempDir := t.TempDir()
	manager := NewManager(tempDir)

	require.NoError(t, manager.CreateExampleYAML())
	assert.FileExists(t, filepath.Join(tempDir, DefaultYAMLFilename))

	cfg, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "your-proxy-api-key-here", cfg.APIKey)
	require.Len(t, cfg.Providers, 5)

	var names []string
	for _, p := range cfg.Providers {
		names = append(names, p.Name)
		assert.NotEmpty(t, p.APIBase, "provider %s should have a URL", p.Name)
		assert.NotEmpty(t, p.DefaultModels, "provider %s should have default models", p.Name)
	}
	assert.ElementsMatch(t, []string{"openrouter", "openai", "anthropic", "nvidia", "gemini"}, names)

	assert.NotEmpty(t, cfg.Router.Default)
	assert.NotEmpty(t, cfg.Router.Think)

	// The example must be routable as written.
	_, err = BuildSnapshot(cfg)
	assert.NoError(t, err)
}

func TestProvider_ModelWhitelist(t *testing.T) {
	provider := &Provider{
		Name:           "openrouter",
		ModelWhitelist: []string{"claude", "gpt-4"},
		DefaultModels: []string{
			"anthropic/claude-3.5-sonnet",
			"openai/gpt-4-turbo",
			"meta-llama/llama-3.1-70b",
			"openai/gpt-3.5-turbo",
		},
	}

	assert.True(t, provider.IsModelAllowed("anthropic/claude-3.5-sonnet"))
	assert.True(t, provider.IsModelAllowed("openai/gpt-4-turbo"))
	assert.False(t, provider.IsModelAllowed("meta-llama/llama-3.1-70b"))
	assert.False(t, provider.IsModelAllowed("openai/gpt-3.5-turbo"))

	assert.Equal(t, []string{"anthropic/claude-3.5-sonnet", "openai/gpt-4-turbo"}, provider.GetAllowedModels())
}

func TestProvider_NoWhitelist(t *testing.T) {
	provider := &Provider{
		Name:          "openai",
		DefaultModels: []string{"gpt-4o", "gpt-4o-mini"},
	}

	assert.True(t, provider.IsModelAllowed("anything"))
	assert.Equal(t, provider.DefaultModels, provider.GetAllowedModels())
}

func TestProvider_Presets(t *testing.T) {
	cfg := &Config{Providers: []Provider{
		{Name: "my-zai", Type: "z.ai"},
		{Name: "groq"},
		{Name: "custom-provider", APIBase: "https://custom.example.com/v1"},
	}}
	cfg.applyDefaults()

	assert.Equal(t, "https://api.z.ai/api/anthropic", cfg.Providers[0].APIBase)
	assert.Equal(t, "anthropic", cfg.Providers[0].Format)
	assert.Equal(t, DefaultProviderURLs["groq"], cfg.Providers[1].APIBase)

	unknown := cfg.Providers[2]
	assert.Equal(t, "https://custom.example.com/v1", unknown.APIBase)
	assert.Empty(t, unknown.DefaultModels)
	assert.Empty(t, unknown.Format)
}
