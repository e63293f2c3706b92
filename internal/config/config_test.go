package config

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/claude-code-mux/internal/canonical"
	"github.com/Davincible/claude-code-mux/internal/credentials"
	"github.com/Davincible/claude-code-mux/internal/providers"
	"github.com/Davincible/claude-code-mux/internal/routing"
)

func TestConfig_LoadAndSave(t *testing.T) {
	manager := NewManager(t.TempDir())

	cfg := &Config{
		Host:   "127.0.0.1",
		Port:   8080,
		APIKey: "test-key",
		Providers: []Provider{
			{
				Name:     "openrouter",
				APIBase:  "https://openrouter.ai/api/v1/chat/completions",
				APIKey:   "test-provider-key",
				ModelMap: map[string]string{"claude-sonnet-4": "anthropic/claude-sonnet-4"},
				Timeout:  Duration(30 * time.Second),
			},
		},
		Router: RouterConfig{
			Default: ProviderList{"openrouter"},
			Think:   ProviderList{"openrouter"},
		},
	}

	require.NoError(t, manager.Save(cfg))
	assert.True(t, manager.Exists())
	assert.True(t, manager.HasJSON())
	assert.False(t, manager.HasYAML())

	info, err := os.Stat(manager.GetPath())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, cfg.Host, loaded.Host)
	assert.Equal(t, cfg.Port, loaded.Port)
	assert.Equal(t, cfg.APIKey, loaded.APIKey)
	require.Len(t, loaded.Providers, 1)
	assert.Equal(t, "https://openrouter.ai/api/v1/chat/completions", loaded.Providers[0].APIBase)
	assert.Equal(t, 30*time.Second, loaded.Providers[0].Timeout.Std())
	assert.Equal(t, ProviderList{"openrouter"}, loaded.Router.Default)
}

func TestConfig_Defaults(t *testing.T) {
	manager := NewManager(t.TempDir())

	require.NoError(t, manager.Save(&Config{
		Providers: []Provider{{Name: "anthropic", APIKey: "key"}},
		Router:    RouterConfig{Default: ProviderList{"anthropic"}},
	}))

	cfg, err := manager.Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultHost, cfg.Host)
	assert.Equal(t, DefaultLongContextThreshold, cfg.LongContextThreshold)
	assert.Equal(t, []string{"haiku"}, cfg.BackgroundModels)
	assert.Equal(t, DefaultAttemptTimeout, cfg.Failover.AttemptTimeout.Std())

	p := cfg.Providers[0]
	assert.Equal(t, "https://api.anthropic.com", p.APIBase)
	assert.Equal(t, "anthropic", p.Format)
	assert.NotEmpty(t, p.DefaultModels)
}

func TestConfig_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFilename), []byte("invalid json"), 0644))

	_, err := NewManager(dir).Load()
	assert.Error(t, err)
}

func TestConfig_MissingFile(t *testing.T) {
	manager := NewManager(t.TempDir())

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrNoConfig)
	assert.False(t, manager.Exists())
}

func TestConfig_GetWithoutLoad(t *testing.T) {
	cfg := NewManager(t.TempDir()).Get()
	require.NotNil(t, cfg)
	assert.Equal(t, DefaultPort, cfg.Port)
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "missing provider name",
			cfg:  Config{Providers: []Provider{{APIBase: "https://example.com"}}},
			want: "providers[0].name is required",
		},
		{
			name: "unknown format",
			cfg:  Config{Providers: []Provider{{Name: "x", Format: "soap"}}},
			want: "providers[0].format must be one of",
		},
		{
			name: "bad url",
			cfg:  Config{Providers: []Provider{{Name: "x", APIBase: "not a url"}}},
			want: "providers[0].url must be a valid URL",
		},
		{
			name: "too many retries",
			cfg:  Config{Failover: FailoverConfig{SameProviderRetries: 9}},
			want: "failover.same_provider_retries",
		},
		{
			name: "fatal status out of range",
			cfg:  Config{Failover: FailoverConfig{FatalStatus: []int{200}}},
			want: "failover.fatal_status[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_EnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CCM_TEST_ONLY_KEY", "")
	require.NoError(t, os.Unsetenv("CCM_TEST_ONLY_KEY"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultEnvFilename), []byte("CCM_TEST_ONLY_KEY=from-dotenv\n"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultYAMLFilename), []byte(`
providers:
  - name: anthropic
    api_key: ${CCM_TEST_ONLY_KEY}
router:
  default: anthropic
`), 0600))

	cfg, err := NewManager(dir).Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", os.Getenv("CCM_TEST_ONLY_KEY"))

	snap, err := BuildSnapshot(cfg)
	require.NoError(t, err)
	p, ok := snap.Provider("anthropic")
	require.True(t, ok)

	token, err := credentials.NewResolver().Token(context.Background(), p.CredentialRef)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", token)
}

func TestBuildSnapshot(t *testing.T) {
	cfg := &Config{
		Providers: []Provider{
			{Name: "codex-primary", Type: "openai", APIKeyPath: "~/.codex/auth.json", Priority: 0},
			{Name: "codex-backup", APIBase: "https://openrouter.ai/api/v1/chat/completions", APIKey: "k", Priority: 1},
			{Name: "claude", APIBase: "https://api.anthropic.com/v1/messages", APIKey: "k", ModelWhitelist: []string{"claude-"}},
			{Name: "local", APIBase: "http://localhost:8000/v1", Format: "openai", Disabled: true},
		},
		Router: RouterConfig{
			Default: ProviderList{"claude", "codex-primary", "codex-backup"},
			Think:   ProviderList{"claude"},
		},
	}
	cfg.applyDefaults()

	snap, err := BuildSnapshot(cfg)
	require.NoError(t, err)

	primary, ok := snap.Provider("codex-primary")
	require.True(t, ok)
	assert.Equal(t, routing.FormatOpenAI, primary.Format)
	assert.Equal(t, providers.DialectOpenAI, primary.Dialect)
	assert.Equal(t, "https://api.openai.com/v1", primary.BaseURL)
	assert.Equal(t, credentials.FileRef("~/.codex/auth.json"), primary.CredentialRef)

	backup, _ := snap.Provider("codex-backup")
	assert.Equal(t, "https://openrouter.ai/api/v1", backup.BaseURL)
	assert.Equal(t, providers.DialectOpenRouter, backup.Dialect)

	claude, _ := snap.Provider("claude")
	assert.Equal(t, "https://api.anthropic.com/v1", claude.BaseURL)
	assert.Equal(t, routing.FormatAnthropic, claude.Format)

	local, _ := snap.Provider("local")
	assert.Equal(t, providers.DialectGeneric, local.Dialect)
	assert.True(t, local.Disabled)

	// The whitelist pins matching models to the provider.
	targets, err := routing.Resolve(snap, "claude-sonnet-4", canonical.ModeDefault)
	require.NoError(t, err)
	require.NotEmpty(t, targets)
	assert.Equal(t, "claude", targets[0].Provider.ID)
	assert.Equal(t, "claude-sonnet-4", targets[0].Model)

	rule, ok := snap.Rule(canonical.ModeThink)
	assert.True(t, ok)
	assert.Equal(t, canonical.ModeThink, rule.Mode)

	// Modes without their own list use the default rule.
	rule, ok = snap.Rule(canonical.ModeBackground)
	assert.True(t, ok)
	assert.Equal(t, canonical.ModeDefault, rule.Mode)
}

func TestBuildSnapshot_EndpointURLs(t *testing.T) {
	cfg := &Config{
		Providers: []Provider{
			{Name: "or", APIBase: "https://openrouter.ai/api/v1/chat/completions", APIKey: "k", AutoMap: []AutoMapRule{{Pattern: ".*"}}},
			{Name: "groq", APIBase: "https://api.groq.com/openai/v1/chat/completions", Format: "openai", APIKey: "k", AutoMap: []AutoMapRule{{Pattern: ".*"}}},
			{Name: "claude", APIBase: "https://api.anthropic.com/v1/messages", APIKey: "k", AutoMap: []AutoMapRule{{Pattern: ".*"}}},
			{Name: "openai", APIBase: "https://api.openai.com/v1/chat/completions", Format: "openai", APIKey: "k", ResponsesModels: []string{"codex"}, AutoMap: []AutoMapRule{{Pattern: ".*"}}},
		},
		Router: RouterConfig{Default: ProviderList{"or", "groq", "claude", "openai"}},
	}
	cfg.applyDefaults()

	snap, err := BuildSnapshot(cfg)
	require.NoError(t, err)

	registry := providers.NewRegistry()
	registry.Initialize()

	encodeURL := func(model string) map[string]string {
		targets, err := routing.Resolve(snap, model, canonical.ModeDefault)
		require.NoError(t, err)

		urls := make(map[string]string, len(targets))
		for _, target := range targets {
			adapter, err := registry.ForTarget(target)
			require.NoError(t, err)
			native, err := adapter.Encode(&canonical.Request{
				Model:    model,
				Sampling: canonical.Sampling{MaxTokens: 16},
				Messages: []canonical.Message{
					{Role: canonical.RoleUser, Parts: []canonical.Part{{Type: canonical.PartText, Text: "hi"}}},
				},
			}, target)
			require.NoError(t, err)
			urls[target.Provider.ID] = native.URL
		}
		return urls
	}

	urls := encodeURL("some-model")
	assert.Equal(t, "https://openrouter.ai/api/v1/chat/completions", urls["or"])
	assert.Equal(t, "https://api.groq.com/openai/v1/chat/completions", urls["groq"])
	assert.Equal(t, "https://api.anthropic.com/v1/messages", urls["claude"])
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", urls["openai"])

	assert.Equal(t, "https://api.openai.com/v1/responses", encodeURL("gpt-5-codex")["openai"])
}

func TestBuildSnapshot_Errors(t *testing.T) {
	cfg := &Config{
		Providers: []Provider{
			{Name: "mystery", APIBase: "https://llm.example.internal/v1"},
			{Name: "ok", Type: "anthropic"},
		},
		Router: RouterConfig{Default: ProviderList{"ok", "ghost"}},
	}
	cfg.applyDefaults()

	_, err := BuildSnapshot(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, routing.ErrInvalidConfiguration)
	assert.Contains(t, err.Error(), `provider "mystery"`)

	cfg.Providers = cfg.Providers[1:]
	_, err = BuildSnapshot(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, routing.ErrInvalidConfiguration)
	assert.Contains(t, err.Error(), "ghost")
}

func TestConfig_PolicyAndBreaker(t *testing.T) {
	cfg := &Config{Failover: FailoverConfig{
		AttemptTimeout:      Duration(5 * time.Second),
		SameProviderRetries: 1,
		FatalStatus:         []int{402},
	}}

	p := cfg.Policy()
	assert.Equal(t, 5*time.Second, p.AttemptTimeout)
	assert.Equal(t, 1, p.SameProviderRetries)
	assert.Equal(t, []int{402}, p.FatalStatus)

	assert.Nil(t, cfg.Breaker())
	cfg.Failover.CircuitBreaker = &BreakerConfig{Threshold: 3, Cooldown: Duration(time.Minute)}
	assert.NotNil(t, cfg.Breaker())
}

func TestDuration_Unmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Std())

	require.NoError(t, d.UnmarshalJSON([]byte(`45`)))
	assert.Equal(t, 45*time.Second, d.Std())

	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))
}

func TestProviderList_Unmarshal(t *testing.T) {
	var l ProviderList
	require.NoError(t, l.UnmarshalJSON([]byte(`"a, b"`)))
	assert.Equal(t, ProviderList{"a", "b"}, l)

	require.NoError(t, l.UnmarshalJSON([]byte(`["c"]`)))
	assert.Equal(t, ProviderList{"c"}, l)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultYAMLFilename)
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	}
	write("providers:\n  - name: anthropic\nrouter:\n  default: anthropic\n")

	manager := NewManager(dir)
	_, err := manager.Load()
	require.NoError(t, err)

	type result struct {
		snap *routing.Snapshot
		err  error
	}
	results := make(chan result, 4)

	w := NewWatcher(manager, slog.New(slog.NewTextHandler(io.Discard, nil)), func(_ *Config, snap *routing.Snapshot, err error) {
		results <- result{snap, err}
	})
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	write("providers:\n  - name: anthropic\n  - name: openai\nrouter:\n  default: [openai, anthropic]\n")

	select {
	case r := <-results:
		require.NoError(t, r.err)
		_, ok := r.snap.Provider("openai")
		assert.True(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}
	assert.Len(t, manager.Get().Providers, 2)

	write("providers:\n  - name: anthropic\nrouter:\n  default: nobody\n")

	select {
	case r := <-results:
		require.Error(t, r.err)
		assert.True(t, errors.Is(r.err, routing.ErrInvalidConfiguration))
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after invalid write")
	}
	// The failed reload leaves the previous configuration active.
	assert.Len(t, manager.Get().Providers, 2)

	cancel()
	assert.NoError(t, <-done)
}
