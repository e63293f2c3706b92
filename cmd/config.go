package cmd

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/claude-code-mux/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the proxy configuration.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration interactively",
	Long:  `Initialize a YAML configuration by prompting for one provider.`,
	RunE:  runConfigInit,
}

var configExampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Write an example YAML configuration",
	Long:  `Write a starter config.yaml covering the common providers.`,
	RunE:  runConfigExample,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Load the configuration and build its routing table, reporting every problem found.`,
	RunE:  runConfigValidate,
}

var configMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Convert config.json to config.yaml",
	Long:  `Write the JSON configuration as YAML. The JSON file is left in place but YAML takes precedence.`,
	RunE:  runConfigMigrate,
}

func init() {
	configExampleCmd.Flags().BoolP("force", "f", false, "overwrite an existing configuration")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configExampleCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configMigrateCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	color.Blue("Claude Code Mux Configuration Setup")
	color.Yellow("Follow the prompts to configure your first provider.")

	presets := make([]string, 0, len(config.Presets))
	for name := range config.Presets {
		presets = append(presets, name)
	}
	sort.Strings(presets)

	reader := bufio.NewReader(os.Stdin)
	ask := func(prompt string) string {
		fmt.Print(prompt)
		v, _ := reader.ReadString('\n')
		return strings.TrimSpace(v)
	}

	providerName := ask(fmt.Sprintf("\nProvider (%s, or a custom name): ", strings.Join(presets, ", ")))
	apiKey := ask("API Key (or ${ENV_VAR}): ")

	var baseURL string
	if _, known := config.Presets[providerName]; !known {
		baseURL = ask("API Base URL: ")
	}

	model := ask("Model to route here (client model name, e.g. claude-sonnet-4): ")
	upstreamModel := ask("Upstream model name (empty to forward unchanged): ")
	routerAPIKey := ask("Proxy API Key (optional, for authentication): ")

	cfg := &config.Config{
		Host:   config.DefaultHost,
		Port:   config.DefaultPort,
		APIKey: routerAPIKey,
		Providers: []config.Provider{{
			Name:     providerName,
			APIBase:  baseURL,
			APIKey:   apiKey,
			ModelMap: map[string]string{model: upstreamModel},
		}},
		Router: config.RouterConfig{Default: config.ProviderList{providerName}},
	}

	if err := config.Validate(cfg); err != nil {
		return err
	}
	if err := cfgMgr.SaveAsYAML(cfg); err != nil {
		return fmt.Errorf("save configuration: %w", err)
	}

	color.Green("Configuration saved successfully to: %s", cfgMgr.GetPath())
	color.Cyan("You can now start the proxy with: ccm start")
	return nil
}

func runConfigExample(cmd *cobra.Command, _ []string) error {
	force, _ := cmd.Flags().GetBool("force")
	if cfgMgr.HasYAML() && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite", cfgMgr.GetPath())
	}

	if err := cfgMgr.CreateExampleYAML(); err != nil {
		return err
	}

	color.Green("Example configuration written to: %s", cfgMgr.GetPath())
	color.Cyan("Set the referenced API key variables, or put them in %s/.env", baseDir)
	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		color.Yellow("No configuration found. Run 'ccm config init' to create one.")
		return nil
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	color.Blue("Current Configuration:")
	fmt.Printf("  %-22s: %s\n", "Host", cfg.Host)
	fmt.Printf("  %-22s: %d\n", "Port", cfg.Port)
	fmt.Printf("  %-22s: %s\n", "API Key", maskString(cfg.APIKey))
	fmt.Printf("  %-22s: %d\n", "Long Context Threshold", cfg.LongContextThreshold)
	fmt.Printf("  %-22s: %s\n", "Attempt Timeout", cfg.Failover.AttemptTimeout)
	fmt.Printf("  %-22s: %s\n", "Config Path", cfgMgr.GetPath())

	fmt.Println("\nProviders:")
	for _, p := range cfg.Providers {
		fmt.Printf("  - Name: %s", p.Name)
		if p.Disabled {
			color.New(color.FgRed).Print(" (disabled)")
		}
		fmt.Println()
		fmt.Printf("    Format: %s %s\n", p.Format, p.Dialect)
		fmt.Printf("    API Base: %s\n", p.APIBase)
		if p.APIKeyPath != "" {
			fmt.Printf("    API Key File: %s\n", p.APIKeyPath)
		} else {
			fmt.Printf("    API Key: %s\n", maskString(p.APIKey))
		}
		fmt.Printf("    Priority: %d\n", p.Priority)
		for client, upstream := range p.ModelMap {
			if upstream == "" {
				upstream = client
			}
			fmt.Printf("    Model: %s -> %s\n", client, upstream)
		}
		for _, r := range p.AutoMap {
			fmt.Printf("    Pattern: %s -> %s\n", r.Pattern, orDefault(r.Target, "(client model)"))
		}
		if len(p.ModelWhitelist) > 0 {
			fmt.Printf("    Whitelist: %v\n", p.ModelWhitelist)
		}
		fmt.Println()
	}

	fmt.Println("Router Configuration:")
	for _, row := range []struct {
		name string
		ids  config.ProviderList
	}{
		{"Default", cfg.Router.Default},
		{"Think", cfg.Router.Think},
		{"Background", cfg.Router.Background},
		{"Long Context", cfg.Router.LongContext},
		{"Web Search", cfg.Router.WebSearch},
	} {
		if len(row.ids) > 0 {
			fmt.Printf("  %-15s: %s\n", row.name, strings.Join(row.ids, " > "))
		}
	}

	return nil
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		return fmt.Errorf("no configuration found")
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		color.Red("Configuration validation failed:")
		fmt.Printf("  - %v\n", err)
		return fmt.Errorf("configuration validation failed")
	}

	var warnings []string
	if len(cfg.Providers) == 0 {
		warnings = append(warnings, "no providers configured")
	}
	if len(cfg.Router.Default) == 0 {
		warnings = append(warnings, "no default route; only explicitly mapped models will be served")
	}

	if _, err := config.BuildSnapshot(cfg); err != nil {
		color.Red("Configuration validation failed:")
		fmt.Printf("  - %v\n", err)
		return fmt.Errorf("configuration validation failed")
	}

	for _, w := range warnings {
		color.Yellow("  warning: %s", w)
	}
	color.Green("Configuration is valid!")
	return nil
}

func runConfigMigrate(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.HasJSON() {
		return fmt.Errorf("no %s to migrate", config.DefaultConfigFilename)
	}
	if cfgMgr.HasYAML() {
		return fmt.Errorf("%s already exists", config.DefaultYAMLFilename)
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := cfgMgr.SaveAsYAML(cfg); err != nil {
		return err
	}

	color.Green("Configuration migrated to: %s", cfgMgr.GetPath())
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func maskString(s string) string {
	if s == "" {
		return "(not set)"
	}
	if strings.HasPrefix(s, "${") {
		return s
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
