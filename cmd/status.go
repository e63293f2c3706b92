package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/claude-code-mux/internal/process"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show proxy service status",
	Long:  `Display the current status of the routing proxy, including what the running service reports on /health.`,
	Run:   runStatus,
}

type liveHealth struct {
	Status           string    `json:"status"`
	Providers        int       `json:"providers"`
	EnabledProviders int       `json:"enabled_providers"`
	ConfigLoadedAt   time.Time `json:"config_loaded_at"`
}

func probeHealth(url string) (*liveHealth, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health returned %d", resp.StatusCode)
	}

	var h liveHealth
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &h, nil
}

func row(label string, value any) {
	fmt.Printf("  %-15s: %v\n", label, value)
}

func runStatus(_ *cobra.Command, _ []string) {
	procMgr := process.NewManager(baseDir, logger)
	cfg := cfgMgr.Get()
	endpoint := fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)

	color.Blue("Status for %s v%s:", AppName, Version)
	row("Running", procMgr.IsRunning())
	row("PID", procMgr.ReadPID())
	row("Sessions", procMgr.ReadRef())
	row("Config Path", cfgMgr.GetPath())
	row("Endpoint", endpoint)
	row("Metrics", endpoint+"/metrics")

	live, err := probeHealth(endpoint + "/health")
	if err != nil {
		color.Yellow("  %-15s: unreachable (%v)", "Health", err)
		row("Providers", len(cfg.Providers))
		return
	}

	row("Health", live.Status)
	row("Providers", fmt.Sprintf("%d (%d enabled)", live.Providers, live.EnabledProviders))
	if !live.ConfigLoadedAt.IsZero() {
		row("Config Loaded", live.ConfigLoadedAt.Local().Format(time.RFC3339))
	}
}
