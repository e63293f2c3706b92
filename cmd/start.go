package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/claude-code-mux/internal/process"
	"github.com/Davincible/claude-code-mux/internal/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy service",
	Long:  `Start the routing proxy in the foreground. Configuration changes are picked up without a restart.`,
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, _ []string) error {
	closer, err := setupLogging(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()

	if err := ensureConfigExists(); err != nil {
		return err
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return err
	}

	srv, err := server.New(cfgMgr, logger)
	if err != nil {
		return err
	}

	color.Green("Starting %s v%s...", AppName, Version)
	logger.Info("Starting server",
		"host", cfg.Host,
		"port", cfg.Port,
		"providers", len(cfg.Providers),
		"config", cfgMgr.GetPath(),
	)

	procMgr := process.NewManager(baseDir, logger)
	if err := procMgr.WritePID(); err != nil {
		return err
	}
	defer procMgr.CleanupPID()

	return srv.Start()
}
