package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/claude-code-mux/internal/process"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the proxy service",
	Long: `Stop the running routing proxy. Client sessions started with "ccm code"
are forgotten, so the next session starts a fresh service.`,
	RunE: runStop,
}

func runStop(_ *cobra.Command, _ []string) error {
	procMgr := process.NewManager(baseDir, logger)
	// Session counts survive a crashed service; clear them either way.
	defer procMgr.CleanupRef()

	pid := procMgr.ReadPID()
	if !procMgr.IsRunning() {
		color.Yellow("%s is not running", AppName)
		return nil
	}

	color.Yellow("Stopping %s (pid %d)...", AppName, pid)
	if err := procMgr.Stop(); err != nil {
		return err
	}

	color.Green("Service stopped successfully")
	return nil
}
