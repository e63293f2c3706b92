package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/claude-code-mux/internal/process"
)

var codeCmd = &cobra.Command{
	Use:   "code [args...]",
	Short: "Run Claude Code through the proxy",
	Long:  `Start the proxy if needed and run Claude Code with the proxy as its API endpoint.`,
	Args:  cobra.ArbitraryArgs,
	RunE:  runCode,
}

func runCode(cmd *cobra.Command, args []string) error {
	if err := ensureConfigExists(); err != nil {
		return err
	}

	procMgr := process.NewManager(baseDir, logger)
	cfg := cfgMgr.Get()
	endpoint := fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)

	startedByUs, err := procMgr.StartServiceIfNeeded(endpoint + "/health")
	if err != nil {
		return err
	}

	procMgr.IncrementRef()
	defer func() {
		procMgr.DecrementRef()
		if startedByUs && procMgr.ReadRef() == 0 {
			color.Yellow("No more active sessions, stopping auto-started service...")
			procMgr.Stop()
		}
	}()

	claudeCmd := exec.Command("claude", args...)
	claudeCmd.Env = clientEnv(os.Environ(), cfg.APIKey, endpoint)
	claudeCmd.Stdin = os.Stdin
	claudeCmd.Stdout = os.Stdout
	claudeCmd.Stderr = os.Stderr

	return claudeCmd.Run()
}

// clientEnv points Claude Code at the proxy, replacing any credentials it
// would otherwise send to Anthropic directly.
func clientEnv(env []string, apiKey, endpoint string) []string {
	env = filterEnv(env, "ANTHROPIC_AUTH_TOKEN")
	env = filterEnv(env, "ANTHROPIC_API_KEY")
	env = filterEnv(env, "ANTHROPIC_BASE_URL")

	if apiKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+apiKey)
	} else {
		env = append(env, "ANTHROPIC_AUTH_TOKEN=proxy")
	}

	return append(env,
		"ANTHROPIC_BASE_URL="+endpoint,
		"API_TIMEOUT_MS=600000",
	)
}

func filterEnv(env []string, key string) []string {
	var filtered []string
	prefix := key + "="
	for _, e := range env {
		if !strings.HasPrefix(e, prefix) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
