package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Davincible/claude-code-mux/internal/config"
)

const (
	AppName = "claude-code-mux"
	Version = "0.3.0"

	// ConfigDirEnv overrides the configuration directory.
	ConfigDirEnv = "CCM_CONFIG_DIR"

	logFilename = "ccm.log"
)

var (
	logger  *slog.Logger
	baseDir string
	cfgMgr  *config.Manager
)

func init() {
	logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	baseDir = os.Getenv(ConfigDirEnv)
	if baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			logger.Error("Failed to get home directory", "error", err)
			os.Exit(1)
		}
		baseDir = filepath.Join(homeDir, "."+AppName)
	}
	cfgMgr = config.NewManager(baseDir)
}

var rootCmd = &cobra.Command{
	Use:     "ccm",
	Short:   "Claude Code Mux - routing proxy for AI coding assistants",
	Long:    `A local proxy that accepts Anthropic Messages and OpenAI Chat Completions requests, routes them by model and intent to configured providers, and fails over between them.`,
	Version: Version,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolP("log-file", "l", false, "also write logs to "+logFilename+" in the config directory")
	rootCmd.PersistentFlags().String("log-format", "text", "log format: text or json")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(codeCmd)
	rootCmd.AddCommand(configCmd)
}

// setupLogging replaces the default logger according to the persistent
// flags. The returned closer releases the log file, if any.
func setupLogging(cmd *cobra.Command) (io.Closer, error) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	logFile, _ := cmd.Flags().GetBool("log-file")
	logFormat, _ := cmd.Flags().GetString("log-format")

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = io.NopCloser(nil)
	)
	if logFile {
		if err := os.MkdirAll(baseDir, 0750); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(baseDir, logFilename), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = io.MultiWriter(os.Stdout, f), f
	}

	switch logFormat {
	case "json":
		logger = slog.New(slog.NewJSONHandler(out, opts))
	case "text", "":
		logger = slog.New(slog.NewTextHandler(out, opts))
	default:
		return nil, fmt.Errorf("unknown log format %q", logFormat)
	}
	slog.SetDefault(logger)

	return closer, nil
}

func ensureConfigExists() error {
	if !cfgMgr.Exists() {
		color.Yellow("Configuration not found in %s", baseDir)
		fmt.Println("Run 'ccm config init' for a guided setup or 'ccm config example' for a starter YAML file.")
		return fmt.Errorf("configuration required")
	}
	return nil
}
