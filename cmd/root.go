// Package cmd implements the kiln command-line interface.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kiln-dev/kiln/internal/agent"
	"github.com/kiln-dev/kiln/internal/agent/claude"
	"github.com/kiln-dev/kiln/internal/config"
	"github.com/kiln-dev/kiln/internal/coord"
	"github.com/kiln-dev/kiln/internal/log"
	"github.com/kiln-dev/kiln/internal/paths"
	"github.com/kiln-dev/kiln/internal/tracing"

	// Register the mock runtime; claude registers via its named import.
	_ "github.com/kiln-dev/kiln/internal/agent/mock"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Warm AI session pools for low-latency completions and prompts",
	Long: `kiln keeps long-lived AI coding-assistant sessions warm in a pool so
inline completions and command prompts skip process startup entirely.

Concurrent kiln processes elect a single leader over a lock file; the
leader owns the session pools and everyone else forwards requests to it
over a Unix socket.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/kiln/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
	rootCmd.PersistentFlags().String("model", "",
		"model identifier (overrides config)")
	rootCmd.PersistentFlags().String("runtime", "",
		"agent runtime: claude or mock (overrides config)")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("model", rootCmd.PersistentFlags().Lookup("model"))
	_ = viper.BindPFlag("runtime", rootCmd.PersistentFlags().Lookup("runtime"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("runtime", defaults.Runtime)
	viper.SetDefault("completion.slots", defaults.Completion.Slots)
	viper.SetDefault("completion.max_reuses", defaults.Completion.MaxReuses)
	viper.SetDefault("completion.cache_ttl_ms", defaults.Completion.CacheTTLMs)
	viper.SetDefault("command.max_reuses", defaults.Command.MaxReuses)
	viper.SetDefault("command.timeout_ms", defaults.Command.TimeoutMs)
	viper.SetDefault("warmup.timeout_ms", defaults.Warmup.TimeoutMs)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".config", "kiln"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		// First run: write the commented template so users can discover
		// settings, then continue with defaults either way.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && cfgFile == "" {
			if defaultPath, perr := paths.DefaultConfigPath(); perr == nil {
				if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
					viper.SetConfigFile(defaultPath)
					_ = viper.ReadInConfig()
				}
			}
		}
	}

	_ = viper.Unmarshal(&cfg)
	cfg.ApplyDefaults()
}

// initLogging turns on file logging when --debug or KILN_DEBUG asks for it.
// Returns a cleanup function; logging stays disabled otherwise.
func initLogging() (func(), error) {
	if !cfg.Debug && !debugFlag && os.Getenv("KILN_DEBUG") == "" {
		return func() {}, nil
	}
	logPath := os.Getenv("KILN_LOG")
	if logPath == "" {
		logPath = "kiln-debug.log"
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	log.Info(log.CatConfig, "kiln starting", "version", version, "logPath", logPath)
	return cleanup, nil
}

// initTracing builds the trace provider from config.
func initTracing() (*tracing.Provider, error) {
	return tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
}

// buildRuntime resolves the configured agent runtime through the registry.
func buildRuntime() (agent.Runtime, error) {
	rt, err := agent.NewRuntime(agent.RuntimeType(cfg.Runtime))
	if err != nil {
		return nil, fmt.Errorf("resolving runtime %q: %w", cfg.Runtime, err)
	}
	if cr, ok := rt.(*claude.Runtime); ok && len(cfg.Overflow.Patterns) > 0 {
		cr.SetOverflowPatterns(cfg.Overflow.Patterns)
	}
	return rt, nil
}

// newCoordClient assembles the coordination client from config. Callers own
// Activate and Dispose.
func newCoordClient() (*coord.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	rt, err := buildRuntime()
	if err != nil {
		return nil, err
	}

	runtimeDir := cfg.RuntimeDir
	if runtimeDir == "" {
		runtimeDir, err = paths.RuntimeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving runtime dir: %w", err)
		}
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
	}

	return coord.NewClient(coord.ClientConfig{
		RuntimeDir: runtimeDir,
		Server: coord.ServerConfig{
			Runtime:             rt,
			Model:               cfg.Model,
			WorkDir:             workDir,
			CompletionSlots:     cfg.Completion.Slots,
			CompletionMaxReuses: cfg.Completion.MaxReuses,
			CommandMaxReuses:    cfg.Command.MaxReuses,
			WarmupTimeout:       cfg.WarmupTimeout(),
			OverflowPatterns:    cfg.OverflowPatterns(),
			CompletionCacheTTL:  cfg.CompletionCacheTTL(),
		},
	}), nil
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
