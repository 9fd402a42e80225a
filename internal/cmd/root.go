// Package cmd implements the pmf command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dativo-io/pmframework/internal/config"
	"github.com/dativo-io/pmframework/internal/otel"
)

// resolvedVersion returns Version unless it is "dev" and Go build info
// carries a real module version.
func resolvedVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

// tracer is the package-level tracer for all CLI commands
var tracer = otel.Tracer("github.com/dativo-io/pmframework/internal/cmd")

var (
	otelShutdown func(context.Context) error
	logCloser    io.Closer

	// Version info injected via ldflags at build time
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"

	// Global flags
	cfgFile   string
	envFile   string
	verbose   bool
	logLevel  string
	logFormat string
	otelFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "pmf",
	Short: "Memory triggers and recall for PM agents",
	Long: `pmf turns project-management events into persistent memories and
recalls them before new work starts.

- Hooks for workflows, agent operations, issues, errors and decisions
- Policy-driven immediate or batched persistence
- SQLite, Redis and in-process backends with automatic failover
- Pattern detection and recommendations from past outcomes`,
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(viper.GetString(config.KeyLogFile)); err != nil {
			return err
		}

		otelEnabled := otelFlag || verbose || os.Getenv("PMF_OTEL_ENABLED") == "true"
		shutdown, err := otel.Setup("pmf", resolvedVersion(), otelEnabled)
		if err != nil {
			return fmt.Errorf("initializing OpenTelemetry: %w", err)
		}
		otelShutdown = shutdown
		return nil
	},
}

// setupLogging configures the global zerolog logger. Logs go to stderr so
// stdout stays clean for piping; logFile adds a rotated JSON copy.
func setupLogging(logFile string) error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	var console io.Writer = os.Stderr
	if logFormat != "json" {
		console = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	if logCloser != nil {
		_ = logCloser.Close()
		logCloser = nil
	}
	if logFile == "" {
		log.Logger = zerolog.New(console).With().Timestamp().Logger()
		return nil
	}

	rotated := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    20, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	logCloser = rotated
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, rotated)).With().Timestamp().Logger()
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./pmf.config.yaml or ~/.pmf/pmf.config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&otelFlag, "otel", false, "enable OpenTelemetry (traces and metrics to stdout)")

	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("otel", rootCmd.PersistentFlags().Lookup("otel"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func initConfig() {
	if err := config.LoadDotEnv(envFile); err != nil {
		log.Warn().Err(err).Str("file", envFile).Msg("dotenv_load_failed")
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.pmf")
		}
		viper.AddConfigPath(".")
		viper.SetConfigName("pmf.config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PMF")
	viper.AutomaticEnv()

	// The file is optional.
	_ = viper.ReadInConfig()
}

// Execute runs the root command and flushes OTel on exit
func Execute() error {
	err := rootCmd.Execute()
	if otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(ctx)
	}
	if logCloser != nil {
		_ = logCloser.Close()
	}
	return err
}
