package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/cognalith/governor"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	logLevel   string
	configFile string
	storeFlag  string
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "governor",
	Short: "Amendment governance for supervised agents",
	Long: `governor watches the task outcomes of governed agents, proposes amendments
to their instructions, gates every amendment behind safety checks and human
approval, and reverts amendments that fail their evaluation window.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load .env file if present (non-fatal; production won't have one).
		_ = godotenv.Load()
		if configFile != "" {
			if err := os.Setenv("GOVERNOR_CONFIG_FILE", configFile); err != nil {
				return err
			}
		}
		if logLevel == "" {
			logLevel = os.Getenv("GOVERNOR_LOG_LEVEL")
		}
		logger = newLogger(logLevel)
		slog.SetDefault(logger)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and MCP server with the background scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := governor.New(appOptions()...)
		if err != nil {
			return err
		}
		return app.Run(cmd.Context())
	},
}

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Run one review cycle over every agent and print the results",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := governor.New(append(appOptions(), governor.WithoutScheduler())...)
		if err != nil {
			return err
		}
		defer app.Close(context.Background())

		items, err := app.Review(cmd.Context())
		if err != nil {
			return fmt.Errorf("review: %w", err)
		}
		return printJSON(cmd, items)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Revert amendments whose evaluation window has expired",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := governor.New(append(appOptions(), governor.WithoutScheduler())...)
		if err != nil {
			return err
		}
		defer app.Close(context.Background())

		reverted, err := app.Sweep(cmd.Context())
		if perr := printJSON(cmd, map[string]any{"reverted": reverted}); perr != nil {
			return perr
		}
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return governor.Migrate(cmd.Context(), appOptions()...)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (or set GOVERNOR_LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML config file (or set GOVERNOR_CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&storeFlag, "store", "", "Store driver: postgres or sqlite (or set GOVERNOR_STORE)")

	rootCmd.AddCommand(serveCmd, reviewCmd, sweepCmd, migrateCmd)
	rootCmd.Version = version
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		cancel()
		os.Exit(1)
	}
}

func appOptions() []governor.Option {
	opts := []governor.Option{
		governor.WithVersion(version),
		governor.WithLogger(logger),
	}
	if storeFlag != "" {
		opts = append(opts, governor.WithStoreDriver(storeFlag))
	}
	return opts
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
