package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/trading-pipeline/internal/api"
	"github.com/atlas-desktop/trading-pipeline/internal/config"
	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// rootOptions are the global flags.
type rootOptions struct {
	configFile string
	envFile    string
	logLevel   string
}

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Crypto trading decision and execution pipeline",
		Long: `pipeline fetches market data, classifies the regime, validates and sizes
trades, and executes approved trades in paper or live mode.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Environment file loaded before reading the environment")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")

	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newCycleCmd(opts))
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newConfigCmd(opts))

	return rootCmd
}

// load reads configuration and builds the logger at the configured level.
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	bootstrap := setupLogger(o.logLevel)
	cfg, err := config.Load(bootstrap, config.Options{
		File:     o.configFile,
		EnvFiles: []string{o.envFile},
	})
	if err != nil {
		return nil, nil, err
	}

	level := cfg.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	return cfg, setupLogger(level), nil
}

// newRunCmd creates the run command
func newRunCmd(opts *rootOptions) *cobra.Command {
	var continuous bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve the control API and run trading cycles",
		Long: `Serve the control API and WebSocket stream. With continuous mode the
pipeline runs a cycle every cycle interval; otherwise it runs one cycle and
keeps serving until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cmd.Flags().Changed("continuous") {
				cfg.Continuous = continuous
			}
			return runServer(logger, cfg)
		},
	}

	cmd.Flags().BoolVar(&continuous, "continuous", false, "Run cycles continuously; overrides CONTINUOUS_MODE")
	return cmd
}

func runServer(logger *zap.Logger, cfg *config.Config) error {
	logger.Info("Starting trading pipeline", cfg.LogFields()...)

	a, err := newApp(logger, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := api.NewHub(logger)
	go hub.Run(ctx)
	hub.Attach(a.bus)

	server := api.NewServer(logger, cfg.API, a.coord, a.recorder, hub, a.metrics, cfg.Orchestrator.Symbols)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	logger.Info("Server started successfully",
		zap.String("ws", fmt.Sprintf("ws://%s:%d/ws", cfg.API.Host, cfg.API.Port)),
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", cfg.API.Host, cfg.API.Port)),
		zap.String("mode", cfg.Mode()),
	)

	cycles := make(chan struct{})
	go func() {
		defer close(cycles)
		if cfg.Continuous {
			a.coord.RunContinuous(ctx, cfg.Orchestrator.Symbols, cfg.Orchestrator.CycleInterval)
			return
		}
		msg := a.coord.RunCycle(ctx, cfg.Orchestrator.Symbols)
		logger.Info("Cycle finished", zap.Bool("success", msg.Success), zap.String("error", msg.Error))
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
		}
		stop()
	}

	<-cycles

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
	return nil
}

// newCycleCmd creates the cycle command
func newCycleCmd(opts *rootOptions) *cobra.Command {
	var symbols []string

	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run a single trading cycle and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			a, err := newApp(logger, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(symbols) == 0 {
				symbols = cfg.Orchestrator.Symbols
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			msg := a.coord.RunCycle(ctx, symbols)
			if err := printJSON(cmd, map[string]any{
				"result":   msg,
				"workflow": a.coord.Status(),
				"alerts":   a.recorder.Alerts(""),
			}); err != nil {
				return err
			}
			if !msg.Success {
				return errors.New(msg.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&symbols, "symbols", nil, "Symbols to trade (default TRADING_PAIRS)")
	return cmd
}

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := resty.New().
				SetTimeout(10 * time.Second).
				R().
				SetContext(cmd.Context()).
				Get(addr + "/api/v1/status")
			if err != nil {
				return fmt.Errorf("status request failed: %w", err)
			}
			if resp.IsError() {
				return fmt.Errorf("status request failed: %s", resp.Status())
			}

			var status map[string]any
			if err := json.Unmarshal(resp.Body(), &status); err != nil {
				return fmt.Errorf("invalid status response: %w", err)
			}
			return printJSON(cmd, status)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:8080", "Base URL of the pipeline API")
	return cmd
}

// newConfigCmd creates the config command
func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration without credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			return printJSON(cmd, cfg)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
