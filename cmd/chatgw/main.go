package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/comigor/chatgw/internal/audit"
	"github.com/comigor/chatgw/internal/config"
	"github.com/comigor/chatgw/internal/llm"
	"github.com/comigor/chatgw/internal/logger"
	"github.com/comigor/chatgw/internal/server"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logger.L.Error("chatgw stopped", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:           "chatgw",
		Short:         "HTTP gateway between the chat UI and LLM providers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, logLevel)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default $CONFIG_PATH or ./config.yaml)")
	root.Flags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	root.AddCommand(newAuditCmd(&configPath))

	return root
}

func newAuditCmd(configPath *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print the most recent chat requests from the audit log as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if cfg.Audit.Path == "" {
				return errors.New("audit.path is not configured; the in-memory log is only visible to the running server")
			}

			store := audit.Open(cfg.Audit.Path)
			defer store.Close()

			entries, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("read audit log: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to print")
	return cmd
}

func run(ctx context.Context, configPath, logLevel string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if logLevel == "" {
		logLevel = cfg.Log.Level
	}
	logger.SetLevel(logLevel)

	// Initialize LLM gateway
	gateway := llm.New(cfg.LLM.ProviderConfig(), cfg.LLM.GatewayOptions()...)
	start := gateway.Config()
	logger.L.Info("llm gateway initialized", "provider", start.Provider, "model", start.Model, "timeout", cfg.LLM.Timeout)

	if cfg.WatchLLM(func(u llm.ConfigUpdate) { gateway.UpdateConfig(u) }) {
		logger.L.Info("watching config file for llm changes")
	}

	// Audit log
	store := audit.Open(cfg.Audit.Path)
	defer func() {
		if cerr := store.Close(); cerr != nil {
			logger.L.Warn("audit store close error", "error", cerr)
		}
	}()

	// Initialize router
	handler := server.NewChatHandler(gateway, store)
	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      server.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.L.Info("starting server", "address", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.L.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}
