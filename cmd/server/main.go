package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/privchat/internal/logger"
	"github.com/Tyrowin/privchat/internal/mailbox"
	"github.com/Tyrowin/privchat/internal/server"
	"github.com/Tyrowin/privchat/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	envFile string
	addr    string
)

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().StringVarP(&envFile, "env-file", "e", ".env", "Optional dotenv file to load before reading the environment")
	rootCmd.PersistentFlags().StringVarP(&addr, "addr", "a", "", "Address to listen on, overriding the environment")
}

var (
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of privchat-server",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("privchat-server version %s\n", version)
		},
	}

	rootCmd = &cobra.Command{
		Use:          "privchat-server",
		Short:        "Private chat server",
		Long:         `privchat-server accepts WebSocket chat clients, routes private messages between them and queues messages for offline users in the mailbox service.`,
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return run()
		},
	}
)

func run() error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}

	logCfg, err := logger.LoadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg, err := server.LoadConfig()
	if err != nil {
		log.Error("Invalid configuration", zap.Error(err))
		return err
	}

	if addr != "" {
		cfg.Addr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "privchat-server", cfg.OTelEndpoint)
	if err != nil {
		return err
	}

	mb := mailbox.NewClient(cfg.MailboxClientConfig(), log.Named("mailbox"))
	srv := server.New(*cfg, mb, log)
	srv.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("Received shutdown signal, shutting down gracefully")
	case err := <-errCh:
		if err != nil {
			log.Error("Server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Shutdown did not complete cleanly", zap.Error(err))
		errs = append(errs, err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("Tracer shutdown error", zap.Error(err))
	}
	log.Info("Server stopped")
	return errors.Join(errs...)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
