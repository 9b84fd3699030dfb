package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/greenvcm/chatsync"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serveAddr     string
	serveSecret   string
	serveTokenTTL time.Duration
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8787", "Listen address")
	serveCmd.Flags().StringVar(&serveSecret, "secret", "", "HS256 signing key for identity tokens (default $CHATSYNC_SECRET)")
	serveCmd.Flags().DurationVar(&serveTokenTTL, "token-ttl", 24*time.Hour, "Identity token lifetime")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an in-memory relay",
	Long:  "Run a relay holding documents and accounts in memory.\nClients sign in, read and write documents, and watch live queries through it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(zap.InfoLevel)
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()

		secret := serveSecret
		if secret == "" {
			secret = os.Getenv("CHATSYNC_SECRET")
		}
		if secret == "" {
			secret = uuid.NewString()
			logger.Warn("no signing key configured, tokens will not survive a restart")
		}

		accounts, err := chatsync.NewAccounts(chatsync.AccountsConfig{
			SigningKey: []byte(secret),
			TokenTTL:   serveTokenTTL,
			Log:        logger.Named("accounts"),
		})
		if err != nil {
			return err
		}
		relay := chatsync.NewRelay(chatsync.NewMemoryRemote(), accounts, logger.Named("relay"))

		srv := &http.Server{
			Addr:              serveAddr,
			Handler:           relay,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Context with OS signals
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			logger.Info("listening", zap.String("addr", serveAddr))
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		case <-ctx.Done():
			logger.Info("shutting down")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
			return srv.Close()
		}
		return nil
	},
}
