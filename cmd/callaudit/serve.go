package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/banshee-data/callaudit/internal/api"
	"github.com/banshee-data/callaudit/internal/monitoring"
	"github.com/banshee-data/callaudit/internal/version"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(viper.GetString("listen"))
		},
	}
	cmd.Flags().String("listen", ":8080", "listen address")
	_ = viper.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	return cmd
}

func runServe(listen string) error {
	if listen == "" {
		return errors.New("listen address is required")
	}
	log.Printf("Starting %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, svc, cfg, err := openService(ctx)
	if err != nil {
		return err
	}
	defer database.Close()

	if status, err := database.GetMigrationStatus(); err == nil {
		log.Printf("Database %s at schema version %d", database.Path(), status.Current)
	}

	mux := api.NewServer(svc, api.Options{
		DashboardCacheTTL: cfg.DashboardCacheTTL,
		ClaimsPerMinute:   cfg.RateLimit.PerMinute,
		ClaimBurst:        cfg.RateLimit.Burst,
	}).ServeMux()
	if err := database.AttachAdminRoutes(mux); err != nil {
		return fmt.Errorf("attach admin routes: %w", err)
	}

	server := &http.Server{
		Addr:              listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("listening on %s", listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("Graceful shutdown complete")
	return nil
}
