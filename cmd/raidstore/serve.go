package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"raidstore/internal/core"
	"raidstore/pkg/auth"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the file API over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.String("listen", ":8000", "HTTP listen address")
	flags.String("admin-user", "", "user for the admin endpoints (default "+auth.DefaultUser+")")
	flags.String("admin-password", "", "password for the admin endpoints")

	rootCmd.AddCommand(serveCmd)
}

func adminAuthenticator() auth.AuthEngine {
	if cfg.AdminPassword == "" {
		logger.Warn("No admin password configured, using the default credentials")
	}

	engines := []auth.AuthEngine{auth.NewBasicAuthEngine(cfg.AdminUser, cfg.AdminPassword)}
	for user, password := range cfg.AdminUsers {
		engines = append(engines, auth.NewBasicAuthEngine(user, password))
	}
	return auth.NewCompoundAuthEngine(engines...)
}

func runServer(ctx context.Context) error {
	e, closeMeta, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer closeMeta()

	server, err := core.NewServer(core.NewConfig(
		core.WithEngine(e),
		core.WithAuthEngine(adminAuthenticator()),
	))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Uploads up to max size must fit in the read timeout on slow links.
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		logger.Info("Starting raidstore HTTP server", "listen", cfg.Listen, "disks", e.Disks().Roots())
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	return eg.Wait()
}
