package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/richinsley/diffgrid/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a grid session over HTTP",
	Long: `Starts a grid session and exposes its state, a websocket stream of state changes and the
grid actions over HTTP. Prometheus metrics are served on /metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		s, err := newSession(cmd.Context(), cmd, reg)
		if err != nil {
			return err
		}
		defer s.Close()

		listen := s.cfg.Server.Listen
		if cmd.Flags().Changed("listen") {
			listen, _ = cmd.Flags().GetString("listen")
		}
		if load, _ := cmd.Flags().GetBool("load"); load {
			s.store.Load()
		}

		srv := &http.Server{
			Addr:    listen,
			Handler: server.NewHandler(s.store, reg),
		}

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error {
			slog.Info("Starting server", "addr", srv.Addr, "api", s.cfg.API.Root)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			slog.Info("Shutting down")

			// Give outstanding requests a deadline for completion.
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			// websocket streams end when the session closes
			s.store.Close()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("Graceful shutdown did not complete", "timeout", shutdownTimeout, "error", err)
				return srv.Close()
			}
			return nil
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("listen", "l", ":8080", "Address to listen on (overrides server.listen)")
	serveCmd.Flags().Bool("load", true, "Load the prompt catalog and first trunk on startup")
}
