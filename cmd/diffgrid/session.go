package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/richinsley/diffgrid/cache"
	"github.com/richinsley/diffgrid/client"
	"github.com/richinsley/diffgrid/config"
	"github.com/richinsley/diffgrid/grid"
	"github.com/spf13/cobra"
)

// session bundles what every command builds from the configuration
type session struct {
	cfg    config.Config
	client *client.Client
	store  *grid.Store
	cache  *cache.RedisCache
}

// newSession loads the configuration and creates the client and store. Metrics are
// registered with reg when it is not nil.
func newSession(ctx context.Context, cmd *cobra.Command, reg prometheus.Registerer) (*session, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	opts := []client.Option{
		client.WithRateLimitBackoff(cfg.Client.RateLimitBase, cfg.Client.RateLimitJitter),
		client.WithPollInterval(cfg.Client.PollInterval),
	}
	if cfg.API.Authorization != "" {
		opts = append(opts, client.WithAuthorization(cfg.API.Authorization))
	}
	if reg != nil {
		opts = append(opts, client.WithMetrics(client.NewMetrics(reg)))
	}

	s := &session{cfg: cfg}
	if cfg.Cache.RedisAddr != "" {
		s.cache = cache.New(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB,
			cache.WithPrefix(cfg.Cache.Prefix), cache.WithTTL(cfg.Cache.TTL))
		if err := s.cache.Ping(ctx); err != nil {
			s.cache.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Cache.RedisAddr, err)
		}
		slog.Info("Result cache enabled", "addr", cfg.Cache.RedisAddr)
		opts = append(opts, client.WithCache(s.cache))
	}

	s.client = client.NewClient(cfg.API.Root, opts...)
	s.store = grid.NewStore(s.client, grid.WithConfig(cfg.Grid))
	return s, nil
}

func (s *session) Close() {
	s.store.Close()
	if s.cache != nil {
		s.cache.Close()
	}
}
