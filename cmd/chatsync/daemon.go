package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/demomastra2025-eng/chatsync/internal/chatsync"
	"github.com/demomastra2025-eng/chatsync/internal/config"
	"github.com/demomastra2025-eng/chatsync/internal/gateway"
	"github.com/demomastra2025-eng/chatsync/internal/httpapi"
	"github.com/demomastra2025-eng/chatsync/internal/logging"
)

const (
	connectRefreshTimeout = 30 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// daemon wires the store to its gateway, push stream, archive and API.
type daemon struct {
	cfg      config.Config
	log      logging.Logger
	registry *prometheus.Registry
	metrics  *chatsync.Metrics
	store    *chatsync.Store
	dial     chatsync.Dialer
	history  *gateway.PostgresHistory
	archiver *gateway.Archiver
	api      http.Handler
}

type daemonOptions struct {
	withAPI  bool
	observer func(chatsync.Change)
	logOut   io.Writer
}

func newDaemon(cfg config.Config, opts daemonOptions) (*daemon, error) {
	if opts.logOut == nil {
		opts.logOut = os.Stderr
	}
	logger, err := logging.New(opts.logOut, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	d := &daemon{cfg: cfg, log: logger, registry: prometheus.NewRegistry()}
	d.metrics = chatsync.NewMetrics(d.registry)
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client := gateway.NewHTTPClient(cfg.Gateway.BaseURL, cfg.Gateway.Token, &http.Client{Timeout: cfg.Gateway.Timeout}).
		WithRateLimit(cfg.Gateway.RateLimit, cfg.Gateway.RateBurst)
	var gw chatsync.Gateway = client

	d.history, err = gateway.BuildHistoryFromDSN(cfg.HistoryDSN)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	if d.history != nil {
		gw = gateway.WithHistory(client, d.history)
		d.archiver = gateway.NewArchiver(d.history, logger, 0)
	}

	if cfg.EventsDSN != "" {
		d.dial, err = gateway.BuildDialerFromDSN(cfg.EventsDSN, cfg.Gateway.Token)
		if err != nil {
			return nil, fmt.Errorf("events: %w", err)
		}
	}

	d.store, err = chatsync.NewStore(chatsync.Options{
		Gateway:          gw,
		Connectors:       cfg.Connectors,
		Logger:           logger,
		Metrics:          d.metrics,
		PageSize:         cfg.Sync.PageSize,
		MatchTolerance:   cfg.Sync.MatchTolerance,
		QueueSize:        cfg.Sync.QueueSize,
		LabelConcurrency: cfg.Sync.LabelConcurrency,
		Observer:         chainObservers(d.archiverObserver(), opts.observer),
	})
	if err != nil {
		return nil, err
	}

	if opts.withAPI && cfg.HTTP.Addr != "" {
		d.api = httpapi.NewServerWithConfig(d.store, httpapi.ServerConfig{
			JWTSecret:    cfg.HTTP.JWTSecret,
			RateLimit:    cfg.HTTP.RateLimit,
			RateBurst:    cfg.HTTP.RateBurst,
			MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
			Gatherer:     d.registry,
			Logger:       logger,
		})
	}
	return d, nil
}

func (d *daemon) archiverObserver() func(chatsync.Change) {
	if d.archiver == nil {
		return nil
	}
	return d.archiver.Observe
}

func chainObservers(observers ...func(chatsync.Change)) func(chatsync.Change) {
	var active []func(chatsync.Change)
	for _, o := range observers {
		if o != nil {
			active = append(active, o)
		}
	}
	switch len(active) {
	case 0:
		return nil
	case 1:
		return active[0]
	}
	return func(c chatsync.Change) {
		for _, o := range active {
			o(c)
		}
	}
}

// run blocks until ctx is done or a component fails. refresh receives
// out-of-band resync requests such as SIGHUP.
func (d *daemon) run(ctx context.Context, refresh <-chan os.Signal, ready func(context.Context)) error {
	defer func() {
		if d.history != nil {
			_ = d.history.Close()
		}
	}()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(d.store.Run(gctx))
	})

	d.refreshOnce(gctx, "startup")

	if d.dial != nil {
		sub, err := chatsync.NewSubscription(d.store, chatsync.SubscriptionOptions{
			Dial:    d.dial,
			Logger:  d.log,
			Metrics: d.metrics,
			OnConnect: func(ctx context.Context) {
				d.refreshOnce(ctx, "reconnect")
			},
		})
		if err != nil {
			return err
		}
		if err := sub.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-sub.Done():
			}
			return sub.Stop()
		})
	}

	g.Go(func() error {
		refreshLoop(gctx, d.cfg.Sync.RefreshInterval, d.cfg.Sync.RefreshJitter, refresh, func(ctx context.Context, reason string) {
			d.refreshOnce(ctx, reason)
		})
		return nil
	})

	if d.archiver != nil {
		g.Go(func() error {
			return ignoreCanceled(d.archiver.Run(gctx))
		})
	}

	if d.api != nil {
		srv := &http.Server{Addr: d.cfg.HTTP.Addr, Handler: d.api, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			d.log.Info(gctx, "http api listening", "addr", d.cfg.HTTP.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if ready != nil {
		g.Go(func() error {
			ready(gctx)
			return nil
		})
	}

	err := g.Wait()
	d.log.Info(context.Background(), "chatsync stopped", "error", err)
	return err
}

func (d *daemon) refreshOnce(ctx context.Context, reason string) {
	ctx, cancel := context.WithTimeout(ctx, connectRefreshTimeout)
	defer cancel()
	if err := d.store.RefreshConversations(ctx); err != nil {
		if ctx.Err() == nil {
			d.log.Warn(ctx, "conversation refresh failed", "reason", reason, "error", err)
		}
		return
	}
	d.log.Debug(ctx, "conversation refresh completed", "reason", reason)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
