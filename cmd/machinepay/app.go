package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nkiryanov/machinepay/internal/db"
	"github.com/nkiryanov/machinepay/internal/handlers"
	"github.com/nkiryanov/machinepay/internal/handlers/paywall"
	"github.com/nkiryanov/machinepay/internal/logger"
	"github.com/nkiryanov/machinepay/internal/metrics"
	"github.com/nkiryanov/machinepay/internal/repository/postgres"
	"github.com/nkiryanov/machinepay/internal/service/auth"
	"github.com/nkiryanov/machinepay/internal/service/challenge"
	"github.com/nkiryanov/machinepay/internal/service/facilitator"
	"github.com/nkiryanov/machinepay/internal/service/mandate"
	"github.com/nkiryanov/machinepay/internal/service/proof"
	"github.com/nkiryanov/machinepay/internal/service/registry"
	"github.com/nkiryanov/machinepay/internal/service/settlement"
	"github.com/nkiryanov/machinepay/internal/service/sweeper"
	"github.com/nkiryanov/machinepay/internal/service/verifier"
	"github.com/nkiryanov/machinepay/internal/service/wallet"
)

const shutdownTimeout = 5 * time.Second

type ServerApp struct {
	ListenAddr string
	Handler    http.Handler
	Sweeper    *sweeper.Sweeper

	logger logger.Logger
	pool   *pgxpool.Pool
}

func NewServerApp(ctx context.Context, c *Config) (*ServerApp, error) {
	l, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	signer, err := proof.NewSigner(c.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("error while creating proof signer: %w", err)
	}

	// Connect to the database and run migrations
	pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
	}

	storage := postgres.NewStorage(pool)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var adapter settlement.Adapter
	if c.FacilitatorURL != "" {
		adapter = facilitator.NewClient(c.FacilitatorURL, l)
	}

	executor := settlement.New(settlement.Config{ApprovalTTL: c.ApprovalTTL}, storage, signer, adapter, m, l)
	endpoints := registry.New(storage, l)
	challenges := challenge.New(storage, l, challenge.WithTTL(c.ChallengeTTL), challenge.WithNetwork(c.Network))
	proofs := verifier.New(storage, signer)

	opts := handlers.Options{
		AdminToken: c.AdminToken,
		Metrics:    m,
		Gatherer:   reg,
	}
	if c.UpstreamURL != "" {
		upstream, err := url.Parse(c.UpstreamURL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("error while parsing upstream url: %w", err)
		}
		opts.Gateway = paywall.New(endpoints, challenges, proofs, l).Wrap
		opts.Origin = &httputil.ReverseProxy{
			Rewrite: func(r *httputil.ProxyRequest) {
				r.SetURL(upstream)
				r.SetXForwarded()
			},
		}
	}

	router := handlers.NewRouter(handlers.Services{
		Tenants:    auth.NewService(storage, nil, l),
		Wallets:    wallet.New(storage, l),
		Endpoints:  endpoints,
		Challenges: challenges,
		Payments:   executor,
		Verifier:   proofs,
		Mandates:   mandate.New(storage, executor, l),
	}, opts, l)

	return &ServerApp{
		ListenAddr: c.ListenAddr,
		Handler:    router,
		Sweeper:    sweeper.New(c.SweepInterval, executor, l),
		logger:     l,
		pool:       pool,
	}, nil
}

// Run serves http and sweeps parked payments until ctx is cancelled or the server fails
func (s *ServerApp) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    s.ListenAddr,
		Handler: s.Handler,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Starting server", "address", s.ListenAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Error("HTTP server shutdown timeout exceeded, forcing shutdown...")
		}
		s.logger.Info("HTTP server stopped")
		return nil
	})

	g.Go(func() error {
		<-s.Sweeper.Run(gctx)
		return nil
	})

	return g.Wait()
}

func (s *ServerApp) Close() {
	s.pool.Close()
}
