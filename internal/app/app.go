// Package app wires the daemon: storage, token manager, Graph client,
// policy engine, catalog, monitor, broker and the HTTP and gRPC surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"pimhelper.org/internal/auth"
	"pimhelper.org/internal/broker"
	"pimhelper.org/internal/config"
	"pimhelper.org/internal/graph"
	"pimhelper.org/internal/httpapi"
	"pimhelper.org/internal/monitor"
	"pimhelper.org/internal/obs"
	"pimhelper.org/internal/pim"
	"pimhelper.org/internal/policy"
	"pimhelper.org/internal/rpc"
	"pimhelper.org/internal/store"
	"pimhelper.org/internal/store/pg"
)

const shutdownTimeout = 10 * time.Second

// App holds the wired services.
type App struct {
	Config  *config.Config
	Store   store.Store
	Auth    *auth.Manager
	Graph   *graph.Client
	Catalog *pim.Catalog
	Monitor *monitor.Monitor
	Broker  *broker.Broker
	API     *httpapi.API

	pg      *pg.Store
	version string
}

// OpenStore builds the configured storage backend. The Postgres backend
// migrates its schema before returning.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (store.Store, *pg.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemory(), nil, nil
	case "file":
		st, err := store.NewFile(cfg.Path)
		return st, nil, err
	case "keyring":
		return store.NewKeyring(cfg.KeyringService, cfg.Namespace), nil, nil
	case "postgres":
		st, err := pg.Open(cfg.PostgresDSN, pg.WithNamespace(cfg.Namespace))
		if err != nil {
			return nil, nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		return st, st, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", store.ErrUnknownBackend, cfg.Backend)
	}
}

// Option adjusts wiring; tests use it to swap the authorizer and endpoints.
type Option func(*options)

type options struct {
	authorizer auth.Authorizer
	authOpts   []auth.Option
	graphOpts  []graph.Option
	st         store.Store
}

func WithAuthorizer(a auth.Authorizer) Option {
	return func(o *options) { o.authorizer = a }
}

func WithAuthOptions(opts ...auth.Option) Option {
	return func(o *options) { o.authOpts = append(o.authOpts, opts...) }
}

func WithGraphOptions(opts ...graph.Option) Option {
	return func(o *options) { o.graphOpts = append(o.graphOpts, opts...) }
}

func WithStore(st store.Store) Option {
	return func(o *options) { o.st = st }
}

// New wires every service from cfg.
func New(ctx context.Context, cfg *config.Config, version string, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, version: version, Store: o.st}
	if a.Store == nil {
		st, pgStore, err := OpenStore(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		a.Store, a.pg = st, pgStore
	}

	authorizer := o.authorizer
	redirect := cfg.RedirectURL()
	if authorizer == nil {
		loopback := &auth.LoopbackAuthorizer{
			Addr: cfg.Auth.RedirectAddr,
			Path: cfg.Auth.RedirectPath,
			Out:  os.Stderr,
		}
		if cfg.Auth.Browser != "" {
			loopback.Open = auth.CommandOpener(cfg.Auth.Browser)
		}
		authorizer = loopback
		redirect = loopback.RedirectURL()
	}

	mgr, err := auth.NewManager(auth.Config{
		ClientID:    cfg.Auth.ClientID,
		TenantID:    cfg.Auth.TenantID,
		RedirectURL: redirect,
		Scopes:      cfg.Auth.Scopes,
		Flow:        auth.Flow(cfg.Auth.Flow),
	}, a.Store, authorizer, o.authOpts...)
	if err != nil {
		return nil, err
	}
	a.Auth = mgr

	graphOpts := append([]graph.Option{
		graph.WithTimeout(cfg.Graph.Timeout.Std()),
		graph.WithRetries(cfg.Graph.Retries),
		graph.WithRateLimit(cfg.Graph.RateLimit, cfg.Graph.RateBurst),
		graph.WithMaxBodyBytes(cfg.Graph.MaxBodyBytes),
	}, o.graphOpts...)
	gc, err := graph.New(cfg.Graph.BaseURL, mgr, graphOpts...)
	if err != nil {
		return nil, err
	}
	a.Graph = gc

	engine := policy.New(gc, policy.WithFallbackRoles(cfg.Policy.FallbackRoles))
	a.Catalog = pim.NewCatalog(gc, engine,
		pim.WithCacheTTL(cfg.Catalog.CacheTTL.Std()),
		pim.WithConcurrency(cfg.Policy.Concurrency),
	)
	a.Monitor = monitor.New(a.Catalog, monitor.WithNotifier(monitor.LogNotifier{}))
	a.Broker = broker.New(mgr, a.Catalog, pim.NewOrchestrator(gc),
		broker.WithMonitor(a.Monitor),
		broker.WithPreferences(a.Store),
	)

	probe := httpapi.ReadyProbe{}
	if a.pg != nil {
		probe.DB = a.pg.DB()
	}
	a.API = httpapi.New(probe, version, a.Broker, a.Monitor.Hub(),
		httpapi.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst),
		httpapi.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	)
	return a, nil
}

// Run serves HTTP and gRPC until ctx is cancelled, then shuts both down.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config
	if err := a.Auth.LoadStoredTokens(ctx); err != nil {
		obs.Warn("load stored tokens failed", map[string]any{"error": err.Error()})
	}
	if cfg.Monitor.AutoStart {
		if err := a.Monitor.Start(cfg.Monitor.Interval.Std(), cfg.Monitor.WarnBefore.Std()); err != nil {
			return err
		}
	}

	httpLn, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen http: %w", err)
	}
	grpcLn, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return fmt.Errorf("listen grpc: %w", err)
	}

	srv := &http.Server{
		Handler:           a.API.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	gs := grpc.NewServer(grpc.UnaryInterceptor(rpc.LoggingInterceptor))
	hs := rpc.Register(gs, rpc.NewServer(a.Broker))

	obs.Info("pimd started", map[string]any{
		"version":   a.version,
		"http_addr": httpLn.Addr().String(),
		"grpc_addr": grpcLn.Addr().String(),
		"flow":      cfg.Auth.Flow,
		"storage":   cfg.Storage.Backend,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := gs.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.shutdown(srv, gs, hs)
		return nil
	})
	return g.Wait()
}

func (a *App) shutdown(srv *http.Server, gs *grpc.Server, hs *health.Server) {
	obs.Info("shutting down", nil)
	hs.SetServingStatus(rpc.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	a.Monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		obs.Warn("http shutdown", map[string]any{"error": err.Error()})
	}
	stopped := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		gs.Stop()
	}
}

// Close releases storage.
func (a *App) Close() error {
	if a.pg != nil {
		return a.pg.Close()
	}
	return nil
}
