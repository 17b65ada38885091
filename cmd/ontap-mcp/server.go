package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/ggoodman/ontap-mcp-server-go/auth"
	"github.com/ggoodman/ontap-mcp-server-go/config"
	"github.com/ggoodman/ontap-mcp-server-go/internal/clustertools"
	"github.com/ggoodman/ontap-mcp-server-go/internal/health"
	"github.com/ggoodman/ontap-mcp-server-go/internal/metrics"
	"github.com/ggoodman/ontap-mcp-server-go/mcp"
	"github.com/ggoodman/ontap-mcp-server-go/ontap"
	"github.com/ggoodman/ontap-mcp-server-go/outbox"
	"github.com/ggoodman/ontap-mcp-server-go/outbox/memory"
	"github.com/ggoodman/ontap-mcp-server-go/outbox/redis"
	"github.com/ggoodman/ontap-mcp-server-go/protocol"
	"github.com/ggoodman/ontap-mcp-server-go/sessions"
	"github.com/ggoodman/ontap-mcp-server-go/ssehttp"
	"github.com/ggoodman/ontap-mcp-server-go/streaminghttp"
	"github.com/ggoodman/ontap-mcp-server-go/tools"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

const (
	sessionIDHeader       = "Mcp-Session-Id"
	protocolVersionHeader = "Mcp-Protocol-Version"
)

type app struct {
	srv      *protocol.Server[*ontap.Registry]
	clusters *config.ClusterSource
	router   http.Handler
	closeFn  func() error
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = a.closeFn() }()

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.InfoContext(gctx, "http.listen", slog.String("addr", cfg.HTTPAddr), slog.String("endpoint", cfg.EndpointPath), slog.Bool("legacy_sse", cfg.LegacySSE))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.srv.Registry().Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error { return a.clusters.Watch(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		// Ending sessions first ends their streams, so the HTTP server is not
		// left waiting on open GET requests.
		if err := a.srv.Shutdown(sctx); err != nil {
			log.WarnContext(sctx, "sessions.shutdown.fail", slog.String("err", err.Error()))
		}
		if err := httpSrv.Shutdown(sctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		log.InfoContext(sctx, "shutdown.ok")
		return nil
	})
	return g.Wait()
}

// core is the transport-independent part of the server.
type core struct {
	srv      *protocol.Server[*ontap.Registry]
	clusters *config.ClusterSource
	metrics  *metrics.Metrics
	closeFn  func() error
}

// newCore builds the session registry, tool dispatcher and protocol server.
// box may be nil, in which case the store named by cfg is used.
func newCore(ctx context.Context, cfg *config.Config, log *slog.Logger, box outbox.Host) (*core, error) {
	clusters, err := config.NewClusterSource(cfg.Clusters, cfg.ClustersFile, log)
	if err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "clusters.defaults", slog.Int("count", len(clusters.Defaults())))

	var ids sessions.IDGenerator = sessions.UUIDs{}
	if cfg.SigningKey != "" {
		seed, err := cfg.SigningSeed()
		if err != nil {
			return nil, err
		}
		if ids, err = sessions.NewSignedIDs(serverName, seed); err != nil {
			return nil, err
		}
	}

	closeFn := func() error { return nil }
	if box == nil {
		switch cfg.SessionStore {
		case config.StoreRedis:
			h, err := redis.New(ctx, redis.Config{RedisAddr: cfg.RedisAddr, KeyPrefix: cfg.KeyPrefix, MarkerTTL: cfg.MarkerTTL})
			if err != nil {
				return nil, err
			}
			box, closeFn = h, h.Close
		default:
			box = memory.New()
		}
	}

	m := metrics.New()
	registry := sessions.NewRegistry(func() *ontap.Registry { return ontap.NewRegistry() },
		sessions.WithInactivityTimeout(cfg.InactivityTimeout()),
		sessions.WithMaxLifetime(cfg.MaxLifetime()),
		sessions.WithCleanupInterval(cfg.CleanupInterval()),
		sessions.WithLogger(log),
		sessions.WithObserver(m),
	)
	dispatcher := tools.New[*ontap.Registry](tools.WithLogger(log), tools.WithObserver(m))
	if err := clustertools.Register(dispatcher); err != nil {
		return nil, err
	}
	dispatcher.Freeze()

	srv := protocol.NewServer(registry, dispatcher, clustertools.Seed(clusters.WithVerifyTLS(cfg.VerifyTLS), log),
		protocol.WithOutbox(box),
		protocol.WithIDGenerator(ids),
		protocol.WithServerInfo(serverName, serverVersion),
		protocol.WithCapabilities(mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}, Resources: &mcp.ResourcesCapability{}}),
		protocol.WithLogger(log),
	)
	return &core{srv: srv, clusters: clusters, metrics: m, closeFn: closeFn}, nil
}

func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	c, err := newCore(ctx, cfg, log, nil)
	if err != nil {
		return nil, err
	}
	srv, registry, m := c.srv, c.srv.Registry(), c.metrics

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(m.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID", sessionIDHeader, protocolVersionHeader},
		ExposedHeaders: []string{sessionIDHeader, protocolVersionHeader},
		MaxAge:         300,
	}))

	r.Method(http.MethodGet, "/health", health.Handler(registry, health.Info{
		Server:    "NetApp ONTAP MCP Server",
		Version:   serverVersion,
		Transport: "Streamable HTTP (" + mcp.LatestProtocolVersion + ")",
	}, (*ontap.Registry).Len))
	r.Method(http.MethodGet, "/metrics", m.Handler())

	protect, err := authMiddleware(ctx, cfg, r, log)
	if err != nil {
		return nil, err
	}

	r.Group(func(r chi.Router) {
		r.Use(protect)
		mh := streaminghttp.New(srv, streaminghttp.WithEndpointPath(cfg.EndpointPath), streaminghttp.WithLogger(log))
		r.Handle(cfg.EndpointPath, mh)
		if cfg.LegacySSE {
			lh := ssehttp.New(srv, ssehttp.WithLogger(log))
			r.Handle("/sse", lh)
			r.Handle("/messages", lh)
		}
	})

	return &app{srv: srv, clusters: c.clusters, router: r, closeFn: c.closeFn}, nil
}

// authMiddleware builds the bearer middleware when auth is configured and
// mounts the protected resource metadata document. Otherwise it returns a
// pass-through.
func authMiddleware(ctx context.Context, cfg *config.Config, r chi.Router, log *slog.Logger) (func(http.Handler) http.Handler, error) {
	if !cfg.AuthEnabled() {
		return func(next http.Handler) http.Handler { return next }, nil
	}

	acfg := auth.Config{Issuer: cfg.AuthIssuer, Audience: cfg.AuthAudience, JWKSURL: cfg.AuthJWKSURL}
	var (
		v   *auth.Validator
		err error
	)
	if cfg.AuthJWKSURL != "" {
		v, err = auth.NewJWT(ctx, acfg)
	} else {
		v, err = auth.NewFromDiscovery(ctx, acfg)
	}
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	const metadataPath = "/.well-known/oauth-protected-resource"
	r.Method(http.MethodGet, metadataPath, auth.MetadataHandler(cfg.AuthAudience, "NetApp ONTAP MCP Server", v))

	opts := []auth.MiddlewareOption{auth.WithRealm(serverName), auth.WithLogger(log)}
	if u, err := url.Parse(cfg.AuthAudience); err == nil && u.Scheme != "" && u.Host != "" {
		opts = append(opts, auth.WithResourceMetadataURL(u.Scheme+"://"+u.Host+metadataPath))
	}
	log.InfoContext(ctx, "auth.enabled", slog.String("issuer", v.Issuer()))
	return auth.Middleware(v, opts...), nil
}
