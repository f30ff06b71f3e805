package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/risingstars/internal/api"
	"github.com/victornm/risingstars/internal/catalog"
	"github.com/victornm/risingstars/internal/event"
	"github.com/victornm/risingstars/internal/gateway"
	"github.com/victornm/risingstars/internal/loader"
	"github.com/victornm/risingstars/internal/ranking"
	"github.com/victornm/risingstars/internal/session"
	"github.com/victornm/risingstars/internal/telemetry"
	"github.com/victornm/risingstars/internal/video"
	"github.com/victornm/risingstars/internal/vote"
)

const (
	PipelineModePoll = "poll"
	PipelineModePush = "push"

	LedgerStoreMemory   = "memory"
	LedgerStoreRedis    = "redis"
	LedgerStorePostgres = "postgres"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Gateway struct {
		BaseURL string
		// EventsURL is the websocket endpoint used by the push pipeline mode.
		EventsURL string
		Timeout   time.Duration
	}

	Session struct {
		// TokenFile persists the access token across restarts. Empty keeps it in memory.
		TokenFile string
	}

	Pipeline struct {
		Mode     string
		Interval time.Duration
		Timeout  time.Duration
	}

	Ledger struct {
		Store    string
		ClaimTTL time.Duration

		Redis struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Postgres struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Rankings struct {
		Limit int
	}
}

// DefaultConfig returns the values used when neither the file nor the
// environment sets them.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 9090
	c.Gateway.BaseURL = "http://localhost:8000"
	c.Gateway.Timeout = 30 * time.Second
	c.Pipeline.Mode = PipelineModePoll
	c.Pipeline.Interval = 5 * time.Second
	c.Pipeline.Timeout = 10 * time.Minute
	c.Ledger.Store = LedgerStoreMemory
	c.Ledger.ClaimTTL = vote.DefaultClaimTTL
	c.Ledger.Redis.Prefix = "risingstars"
	c.Rankings.Limit = ranking.MaxLimit
	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis    redis.UniversalClient
		postgres *pgxpool.Pool
	}

	service struct {
		session  *session.Context
		sessions *session.Manager
		gateway  *gateway.Client
		catalog  *catalog.Catalog
		tracker  *video.Tracker
		ledger   *vote.Ledger
		ranking  *ranking.Service
		loader   *loader.Loader
	}

	api    *api.API
	health *health.Server
	http   *http.Server
	grpc   *grpc.Server
}

func Init(c Config) (*Server, error) {
	return initServer(c, prometheus.DefaultRegisterer)
}

func initServer(c Config, reg prometheus.Registerer) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	store, err := s.initLedgerStore()
	if err != nil {
		return nil, fmt.Errorf("server: init ledger store: %w", err)
	}

	if err := s.initService(store, reg); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.restoreSession()

	if err := s.initAPI(); err != nil {
		return nil, fmt.Errorf("server: init api: %w", err)
	}
	return s, nil
}

// restoreSession resumes the session persisted by an earlier run so identity is
// known before the first request. A backend failure keeps the token; the next
// profile refresh retries it.
func (s *Server) restoreSession() {
	timeout := s.c.Gateway.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sess, err := s.service.sessions.Restore(ctx)
	switch {
	case err != nil:
		slog.WarnContext(ctx, "server: restore session failed", "error", err)
	case sess != nil:
		slog.InfoContext(ctx, "server: session restored", "user_id", sess.Profile.UserID)
	}
}

// claimTTL keeps a pending vote claim alive for at least twice the longest
// backend call, so a slow vote cannot lose its claim to another process.
func (s *Server) claimTTL() time.Duration {
	ttl := s.c.Ledger.ClaimTTL
	if ttl <= 0 {
		ttl = vote.DefaultClaimTTL
	}

	if floor := 2 * s.c.Gateway.Timeout; ttl < floor {
		slog.Warn("server: ledger claim ttl raised to twice the gateway timeout", "configured", ttl, "ttl", floor)
		ttl = floor
	}
	return ttl
}

func (s *Server) initLedgerStore() (vote.Store, error) {
	ttl := s.claimTTL()

	switch s.c.Ledger.Store {
	case "", LedgerStoreMemory:
		return vote.NewMemoryStore(ttl), nil

	case LedgerStoreRedis:
		r, err := s.initRedis()
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.infra.redis = r

		return vote.NewRedisStore(vote.RedisConfig{
			Redis:  r,
			Prefix: s.c.Ledger.Redis.Prefix,
			TTL:    ttl,
		}), nil

	case LedgerStorePostgres:
		db, err := s.initPostgres()
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		s.infra.postgres = db

		st := vote.NewPostgresStore(vote.PostgresConfig{DB: db, TTL: ttl})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := st.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("postgres: migrate: %w", err)
		}
		return st, nil
	}

	return nil, fmt.Errorf("unknown ledger store %q", s.c.Ledger.Store)
}

func (s *Server) initRedis() (redis.UniversalClient, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Ledger.Redis.Addrs,
		Password: s.c.Ledger.Redis.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return nil, err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return r, nil
}

func (s *Server) initPostgres() (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pc := s.c.Ledger.Postgres
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", pc.User, pc.Pass, pc.Addr, pc.Name))
	if err != nil {
		return nil, err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func (s *Server) initService(store vote.Store, reg prometheus.Registerer) error {
	var tokens session.TokenStore = session.NewMemoryStore()
	if s.c.Session.TokenFile != "" {
		tokens = session.NewFileStore(s.c.Session.TokenFile)
	}
	s.service.session = session.NewContext(tokens, s.eb)

	s.service.gateway = gateway.New(gateway.Config{
		BaseURL:     s.c.Gateway.BaseURL,
		HTTPClient:  &http.Client{Timeout: s.c.Gateway.Timeout},
		Credentials: s.service.session,
		Observer:    telemetry.NewGatewayMetrics(reg),
	})

	s.service.sessions = session.NewManager(session.Config{
		Gateway: s.service.gateway,
		Context: s.service.session,
	})

	s.service.catalog = catalog.New()

	poll := video.NewPollChannel(video.PollConfig{
		Lister:   s.service.gateway,
		Interval: s.c.Pipeline.Interval,
		Timeout:  s.c.Pipeline.Timeout,
	})

	var ch video.StatusChannel
	switch s.c.Pipeline.Mode {
	case "", PipelineModePoll:
		ch = poll
	case PipelineModePush:
		if s.c.Gateway.EventsURL == "" {
			return fmt.Errorf("pipeline mode push requires gateway events url")
		}
		ch = video.NewPushChannel(video.PushConfig{
			URL:         s.c.Gateway.EventsURL,
			Credentials: s.service.session,
			Timeout:     s.c.Pipeline.Timeout,
			Fallback:    poll,
		})
	default:
		return fmt.Errorf("unknown pipeline mode %q", s.c.Pipeline.Mode)
	}

	s.service.tracker = video.NewTracker(video.Config{
		Gateway:  s.service.gateway,
		Session:  s.service.session,
		Catalog:  s.service.catalog,
		Channel:  ch,
		EventBus: s.eb,
	})

	s.service.ledger = vote.NewLedger(vote.Config{
		Gateway:  s.service.gateway,
		Session:  s.service.session,
		Catalog:  s.service.catalog,
		Store:    store,
		EventBus: s.eb,
	})

	s.service.ranking = ranking.NewService(ranking.Config{
		Gateway:      s.service.gateway,
		Catalog:      s.service.catalog,
		EventBus:     s.eb,
		PublishLimit: s.c.Rankings.Limit,
	})

	s.service.loader = loader.New(loader.Config{
		Profiles:     s.service.sessions,
		Videos:       s.service.tracker,
		Rankings:     s.service.ranking,
		RankingLimit: s.c.Rankings.Limit,
		EventBus:     s.eb,
	})

	return nil
}

func (s *Server) initAPI() error {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())
	e.GET("/healthz", s.healthz)

	s.grpc = grpc.NewServer(telemetry.GRPCServerOptions()...)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.api = api.New(api.Config{
		EventBus: s.eb,
		Sessions: s.service.sessions,
		Session:  s.service.session,
		Catalog:  s.service.catalog,
		Tracker:  s.service.tracker,
		Ledger:   s.service.ledger,
		Ranking:  s.service.ranking,
		Loader:   s.service.loader,
	})
	if err := s.api.Register(e); err != nil {
		return err
	}

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}

	return nil
}

func (s *Server) healthz(c *gin.Context) {
	resp, err := s.health.Check(c.Request.Context(), &healthpb.HealthCheckRequest{})
	if err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "authenticated": s.service.session.Authenticated()})
}

func (s *Server) Start() {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.health.Shutdown()

	s.api.Close()
	s.service.tracker.Close()

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	if s.infra.redis != nil {
		if err := s.infra.redis.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close redis failed", "error", err)
		}
	}
	if s.infra.postgres != nil {
		s.infra.postgres.Close()
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
