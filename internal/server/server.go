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
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/victornm/eduel/internal/api"
	"github.com/victornm/eduel/internal/duel"
	"github.com/victornm/eduel/internal/event"
	"github.com/victornm/eduel/internal/feed"
	"github.com/victornm/eduel/internal/ledger"
	"github.com/victornm/eduel/internal/session"
	"github.com/victornm/eduel/internal/telemetry"
)

type Config struct {
	Log struct {
		Level  string
		Format string
	}

	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Redis struct {
		Feed struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Ledger struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Duel struct {
		QuestionSeconds  int
		ThresholdSeconds int
		SettleDelay      time.Duration
		MaxSkips         int
	}

	// Ledger points the duel controllers at a remote ledger. The in-process ledger is used when Addr is empty.
	Ledger struct {
		Addr    string
		Timeout time.Duration
	}
}

// DefaultConfig returns the configuration Load starts from.
func DefaultConfig() Config {
	var c Config
	c.Log.Level = "info"
	c.Log.Format = "json"
	c.HTTP.Port = 8080
	c.GRPC.Port = 8081
	c.Redis.Feed.Prefix = "eduel"
	c.Duel.QuestionSeconds = duel.DefaultQuestionSeconds
	c.Duel.ThresholdSeconds = duel.DefaultThresholdSeconds
	c.Duel.SettleDelay = duel.DefaultSettleDelay
	c.Duel.MaxSkips = duel.DefaultMaxSkips
	c.Ledger.Timeout = 5 * time.Second
	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			feed redis.UniversalClient
		}

		postgres struct {
			ledger *pgxpool.Pool
		}

		ledgerConn *grpc.ClientConn
	}

	service struct {
		session   *session.Service
		ledger    *ledger.Service
		publisher *feed.Publisher
	}

	api  *api.API
	http *http.Server
	grpc *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()

	if err := s.initAPI(); err != nil {
		return nil, fmt.Errorf("server: init api: %w", err)
	}

	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Feed.Addrs,
		Password: s.c.Redis.Feed.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return fmt.Errorf("feed: %w", err)
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("feed: %w", err)
	}

	s.infra.redis.feed = r
	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pc := s.c.Postgres.Ledger
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", pc.User, pc.Pass, pc.Addr, pc.Name))
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	s.infra.postgres.ledger = db
	return nil
}

func (s *Server) initService() {
	s.service.session = session.NewService(session.Config{
		DB: s.infra.postgres.ledger,
	})

	s.service.ledger = ledger.NewService(ledger.Config{
		EventBus: s.eb,
		DB:       s.infra.postgres.ledger,
	})

	s.service.publisher = feed.NewPublisher(feed.PublisherConfig{
		EventBus: s.eb,
		Roster:   s.service.session,
		Redis:    s.infra.redis.feed,
		Prefix:   s.c.Redis.Feed.Prefix,
	})
}

// ledgerClient returns the ledger the duel controllers submit to.
func (s *Server) ledgerClient() (ledger.Client, error) {
	if s.c.Ledger.Addr == "" {
		return s.service.ledger, nil
	}

	conn, err := grpc.NewClient(s.c.Ledger.Addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		telemetry.GRPCClientInterceptor(),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger client: %w", err)
	}

	s.infra.ledgerConn = conn
	return ledger.NewGRPCClient(conn, s.c.Ledger.Timeout), nil
}

func (s *Server) initAPI() error {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor())
	ledger.RegisterGRPC(s.grpc, s.service.ledger)

	lc, err := s.ledgerClient()
	if err != nil {
		return err
	}

	s.api = api.New(api.Config{
		Router:   e,
		EventBus: s.eb,
		Sessions: s.service.session,
		Ledger:   lc,
		Feed: feed.NewSubscriber(feed.SubscriberConfig{
			Redis:  s.infra.redis.feed,
			Prefix: s.c.Redis.Feed.Prefix,
			Seed:   s.service.publisher,
		}),
		Clock: clockwork.NewRealClock(),
		Duel: api.DuelConfig{
			QuestionSeconds:  s.c.Duel.QuestionSeconds,
			ThresholdSeconds: s.c.Duel.ThresholdSeconds,
			SettleDelay:      s.c.Duel.SettleDelay,
			MaxSkips:         s.c.Duel.MaxSkips,
		},
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}

	return nil
}

func (s *Server) Start() {
	ctx := context.TODO()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC ledger listening on port %d", s.c.GRPC.Port))
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

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}
	s.grpc.GracefulStop()
	s.api.Close()

	if s.infra.ledgerConn != nil {
		if err := s.infra.ledgerConn.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close ledger connection failed", "error", err)
		}
	}

	s.eb.Stop()

	s.infra.postgres.ledger.Close()
	if err := s.infra.redis.feed.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close redis failed", "error", err)
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
