// Package server is the composition root: it connects Redis and Postgres,
// wires the coordination services together and runs the HTTP surface plus the
// matchmaking and cleanup loops.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/partyhub/internal/api"
	"github.com/victornm/partyhub/internal/cleanup"
	"github.com/victornm/partyhub/internal/event"
	"github.com/victornm/partyhub/internal/lobby"
	"github.com/victornm/partyhub/internal/matchmaking"
	"github.com/victornm/partyhub/internal/queue"
	"github.com/victornm/partyhub/internal/ratelimit"
	"github.com/victornm/partyhub/internal/rating"
	"github.com/victornm/partyhub/internal/retry"
	"github.com/victornm/partyhub/internal/store"
	"github.com/victornm/partyhub/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Store struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		Stats struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Matchmaking struct {
		IntervalSeconds int
	}

	Cleanup struct {
		IntervalSeconds int
		BatchSize       int
	}
}

type Server struct {
	c Config

	eb        *event.Bus
	telemetry telemetry.Reporter

	infra struct {
		redis struct {
			store  redis.UniversalClient
			pubsub redis.UniversalClient
		}

		postgres struct {
			stats *pgxpool.Pool
		}

		store store.Store
	}

	service struct {
		lobby       *lobby.Service
		queue       *queue.Service
		matchmaking *matchmaking.Service
		rating      *rating.Service
		cleanup     *cleanup.Scheduler
	}

	http       *http.Server
	cancelJobs context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()
	s.telemetry = telemetry.NewLogger(slog.Default())

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	s.infra.store = store.NewRedis(store.Config{
		Redis:  s.infra.redis.store,
		Prefix: s.c.Redis.Store.Prefix,
	})

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.store, err = connect(s.c.Redis.Store.Addrs, s.c.Redis.Store.Pass)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := s.c.Postgres.Stats
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", cfg.User, cfg.Pass, cfg.Addr, cfg.Name))
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	s.infra.postgres.stats = db
	return nil
}

func (s *Server) initService() {
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Store:     s.infra.store,
		Telemetry: s.telemetry,
	})

	policy := retry.NewPolicy(retry.Config{
		Telemetry: s.telemetry,
	})

	codes := lobby.NewCodeGenerator(lobby.CodeGeneratorConfig{
		Store:     s.infra.store,
		Telemetry: s.telemetry,
	})

	s.service.lobby = lobby.NewService(lobby.Config{
		Store:     s.infra.store,
		EventBus:  s.eb,
		Codes:     codes,
		Limiter:   limiter,
		Retry:     policy,
		Telemetry: s.telemetry,
	})

	s.service.queue = queue.NewService(queue.Config{
		Store:     s.infra.store,
		EventBus:  s.eb,
		Retry:     policy,
		Telemetry: s.telemetry,
	})

	s.service.rating = rating.NewService(rating.Config{
		EventBus:  s.eb,
		DB:        s.infra.postgres.stats,
		Telemetry: s.telemetry,
	})

	s.service.matchmaking = matchmaking.NewService(matchmaking.Config{
		Store:     s.infra.store,
		EventBus:  s.eb,
		Queue:     s.service.queue,
		Lobbies:   s.service.lobby,
		History:   s.infra.postgres.stats,
		Telemetry: s.telemetry,
		Interval:  time.Duration(s.c.Matchmaking.IntervalSeconds) * time.Second,
	})

	s.service.cleanup = cleanup.NewScheduler(cleanup.Config{
		Store:     s.infra.store,
		EventBus:  s.eb,
		Telemetry: s.telemetry,
		Interval:  time.Duration(s.c.Cleanup.IntervalSeconds) * time.Second,
		BatchSize: s.c.Cleanup.BatchSize,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Engine:       e,
		EventBus:     s.eb,
		Lobby:        s.service.lobby,
		Queue:        s.service.queue,
		Matchmaking:  s.service.matchmaking,
		Rating:       s.service.rating,
		Cleanup:      s.service.cleanup,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelJobs = cancel

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		if err := s.service.matchmaking.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		if err := s.service.cleanup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	err := eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.cancelJobs != nil {
		s.cancelJobs()
	}

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.service.lobby.Close()
	s.eb.Stop()

	slog.InfoContext(ctx, "server: shutdown completed")
}
