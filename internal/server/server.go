package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/agents"
	"github.com/mohammad-safakhou/deepresearch/internal/auth"
	"github.com/mohammad-safakhou/deepresearch/internal/events"
	"github.com/mohammad-safakhou/deepresearch/internal/fetch"
	"github.com/mohammad-safakhou/deepresearch/internal/manager"
	"github.com/mohammad-safakhou/deepresearch/internal/provider"
	"github.com/mohammad-safakhou/deepresearch/internal/search"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
	"github.com/mohammad-safakhou/deepresearch/internal/stream"
)

// Run wires the full service and blocks until the listener exits or the
// process receives an interrupt.
func Run(cfgPath string) error {
	cfg, err := appconfig.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		log.Printf("migrate: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	// Event log: Redis streams when configured, otherwise the session
	// database doubles as the log.
	var sink events.Sink
	if cfg.Storage.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
		sink = events.NewRedisSink(rdb)
	} else {
		sink = events.NewStoreSink(st)
	}

	llm := provider.NewOpenAI(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model, cfg.LLM.Temperature, cfg.LLM.MaxTokens, cfg.LLM.Timeout)
	searcher, err := search.NewWebSearcher(search.Provider(cfg.Search.Provider), searchAPIKey(cfg))
	if err != nil {
		return err
	}
	fetcher := fetch.NewHTTPFetcher(cfg.Fetch.Timeout, cfg.Fetch.MaxChars)

	metrics := NewPromMetrics(prometheus.DefaultRegisterer)
	mgr, err := manager.New(ctx, manager.Config{
		Store:         st,
		Sink:          sink,
		Planner:       &agents.Planner{LLM: llm},
		Finder:        &agents.Finder{Searcher: searcher, Logger: log.New(log.Writer(), "[FINDER] ", log.LstdFlags)},
		Summarizer:    &agents.Summarizer{LLM: llm, Fetcher: fetcher, Logger: log.New(log.Writer(), "[SUMMARIZER] ", log.LstdFlags)},
		Reviewer:      &agents.Reviewer{LLM: llm},
		Writer:        &agents.Writer{LLM: llm},
		StageTimeout:  cfg.Research.StageTimeout,
		MaxRunTime:    cfg.Research.MaxRunTime,
		MaxConcurrent: cfg.Research.MaxConcurrent,
		ResumePolicy:  cfg.Manager.ResumePolicy,
		Metrics:       metrics,
		Logger:        log.New(log.Writer(), "[MANAGER] ", log.LstdFlags),
	})
	if err != nil {
		return err
	}
	if err := mgr.StartCleanup(ctx, manager.CleanupConfig{
		Schedule:  cfg.Manager.CleanupSchedule,
		Retention: cfg.Manager.Retention,
	}); err != nil {
		return err
	}

	streamer := stream.New(sink,
		stream.WithHeartbeat(cfg.Stream.Heartbeat),
		stream.WithPollInterval(cfg.Stream.PollInterval),
		stream.WithBuffer(cfg.Stream.Buffer),
	)

	secret := cfg.Server.JWTSecret
	if secret == "" {
		return fmt.Errorf("jwt secret not configured (server.jwt_secret)")
	}

	api := e.Group("/api")
	ah := &AuthHandler{Store: st, Secret: []byte(secret), TokenTTL: cfg.Server.TokenTTL}
	ah.Register(api.Group("/auth"))
	me := api.Group("/me")
	me.Use(auth.EchoAuthMiddleware([]byte(secret)))
	me.GET("", currentUser)
	rh := &ResearchHandler{Manager: mgr, Docs: st, Streamer: streamer}
	rh.Register(api.Group("/research"), []byte(secret))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			log.Printf("manager shutdown: %v", err)
		}
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
	}()

	log.Printf("listening on %s", addr)
	if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func searchAPIKey(cfg *appconfig.Config) string {
	switch search.Provider(cfg.Search.Provider) {
	case search.BraveProvider:
		return cfg.Search.BraveAPIKey
	default:
		return cfg.Search.SerperAPIKey
	}
}
