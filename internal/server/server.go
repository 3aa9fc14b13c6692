package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/saintsal/gateway/config"
	"github.com/saintsal/gateway/internal/gate"
	"github.com/saintsal/gateway/internal/monitor"
	"github.com/saintsal/gateway/internal/orchestrator"
	"github.com/saintsal/gateway/internal/provider"
	"github.com/saintsal/gateway/internal/registry"
	"github.com/saintsal/gateway/internal/retrieval"
	"github.com/saintsal/gateway/internal/store"
)

func Run(addr string, cfg *config.Config) error {
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

	ctx := context.Background()
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})

	secret := []byte(cfg.Server.JWTSecret)

	sel := provider.NewSelector(cfg.Providers, log.New(log.Writer(), "[PROV] ", log.LstdFlags))
	if sel.Best() == nil {
		return fmt.Errorf("no model provider configured (providers.*.api_key)")
	}

	ret, err := retrieval.New(cfg.Retrieval, st, log.New(log.Writer(), "[RAG] ", log.LstdFlags))
	if err != nil {
		return err
	}
	ret.Warm(ctx)

	reg := registry.New(log.New(log.Writer(), "[REG] ", log.LstdFlags))
	mon := monitor.New(secret, cfg.Monitor.CheckInterval, cfg.Monitor.ExpiryThreshold, reg, st,
		log.New(log.Writer(), "[MON] ", log.LstdFlags))

	checker := gate.FromConfig(cfg.Gate)
	var rateGate gate.RateGate = gate.NoRateLimit{}
	if cfg.Gate.RateLimit > 0 {
		rateGate = gate.NewRedisRateGate(rdb, cfg.Gate.RateLimit, cfg.Gate.RateWindow)
	}

	orchLogger := log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	orch := orchestrator.New(sel, ret, checker, st, orchLogger)

	api := e.Group("/api")

	ah := &AuthHandler{Store: st, Monitor: mon, Secret: secret, TTL: cfg.Server.TokenTTL, Env: cfg.Server.Env}
	ah.Register(api.Group("/auth"))

	ch := &ChatHandler{Orch: orch, Selector: sel, Rate: rateGate, Logger: orchLogger}
	ch.Register(api.Group("/chat"), secret)

	kh := &KnowledgeHandler{Retriever: ret}
	kh.Register(api.Group("/knowledge"), secret)

	wsh := &WSHandler{
		Registry: reg,
		Monitor:  mon,
		Orch:     orch,
		Selector: sel,
		Secret:   secret,
		Logger:   log.New(log.Writer(), "[WS] ", log.LstdFlags),
	}
	e.GET("/ws", wsh.Handle)

	sweeper := NewSweeper(cfg.Retention, st, rdb, log.New(log.Writer(), "[SWEEP] ", log.LstdFlags))
	sweeper.Start()
	defer sweeper.Stop()

	return e.Start(addr)
}
