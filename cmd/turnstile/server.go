package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"golang.org/x/time/rate"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/haven-social/gatekeeper/moderation"
	"github.com/haven-social/gatekeeper/moderation/cachestore"
	"github.com/haven-social/gatekeeper/moderation/countstore"
	"github.com/haven-social/gatekeeper/moderation/decisionstore"
	"github.com/haven-social/gatekeeper/moderation/keyword"
	"github.com/haven-social/gatekeeper/moderation/setstore"
	"github.com/haven-social/gatekeeper/moderation/text"
	"github.com/haven-social/gatekeeper/moderation/verdict"
	"github.com/haven-social/gatekeeper/moderation/visual"
)

type Server struct {
	logger    *slog.Logger
	engine    *moderation.Engine
	decisions decisionstore.DecisionStore
	echo      *echo.Echo
}

type Config struct {
	Logger                  *slog.Logger
	DatabaseURL             string
	RedisURL                string
	TextClassifierHost      string
	TextClassifierToken     string
	ImageClassifierHost     string
	ImageClassifierToken    string
	RemoteTimeout           time.Duration
	RemoteRateLimit         int
	MaxConcurrentImageCalls int
	RulesFileJSON           string
	SetsFileJSON            string
	ThresholdsFileJSON      string
}

func NewServer(config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	rules := keyword.DefaultRules()
	if config.RulesFileJSON != "" {
		loaded, err := keyword.LoadRulesFileJSON(config.RulesFileJSON)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded pattern rules from JSON", "path", config.RulesFileJSON, "count", len(loaded))
		rules = loaded
	}
	// an invalid or bypassable rule table aborts startup
	matcher, err := keyword.NewMatcher(rules)
	if err != nil {
		return nil, err
	}

	sets := setstore.NewMemSetStore()
	if config.SetsFileJSON != "" {
		if err := sets.LoadFromFileJSON(config.SetsFileJSON); err != nil {
			return nil, fmt.Errorf("initializing in-process setstore: %w", err)
		}
		logger.Info("loaded set config from JSON", "path", config.SetsFileJSON)
	}

	engineConfig := moderation.DefaultEngineConfig()
	engineConfig.MaxConcurrentImageCalls = config.MaxConcurrentImageCalls
	if config.ThresholdsFileJSON != "" {
		thresholds, err := loadThresholdsFileJSON(config.ThresholdsFileJSON)
		if err != nil {
			return nil, err
		}
		engineConfig.Thresholds = thresholds
	}

	var counters countstore.CountStore
	var cache cachestore.CacheStore
	if config.RedisURL != "" {
		cnt, err := countstore.NewRedisCountStore(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis countstore: %w", err)
		}
		counters = cnt

		csh, err := cachestore.NewRedisCacheStore(config.RedisURL, 30*time.Minute)
		if err != nil {
			return nil, fmt.Errorf("initializing redis cachestore: %w", err)
		}
		cache = csh
	} else {
		counters = countstore.NewMemCountStore()
		cache = cachestore.NewMemCacheStore(5_000, 30*time.Minute)
	}

	db, err := setupDatabase(config.DatabaseURL)
	if err != nil {
		return nil, err
	}
	decisions, err := decisionstore.NewGormDecisionStore(db)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if config.RemoteRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RemoteRateLimit), 1)
	}

	engine := &moderation.Engine{
		Logger:   logger,
		Matcher:  matcher,
		Recorder: decisions,
		Cache:    cache,
		Counters: counters,
		Sets:     sets,
		Config:   engineConfig,
	}

	if config.TextClassifierHost != "" {
		logger.Info("configuring remote text classifier", "host", config.TextClassifierHost)
		tc := text.NewClassifier(config.TextClassifierHost, config.TextClassifierToken, config.RemoteTimeout)
		tc.Limiter = limiter
		engine.TextClassifier = tc
	}
	if config.ImageClassifierHost != "" {
		logger.Info("configuring remote image classifier", "host", config.ImageClassifierHost)
		ic := visual.NewClassifier(config.ImageClassifierHost, config.ImageClassifierToken, config.RemoteTimeout)
		ic.Limiter = limiter
		engine.ImageClassifier = ic
	}

	s := &Server{
		logger:    logger,
		engine:    engine,
		decisions: decisions,
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(echoprometheus.NewMiddleware("turnstile"))
	e.Use(middleware.BodyLimit("1M"))

	e.GET("/_health", s.handleHealthCheck)
	e.POST("/evaluate", s.handleEvaluate)
	e.GET("/decisions/:itemID", s.handleGetDecisions)
	s.echo = e

	return s, nil
}

func setupDatabase(dburl string) (*gorm.DB, error) {
	switch {
	case strings.HasPrefix(dburl, "sqlite://"):
		path := strings.TrimPrefix(dburl, "sqlite://")
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, os.ModePerm); err != nil {
				return nil, err
			}
		}
		return gorm.Open(sqlite.Open(path), &gorm.Config{})
	case strings.HasPrefix(dburl, "postgres://"):
		return gorm.Open(postgres.Open(dburl), &gorm.Config{})
	}
	return nil, fmt.Errorf("unsupported database scheme: %s", dburl)
}

func loadThresholdsFileJSON(fpath string) (verdict.Thresholds, error) {
	raw, err := os.ReadFile(fpath)
	if err != nil {
		return nil, fmt.Errorf("failed to load thresholds file: %w", err)
	}
	var parsed map[string]int
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse thresholds file: %w", err)
	}
	out := make(verdict.Thresholds, len(parsed))
	for k, v := range parsed {
		cat, err := verdict.ParseCategory(k)
		if err != nil {
			return nil, err
		}
		out[cat] = v
	}
	return out.Normalize(), nil
}

type evaluateRequest struct {
	Item moderation.Item `json:"item"`
	// Mode is optional; when empty it is derived from the strict-sources set.
	Mode string `json:"mode,omitempty"`
}

// evaluateResponse intentionally exposes only the publish decision. Error
// detail and per-layer rationale stay in the audit trail.
type evaluateResponse struct {
	Approved          bool               `json:"approved"`
	FlaggedCategories []verdict.Category `json:"flaggedCategories"`
}

func (s *Server) handleEvaluate(c echo.Context) error {
	var req evaluateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Item.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "item.id is required")
	}

	ctx := c.Request().Context()
	mode := s.engine.ModeForSource(ctx, req.Item.Source)
	if req.Mode != "" {
		parsed, err := verdict.ParseMode(req.Mode)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		mode = parsed
	}

	v, err := s.engine.Evaluate(ctx, req.Item, mode)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		s.logger.Error("evaluation failed", "err", err, "item", req.Item.ID)
		return echo.NewHTTPError(http.StatusInternalServerError, "evaluation failed")
	}

	flagged := v.FlaggedCategories
	if flagged == nil {
		flagged = []verdict.Category{}
	}
	return c.JSON(http.StatusOK, evaluateResponse{
		Approved:          v.Approved,
		FlaggedCategories: flagged,
	})
}

func (s *Server) handleGetDecisions(c echo.Context) error {
	recs, err := s.decisions.GetByItem(c.Request().Context(), c.Param("itemID"))
	if err != nil {
		s.logger.Error("decision lookup failed", "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "lookup failed")
	}
	return c.JSON(http.StatusOK, recs)
}

func (s *Server) handleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// RunAPI starts the evaluate API and blocks until SIGINT/SIGTERM, then shuts
// down gracefully.
func (s *Server) RunAPI(listen string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

func (s *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}
