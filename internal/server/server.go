// Package server exposes the recall core over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/omnii/recall/internal/cache"
	"github.com/omnii/recall/internal/engine"
	"github.com/omnii/recall/internal/logger"
	"github.com/omnii/recall/internal/metrics"
	"github.com/omnii/recall/internal/schedule"
	"github.com/omnii/recall/internal/temporal"
)

// Deps are the components the server routes to. Engine and Cache are
// required; the pure-computation components are built from defaults when nil.
type Deps struct {
	Engine      *engine.Engine
	Cache       *cache.Cache
	Scorer      *temporal.Scorer
	Analyzer    *schedule.Analyzer
	Prioritizer *schedule.Prioritizer
	Logger      *logger.Logger
	Metrics     *metrics.Collector
	Clock       func() time.Time
}

type Options struct {
	Version        string
	RateLimit      float64 // requests per second per client; 0 disables
	RateBurst      int
	RequestTimeout time.Duration
}

// Server is the recall HTTP API server.
type Server struct {
	engine      *engine.Engine
	cache       *cache.Cache
	scorer      *temporal.Scorer
	analyzer    *schedule.Analyzer
	prioritizer *schedule.Prioritizer
	log         *logger.Logger
	metrics     *metrics.Collector
	now         func() time.Time

	opts    Options
	limiter *ipLimiter
	router  chi.Router
	started time.Time
}

func New(d Deps, opts Options) *Server {
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Scorer == nil {
		d.Scorer = temporal.NewScorer(temporal.DefaultConfig())
	}
	if d.Analyzer == nil {
		d.Analyzer = schedule.NewAnalyzer(d.Scorer, schedule.DefaultSlotConfig())
	}
	if d.Prioritizer == nil {
		d.Prioritizer = schedule.NewPrioritizer(schedule.DefaultActionBoosts(), d.Scorer.Config().Priorities)
	}

	s := &Server{
		engine:      d.Engine,
		cache:       d.Cache,
		scorer:      d.Scorer,
		analyzer:    d.Analyzer,
		prioritizer: d.Prioritizer,
		log:         d.Logger.With("component", "server"),
		metrics:     d.Metrics,
		now:         d.Clock,
		opts:        opts,
		started:     d.Clock(),
	}
	if opts.RateLimit > 0 {
		s.limiter = newIPLimiter(opts.RateLimit, opts.RateBurst)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.observe)

	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.rateLimit)
			}
			if s.opts.RequestTimeout > 0 {
				r.Use(middleware.Timeout(s.opts.RequestTimeout))
			}

			r.Post("/relevance", s.handleRelevance)
			r.Post("/schedule/free-slots", s.handleFreeSlots)
			r.Post("/actions/prioritize", s.handlePrioritize)

			r.Post("/messages", s.handleIngest)
			r.Post("/messages/{messageID}/modified", s.handleMarkModified)
			r.Get("/concepts/{conceptID}/neighbors", s.handleNeighbors)

			r.Route("/users/{userID}", func(r chi.Router) {
				r.Get("/working-memory", s.handleWorkingMemory)
				r.Get("/recently-modified", s.handleRecentlyModified)
				r.Get("/memory-context", s.handleMemoryContext)
				r.Get("/analysis", s.handleAnalysis)
				r.Get("/context", s.handleContext)
				r.Post("/episodes", s.handleConsolidate)
			})

			r.Route("/cache/{userID}/{dataType}", func(r chi.Router) {
				r.Delete("/", s.handleCacheInvalidate)
				r.Get("/{key}", s.handleCacheGet)
				r.Put("/{key}", s.handleCachePut)
				r.Delete("/{key}", s.handleCacheInvalidate)
			})
		})
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	graphOK := s.engine.Ping(ctx) == nil
	cacheOK := s.cache.Ping(ctx) == nil

	status, code := "ok", http.StatusOK
	if !graphOK || !cacheOK {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": s.opts.Version,
		"uptime":  s.now().Sub(s.started).Seconds(),
		"graph":   graphOK,
		"cache":   cacheOK,
	})
}
