/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     zap request logging tagged with the request id
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Request duration histogram by route pattern
  6. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /healthz              Liveness probe (no auth)
  /metrics              Prometheus scrape endpoint (no auth)
  /api/properties/*     Reference data: properties, tenants, bills, periods
  /api/invoices/*       Invoice generation and lifecycle
  /api/audit            Audit log queries
  /api/scenarios/*      Demo scenarios

AUTHORIZATION:
  Every /api route requires X-Actor-ID. The role in X-Actor-Role is checked
  per route against the casbin policy in auth/. Headers are trusted; put an
  authenticating proxy in front in production.

RATE LIMITING:
  POST /api/invoices is limited per actor (token bucket). Generation does
  the heavy reads, so that is where the limit sits.

SEE ALSO:
  - handlers.go: Handler implementations
  - auth/auth.go: Roles and policy
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/warp/utility-billing/auth"
	"github.com/warp/utility-billing/logger"
	"github.com/warp/utility-billing/metrics"
)

// RouterOptions tunes the router. Zero values fall back to defaults.
type RouterOptions struct {
	AllowedOrigins []string
	// GenerateLimit is invoice generations per second per actor; zero
	// disables the limit.
	GenerateLimit  float64
	GenerateBurst  int
	MetricsPath    string
	DisableMetrics bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, enforcer *auth.Enforcer, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", auth.HeaderActorID, auth.HeaderActorRole},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if !opts.DisableMetrics {
		r.Handle(opts.MetricsPath, promhttp.Handler())
	}

	can := func(obj, act string) func(http.Handler) http.Handler {
		return enforcer.Require(obj, act, writeAuthError)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Authenticate(writeAuthError))

		// Reference data
		r.Route("/properties", func(r chi.Router) {
			r.With(can(auth.ObjReference, auth.ActRead)).Get("/", h.ListProperties)
			r.With(can(auth.ObjReference, auth.ActWrite)).Post("/", h.CreateProperty)

			r.Route("/{id}", func(r chi.Router) {
				r.With(can(auth.ObjReference, auth.ActRead)).Get("/tenants", h.ListTenants)
				r.With(can(auth.ObjReference, auth.ActWrite)).Post("/tenants", h.CreateTenant)
				r.With(can(auth.ObjReference, auth.ActRead)).Get("/bills", h.ListBills)
				r.With(can(auth.ObjReference, auth.ActWrite)).Post("/bills", h.CreateBill)
				r.With(can(auth.ObjReference, auth.ActRead)).Get("/overlaps", h.GetOverlaps)
				r.With(can(auth.ObjReference, auth.ActRead)).Get("/periods", h.ListPeriods)
				r.With(can(auth.ObjReference, auth.ActWrite)).Post("/periods", h.CreatePeriod)
			})
		})

		// Invoice routes
		r.Route("/invoices", func(r chi.Router) {
			limiter := newActorLimiter(rate.Limit(opts.GenerateLimit), opts.GenerateBurst)
			r.With(can(auth.ObjInvoices, auth.ActGenerate), limiter.middleware).Post("/", h.GenerateInvoice)
			r.With(can(auth.ObjInvoices, auth.ActRead)).Get("/", h.ListInvoices)
			r.With(can(auth.ObjInvoices, auth.ActRead)).Get("/{id}", h.GetInvoice)
			r.With(can(auth.ObjInvoices, auth.ActRead)).Get("/{id}/breakdown", h.GetBreakdown)
			r.With(can(auth.ObjInvoices, auth.ActTransition)).Post("/{id}/status", h.TransitionInvoice)
			r.With(can(auth.ObjInvoices, auth.ActAttach)).Post("/{id}/attachments", h.AddAttachment)
		})

		r.With(can(auth.ObjAudit, auth.ActRead)).Get("/audit", h.QueryAudit)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.With(can(auth.ObjScenarios, auth.ActRead)).Get("/", h.ListScenarios)
			r.With(can(auth.ObjScenarios, auth.ActRead)).Get("/current", h.GetCurrentScenario)
			r.With(can(auth.ObjScenarios, auth.ActWrite)).Post("/load", h.LoadScenario)
		})
	})

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// requestLogger logs one line per request with a request-scoped logger
// stored on the context.
func requestLogger(base *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, log := logger.WithRequestID(r.Context(), base, middleware.GetReqID(r.Context()))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r.WithContext(ctx))

			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// requestMetrics labels by route pattern, not raw path, to keep ids out of
// label values.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		metrics.RequestDurationSeconds.
			WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

// actorLimiter holds one token bucket per actor id.
type actorLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newActorLimiter(limit rate.Limit, burst int) *actorLimiter {
	if burst < 1 {
		burst = 1
	}
	return &actorLimiter{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (l *actorLimiter) get(actorID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[actorID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[actorID] = lim
	}
	return lim
}

func (l *actorLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		actor, _ := auth.ActorFrom(r.Context())
		if !l.get(actor.ID).Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "Too many invoice generations, slow down", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
