package httpapi

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"gateattend/internal/attendance"
	"gateattend/internal/auth"
	"gateattend/internal/feed"
	"gateattend/internal/httpmiddleware"
)

// AuthConfig controls device tokens. When Required is false the scan
// endpoint accepts anonymous requests.
type AuthConfig struct {
	Required   bool
	SigningKey string
	Issuer     string
	TTL        time.Duration
}

// HealthCheck reports whether one backing dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Dependencies are everything NewServer wires into the router.
type Dependencies struct {
	Logger          *log.Logger
	Addr            string
	Service         *attendance.Service
	Feed            feed.Feed // optional; recent entries fall back to the ledger
	Auth            AuthConfig
	RateLimitPerMin int
	Metrics         http.Handler // optional
	HealthChecks    map[string]HealthCheck
}

// Server is the HTTP surface for gate terminals and the security dashboard.
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	logger     *log.Logger
	svc        *attendance.Service
	feed       feed.Feed
	auth       AuthConfig
	health     map[string]HealthCheck
}

// NewServer builds the gin router and the http.Server around it.
func NewServer(d Dependencies) *Server {
	if d.Logger == nil {
		d.Logger = log.New(io.Discard, "", 0)
	}

	s := &Server{
		logger: d.Logger,
		svc:    d.Service,
		feed:   d.Feed,
		auth:   d.Auth,
		health: d.HealthChecks,
	}

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Output:    d.Logger.Writer(),
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:           true,
		AllowMethods:              []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:              []string{"Content-Type", "Authorization"},
		MaxAge:                    24 * time.Hour,
		OptionsResponseStatusCode: http.StatusOK,
	}))
	r.Use(securityHeaders(gin.Mode() == gin.ReleaseMode))
	r.Use(httpmiddleware.NewSimpleTokenBucket(d.RateLimitPerMin, d.RateLimitPerMin).GinMiddleware())

	// OPTIONS without an Origin header never reaches the CORS preflight
	// path; answer it here so every OPTIONS short-circuits with 200.
	r.NoRoute(func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusOK)
			return
		}
		writeError(c, http.StatusNotFound, "not_found")
	})
	r.NoMethod(func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusOK)
			return
		}
		writeError(c, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}
	r.GET("/healthz", s.handleHealth)

	scan := []gin.HandlerFunc{s.handleScan}
	if d.Auth.Required {
		scan = append([]gin.HandlerFunc{auth.DeviceAuth(d.Auth.SigningKey, d.Auth.Issuer)}, scan...)
	}
	r.POST("/v1/scan", scan...)
	r.POST("/functions/v1/scan", scan...)

	r.POST("/v1/devices/token", s.handleDeviceToken)
	r.GET("/v1/entries/recent", s.handleRecentEntries)
	r.GET("/v1/stats/today", s.handleTodayStats)

	s.engine = r
	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Start blocks serving on the configured address.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// baseHeaders are set on every response; HSTS is added in release mode only.
var baseHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
}

func securityHeaders(hsts bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		for _, kv := range baseHeaders {
			h.Set(kv[0], kv[1])
		}
		if hsts {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

func writeError(c *gin.Context, status int, code string) {
	c.AbortWithStatusJSON(status, gin.H{"ok": false, "error": code})
}
