// Package api serves the operator HTTP API and the live event feed.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tos-network/stratum-pool/internal/config"
	"github.com/tos-network/stratum-pool/internal/ledger"
	"github.com/tos-network/stratum-pool/internal/metrics"
	"github.com/tos-network/stratum-pool/internal/pool"
	"github.com/tos-network/stratum-pool/internal/stats"
	"github.com/tos-network/stratum-pool/internal/storage"
	"github.com/tos-network/stratum-pool/internal/util"
)

const (
	defaultLimit = 10
	maxLimit     = 100

	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// PoolView is the part of the coordinator the API reads
type PoolView interface {
	Info() *pool.Info
	Ports() []pool.PortInfo
}

// SummaryView reads the global payout summary and repairs user summaries
type SummaryView interface {
	Summary() (*ledger.PoolSummary, error)
	ResetUserSummary(address string) (ledger.UserSummary, error)
}

// BanList lists and lifts host bans
type BanList interface {
	IsBanned(host string) bool
	Bans() []storage.Ban
	Unban(host string) error
}

// Options wires the server to the rest of the pool. Redis is optional.
type Options struct {
	Config   *config.Config
	Pool     PoolView
	Stats    *stats.Stats
	Settler  SummaryView
	Policy   BanList
	Feed     *stats.Feed
	Redis    *storage.RedisClient
	Upgrader *websocket.Upgrader
}

// Server is the operator API server
type Server struct {
	cfg      *config.Config
	pool     PoolView
	stats    *stats.Stats
	settler  SummaryView
	policy   BanList
	feed     *stats.Feed
	redis    *storage.RedisClient
	upgrader *websocket.Upgrader
	router   *gin.Engine
	server   *http.Server
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	upgrader := opts.Upgrader
	if upgrader == nil {
		upgrader = &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		}
	}

	s := &Server{
		cfg:      opts.Config,
		pool:     opts.Pool,
		stats:    opts.Stats,
		settler:  opts.Settler,
		policy:   opts.Policy,
		feed:     opts.Feed,
		redis:    opts.Redis,
		upgrader: upgrader,
		router:   router,
	}
	if s.upgrader.CheckOrigin == nil {
		s.upgrader.CheckOrigin = s.checkOrigin
	}

	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware())

	api := s.router.Group("/api")
	{
		api.GET("/stats", s.handleStats)
		api.GET("/stats/update", s.handleStatsUpdate)
		api.GET("/activity", s.handleActivity)
		api.GET("/blocks", s.handleBlockSummary)
		api.GET("/blocks/:kind", s.handleBlocks)
		api.GET("/payments", s.handlePaymentSummary)
		api.GET("/payments/list", s.handlePayments)
		api.GET("/users/:address", s.handleUser)
		api.GET("/users/:address/payouts", s.handleUserPayouts)
		api.GET("/ports", s.handlePorts)

		admin := api.Group("/admin")
		admin.Use(s.adminAuthMiddleware())
		{
			admin.POST("/users/:address/reset-summary", s.handleResetSummary)
			admin.GET("/bans", s.handleBans)
			admin.DELETE("/bans/:host", s.handleUnban)
		}
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if metrics.Enabled() {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.GET(path, gin.WrapH(metrics.Handler()))
	}

	if s.feed != nil {
		s.router.GET("/ws", s.handleFeed)
	}
}

// corsMiddleware answers preflight requests and tags every response with
// the allowed origin
func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin := s.allowedOrigin(c.GetHeader("Origin")); origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// allowedOrigin returns the value for Access-Control-Allow-Origin. No
// configured origins means any origin.
func (s *Server) allowedOrigin(origin string) string {
	origins := s.cfg.API.CORSOrigins
	if len(origins) == 0 {
		return "*"
	}
	for _, o := range origins {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.allowedOrigin(origin) != ""
}

// adminAuthMiddleware checks HTTP basic credentials against the admin
// password. The user name is ignored.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		want := s.cfg.API.AdminPassword
		if want == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin API disabled"})
			return
		}

		_, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", `Basic realm="admin"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization required"})
			return
		}

		if subtle.ConstantTimeCompare([]byte(password), []byte(want)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Invalid password"})
			return
		}

		c.Next()
	}
}

// Start starts the API server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.API.Bind,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	util.Infof("API server listening on %s", s.cfg.API.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop stops the API server
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.server.Close()
	}
}

// page reads limit and offset query parameters
func page(c *gin.Context) (limit, offset int, ok bool) {
	limit, offset = defaultLimit, 0
	var err error

	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			return 0, 0, false
		}
		if limit > maxLimit {
			limit = maxLimit
		}
	}
	if v := c.Query("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			return 0, 0, false
		}
	}
	return limit, offset, true
}

func badPage(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit or offset"})
}
