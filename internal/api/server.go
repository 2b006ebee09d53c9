package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/seolan-project/seolan/internal/audit"
	"github.com/seolan-project/seolan/internal/char"
	"github.com/seolan-project/seolan/internal/config"
	"github.com/seolan-project/seolan/internal/session"
	"github.com/seolan-project/seolan/internal/util"
)

const defaultEventLimit = 50

// Server is the admin HTTP surface of the character directory. It is
// read-mostly: status, workers, online characters and the audit tail,
// plus the single kick control.
type Server struct {
	cfg   *config.ServerConfig
	dir   *char.Server
	audit *audit.Store

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer wires the API against a running directory. audit may be nil
// when the audit log is disabled.
func NewServer(cfg *config.ServerConfig, dir *char.Server, auditStore *audit.Store) *Server {
	if cfg.LogLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:   cfg,
		dir:   dir,
		audit: auditStore,
	}
}

// Start serves the admin API until ctx is cancelled. The caller gates
// on cfg.AdminPort; port 0 means the surface stays down.
func (s *Server) Start(ctx context.Context) error {
	s.router = s.buildRouter()

	addr := fmt.Sprintf(":%d", s.cfg.AdminPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	lc := session.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("admin api bind failed: %w", err)
	}

	log.Info().Str("addr", addr).Msg("admin api ready")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin api error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))
	router.Use(NewRateLimiter(defaultRateLimit).Middleware())

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/status", s.handleStatus)
		api.GET("/workers", s.handleWorkers)
		api.GET("/online", s.handleOnline)
		api.GET("/events", s.handleEvents)

		control := api.Group("/control")
		{
			control.POST("/kick/:char_id", s.handleKick)
		}
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "role": "char"})
}

// handleStatus reports the directory and its host in one shot.
func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"role":           "char",
		"version":        s.cfg.Version,
		"uptime_seconds": int64(s.dir.Uptime().Seconds()),
		"login_link_up":  s.dir.LoginLinkUp(),
		"workers":        len(s.dir.Workers()),
		"online":         s.dir.OnlineCount(),
		"host":           util.GetSystemInfo(),
	}

	if cpu, err := util.GetCPUUsage(); err == nil {
		status["cpu_percent"] = cpu
	}
	if mem, err := util.GetMemoryUsage(); err == nil {
		status["memory"] = mem
	}
	if disk, err := util.GetDiskUsage(s.cfg.DataDir); err == nil {
		status["disk"] = disk
	}

	c.JSON(http.StatusOK, status)
}

func (s *Server) handleWorkers(c *gin.Context) {
	workers := s.dir.Workers()
	c.JSON(http.StatusOK, gin.H{
		"workers": workers,
		"total":   len(workers),
	})
}

func (s *Server) handleOnline(c *gin.Context) {
	online := s.dir.Online()
	c.JSON(http.StatusOK, gin.H{
		"online": online,
		"total":  len(online),
	})
}

// handleEvents tails the audit log. limit is clamped by the store.
func (s *Server) handleEvents(c *gin.Context) {
	if s.audit == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit log disabled"})
		return
	}

	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	entries, err := s.audit.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": entries,
		"total":  len(entries),
	})
}

func (s *Server) handleKick(c *gin.Context) {
	charID, err := strconv.ParseUint(c.Param("char_id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid character id"})
		return
	}

	if err := s.dir.KickChar(uint32(charID)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	log.Info().Uint64("char_id", charID).Str("client", c.ClientIP()).Msg("kick ordered over admin api")
	c.JSON(http.StatusOK, gin.H{"kicked": charID})
}

// Stop shuts the listener down outside the ctx path.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
