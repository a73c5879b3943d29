// Package site serves the built web frontend under a sub-path so a reverse
// proxy can mount it next to the API. Unknown extension-less paths fall back
// to index.html for client-side routing.
package site

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/CXL-edu/WisdomPrompt/internal/logging"
)

// Config holds the static server settings.
type Config struct {
	Host       string
	Port       int
	BasePath   string
	Dist       string
	EnableCORS bool
	Debug      bool
}

// DefaultConfig matches how the frontend is deployed behind nginx.
func DefaultConfig() Config {
	return Config{
		Host:       "0.0.0.0",
		Port:       5173,
		BasePath:   "/wisdom-prompt",
		Dist:       "./web/dist",
		EnableCORS: true,
	}
}

// Server is the HTTP server for the frontend bundle.
type Server struct {
	cfg        Config
	engine     *gin.Engine
	httpServer *http.Server
	logger     logging.Logger
}

// NewServer builds the server. It does not listen until Start.
func NewServer(cfg Config, logger logging.Logger) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "HEAD", "OPTIONS"}
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		cfg:    cfg,
		engine: engine,
		logger: logging.OrNop(logger),
	}

	base := strings.TrimSuffix(cfg.BasePath, "/")
	engine.GET(base+"/*filepath", s.serveAsset)
	engine.HEAD(base+"/*filepath", s.serveAsset)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

func (s *Server) serveAsset(c *gin.Context) {
	rel := path.Clean("/" + c.Param("filepath"))

	file := filepath.Join(s.cfg.Dist, filepath.FromSlash(rel))
	if rel == "/" {
		file = filepath.Join(s.cfg.Dist, "index.html")
	}

	if _, err := os.Stat(file); err != nil {
		// SPA fallback: routes like /app have no extension and resolve
		// to index.html; missing assets stay a 404.
		if path.Ext(rel) != "" {
			c.Status(http.StatusNotFound)
			return
		}
		file = filepath.Join(s.cfg.Dist, "index.html")
		if _, err := os.Stat(file); err != nil {
			c.Status(http.StatusNotFound)
			return
		}
	}
	c.File(file)
}

// Start listens and blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("static server at http://%s%s/", s.httpServer.Addr, strings.TrimSuffix(s.cfg.BasePath, "/"))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("static server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
