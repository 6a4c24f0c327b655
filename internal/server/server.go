package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Brownie44l1/cxr-api/internal/config"
	"github.com/Brownie44l1/cxr-api/internal/handlers"
	"github.com/Brownie44l1/cxr-api/internal/middleware"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	engine *gin.Engine
	inner  *http.Server
}

func NewServer(cfg *config.Config, h *handlers.Handler, gatherer prometheus.Gatherer) *Server {
	gin.SetMode(ginMode(cfg.Server.Mode))
	r := NewRouter(h, gatherer, cfg.Upload.MaxSize)

	return &Server{
		engine: r,
		inner: &http.Server{
			Addr:         cfg.Server.Port,
			Handler:      r,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
}

// NewRouter wires the API routes, CORS, request logging and /metrics.
func NewRouter(h *handlers.Handler, gatherer prometheus.Gatherer, maxUpload int64) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Logger(), middleware.Recovery())
	r.Use(cors.New(
		cors.Config{
			AllowMethods: []string{"GET", "POST", "OPTIONS"},
			AllowOrigins: []string{"*"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       300,
		},
	))
	if maxUpload > 0 {
		r.MaxMultipartMemory = maxUpload
	}

	api := r.Group("/api")
	api.GET("/health", h.Health)
	api.POST("/predict", h.Predict)
	api.GET("/history", h.History)

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	if err := s.inner.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.inner.Shutdown(ctx)
}

func ginMode(mode string) string {
	switch mode {
	case gin.ReleaseMode, gin.TestMode:
		return mode
	default:
		return gin.DebugMode
	}
}
