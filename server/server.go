// Package server exposes the pipeline over HTTP.
//
// Endpoints:
//
//	POST /api/remove-bg    multipart field "images", repeatable
//	GET  /outputs/{name}   processed artifacts
//	GET  /health           status and compute device
//	GET  /                 service banner
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chaos-io/nobg/pipeline"
	"github.com/chaos-io/nobg/rembg"
)

const ServiceName = "Background Remover API"

// BatchHandler runs one request's uploads through the pipeline.
type BatchHandler interface {
	HandleBatch(ctx context.Context, files []pipeline.UploadedFile) ([]pipeline.Result, error)
}

type Options struct {
	Addr        string
	OutputDir   string
	MaxFileSize int64
	Version     string

	Batch   BatchHandler
	Remover rembg.Remover
	Logger  *zap.Logger
}

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	logger     *zap.Logger
}

func New(opts Options) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), accessLog(opts.Logger))

	h := &handler{
		batch:       opts.Batch,
		remover:     opts.Remover,
		maxFileSize: opts.MaxFileSize,
		version:     opts.Version,
		logger:      opts.Logger,
	}

	router.GET("/", h.Index)
	router.GET("/health", h.Health)
	router.Static("/outputs", opts.OutputDir)

	api := router.Group("/api")
	{
		api.POST("/remove-bg", h.RemoveBackground)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              opts.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		engine: router,
		logger: opts.Logger,
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Run() error {
	s.logger.Info("Server is running", zap.String("address", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server")
	return s.httpServer.Shutdown(ctx)
}
