// ============================================================================
// kioskq HTTP producer API
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: the HTTP surface used by kiosks (enqueue) and agents (poll,
// complete, fail)
//
// Routes:
//   GET  /health                       unauthenticated
//   GET  /metrics                      unauthenticated, when a collector is set
//   POST /api/pms-queue                enqueue
//   GET  /api/pms-queue?property=P     pending jobs of P
//   GET  /api/pms-queue/:id            one job
//   POST /api/pms-queue/complete       {id, property?}
//   POST /api/pms-queue/fail           {id, property?, error}
//   POST /api/pms-queue/processing     {id, property?}
//   POST /api/remote-print             {roomNumber, password}
//
// Every /api route sits behind RequireAPIKey; authentication and body
// validation both complete before the queue service is called.
// ============================================================================

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/worldchamps/kioskq/internal/auth"
	"github.com/worldchamps/kioskq/internal/metrics"
	"github.com/worldchamps/kioskq/internal/queue"
)

// Options configures a Server.
type Options struct {
	Addr            string
	Backend         string // reported by /health
	ShutdownTimeout time.Duration
	Metrics         *metrics.Collector // nil disables /metrics
	Logger          *zap.Logger
}

// Server is the HTTP producer API.
type Server struct {
	svc     *queue.Service
	auth    auth.Authenticator
	engine  *gin.Engine
	http    *http.Server
	backend string
	logger  *zap.Logger
	grace   time.Duration
}

// New builds the router.
func New(svc *queue.Service, a auth.Authenticator, opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	grace := opts.ShutdownTimeout
	if grace <= 0 {
		grace = 10 * time.Second
	}

	s := &Server{
		svc:     svc,
		auth:    a,
		backend: opts.Backend,
		logger:  log,
		grace:   grace,
	}
	s.engine = s.routes(opts.Metrics)
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(collector *metrics.Collector) *gin.Engine {
	r := gin.New()
	r.Use(Recovery(s.logger))
	r.Use(RequestLogger(s.logger))

	r.GET("/health", s.health)
	if collector != nil {
		r.GET("/metrics", gin.WrapH(collector.Handler()))
	}

	api := r.Group("/api", RequireAPIKey(s.auth, s.logger))
	{
		q := api.Group("/pms-queue")
		{
			q.POST("", s.enqueue)
			q.GET("", s.listPending)
			q.POST("/complete", s.complete)
			q.POST("/fail", s.failJob)
			q.POST("/processing", s.markProcessing)
			q.GET("/:id", s.getJob)
		}
		api.POST("/remote-print", s.remotePrint)
	}
	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve accepts connections on l until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", l.Addr().String()))
		errCh <- s.http.Serve(l)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()
	s.logger.Info("http server shutting down")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}
