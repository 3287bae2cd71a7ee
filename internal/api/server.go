// Package api exposes the engine to local tools over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"igdnat/internal/bandwidth"
	"igdnat/internal/igd"
	"igdnat/internal/orchestrator"
	"igdnat/internal/status"
)

// Backend is what the handlers query. *orchestrator.Runner implements it.
type Backend interface {
	Address(ctx context.Context) []igd.DetectedIP
	Bandwidth(ctx context.Context) (bandwidth.Rates, bool)
	Ports() []igd.ForwardPort
	SetPorts(ctx context.Context, ports []igd.ForwardPort)
	Status() status.Snapshot
	Gateways() []orchestrator.Gateway
}

type Server struct {
	backend Backend
	engine  *gin.Engine
	srv     *http.Server
	ln      net.Listener
	logger  *zap.Logger
}

// New builds the router. metricsHandler may be nil.
func New(backend Backend, metricsHandler http.Handler, logger *zap.Logger) *Server {
	s := &Server{backend: backend, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	g := r.Group("v1")
	g.GET("address", s.getAddress)
	g.GET("bandwidth", s.getBandwidth)
	g.GET("ports", s.getPorts)
	g.PUT("ports", BindJsonMiddleware[SetPortsRequest], s.putPorts)
	g.GET("status", s.getStatus)
	g.GET("gateways", s.getGateways)

	if metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(metricsHandler))
	}

	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.engine}
	s.logger.Info("API listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
