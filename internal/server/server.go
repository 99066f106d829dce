package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/kifulab/usibridge/internal/log"
)

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	server   *http.Server
	listener net.Listener
	port     int
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Addr is the address to listen on, e.g. "127.0.0.1:8420". Port 0
	// lets the OS pick; use Port() to read it back.
	Addr string
	// Handler serves the routes.
	Handler *Handler
	// ReadTimeout bounds reading the entire request.
	ReadTimeout time.Duration
}

// NewServer binds the listener and prepares the HTTP server.
func NewServer(cfg ServerConfig) (*Server, error) {
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Addr, err)
	}
	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	return &Server{
		listener: listener,
		port:     port,
		server: &http.Server{
			Handler:           cfg.Handler.Routes(),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			// No write timeout: SSE and WebSocket connections are
			// long-lived.
			WriteTimeout: 0,
		},
	}, nil
}

// Start serves until the server is stopped or fails.
func (s *Server) Start() error {
	log.Info(log.CatServer, "starting API server", "addr", s.listener.Addr().String())
	return s.server.Serve(s.listener)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatServer, "stopping API server")
	return s.server.Shutdown(ctx)
}

// Port returns the bound port, useful with ":0".
func (s *Server) Port() int {
	return s.port
}
