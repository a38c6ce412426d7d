package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/monoco-io/monoco/internal/fault"
	"github.com/monoco-io/monoco/internal/log"
)

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Host to bind. Default 127.0.0.1.
	Host string
	// BasePort is the first port tried. Default 8642.
	BasePort int
	// PortScanRange bounds the forward scan from BasePort. Default 50.
	PortScanRange int
	// Handler is the wired API handler.
	Handler *Handler
	// ReadTimeout bounds reading one request. Default 30s.
	ReadTimeout time.Duration
}

// Server owns the listener and http.Server. Construction claims the port,
// so the caller knows the bound address before serving.
type Server struct {
	server   *http.Server
	listener net.Listener
	host     string
	port     int
}

// NewServer binds the first free port in [BasePort, BasePort+PortScanRange].
func NewServer(cfg ServerConfig) (*Server, error) {
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	base := cfg.BasePort
	if base == 0 {
		base = 8642
	}
	span := cfg.PortScanRange
	if span == 0 {
		span = 50
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	listener, port, err := claimPort(host, base, span)
	if err != nil {
		return nil, err
	}

	return &Server{
		listener: listener,
		host:     host,
		port:     port,
		server: &http.Server{
			Handler:           cfg.Handler.Routes(),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			// No write timeout: SSE connections are long-lived.
		},
	}, nil
}

// claimPort scans forward from base until a listener binds.
func claimPort(host string, base, span int) (net.Listener, int, error) {
	var lastErr error
	for port := base; port <= base+span; port++ {
		listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return listener, port, nil
		}
		lastErr = err
	}
	return nil, 0, fault.Wrapf(fault.Fatal, lastErr,
		"no free port on %s in %d..%d", host, base, base+span)
}

// Start serves until Stop or a listener error. It blocks.
func (s *Server) Start() error {
	log.Info(log.CatHTTP, "api server listening", "host", s.host, "port", s.port)
	if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return fault.Wrap(fault.Fatal, err, "api server")
	}
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatHTTP, "api server stopping")
	return s.server.Shutdown(ctx)
}

// Host returns the bound host.
func (s *Server) Host() string { return s.host }

// Port returns the bound port.
func (s *Server) Port() int { return s.port }
