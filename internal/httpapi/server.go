package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logx "bikenotify/pkg/logx"
)

// Server wraps http.Server with a context-aware lifecycle.
type Server struct {
	srv *http.Server
	log logx.Logger
	ln  net.Listener
}

func NewServer(addr string, h http.Handler, log logx.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       90 * time.Second,
		},
		log: log.With(logx.String("comp", "http")),
	}
}

// Listen binds the address so startup fails fast on a busy port.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Addr is the bound address once Listen succeeded.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.srv.Addr
	}
	return s.ln.Addr().String()
}

// Serve blocks until the server stops. A graceful shutdown returns nil.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.srv.BaseContext = func(net.Listener) context.Context { return ctx }
	s.log.Info("http listening", logx.String("addr", s.Addr()))
	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
