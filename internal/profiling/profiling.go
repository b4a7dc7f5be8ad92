// Package profiling serves pprof endpoints for debugging a running pool.
package profiling

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/tos-network/stratum-pool/internal/config"
	"github.com/tos-network/stratum-pool/internal/util"
)

var profiles = []string{"goroutine", "heap", "allocs", "threadcreate", "block", "mutex"}

// Server provides pprof profiling endpoints
type Server struct {
	cfg      config.ProfilingConfig
	server   *http.Server
	listener net.Listener
}

func NewServer(cfg config.ProfilingConfig) *Server {
	return &Server{cfg: cfg}
}

// Handler returns the pprof mux
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	for _, name := range profiles {
		mux.Handle("/debug/pprof/"+name, pprof.Handler(name))
	}
	return mux
}

// Start binds the configured address and serves in the background. It is
// a no-op when profiling is disabled.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	listener, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	util.Infof("pprof profiling server listening on %s", listener.Addr())

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Errorf("Profiling server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil when not started
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts down the profiling server
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	util.Info("Stopping profiling server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
