package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server owns the TCP listener, the registry goroutine, and the
// metrics/health HTTP endpoint.
type Server struct {
	cfg        Config
	logger     *slog.Logger
	reg        *Registry
	listener   net.Listener
	metricsSrv *http.Server
}

func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		reg:    NewRegistry(cfg, logger),
	}
}

func (s *Server) Start() error {
	if err := os.MkdirAll(s.cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = ln

	go s.reg.Run()
	go s.acceptLoop(ln)
	s.startMetrics()

	s.logger.Info("server started", "addr", ln.Addr().String(), "metrics_addr", s.cfg.MetricsAddr)
	return nil
}

// Addr reports the bound chat listen address, useful when the configured
// port is 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr
	}
	return s.listener.Addr().String()
}

func (s *Server) Stop() {
	s.logger.Info("shutting down")

	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.metricsSrv.Shutdown(ctx)
	}

	s.reg.Stop()
	s.reg.Wait()

	s.logger.Info("shutdown complete")
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed; normal shutdown path.
			return
		}

		sess := &Session{
			ID:   uuid.NewString(),
			Conn: conn,
			Out:  make(chan string, s.cfg.SessionBuffer),
		}
		s.logger.Info("client connected", "session", sess.ID, "addr", conn.RemoteAddr().String())
		go s.handleSession(sess)
	}
}

func (s *Server) startMetrics() {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	s.metricsSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: router}
	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server stopped", "error", err)
		}
	}()
}
