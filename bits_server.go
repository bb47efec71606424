package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"bitsserver/perfmetrics"
	"bitsserver/protocol"
	"bitsserver/session"
	"bitsserver/terminal"
)

// BITSServer wires the packet dispatcher to the HTTP transport. BITS packets
// arrive as POST (or the BITS client's BITS_POST method) requests against the
// upload path; plain GET/HEAD requests fall through to a static file server
// over the same root.
type BITSServer struct {
	config     *terminal.Config
	logger     *logrus.Logger
	registry   *session.Registry
	dispatcher *protocol.Dispatcher
	metrics    *perfmetrics.Metrics
	fileServer http.Handler

	httpServer    *http.Server
	metricsServer *http.Server
}

// NewBITSServer creates a server from a validated configuration.
func NewBITSServer(config *terminal.Config, logger *logrus.Logger) (*BITSServer, error) {
	resolve, err := protocol.ResolveUnder(config.RootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve upload root %s: %w", config.RootDir, err)
	}

	metrics := perfmetrics.New()
	registry := session.NewRegistry(config.FragmentSizeLimit, config.IdleTimeout, logger)

	server := &BITSServer{
		config:     config,
		logger:     logger,
		registry:   registry,
		dispatcher: protocol.NewDispatcher(registry, resolve, logger, metrics),
		metrics:    metrics,
		fileServer: http.FileServer(http.Dir(config.RootDir)),
	}

	server.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", config.ListenPort),
		Handler: http.HandlerFunc(server.handleRequest),
	}

	if config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server.metricsServer = &http.Server{
			Addr:    config.MetricsAddr,
			Handler: mux,
		}
	}

	return server, nil
}

// handleRequest routes one HTTP request. The BITS client issues uploads with
// the BITS_POST method; plain POST is accepted as well for clients that
// cannot emit custom methods.
func (s *BITSServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case "BITS_POST", http.MethodPost:
		s.handlePacket(w, r)
	case http.MethodGet, http.MethodHead:
		s.fileServer.ServeHTTP(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handlePacket hands one BITS packet to the dispatcher and writes the
// response it describes.
func (s *BITSServer) handlePacket(w http.ResponseWriter, r *http.Request) {
	req := &protocol.Request{
		RemoteAddr: clientIP(r.RemoteAddr),
		Path:       r.URL.Path,
		Header:     r.Header,
		Body:       r.Body,
	}

	resp := s.dispatcher.Dispatch(req)
	resp.WriteTo(w)
}

// Start runs the server until ctx is cancelled or the listener fails. On
// cancellation the HTTP server drains with a timeout and all remaining
// upload sessions are released.
func (s *BITSServer) Start(ctx context.Context) error {
	if s.metricsServer != nil {
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.WithField("error", err).Error("Metrics listener failed")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down BITS server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.WithField("error", err).Warn("HTTP shutdown did not complete cleanly")
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
			s.logger.WithField("error", err).Warn("Metrics shutdown did not complete cleanly")
		}
	}

	if err := s.registry.Shutdown(); err != nil {
		s.logger.WithField("error", err).Warn("Failed to release sessions during shutdown")
	}

	return nil
}

// clientIP extracts the host portion of a remote address. The session id
// derivation must not vary with the client's ephemeral port.
func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
