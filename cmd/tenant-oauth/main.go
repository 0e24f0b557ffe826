// Command tenant-oauth serves the token, JWKS, revocation and introspection
// endpoints of a multi-tenant OAuth 2.1 authorization server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	oauth "github.com/giantswarm/tenant-oauth"
	"github.com/giantswarm/tenant-oauth/storage"
)

var version = "dev"

func main() {
	logger := setupLogger()
	if err := run(logger); err != nil {
		logger.Error("tenant-oauth exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, s, err := loadConfig(logger)
	if err != nil {
		return err
	}

	var boot *bootstrapFile
	if s.BootstrapFile != "" {
		boot, err = readBootstrap(s.BootstrapFile)
		if err != nil {
			return err
		}
	}

	var directory storage.DirectoryStore
	if boot != nil {
		dir := boot.directory()
		defer dir.Stop()
		directory = dir
	}

	srv, err := oauth.NewServer(cfg, directory)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.ShutdownGrace)
		defer cancel()
		if err := srv.Close(ctx); err != nil {
			logger.Warn("Failed to close OAuth server", "error", err)
		}
	}()

	if boot != nil {
		if err := boot.registerClients(context.Background(), srv.Clients(), srv.Core(), logger); err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr:              s.ListenAddr,
		Handler:           setupRoutes(srv, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting tenant-oauth",
			"addr", httpServer.Addr,
			"version", version,
			"tls", s.TLSCertFile != "")
		var err error
		if s.TLSCertFile != "" {
			err = httpServer.ListenAndServeTLS(s.TLSCertFile, s.TLSKeyFile)
		} else {
			logger.Warn("Serving plain HTTP, terminate TLS in front of this server")
			err = httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.ShutdownGrace)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func setupRoutes(srv *oauth.Server, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	oauth.NewHandler(srv, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", srv.Instrumentation.PrometheusHandler())
	mux.HandleFunc("GET /healthz", healthHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": version})
}
