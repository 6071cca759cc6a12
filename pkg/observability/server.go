package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const (
	healthOK          = "ok"
	healthUnavailable = "unavailable"

	readHeaderTimeout = 5 * time.Second
)

// ReadyCheck reports whether a subsystem can serve.
type ReadyCheck func(ctx context.Context) error

// HealthHandler always answers 200 {"status":"ok"}.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		writeStatus(rw, http.StatusOK, healthOK)
	})
}

// ReadyHandler answers 503 when any check fails and 200 otherwise.
func ReadyHandler(checks ...ReadyCheck) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		for _, check := range checks {
			if err := check(req.Context()); err != nil {
				writeStatus(rw, http.StatusServiceUnavailable, healthUnavailable)

				return
			}
		}

		writeStatus(rw, http.StatusOK, healthOK)
	})
}

func writeStatus(rw http.ResponseWriter, code int, status string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)

	_ = json.NewEncoder(rw).Encode(map[string]string{"status": status})
}

// DiagnosticsServer serves /healthz, /readyz and, when a handler is
// given, /metrics.
type DiagnosticsServer struct {
	server   *http.Server
	listener net.Listener
}

// NewDiagnosticsServer listens on addr and serves in the background.
func NewDiagnosticsServer(addr string, metrics http.Handler, checks ...ReadyCheck) (*DiagnosticsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/healthz", HealthHandler())
	mux.Handle("/readyz", ReadyHandler(checks...))

	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	var lc net.ListenConfig

	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: readHeaderTimeout}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			slog.Warn("diagnostics server stopped", "error", serveErr)
		}
	}()

	return &DiagnosticsServer{server: srv, listener: listener}, nil
}

// Addr returns the bound address.
func (d *DiagnosticsServer) Addr() string {
	return d.listener.Addr().String()
}

// Close shuts the server down.
func (d *DiagnosticsServer) Close(ctx context.Context) error {
	if err := d.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown diagnostics server: %w", err)
	}

	return nil
}
