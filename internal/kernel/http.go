package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Coral-Protocol/coral-server-next-sub000/pkg/logx"
)

// Health is the /healthz body.
type Health struct {
	Status     string   `json:"status"`
	Namespaces []string `json:"namespaces"`
	Sessions   int      `json:"sessions"`
}

// RegisterRoutes installs /healthz, /logs and, when metrics are enabled, /metrics.
func (k *Kernel) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", k.handleHealth)
	mux.HandleFunc("/logs", k.handleLogs)
	if h := k.MetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}
}

func (k *Kernel) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := Health{Status: "ok", Namespaces: k.Manager.Namespaces()}
	for _, ns := range h.Namespaces {
		h.Sessions += len(k.Manager.Sessions(ns))
	}
	if k.ctx.Err() != nil {
		h.Status = "stopping"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h)
}

// handleLogs returns recent process-wide log entries. Optional query parameters:
// component, and since (RFC 3339).
func (k *Kernel) handleLogs(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid since: %v", err), http.StatusBadRequest)
			return
		}
		since = t
	}
	entries := logx.GetRecentLogEntries(r.URL.Query().Get("component"), since)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

// StartHTTPServer listens on addr and serves the kernel routes until ctx is
// done. It returns the bound address once listening.
func (k *Kernel) StartHTTPServer(ctx context.Context, addr string) (string, error) {
	mux := http.NewServeMux()
	k.RegisterRoutes(mux)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	k.Logger.Info("Starting HTTP server on %s", ln.Addr())

	k.background.Add(2)
	go func() {
		defer k.background.Done()
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			k.Logger.Error("Server error: %v", err)
		}
	}()
	go func() {
		defer k.background.Done()
		select {
		case <-ctx.Done():
		case <-k.ctx.Done():
		}
		// The parent context is cancelled; shutdown needs its own deadline.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			k.Logger.Error("HTTP server shutdown failed: %v", err)
		}
	}()
	return ln.Addr().String(), nil
}
