package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 3 * time.Second

type HealthResponse struct {
	Status string            `json:"status"` // "ok" or "unhealthy"
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz runs every configured dependency check concurrently.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(h.cfg.Checks))
	for name := range h.cfg.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	var mu sync.Mutex
	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(names))}

	// Checks never return errors to the group so that every one runs to
	// completion and reports its own result.
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		check := h.cfg.Checks[name]
		g.Go(func() error {
			result := "ok"
			if err := check(ctx); err != nil {
				h.log.Warn("health check failed", "check", name, "error", err)
				result = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			resp.Checks[name] = result
			if result != "ok" {
				resp.Status = "unhealthy"
			}
			return nil
		})
	}
	_ = g.Wait()

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg.Build)
}
