package api

import (
	"net/http"
)

// Health reports liveness together with pool occupancy.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	stats := h.pool.Stats()
	status := "ok"
	if stats.Closed || stats.Stopped {
		status = "degraded"
	}
	JSON(w, http.StatusOK, map[string]any{
		"status":          status,
		"pool":            stats,
		"active_sessions": h.coord.ActiveCount(),
		"indexed":         h.index.Len(),
	})
}

// PoolStats returns the agent pool occupancy.
func (h *Handler) PoolStats(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.pool.Stats())
}

// VerifyIndex compares the session index with the workspaces on disk.
func (h *Handler) VerifyIndex(w http.ResponseWriter, r *http.Request) {
	report, err := h.index.VerifyConsistency()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"consistent": report.Consistent(),
		"report":     report,
	})
}

// RepairIndex reconciles the session index with the workspaces on disk.
func (h *Handler) RepairIndex(w http.ResponseWriter, r *http.Request) {
	res, err := h.index.Repair(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}
