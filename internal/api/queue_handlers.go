package api

import (
	"net/http"
	"strconv"

	"github.com/relaymail/dispatch/internal/pkg/httputil"
)

// GetQueueStats returns queue depth by state.
func (h *Handlers) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, stats)
}

// PauseQueue suspends claiming. In-flight items finish normally.
func (h *Handlers) PauseQueue(w http.ResponseWriter, r *http.Request) {
	h.queue.Pause()
	httputil.OK(w, map[string]string{"status": "paused"})
}

// ResumeQueue re-enables claiming.
func (h *Handlers) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	h.queue.Resume()
	httputil.OK(w, map[string]string{"status": "running"})
}

// CleanQueue applies the retention policy now instead of waiting for
// the maintenance loop.
func (h *Handlers) CleanQueue(w http.ResponseWriter, r *http.Request) {
	keep := 1000
	if v := r.URL.Query().Get("keep"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			keep = n
		}
	}
	removed, err := h.queue.Clean(r.Context(), keep)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]int64{"removed": removed})
}
