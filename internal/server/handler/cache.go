package handler

import (
	"net/http"

	"github.com/alanyoungcy/marketrules/internal/service"
)

// CacheHandler exposes the compiled-configuration cache.
type CacheHandler struct {
	svc *service.ConfigService
}

// NewCacheHandler creates a CacheHandler.
func NewCacheHandler(svc *service.ConfigService) *CacheHandler {
	return &CacheHandler{svc: svc}
}

// Stats reports the cached sports.
// GET /api/cache
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"size": h.svc.CacheSize(),
		"keys": h.svc.CacheKeys(),
		"ttl":  h.svc.CacheTTL().String(),
	})
}

// InvalidateAll empties the cache on every replica.
// DELETE /api/cache
func (h *CacheHandler) InvalidateAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": h.svc.InvalidateAll(r.Context())})
}

// Invalidate drops one sport on every replica.
// DELETE /api/cache/{sport}
func (h *CacheHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	sport := pathParam(r, "sport")
	if !h.svc.Invalidate(r.Context(), sport) {
		writeError(w, http.StatusNotFound, "sport not cached: "+sport)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Sweep removes expired entries now.
// POST /api/cache/sweep
func (h *CacheHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": h.svc.SweepExpired()})
}
