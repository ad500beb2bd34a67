package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketrules/internal/domain"
	"github.com/alanyoungcy/marketrules/internal/service"
)

// SnapshotHandler exports and restores configuration snapshots.
type SnapshotHandler struct {
	svc    *service.SnapshotService
	logger *slog.Logger
}

// NewSnapshotHandler creates a SnapshotHandler.
func NewSnapshotHandler(svc *service.SnapshotService, logger *slog.Logger) *SnapshotHandler {
	return &SnapshotHandler{svc: svc, logger: logHandler(logger, "snapshots")}
}

// List returns the stored snapshots, oldest first.
// GET /api/snapshots
func (h *SnapshotHandler) List(w http.ResponseWriter, r *http.Request) {
	infos, err := h.svc.List(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if infos == nil {
		infos = []domain.BlobInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// Export writes a new snapshot of every stored configuration.
// POST /api/snapshots
func (h *SnapshotHandler) Export(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Export(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// Restore imports a snapshot; an empty or missing key selects the latest.
// POST /api/snapshots/restore
func (h *SnapshotHandler) Restore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.svc.Restore(r.Context(), req.Key)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
