package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketrules/internal/domain"
	"github.com/alanyoungcy/marketrules/internal/service"
)

// ConfigHandler serves sport configuration CRUD, validation and refresh.
type ConfigHandler struct {
	svc    *service.ConfigService
	logger *slog.Logger
}

// NewConfigHandler creates a ConfigHandler.
func NewConfigHandler(svc *service.ConfigService, logger *slog.Logger) *ConfigHandler {
	return &ConfigHandler{svc: svc, logger: logHandler(logger, "configs")}
}

// configResponse pairs a stored configuration with its compile report.
type configResponse struct {
	Config  domain.SportConfig `json:"config"`
	Compile *compileSummary    `json:"compile,omitempty"`
}

// List returns every stored configuration.
// GET /api/configs
func (h *ConfigHandler) List(w http.ResponseWriter, r *http.Request) {
	cfgs, err := h.svc.List(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if cfgs == nil {
		cfgs = []domain.SportConfig{}
	}
	writeJSON(w, http.StatusOK, cfgs)
}

// Get returns one stored configuration.
// GET /api/configs/{id}
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.svc.GetByID(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// Create stores a new configuration and caches its compiled form.
// POST /api/configs
func (h *ConfigHandler) Create(w http.ResponseWriter, r *http.Request) {
	var cfg domain.SportConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, compiled, err := h.svc.Create(r.Context(), cfg)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, configResponse{Config: stored, Compile: summarize(compiled)})
}

// Update replaces a configuration and recompiles it.
// PUT /api/configs/{id}
func (h *ConfigHandler) Update(w http.ResponseWriter, r *http.Request) {
	var cfg domain.SportConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stored, compiled, err := h.svc.Update(r.Context(), pathParam(r, "id"), cfg)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, configResponse{Config: stored, Compile: summarize(compiled)})
}

// Delete removes a configuration and its cache entry.
// DELETE /api/configs/{id}
func (h *ConfigHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), pathParam(r, "id")); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Validate compiles a posted configuration without storing it. Rule errors
// are reported in the body with a 200; structural errors are a 422.
// POST /api/configs/validate
func (h *ConfigHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var cfg domain.SportConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	compiled, err := h.svc.Validate(cfg)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	sum := summarize(compiled)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":   len(sum.Errors) == 0,
		"compile": sum,
	})
}

// Refresh recompiles one sport from the store.
// POST /api/configs/{sport}/refresh
func (h *ConfigHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	compiled, err := h.svc.Refresh(r.Context(), pathParam(r, "sport"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(compiled))
}

// RefreshAll recompiles every stored sport. Sports that failed are listed
// alongside the number that were cached.
// POST /api/configs/refresh
func (h *ConfigHandler) RefreshAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.RefreshAll(r.Context())
	if err != nil && n == 0 {
		writeServiceError(w, r, h.logger, err)
		return
	}
	body := map[string]any{"refreshed": n}
	if err != nil {
		h.logger.WarnContext(r.Context(), "refresh all incomplete", slog.String("error", err.Error()))
		body["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, body)
}
