package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketrules/internal/domain"
	"github.com/alanyoungcy/marketrules/internal/processor"
	"github.com/alanyoungcy/marketrules/internal/service"
)

// ProcessHandler runs batches posted over HTTP.
type ProcessHandler struct {
	svc    *service.BatchService
	logger *slog.Logger
}

// NewProcessHandler creates a ProcessHandler.
func NewProcessHandler(svc *service.BatchService, logger *slog.Logger) *ProcessHandler {
	return &ProcessHandler{svc: svc, logger: logHandler(logger, "process")}
}

// issueView is the wire form of a processor.Issue.
type issueView struct {
	processor.Issue
	Reason string `json:"reason"`
}

type processResponse struct {
	Sport    string           `json:"sport"`
	Batch    string           `json:"batch"`
	Group    string           `json:"group,omitempty"`
	Markets  []domain.Market  `json:"markets"`
	Outcomes []domain.Outcome `json:"outcomes"`
	Issues   []issueView      `json:"issues"`
}

// Process transforms the posted batch with the configuration of a sport.
// POST /api/process/{sport}
func (h *ProcessHandler) Process(w http.ResponseWriter, r *http.Request) {
	sport := pathParam(r, "sport")

	var batch domain.InputBatch
	if err := decodeJSON(w, r, &batch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if batch.Name == "" {
		writeError(w, http.StatusBadRequest, "batch name is required")
		return
	}

	res, err := h.svc.Process(r.Context(), sport, batch)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	issues := make([]issueView, len(res.Issues))
	for i, is := range res.Issues {
		reason := ""
		if is.Err != nil {
			reason = is.Err.Error()
		}
		issues[i] = issueView{Issue: is, Reason: reason}
	}
	writeJSON(w, http.StatusOK, processResponse{
		Sport:    sport,
		Batch:    batch.Name,
		Group:    res.Group,
		Markets:  res.Markets,
		Outcomes: res.Outcomes,
		Issues:   issues,
	})
}
