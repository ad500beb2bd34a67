package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketrules/internal/domain"
	"github.com/alanyoungcy/marketrules/internal/rules"
	"github.com/alanyoungcy/marketrules/internal/service"
)

// maxBodyBytes bounds request bodies; sport configurations are small.
const maxBodyBytes = 1 << 20

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps a service error to its HTTP status. Unexpected
// errors are logged and reported without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, status, "internal server error")
		return
	}
	if status == http.StatusServiceUnavailable {
		logger.WarnContext(r.Context(), "store unavailable",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, status, service.ErrConfigUnavailable.Error())
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrConfigUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a JSON request body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}

// ruleError is the wire form of a rules.CompileError.
type ruleError struct {
	*rules.CompileError
	Reason string `json:"reason"`
}

// compileSummary reports how a configuration compiled.
type compileSummary struct {
	Sport  string      `json:"sport"`
	Rules  int         `json:"rules"`
	Usable int         `json:"usable"`
	Errors []ruleError `json:"errors"`
}

func summarize(c *rules.CompiledSportConfig) *compileSummary {
	if c == nil {
		return nil
	}
	total, usable := c.RuleCount()
	errs := c.RuleErrors()
	out := make([]ruleError, len(errs))
	for i, e := range errs {
		reason := ""
		if e.Err != nil {
			reason = e.Err.Error()
		}
		out[i] = ruleError{CompileError: e, Reason: reason}
	}
	return &compileSummary{Sport: c.Sport, Rules: total, Usable: usable, Errors: out}
}
