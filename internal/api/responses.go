package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"invoiceflow/internal/pipeline"
)

// errorResponse is the uniform error envelope. Retry eligibility is always
// explicit so clients never have to infer it.
type errorResponse struct {
	Error       string   `json:"error"`
	Details     string   `json:"details,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Retryable   bool     `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	var nfErr *pipeline.NotFoundError
	var valErr *pipeline.ValidationError
	var credErr *pipeline.CredentialError

	switch {
	case errors.As(err, &nfErr):
		status = http.StatusNotFound
		message = nfErr.Error()
	case errors.As(err, &valErr):
		status = http.StatusBadRequest
		message = valErr.Error()
	case errors.As(err, &credErr):
		status = http.StatusUnauthorized
		message = credErr.Error()
	default:
		log.Error("request failed", zap.Error(err))
	}

	writeJSON(w, status, errorResponse{
		Error:       message,
		Details:     err.Error(),
		Suggestions: pipeline.Suggestions(err),
		Retryable:   pipeline.Retryable(err),
	})
}
