package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aristath/nextaction/internal/domain"
	"github.com/aristath/nextaction/internal/scheduler"
	"github.com/rs/zerolog"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, log zerolog.Logger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError maps domain errors to HTTP statuses
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrActionNotFound),
		errors.Is(err, domain.ErrOpportunityNotFound),
		errors.Is(err, scheduler.ErrUnknownJob):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrActionLocked),
		errors.Is(err, domain.ErrStatusConflict),
		errors.Is(err, domain.ErrTickInProgress):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidDetails),
		errors.Is(err, domain.ErrUnknownActionType):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, log, status, errorResponse{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, log zerolog.Logger, msg string) {
	writeJSON(w, log, http.StatusBadRequest, errorResponse{Error: msg})
}
