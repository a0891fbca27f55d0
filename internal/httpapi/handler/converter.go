package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/0xc0d3d00d/quotecache/internal/query"
)

const internalErrorMessage = "internal server error"

type errorResponse struct {
	Message string `json:"message"`
}

type symbolNotFoundResponse struct {
	Message          string   `json:"message"`
	AvailableSymbols []string `json:"available_symbols"`
}

type timestampNotFoundResponse struct {
	Message        string   `json:"message"`
	AvailableDates []string `json:"available_dates"`
	AvailableHours []int    `json:"available_hours"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Message: message})
}

// errorToResponse maps query errors to a status code and body. Anything
// unclassified becomes a bare 500.
func errorToResponse(err error) (int, any) {
	var (
		verr         *query.ValidationError
		symbolErr    *query.SymbolNotFoundError
		timestampErr *query.TimestampNotFoundError
	)
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, errorResponse{Message: verr.Error()}
	case errors.As(err, &symbolErr):
		return http.StatusNotFound, symbolNotFoundResponse{
			Message:          symbolErr.Error(),
			AvailableSymbols: nonNil(symbolErr.AvailableSymbols),
		}
	case errors.As(err, &timestampErr):
		return http.StatusNotFound, timestampNotFoundResponse{
			Message:        timestampErr.Error(),
			AvailableDates: nonNil(timestampErr.AvailableDates),
			AvailableHours: nonNil(timestampErr.AvailableHours),
		}
	default:
		return http.StatusInternalServerError, errorResponse{Message: internalErrorMessage}
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
