package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/LabLab/internal/flow"
	"github.com/BTreeMap/LabLab/internal/marketdata"
	"github.com/BTreeMap/LabLab/internal/models"
	"github.com/BTreeMap/LabLab/internal/store"
)

// loadRetryAfterSeconds is the Retry-After hint sent with an unreachable experiment.
const loadRetryAfterSeconds = "5"

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal the response to JSON first to catch encoding errors before writing headers
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeError maps a runtime or store error onto a status code and envelope.
// result, when non-nil, is returned alongside the message (e.g. the current
// session snapshot so the client can re-render).
func writeError(w http.ResponseWriter, err error, result interface{}) {
	var (
		lerr *flow.LoadError
		verr *models.ValidationError
		perr *flow.PersistenceError
		terr *marketdata.TransientDataError
	)
	switch {
	case errors.As(err, &lerr):
		switch lerr.Kind {
		case flow.LoadErrorNotFound:
			writeJSONResponse(w, http.StatusNotFound, models.Error("Experiment not found"))
		case flow.LoadErrorInvalid:
			writeJSONResponse(w, http.StatusUnprocessableEntity, models.Error(lerr.Error()))
		default:
			w.Header().Set("Retry-After", loadRetryAfterSeconds)
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Experiment temporarily unavailable, please retry"))
		}
	case errors.As(err, &verr):
		writeJSONResponse(w, http.StatusUnprocessableEntity, models.ErrorWithResult(verr.Error(), verr))
	case errors.As(err, &perr):
		writeJSONResponse(w, http.StatusServiceUnavailable, models.ErrorWithResult("Could not save your answers, please submit again", result))
	case errors.As(err, &terr):
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error(terr.Error()))
	case errors.Is(err, store.ErrNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
	case errors.Is(err, flow.ErrGateUnsatisfied),
		errors.Is(err, flow.ErrStageMismatch),
		errors.Is(err, flow.ErrNotRunning),
		errors.Is(err, flow.ErrAlreadyStarted),
		errors.Is(err, flow.ErrSkipNotAllowed),
		errors.Is(err, flow.ErrSessionClosed):
		writeJSONResponse(w, http.StatusConflict, models.ErrorWithResult(err.Error(), result))
	case errors.Is(err, flow.ErrNotApplicable):
		writeJSONResponse(w, http.StatusBadRequest, models.ErrorWithResult(err.Error(), result))
	default:
		slog.Error("Server.writeError: unexpected error", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
	}
}
