package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/kalambet/sessiond/internal/events"
)

type sequenceGapBody struct {
	Error            errorDetail `json:"error"`
	ExpectedSequence int64       `json:"expected_sequence"`
	LastSequence     int64       `json:"last_sequence"`
	JobID            string      `json:"job_id,omitempty"`
}

func handleEvents(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := readBody(w, r, deps.MaxBodyBytes)
		if !ok {
			return
		}

		batch, err := events.DecodeBatch(raw)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		res, err := deps.Reconciler.Apply(r.Context(), batch)
		var gap *events.SequenceGapError
		switch {
		case errors.As(err, &gap):
			body := sequenceGapBody{
				Error:            errorDetail{Message: err.Error(), Type: "sequence_gap"},
				ExpectedSequence: gap.Expected,
				LastSequence:     gap.LastSequence,
				JobID:            res.JobID,
			}
			writeJSON(w, http.StatusConflict, body)
			return
		case errors.Is(err, events.ErrInvalidBatch):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to apply events: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, res)
	}
}

// readBody reads a size-limited request body, answering 413 or 400 itself
// when it cannot.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body exceeds %d bytes", tooLarge.Limit)
			return nil, false
		}
		httpError(w, http.StatusBadRequest, "invalid_request_error", "reading request body: %v", err)
		return nil, false
	}
	return raw, true
}
