package api

import (
	"net/http"

	"github.com/cloakgate/gateway/internal/jobqueue"
)

// HandleJobQueueStatus returns a handler for GET /api/v1/jobqueue/status,
// sampling the pending/processing/delayed/dead queue depths on demand.
func HandleJobQueueStatus(w *jobqueue.Worker) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		status, err := w.Status(r.Context())
		if err != nil {
			writeInternal(rw, err)
			return
		}
		WriteJSON(rw, http.StatusOK, status)
	}
}
