package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/vinayprograms/llmdispatch/errors"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     *errors.Error `json:"error"`
	RequestID string        `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err. A zero status is derived from the error code.
// Rate-limit style errors carry a Retry-After header in whole seconds.
func writeError(w http.ResponseWriter, r *http.Request, err error, status int) {
	de := errors.AsError(err)
	if de == nil {
		de = errors.Internal(err.Error(), errors.WithCause(err))
	}
	if status == 0 {
		status = de.Code().HTTPStatus()
	}
	if wait := de.RetryAfter(); wait > 0 {
		secs := int64((wait + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeJSON(w, status, ErrorResponse{Error: de, RequestID: GetRequestID(r.Context())})
}
