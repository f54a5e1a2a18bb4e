package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/swapbot/internal/domain"
)

// writeJSON encodes v as the JSON response body and sends it with the given
// status code and a JSON content type. When v cannot be encoded, nothing of
// it is written and the client receives a 500 instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError sends status with a JSON body of the form {"error": msg}. All
// handlers report failures through it so clients see one error shape.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseListOpts builds pagination options from the limit and offset query
// parameters. limit defaults to 50 and is capped at 500; offset defaults to
// 0. Values that are missing, malformed or out of range fall back to the
// defaults rather than failing the request.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = min(n, 500)
	}
	offset := 0
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n >= 0 {
		offset = n
	}
	return domain.ListOpts{Limit: limit, Offset: offset}
}
