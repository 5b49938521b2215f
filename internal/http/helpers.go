package http

import (
	"encoding/json"
	"net/http"
)

// Limiter admits or rejects one request for key.
type Limiter interface {
	Allow(key string) bool
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// limitKey scopes rate limits to the caller, or the remote address when anonymous.
func limitKey(r *http.Request, id Identity) string {
	if id.UserID != "" {
		return "user:" + id.UserID
	}
	return "addr:" + r.RemoteAddr
}
