package api

import (
	"net/http"
)

// HealthHandler reports liveness of the API server.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "ok"})
}
