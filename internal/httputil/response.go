// Package httputil contains shared HTTP utilities for consistent response
// formatting across handlers.
package httputil

import (
	"encoding/json"
	"net/http"
)

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}

func WriteJSONError(w http.ResponseWriter, message string, status int) {
	WriteJSON(w, status, map[string]string{
		"error": message,
	})
}
