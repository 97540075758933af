// Package helpers utilidades de lectura/escritura JSON para los controllers.
package helpers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/dropDatabas3/nfsegate/internal/http/errors"
)

// ReadJSON decodifica el body (máx 1MB). Retorna false si ya escribió el error.
func ReadJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := strings.ToLower(r.Header.Get("Content-Type"))
	if !strings.Contains(ct, "application/json") {
		errors.WriteError(w, errors.ErrInvalidJSON.WithDetail("Content-Type deve ser application/json"))
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		errors.WriteError(w, errors.ErrInvalidJSON.WithCause(err))
		return false
	}
	return true
}

// WriteJSON escribe v con el status dado.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
