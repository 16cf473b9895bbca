package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/NickPittas/DirectorsConsole-sub001/pkg/errors"
)

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes a JSON error response with the given status code and message.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{
		"error": message,
	})
}

// WriteErr writes a JSON error response, deriving the status code from the
// error's kind.
func WriteErr(w http.ResponseWriter, err error) {
	WriteJSON(w, errors.HTTPStatus(err), map[string]string{
		"error": err.Error(),
		"kind":  string(errors.Classify(err)),
	})
}
