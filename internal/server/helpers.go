package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
)

// respondJSON writes data as uncacheable JSON with status.
func respondJSON(w http.ResponseWriter, status int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		slog.Error("encode json response", slog.Any("err", err))
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// encodeEvent renders evt as one SSE data line payload.
func encodeEvent(evt any) ([]byte, error) {
	return json.Marshal(evt)
}
