package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"

	"github.com/ManuGH/rlmd/internal/log"
)

// maxBodyBytes bounds request bodies; it leaves headroom over the
// per-message content limit.
const maxBodyBytes = 11 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.Marshal(v)
	if err != nil {
		log.L().Error().Err(err).Str(log.FieldEvent, "response.encode_error").Msg("failed to encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &requestError{status: http.StatusRequestEntityTooLarge, code: "BODY_TOO_LARGE", detail: "request body too large"}
		}
		return badRequest("INVALID_BODY", "read body: %v", err)
	}
	if len(body) == 0 {
		return badRequest("INVALID_BODY", "request body required")
	}
	if err := sonic.Unmarshal(body, v); err != nil {
		return badRequest("INVALID_BODY", "invalid JSON: %v", err)
	}
	return nil
}
