// Package problem writes RFC 7807 problem details responses.
package problem

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"github.com/ManuGH/rlmd/internal/log"
)

const (
	// HeaderRequestID carries the request correlation id in both directions.
	HeaderRequestID = "X-Request-ID"
	// JSONKeyRequestID is the problem body field holding the request id.
	JSONKeyRequestID = "requestId"
	// ContentType is the media type of problem responses.
	ContentType = "application/problem+json"
)

// Problem is one error response.
//
// Semantics:
//   - Type: canonical machine identifier (e.g. "broker/capacity").
//   - Title: short human-readable label.
//   - Code: stable machine-readable short code (e.g. "BROKER_CAPACITY").
//   - Detail: explanation of this specific occurrence.
type Problem struct {
	Status     int
	Type       string
	Title      string
	Code       string
	Detail     string
	RetryAfter time.Duration
	Extra      map[string]any
}

// Write writes p to w, correlated with the request id of r.
func Write(w http.ResponseWriter, r *http.Request, p Problem) {
	reqID := ""
	instance := ""
	if r != nil {
		reqID = log.RequestIDFromContext(r.Context())
		instance = r.URL.EscapedPath()
	} else {
		log.L().Error().Str("type", p.Type).Int("status", p.Status).Msg("problem.Write called with nil request")
	}
	if reqID == "" {
		reqID = w.Header().Get(HeaderRequestID)
	}

	res := map[string]any{
		"type":   p.Type,
		"title":  p.Title,
		"status": p.Status,
		"code":   p.Code,
	}
	if reqID != "" {
		res[JSONKeyRequestID] = reqID
	}
	if p.Detail != "" {
		res["detail"] = p.Detail
	}
	if instance != "" {
		res["instance"] = instance
	}
	for k, v := range p.Extra {
		switch k {
		case "type", "title", "status", "detail", "instance", "code", JSONKeyRequestID:
			log.L().Warn().Str("key", k).Str("problem_type", p.Type).Msg("ignoring reserved key in problem extras")
			continue
		}
		res[k] = v
	}

	body, err := sonic.Marshal(res)
	if err != nil {
		log.L().Error().Err(err).Str("type", p.Type).Int("status", p.Status).Msg("failed to encode problem response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if reqID != "" {
		w.Header().Set(HeaderRequestID, reqID)
	}
	if p.RetryAfter > 0 {
		secs := int((p.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(p.Status)
	_, _ = w.Write(body)
}
