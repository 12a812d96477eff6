package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderSessionID selects the session explicitly and is echoed on replies.
	HeaderSessionID = "X-Rlm-Session-Id"
	// HeaderReset asks for a fresh session before the request runs.
	HeaderReset = "X-Rlm-Reset"
	// SessionCookie carries the session id for clients that keep cookies.
	SessionCookie = "rlm_session"

	maxSessionIDLen = 64
)

// validSessionID normalizes v and reports whether it is an acceptable id:
// a UUID of at most 64 ASCII characters, optionally quoted.
func validSessionID(v string) (string, bool) {
	v = strings.TrimSpace(v)
	v = strings.Trim(v, `"`)
	v = strings.Trim(v, `'`)
	if v == "" || len(v) > maxSessionIDLen {
		return "", false
	}
	for i := 0; i < len(v); i++ {
		if v[i] >= 0x80 {
			return "", false
		}
	}
	if _, err := uuid.Parse(v); err != nil {
		return "", false
	}
	return v, true
}

// sessionFromRequest resolves the session id: the header wins and must be
// valid; an invalid cookie is ignored. ok is false when neither is present.
func sessionFromRequest(r *http.Request) (id string, ok bool, err error) {
	if raw := r.Header.Get(HeaderSessionID); raw != "" {
		id, valid := validSessionID(raw)
		if !valid {
			return "", false, badRequest("INVALID_SESSION_ID", "invalid %s header", strings.ToLower(HeaderSessionID))
		}
		return id, true, nil
	}
	if c, cerr := r.Cookie(SessionCookie); cerr == nil {
		if id, valid := validSessionID(c.Value); valid {
			return id, true, nil
		}
	}
	return "", false, nil
}

// parseBool accepts 1/true/yes/on and 0/false/no/off, case-insensitively.
func parseBool(v string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

func resetRequested(r *http.Request, bodyReset bool) (bool, error) {
	if bodyReset {
		return true, nil
	}
	raw, present := r.Header[http.CanonicalHeaderKey(HeaderReset)]
	if !present || len(raw) == 0 {
		return false, nil
	}
	v, ok := parseBool(raw[0])
	if !ok {
		return false, badRequest("INVALID_HEADER", "invalid boolean header %s", strings.ToLower(HeaderReset))
	}
	return v, nil
}

func setSessionHeaders(w http.ResponseWriter, id string) {
	w.Header().Set(HeaderSessionID, id)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
