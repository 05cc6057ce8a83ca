// Package identity resolves the session a request belongs to.
package identity

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/ashureev/deskmate/internal/domain"
	"github.com/google/uuid"
)

const (
	SessionHeaderName = "X-Deskmate-Session-ID"
	SessionQueryParam = "session_id"
)

type contextKey int

const (
	sessionIDKey contextKey = iota
	generatedKey
)

// SessionIDFromContext returns the session id set by Middleware, or "".
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// Generated reports whether the session id was minted for this request
// rather than supplied by the client.
func Generated(ctx context.Context) bool {
	v, _ := ctx.Value(generatedKey).(bool)
	return v
}

// WithSessionID returns ctx carrying sessionID.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// NewSessionID returns a fresh session id.
func NewSessionID() string {
	return uuid.NewString()
}

func sessionIDFromRequest(r *http.Request) (string, bool) {
	sid := strings.TrimSpace(r.Header.Get(SessionHeaderName))
	if sid == "" {
		sid = strings.TrimSpace(r.URL.Query().Get(SessionQueryParam))
	}
	if sid == "" {
		return "", false
	}
	return sid, true
}

// Middleware injects the per-request session id. A malformed id is
// rejected; a missing one is replaced by a fresh UUID, echoed back in the
// response header.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid, supplied := sessionIDFromRequest(r)
		if supplied && !domain.ValidSessionID(sid) {
			http.Error(w, `{"error":"invalid session id"}`, http.StatusBadRequest)
			return
		}

		ctx := r.Context()
		if !supplied {
			sid = NewSessionID()
			ctx = context.WithValue(ctx, generatedKey, true)
		}
		ctx = WithSessionID(ctx, sid)
		w.Header().Set(SessionHeaderName, sid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// IPFromRequest returns a normalized remote IP for request logging.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
