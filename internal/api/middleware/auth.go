package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
)

type contextKey string

const (
	// UserIDKey is the context key for the caller's user id.
	UserIDKey contextKey = "user_id"
	// OperatorKey is the context key marking operator-authenticated
	// requests; full diagnostics are only exposed when it is set.
	OperatorKey contextKey = "operator"
)

// Authenticator resolves a request to a caller identity. The default
// implementation trusts the X-User-Id header; deployments plug in their
// own.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, ok bool)
}

// HeaderAuthenticator is the default identity stub.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (string, bool) {
	return r.Header.Get("X-User-Id"), true
}

// Identity attaches the caller identity and, when the operator token
// matches, the operator marker to the request context.
func Identity(auth Authenticator, operatorToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if userID, ok := auth.Authenticate(r); ok && userID != "" {
				ctx = context.WithValue(ctx, UserIDKey, userID)
			}
			if operatorToken != "" {
				token := r.Header.Get("X-Operator-Token")
				if subtle.ConstantTimeCompare([]byte(token), []byte(operatorToken)) == 1 {
					ctx = context.WithValue(ctx, OperatorKey, true)
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID returns the authenticated user id, if any.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}

// IsOperator reports whether the request passed operator auth.
func IsOperator(ctx context.Context) bool {
	v, ok := ctx.Value(OperatorKey).(bool)
	return ok && v
}
