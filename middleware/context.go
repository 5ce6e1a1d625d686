package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/upb/analytics-control-plane/models"
)

// Context key type to avoid collisions
type contextKey string

const (
	// ClaimsKey is the context key for validated token claims
	ClaimsKey contextKey = "claims"

	// CallerKey is the context key for the caller context derived from the claims
	CallerKey contextKey = "caller"
)

// GetRequestIDFromContext returns the request ID assigned by chi's RequestID middleware
func GetRequestIDFromContext(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// GetClaimsFromContext retrieves token claims from context
func GetClaimsFromContext(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(ClaimsKey).(*Claims); ok {
		return claims
	}
	return nil
}

// WithClaims adds token claims to the context
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetCallerFromContext returns the caller context and whether one was attached.
func GetCallerFromContext(ctx context.Context) (models.CallerContext, bool) {
	caller, ok := ctx.Value(CallerKey).(models.CallerContext)
	return caller, ok
}

// WithCaller attaches the caller context used for policy evaluation
func WithCaller(ctx context.Context, caller models.CallerContext) context.Context {
	return context.WithValue(ctx, CallerKey, caller)
}
