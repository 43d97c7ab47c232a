package middleware

import (
	"context"
	"net"
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/upb/traffic-control-plane/services/controlplane"
)

// Context key type to avoid collisions
type contextKey string

const (
	// ClaimsKey is the context key for token claims
	ClaimsKey contextKey = "claims"

	// RouteKey is the context key for the rate limit route group
	RouteKey contextKey = "route_group"
)

// Attribute keys exposed to feature flag conditions
const (
	AttributeUserTier = "user_tier"
	AttributeRole     = "role"
)

// Claims represents the authenticated identity of a caller
type Claims struct {
	Subject string
	UserID  *uuid.UUID // nil when the subject is not a UUID
	Email   string
	Roles   []string
	Tier    string
}

// HasRole reports whether the caller holds role
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// GetRequestIDFromContext retrieves the request ID set by chi's RequestID middleware
func GetRequestIDFromContext(ctx context.Context) string {
	return chimw.GetReqID(ctx)
}

// GetClaimsFromContext retrieves claims from context
func GetClaimsFromContext(ctx context.Context) *Claims {
	if val := ctx.Value(ClaimsKey); val != nil {
		if claims, ok := val.(*Claims); ok {
			return claims
		}
	}
	return nil
}

// WithClaims adds claims to the context
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsKey, claims)
}

// GetRouteFromContext retrieves the route group from context
func GetRouteFromContext(ctx context.Context) string {
	if route, ok := ctx.Value(RouteKey).(string); ok {
		return route
	}
	return ""
}

// WithRoute adds the route group to the context
func WithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, RouteKey, route)
}

// OriginAddress returns the client address of r without the port.
// Run chi's RealIP first to honor X-Forwarded-For and X-Real-IP.
func OriginAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequestFromHTTP builds the control plane request for r, picking up
// whatever identity and route group earlier middleware stored in the context.
func RequestFromHTTP(r *http.Request) controlplane.Request {
	ctx := r.Context()
	req := controlplane.Request{
		OriginAddress: OriginAddress(r),
		UserAgent:     r.UserAgent(),
		Route:         GetRouteFromContext(ctx),
		RequestID:     GetRequestIDFromContext(ctx),
		Attributes:    map[string]string{},
	}

	if claims := GetClaimsFromContext(ctx); claims != nil {
		req.UserID = claims.Subject
		req.ActorID = claims.UserID
		if claims.Tier != "" {
			req.Attributes[AttributeUserTier] = claims.Tier
		}
		if len(claims.Roles) > 0 {
			req.Attributes[AttributeRole] = claims.Roles[0]
		}
	}
	return req
}
