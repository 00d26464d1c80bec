// Defines request context keys and helper functions for metadata access.

// Package reqctx provides request context utilities for passing request metadata.
package reqctx

import (
	"context"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP from an HTTP request, checking
// X-Forwarded-For for proxied requests.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	addr := r.RemoteAddr
	if i := strings.LastIndexByte(addr, ':'); i > 0 {
		addr = addr[:i]
	}
	return strings.Trim(addr, "[]")
}

// Context keys for request metadata.
type contextKey string

const (
	keyClientIP   contextKey = "clientIP"
	keyProviderID contextKey = "providerID"
)

// WithClientIP adds the client IP to the context.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, keyClientIP, ip)
}

// ClientIP extracts the client IP from the context.
func ClientIP(ctx context.Context) string {
	if v, ok := ctx.Value(keyClientIP).(string); ok {
		return v
	}
	return ""
}

// WithProviderID adds the authenticated provider to the context.
func WithProviderID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyProviderID, id)
}

// ProviderID extracts the authenticated provider from the context.
func ProviderID(ctx context.Context) string {
	if v, ok := ctx.Value(keyProviderID).(string); ok {
		return v
	}
	return ""
}
