package access

import (
	"context"
	"net/http"
)

// Controller is the interface that all access control types should implement.
type Controller interface {
	Limit(next http.Handler) http.Handler
}

type claimsContextIDType struct{}

var claimsContextIDKey = claimsContextIDType{}

// SetClaims returns a derived context carrying the verified cookie claims.
func SetClaims(ctx context.Context, cl *Claims) context.Context {
	return context.WithValue(ctx, claimsContextIDKey, cl)
}

// GetClaims attempts to extract the verified cookie claims from ctx.
func GetClaims(ctx context.Context) *Claims {
	if ctx == nil {
		return nil
	}
	value := ctx.Value(claimsContextIDKey)
	if value == nil {
		return nil
	}
	return value.(*Claims)
}
