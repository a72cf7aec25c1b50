package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/punchamoorthee/escrowops/internal/domain"
)

type callerKey struct{}

// Gateway reads the identity the upstream gateway has already
// authenticated from X-User-ID and X-User-Roles.
func Gateway(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := domain.Caller{UserID: strings.TrimSpace(r.Header.Get("X-User-ID"))}
		for _, role := range strings.Split(r.Header.Get("X-User-Roles"), ",") {
			if role = strings.TrimSpace(role); role != "" {
				c.Roles = append(c.Roles, role)
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, c)))
	})
}

func CallerFrom(ctx context.Context) domain.Caller {
	c, _ := ctx.Value(callerKey{}).(domain.Caller)
	return c
}
