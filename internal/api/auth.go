package api

import (
	"context"
	"net/http"
	"strings"

	"iotguard/internal/config"
)

// Principal is the authenticated caller: a tenant plus a role. Site
// role callers only see alerts and statuses for their assigned site.
type Principal struct {
	Name     string
	ClientID string
	Role     string
	SiteID   string
}

type contextKey struct{}

func principalFrom(ctx context.Context) Principal {
	if p, ok := ctx.Value(contextKey{}).(Principal); ok {
		return p
	}
	return Principal{}
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		for _, tok := range s.cfg.Get().API.Tokens {
			if tok.Token != token {
				continue
			}
			role := tok.Role
			if role == "" {
				role = config.RoleViewer
			}
			p := Principal{
				Name:     tok.Name,
				ClientID: tok.ClientID,
				Role:     role,
				SiteID:   tok.SiteID,
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, p)))
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid token")
	})
}
