package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireAuth rejects requests without the configured token. The token may
// come as a Bearer header or a token query parameter (browsers cannot set
// headers on WebSocket upgrades).
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorizeRequest(r) {
			writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorizeRequest(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return secureEqual(token, s.cfg.Token)
	}
	token := bearerToken(r.Header.Get("Authorization"))
	return token != "" && secureEqual(token, s.cfg.Token)
}

func bearerToken(authHeader string) string {
	const bearerPrefix = "Bearer "
	authHeader = strings.TrimSpace(authHeader)
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
