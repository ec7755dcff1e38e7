package server

import (
	"net/http"
	"strings"
)

// withCORS lets browser clients on an allowed origin read the /rooms JSON
// routes. Tokens travel in the Authorization header, so no credentials mode
// is negotiated.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		if allowed := s.originAllowed(r.Header.Get("Origin")); allowed != "" {
			h.Set("Access-Control-Allow-Origin", allowed)
			h.Set("Access-Control-Allow-Headers", "Authorization")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed returns the Access-Control-Allow-Origin value for origin,
// or "" when the origin is absent or not configured.
func (s *Server) originAllowed(origin string) string {
	if origin == "" {
		return ""
	}
	if s.allowAllOrigins {
		return "*"
	}
	for _, o := range s.allowedOrigins {
		if strings.EqualFold(o, origin) {
			return o
		}
	}
	return ""
}

// checkOrigin is the websocket upgrader's origin policy. Non-browser clients
// send no Origin and are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.originAllowed(origin) != ""
}
