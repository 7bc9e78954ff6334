package server

import (
	"context"
	stdliberrors "errors"
	"net"
	"net/http"
	"net/url"
	"strings"
)

type ctxKey string

const principalContextKey ctxKey = "testpilot-principal"

// principalHeader names the trusted identity header set by the auth proxy
// in front of the API. Identity itself is delegated to that proxy.
const principalHeader = "X-Testpilot-Principal"

// requestPrincipal identifies the caller for ownership checks.
type requestPrincipal struct {
	Name string `json:"name"`
}

// corsMiddleware adds CORS headers based on allowed origins configuration.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if allowed, wildcard := s.isOriginAllowed(origin); allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				if !wildcard {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+principalHeader)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware adds standard security headers to responses.
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		headers.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=(), usb=()")
		next.ServeHTTP(w, r)
	})
}

// authMiddleware requires authentication and short-circuits if unauthorized.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := s.authorize(r)
		if !ok {
			respondError(w, http.StatusUnauthorized, stdliberrors.New("unauthorized"))
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authorize validates the request and returns the associated principal.
func (s *Server) authorize(r *http.Request) (*requestPrincipal, bool) {
	if principal := principalFromContext(r.Context()); principal != nil {
		return principal, true
	}
	token, fromQuery := extractBearerToken(r)
	if fromQuery && !isLoopbackBindAddress(s.cfg.BindAddress) {
		token = ""
	}
	if token != "" {
		if s.cfg.AuthToken == "" || token != s.cfg.AuthToken {
			return nil, false
		}
	} else if s.cfg.RequireToken {
		return nil, false
	}
	name := strings.TrimSpace(r.Header.Get(principalHeader))
	if name == "" {
		name = "anonymous"
	}
	return &requestPrincipal{Name: name}, true
}

// principalFromContext extracts the request principal from context.
func principalFromContext(ctx context.Context) *requestPrincipal {
	if ctx == nil {
		return nil
	}
	if p, ok := ctx.Value(principalContextKey).(*requestPrincipal); ok {
		return p
	}
	return nil
}

// extractBearerToken extracts a bearer token from the Authorization header
// or, on loopback binds, a query param.
func extractBearerToken(r *http.Request) (token string, fromQuery bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[len("Bearer "):]), false
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, true
	}
	return "", false
}

// isOriginAllowed checks if the provided origin is in the allowed origins list.
func (s *Server) isOriginAllowed(origin string) (allowed bool, wildcard bool) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return false, false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return false, false
	}

	scheme := strings.ToLower(parsed.Scheme)
	host := parsed.Host
	normalized := scheme + "://" + host

	wildcardPresent := false
	for _, allowedOrigin := range s.cfg.AllowedOrigins {
		allowedOrigin = strings.TrimSpace(allowedOrigin)
		if allowedOrigin == "" {
			continue
		}
		if allowedOrigin == "*" {
			wildcardPresent = true
			continue
		}
		if strings.EqualFold(allowedOrigin, origin) || strings.EqualFold(allowedOrigin, normalized) {
			return true, false
		}
		allowedURL, err := url.Parse(allowedOrigin)
		if err != nil || allowedURL.Scheme == "" || allowedURL.Host == "" {
			continue
		}
		if !strings.EqualFold(allowedURL.Scheme, scheme) {
			continue
		}
		if originHostsMatch(allowedURL.Host, host, scheme) {
			return true, false
		}
	}

	if wildcardPresent {
		return true, true
	}
	return false, false
}

// originHostsMatch compares host:port combinations for origin matching.
func originHostsMatch(allowedHost, originHost, scheme string) bool {
	allowedName, allowedPort, allowedHasPort := splitHostPortLoose(allowedHost)
	originName, originPort, originHasPort := splitHostPortLoose(originHost)
	if allowedName == "" || originName == "" {
		return false
	}
	if !strings.EqualFold(allowedName, originName) {
		return false
	}

	originEffectivePort := originPort
	if !originHasPort {
		originEffectivePort = defaultPortForScheme(scheme)
	}

	if allowedHasPort {
		allowedEffectivePort := allowedPort
		if allowedEffectivePort == "" {
			allowedEffectivePort = defaultPortForScheme(scheme)
		}
		return allowedEffectivePort == originEffectivePort
	}

	if strings.EqualFold(allowedName, "localhost") {
		return true
	}
	if ip := net.ParseIP(allowedName); ip != nil && ip.IsLoopback() {
		return true
	}

	return originEffectivePort == defaultPortForScheme(scheme)
}

// splitHostPortLoose parses host:port without strict validation.
func splitHostPortLoose(hostport string) (host, port string, hasPort bool) {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return "", "", false
	}
	host, port, err := net.SplitHostPort(hostport)
	if err == nil {
		return host, port, true
	}
	if strings.HasPrefix(hostport, "[") && strings.HasSuffix(hostport, "]") {
		return strings.TrimSuffix(strings.TrimPrefix(hostport, "["), "]"), "", false
	}
	return hostport, "", false
}

// defaultPortForScheme returns the default port for http/https.
func defaultPortForScheme(scheme string) string {
	switch strings.ToLower(strings.TrimSpace(scheme)) {
	case "https":
		return "443"
	default:
		return "80"
	}
}

// isWebSocketOriginAllowed checks if a WebSocket upgrade request has an
// allowed origin.
func (s *Server) isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err == nil && parsed.Host != "" && strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	allowed, _ := s.isOriginAllowed(origin)
	return allowed
}
