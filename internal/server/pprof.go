package server

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	logx "jobrelay/pkg/logx"
)

// pprofHandler returns the profiler for /debug, or nil when exposing it
// would be unsafe: a non-loopback bind needs a token.
func (s *Service) pprofHandler() http.Handler {
	tok := strings.TrimSpace(s.cfg.PprofToken)
	if tok == "" && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Error("pprof not mounted: non-loopback addr requires a token", logx.String("addr", s.cfg.Addr))
		return nil
	}
	return withToken(tok, middleware.Profiler())
}

// withToken accepts "Authorization: Bearer <token>" or ?token=<token>.
func withToken(token string, h http.Handler) http.Handler {
	if token == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, "Bearer ") {
				got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
			}
		}
		if got != token {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
