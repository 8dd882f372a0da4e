package api

import (
	"net/http"
	"time"
)

const authRealm = `Basic realm="aria"`

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireAuth checks HTTP basic credentials against the configured users.
func (s *server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", authRealm)
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"authentication required"})

			return
		}

		if !s.authenticate(username, password) {
			s.log.WithField("username", username).
				WithField("remote", r.RemoteAddr).
				Warn("Rejected credentials")

			w.Header().Set("WWW-Authenticate", authRealm)
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"invalid credentials"})

			return
		}

		next.ServeHTTP(w, r)
	})
}
