package api

import (
	"context"
	"net/http"

	"github.com/cswenor/conductor-sub003/internal/db"
)

type contextKey struct{ name string }

var userKey = &contextKey{"user"}

// cors wraps a handler with permissive CORS headers and answers preflight.
func cors(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		h(w, r)
	}
}

// withUser resolves the session cookie and stores the user on the request
// context. Requests without a live session get the 401 envelope.
func (s *Server) withUser(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, user, err := s.auth.Sessions().FromRequest(r)
		if err != nil {
			HandleError(w, err)
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	}
}

// userFrom returns the authenticated user placed by withUser.
func userFrom(ctx context.Context) *db.User {
	user, _ := ctx.Value(userKey).(*db.User)
	return user
}
