package myMiddleware

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// AdminKey guards maintenance endpoints. The key is sent in X-Admin-Key
// and compared against a bcrypt hash from config. An empty hash disables
// the endpoints.
func AdminKey(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash == "" {
				http.Error(w, "admin API disabled", http.StatusForbidden)
				return
			}
			key := r.Header.Get("X-Admin-Key")
			if key == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) != nil {
				http.Error(w, "invalid admin key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
