package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/spf13/viper"

	"github.com/open-runtimes/k8s-executor/constants"
)

// auth guards every endpoint except health with the shared bearer secret.
// The 401 body is a fixed contract.
func auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := viper.GetString(constants.EnvExecutorSecret)
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Missing executor key"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}
