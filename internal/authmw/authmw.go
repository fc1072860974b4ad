// Package authmw provides bearer token authentication for the risk API.
package authmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

const prefix = "Bearer "

// BearerToken returns middleware that admits requests whose Authorization
// header carries one of tokens. More than one token lets an operator rotate
// the watcher credential without downtime. Empty tokens are ignored; at
// least one must remain.
func BearerToken(tokens ...string) func(http.Handler) http.Handler {
	var accepted [][]byte
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			accepted = append(accepted, []byte(t))
		}
	}
	if len(accepted) == 0 {
		panic(xerrors.New("authmw: at least one bearer token is required"))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, prefix) {
				reject(w, r, "missing or malformed authorization header")
				return
			}
			if !match(accepted, []byte(auth[len(prefix):])) {
				reject(w, r, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// match compares got against every accepted token so the time taken does
// not depend on which one matched.
func match(accepted [][]byte, got []byte) bool {
	ok := 0
	for _, want := range accepted {
		ok |= subtle.ConstantTimeCompare(got, want)
	}
	return ok == 1
}

func reject(w http.ResponseWriter, r *http.Request, msg string) {
	log.FromContext(r.Context()).Warn(r.Context(), "rejected unauthenticated request",
		"path", r.URL.Path,
		"reason", msg,
	)
	w.Header().Set("WWW-Authenticate", `Bearer realm="bulwark"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
