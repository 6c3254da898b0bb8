package middleware

import (
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/occultashield/shield-api/errors"
)

// IsAuthorized gates a route behind the static API token. An empty token
// disables the check, for local development.
func IsAuthorized(apiToken string, next httprouter.Handle) httprouter.Handle {
	if apiToken == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			errors.WriteHTTPUnauthorized(w, "No authorization header", nil)
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token != apiToken {
			errors.WriteHTTPUnauthorized(w, "Invalid Token", nil)
			return
		}

		next(w, r, ps)
	}
}
