package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/tochka-team/stock-market-api/pkg/apperr"
	"github.com/tochka-team/stock-market-api/pkg/types"
)

// authScheme is the literal scheme of the Authorization header:
// "Authorization: TOKEN <key>".
const authScheme = "TOKEN"

type ctxKey int

const userKey ctxKey = 0

// userFrom returns the authenticated user stored by requireUser.
func userFrom(ctx context.Context) *types.User {
	u, _ := ctx.Value(userKey).(*types.User)
	return u
}

// parseToken extracts the credential from an Authorization header. A
// missing header, a scheme other than TOKEN, or an empty credential all
// fail with Unauthenticated.
func parseToken(header string) (string, error) {
	if header == "" {
		return "", apperr.New(apperr.Unauthenticated, "missing authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, authScheme) || token == "" {
		return "", apperr.New(apperr.Unauthenticated, "authorization header must be 'TOKEN <api_key>'")
	}
	return token, nil
}

// requireUser resolves the api key to its user and stores it in the request
// context. Unknown keys answer 401.
func (h *Handlers) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := parseToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		u, err := h.svc.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, u)))
	}
}

// requireAdmin verifies the shared admin secret. A malformed header is 401;
// a wrong token is 403. When no admin token is configured the whole admin
// surface answers 403.
func (h *Handlers) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := parseToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		if h.adminToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
			writeError(w, h.logger, apperr.New(apperr.Forbidden, "admin token required"))
			return
		}
		next(w, r)
	}
}
