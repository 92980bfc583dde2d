package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bantamhq/cutman/internal/core"
	"github.com/bantamhq/cutman/internal/store"
)

type contextKey string

const (
	tokenContextKey     contextKey = "token"
	principalContextKey contextKey = "principal"
)

// GetTokenFromContext retrieves the authenticated token from the request context, if any.
func GetTokenFromContext(ctx context.Context) *store.Token {
	token, _ := ctx.Value(tokenContextKey).(*store.Token)
	return token
}

// GetPrincipalFromContext retrieves the authenticated token's bound principal, if any.
func GetPrincipalFromContext(ctx context.Context) *store.Principal {
	principal, _ := ctx.Value(principalContextKey).(*store.Principal)
	return principal
}

// extractRawToken pulls the raw token string out of the Authorization header.
// It understands "Bearer <token>" and "Basic base64(x-token:<token>)" (Git's
// HTTP client). Any other scheme, or a Basic username other than "x-token",
// is rejected.
func extractRawToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}

	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer "), true
	}

	if strings.HasPrefix(header, "Basic ") {
		username, password, ok := r.BasicAuth()
		if !ok || username != "x-token" {
			return "", false
		}
		return password, true
	}

	return "", false
}

// authResult is the outcome of the token validation pipeline.
type authResult struct {
	token     *store.Token
	principal *store.Principal
}

// authError classifies why authentication failed, so guards can choose the
// right HTTP status and message.
type authError struct {
	status  int
	message string
}

func (e *authError) Error() string { return e.message }

var (
	errNoCredentials = &authError{status: http.StatusUnauthorized, message: "Authentication required"}
	errInvalidScheme = &authError{status: http.StatusUnauthorized, message: "Invalid authentication scheme"}
	errInvalidToken  = &authError{status: http.StatusUnauthorized, message: "Invalid token"}
	errTokenExpired  = &authError{status: http.StatusUnauthorized, message: "Token expired"}
)

// authenticateRequest runs the full validation pipeline described in spec
// §4.2: parse, lookup, verify, expiry check, then resolve the bound
// principal. It is shared by the REST guards, the Git transport, and the LFS
// handler.
func authenticateRequest(st store.Store, r *http.Request) (*authResult, error) {
	raw, ok := extractRawToken(r)
	if !ok {
		if r.Header.Get("Authorization") == "" {
			return nil, errNoCredentials
		}
		return nil, errInvalidScheme
	}

	lookup, secret, err := core.ParseToken(raw)
	if err != nil {
		return nil, errInvalidToken
	}

	token, err := st.GetTokenByLookup(lookup)
	if err != nil {
		return nil, &authError{status: http.StatusInternalServerError, message: "Failed to look up token"}
	}
	if token == nil {
		return nil, errInvalidToken
	}

	if err := core.VerifyToken(core.BuildToken(lookup, secret), token.TokenHash); err != nil {
		return nil, errInvalidToken
	}

	if token.ExpiresAt != nil && token.ExpiresAt.Before(time.Now()) {
		return nil, errTokenExpired
	}

	var principal *store.Principal
	if token.PrincipalID != nil {
		principal, err = st.GetPrincipal(*token.PrincipalID)
		if err != nil {
			return nil, &authError{status: http.StatusInternalServerError, message: "Failed to resolve principal"}
		}
	}

	if err := st.TouchTokenLastUsed(token.ID); err != nil {
		fmt.Printf("Warning: failed to update token last_used_at: %v\n", err)
	}

	return &authResult{token: token, principal: principal}, nil
}

// authenticate is the Server-bound convenience wrapper around authenticateRequest.
func (s *Server) authenticate(r *http.Request) (*authResult, error) {
	return authenticateRequest(s.store, r)
}

// withAuthContext stores the resolved token/principal on the request context.
func withAuthContext(r *http.Request, res *authResult) *http.Request {
	ctx := context.WithValue(r.Context(), tokenContextKey, res.token)
	ctx = context.WithValue(ctx, principalContextKey, res.principal)
	return r.WithContext(ctx)
}

func writeAuthError(w http.ResponseWriter, realm string, err error) {
	if ae, ok := err.(*authError); ok {
		if ae.status == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", realm)
		}
		JSONError(w, ae.status, ae.message)
		return
	}
	JSONError(w, http.StatusInternalServerError, "Internal error")
}

const restRealm = `Bearer realm="cutman"`

// RequireAuth accepts any valid token, admin or principal-bound.
func (s *Server) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := s.authenticate(r)
		if err != nil {
			writeAuthError(w, restRealm, err)
			return
		}
		next.ServeHTTP(w, withAuthContext(r, res))
	})
}

// RequireAdmin accepts only a valid admin token (no bound principal).
func (s *Server) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := s.authenticate(r)
		if err != nil {
			writeAuthError(w, restRealm, err)
			return
		}
		if !res.token.IsAdmin {
			JSONError(w, http.StatusForbidden, "Admin access required")
			return
		}
		next.ServeHTTP(w, withAuthContext(r, res))
	})
}

// RequirePrincipal accepts only a valid non-admin token with a bound,
// existing principal.
func (s *Server) RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := s.authenticate(r)
		if err != nil {
			writeAuthError(w, restRealm, err)
			return
		}
		if res.token.IsAdmin {
			JSONError(w, http.StatusForbidden, "Admin token cannot be used for this operation")
			return
		}
		if res.principal == nil {
			JSONError(w, http.StatusForbidden, "Token is not bound to a principal")
			return
		}
		next.ServeHTTP(w, withAuthContext(r, res))
	})
}

// OptionalAuth extracts a token if present; a missing Authorization header is
// not an error, so anonymous requests reach the handler with no token set in
// context (used for endpoints that serve public repos anonymously).
func (s *Server) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			next.ServeHTTP(w, r)
			return
		}

		res, err := s.authenticate(r)
		if err != nil {
			writeAuthError(w, restRealm, err)
			return
		}
		next.ServeHTTP(w, withAuthContext(r, res))
	})
}

// ExtractRepoPath extracts namespace and repo name from a Git transport URL path.
// Expected format: /git/{namespace}/{repo}.git/...
func ExtractRepoPath(path string) (namespace, repo string, ok bool) {
	path = strings.TrimPrefix(path, "/git/")

	gitIndex := strings.Index(path, ".git")
	if gitIndex == -1 {
		return "", "", false
	}

	repoPath := path[:gitIndex]
	parts := strings.SplitN(repoPath, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}

	return parts[0], parts[1], true
}
