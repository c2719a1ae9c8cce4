package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/me/gpubroker/internal/store"
	"github.com/me/gpubroker/pkg/model"
)

const ctxKeyUserAuth ctxKey = "user_auth"

// UserContext holds authenticated user info for a request.
type UserContext struct {
	User  *model.User
	Token string // Raw bearer token
}

// UserFromContext extracts the UserContext from request context.
func UserFromContext(ctx context.Context) *UserContext {
	if uc, ok := ctx.Value(ctxKeyUserAuth).(*UserContext); ok {
		return uc
	}
	return nil
}

// authMiddleware resolves bearer tokens against the tokens table and
// attaches the user to the request context. Tokens are provisioned out
// of band; the broker only verifies them.
func authMiddleware(st store.Store, allowAnonymous bool, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := RequestIDFromContext(r.Context())

			raw := extractBearer(r)
			if raw == "" {
				if !allowAnonymous {
					respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
						Code:    model.ErrUnauthorized,
						Message: "authentication required",
					})
					return
				}
				ctx := context.WithValue(r.Context(), ctxKeyUserAuth, &UserContext{User: model.AnonymousUser})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			tok, err := st.GetToken(r.Context(), raw)
			if err != nil {
				logger.Error("token lookup failed", "error", err)
				respondError(w, reqID, http.StatusInternalServerError, &model.APIError{
					Code:    model.ErrInternal,
					Message: "authentication error",
				})
				return
			}
			if tok == nil {
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "invalid token",
				})
				return
			}
			if tok.IsExpired(time.Now().UTC()) {
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "token expired",
				})
				return
			}

			user, err := st.GetOrCreateUser(r.Context(), tok.Username, tok.Role)
			if err != nil {
				logger.Error("user lookup/create failed", "username", tok.Username, "error", err)
				respondError(w, reqID, http.StatusInternalServerError, &model.APIError{
					Code:    model.ErrInternal,
					Message: "authentication error",
				})
				return
			}

			userCtx := &UserContext{User: user, Token: raw}
			ctx := context.WithValue(r.Context(), ctxKeyUserAuth, userCtx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractBearer pulls the token out of the Authorization header.
// Returns "" when no token is present.
func extractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	return strings.TrimSpace(token)
}

// requireAdmin is middleware that checks if the user has admin role.
func requireAdmin(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := RequestIDFromContext(r.Context())
			userCtx := UserFromContext(r.Context())

			if userCtx == nil || userCtx.User == nil {
				respondError(w, reqID, http.StatusUnauthorized, &model.APIError{
					Code:    model.ErrUnauthorized,
					Message: "authentication required",
				})
				return
			}

			if !userCtx.User.IsAdmin() {
				respondError(w, reqID, http.StatusForbidden, &model.APIError{
					Code:    model.ErrForbidden,
					Message: "admin access required",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
