package middleware

import (
	"context"
	"net/http"
	"strings"

	"waste-sync/internal/domain"
	"waste-sync/pkg/jwt"
	"waste-sync/pkg/response"
)

type contextKey string

const (
	UserIDKey contextKey = "userID"
	RoleKey   contextKey = "role"
)

func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.Unauthorized(w, "Missing authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				response.Unauthorized(w, "Invalid authorization header format")
				return
			}

			claims, err := jwt.ValidateToken(parts[1], jwtSecret)
			if err != nil {
				response.Unauthorized(w, "Invalid or expired token")
				return
			}

			role := domain.Role(claims.Role)
			if !role.Valid() {
				response.Forbidden(w, "Token carries no usable role")
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, claims.UserID)
			ctx = context.WithValue(ctx, RoleKey, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetUserID(r *http.Request) string {
	userID, ok := r.Context().Value(UserIDKey).(string)
	if !ok {
		return ""
	}
	return userID
}

func GetRole(r *http.Request) domain.Role {
	role, _ := r.Context().Value(RoleKey).(domain.Role)
	return role
}

func GetActor(r *http.Request) domain.Actor {
	return domain.Actor{UserID: GetUserID(r), Role: GetRole(r)}
}
