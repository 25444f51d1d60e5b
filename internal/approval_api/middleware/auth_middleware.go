package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	AuthenticatedActorContextKey = ContextKey("authenticatedActor")
)

// AuthenticatedActor holds information about the authenticated caller.
// Human is true only for JWT-authenticated people; service callers using
// the API key scheme are never human and therefore cannot approve drafts.
type AuthenticatedActor struct {
	ID    string
	Human bool
}

// ActorFromContext extracts the authenticated actor set by AuthMiddleware.
func ActorFromContext(ctx context.Context) (AuthenticatedActor, bool) {
	actor, ok := ctx.Value(AuthenticatedActorContextKey).(AuthenticatedActor)
	return actor, ok
}

// AuthConfig holds the credentials the middleware validates against.
type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens issued to human reviewers.
	JWTSecret string
	// APIKeyBcryptHash is the bcrypt hash of the shared service API key used
	// by the drafting collaborator. Empty disables the ApiKey scheme.
	APIKeyBcryptHash string
}

// AuthMiddleware authenticates requests via "Bearer <jwt>" (human reviewers)
// or "ApiKey <key>" (service callers) and puts the actor on the context.
func AuthMiddleware(cfg AuthConfig, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.WarnContext(r.Context(), "Authorization header missing")
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[1] == "" {
				logger.WarnContext(r.Context(), "Invalid Authorization header format")
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			var actor AuthenticatedActor
			switch parts[0] {
			case "Bearer":
				subject, err := validateJWT(parts[1], cfg.JWTSecret)
				if err != nil {
					logger.WarnContext(r.Context(), "Token validation failed", "error", err)
					http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
					return
				}
				actor = AuthenticatedActor{ID: subject, Human: true}
			case "ApiKey":
				if cfg.APIKeyBcryptHash == "" {
					logger.WarnContext(r.Context(), "ApiKey scheme used but no API key configured")
					http.Error(w, "Unsupported Authorization scheme", http.StatusUnauthorized)
					return
				}
				if err := bcrypt.CompareHashAndPassword([]byte(cfg.APIKeyBcryptHash), []byte(parts[1])); err != nil {
					logger.WarnContext(r.Context(), "API key validation failed")
					http.Error(w, "Invalid API key", http.StatusUnauthorized)
					return
				}
				actor = AuthenticatedActor{ID: "drafting_agent", Human: false}
			default:
				logger.WarnContext(r.Context(), "Unsupported Authorization scheme", "scheme", parts[0])
				http.Error(w, "Unsupported Authorization scheme", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), AuthenticatedActorContextKey, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validateJWT(tokenString, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", jwt.ErrTokenInvalidSubject
	}
	return subject, nil
}
