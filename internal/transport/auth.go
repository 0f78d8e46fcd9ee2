package transport

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/formflow/internal/config"
	"github.com/pitabwire/formflow/model"
)

// JWTAuthenticator returns middleware that verifies HMAC-signed bearer tokens
// from the Authorization header and stores the verified claims in the request
// context.
func JWTAuthenticator(cfg config.IdentityConfig, key []byte) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return key, nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteError(w, r, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || tokenStr == "" {
				WriteError(w, r, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenStr, claims, keyFunc)
			if err != nil {
				WriteError(w, r, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}
			if !token.Valid {
				WriteError(w, r, model.NewUnauthorizedError("Invalid token"))
				return
			}

			ctx := WithClaims(r.Context(), map[string]any(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		if strings.Contains(err.Error(), "signing method") {
			return "Disallowed signing algorithm"
		}
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	default:
		return "Invalid token"
	}
}
