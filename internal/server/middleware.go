package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	apierrors "github.com/medscribe/medscribe/internal/errors"
	"github.com/medscribe/medscribe/internal/server/reqctx"
	"github.com/medscribe/medscribe/internal/utils"
)

// TokenCookie is the cookie the browser client sends its token in.
const TokenCookie = "access_token"

var (
	errUnauthorized   = errors.New("unauthorized")
	errInvalidAuthHdr = errors.New("invalid authorization header")
	errInvalidToken   = errors.New("invalid token")
	errInvalidClaims  = errors.New("invalid provider ID in token")
)

// AuthMiddleware validates the JWT of each request and adds the provider
// identifier to the context.
func AuthMiddleware(jwtSecret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			providerID, err := validateJWT(r, jwtSecret)
			if err != nil {
				slog.WarnContext(r.Context(), "Rejected request", "path", r.URL.Path, "ip", reqctx.GetClientIP(r), "err", err)
				utils.RespondError(w, apierrors.Unauthorized().Wrap(err))
				return
			}
			ctx := reqctx.WithProviderID(r.Context(), providerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IssueToken signs a token for providerID valid for ttl.
func IssueToken(jwtSecret []byte, providerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": providerID,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

// validateJWT extracts the token from the Authorization header, or from the
// access_token cookie, and returns its subject.
func validateJWT(r *http.Request, jwtSecret []byte) (string, error) {
	var tokenString string
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", errInvalidAuthHdr
		}
		tokenString = parts[1]
	} else if c, err := r.Cookie(TokenCookie); err == nil {
		tokenString = c.Value
	} else {
		return "", errUnauthorized
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", errInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errInvalidClaims
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errInvalidClaims
	}
	return sub, nil
}
