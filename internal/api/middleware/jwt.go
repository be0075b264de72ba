package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type contextKey string

// accountIDKey is the context key for the authenticated account.
const accountIDKey contextKey = "account_id"

// tokenTTL is the lifetime of a client token (7 days).
const tokenTTL = 7 * 24 * time.Hour

// Claims holds the JWT claims for a client session on this endpoint.
type Claims struct {
	AccountID   int64  `json:"acct_id"`
	PhoneNumber string `json:"phone"`
	jwt.RegisteredClaims
}

// GenerateToken creates a signed JWT for a client that authenticated with
// the account PIN.
func GenerateToken(secret []byte, accountID int64, phoneNumber string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(tokenTTL)
	claims := Claims{
		AccountID:   accountID,
		PhoneNumber: phoneNumber,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "signvios",
			Subject:   phoneNumber,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// RequireAuth returns middleware that validates JWT bearer tokens. On
// success it stores the account ID in the request context.
func RequireAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeAuthError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				slog.Debug("auth: invalid jwt", "error", err)
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			if claims.AccountID == 0 {
				writeAuthError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			ctx := context.WithValue(r.Context(), accountIDKey, claims.AccountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccountIDFromContext retrieves the authenticated account ID from the
// request context. Returns 0 if not set.
func AccountIDFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(accountIDKey).(int64)
	return id
}

// errEnvelope matches the api package's envelope format for error responses.
type errEnvelope struct {
	Error string `json:"error,omitempty"`
}

// writeAuthError writes a JSON error matching the API envelope format.
func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errEnvelope{Error: msg}) //nolint:errcheck
}
