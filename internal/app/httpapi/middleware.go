package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"github.com/milestonepay/engine/internal/app/metrics"
)

// AuthConfig holds the credentials the API accepts: an HMAC secret for JWT
// bearer tokens and a set of static API keys. Keys are compared by SHA-256
// digest.
type AuthConfig struct {
	JWTSecret []byte
	APIKeys   []string
}

// Claims is the JWT payload the engine issues and validates.
type Claims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

func authMiddleware(cfg AuthConfig) mux.MiddlewareFunc {
	keyHashes := make(map[string]struct{}, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		keyHashes[hashToken(key)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
				if _, ok := keyHashes[hashToken(apiKey)]; ok {
					next.ServeHTTP(w, r)
					return
				}
				jsonError(w, "invalid api key", http.StatusUnauthorized)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				jsonError(w, "missing authorization", http.StatusUnauthorized)
				return
			}

			userID, err := validateJWT(authHeader[len("Bearer "):], cfg.JWTSecret)
			if err != nil {
				jsonError(w, "invalid token", http.StatusUnauthorized)
				return
			}

			r.Header.Set("X-User-ID", userID)
			next.ServeHTTP(w, r)
		})
	}
}

func validateJWT(tokenString string, secret []byte) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil {
		return "", err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims.UserID, nil
	}
	return "", fmt.Errorf("invalid token")
}

func hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}

// instrumentMiddleware records a request counter labeled by the matched
// route template, keeping metric cardinality bounded.
func instrumentMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}
		metrics.HTTPRequest(r.Method, path, rec.status)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
