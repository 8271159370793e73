/**
 * @description
 * This file contains custom middleware for the HTTP router. The donor-facing
 * routes require a signed bearer token; the provider callback routes are
 * deliberately left outside this middleware because Safaricom cannot present
 * one.
 *
 * @dependencies
 * - context, net/http, strings: Standard Go libraries.
 * - github.com/golang-jwt/jwt/v5: Token validation.
 * - github.com/google/uuid: Donor identifiers.
 */

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DonorIDContextKey is a custom type for the context key to avoid collisions.
type DonorIDContextKey string

const donorIDKey DonorIDContextKey = "donorID"

// AuthMiddleware creates a middleware that validates HS256 bearer tokens and
// places the donor id from the `sub` claim on the request context.
func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "Invalid token claims", http.StatusUnauthorized)
				return
			}

			sub, ok := claims["sub"].(string)
			if !ok {
				http.Error(w, "Donor ID not found in token", http.StatusUnauthorized)
				return
			}
			donorID, err := uuid.Parse(sub)
			if err != nil {
				http.Error(w, "Donor ID is not a valid UUID", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), donorIDKey, donorID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetDonorID retrieves the authenticated donor's ID from the request context.
func GetDonorID(ctx context.Context) (uuid.UUID, bool) {
	donorID, ok := ctx.Value(donorIDKey).(uuid.UUID)
	return donorID, ok
}
