package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// minSessionJWTSecretLength is the minimum length of a secret used to verify the session JWT.
// This is a security measure to prevent the use of weak secrets (like empty).
const minSessionJWTSecretLength = 16

// sessionClaims defines the claims we expect from the session JWT.
type sessionClaims struct {
	jwt.RegisteredClaims
}

func getJWTClaims(secrets []string, token string) (*sessionClaims, error) {
	errs := make([]error, 0)

	for _, secret := range secrets {
		if len(secret) < minSessionJWTSecretLength {
			zap.L().Warn("jwt secret is too short and will be ignored", zap.Int("min_length", minSessionJWTSecretLength), zap.String("secret_start", secret[:min(3, len(secret))]))

			continue
		}

		parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}

			return []byte(secret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			// Try the next secret, the token may be signed by a rotated one.
			errs = append(errs, fmt.Errorf("failed to parse session token: %w", err))

			continue
		}

		if claims, ok := parsed.Claims.(*sessionClaims); ok && parsed.Valid {
			return claims, nil
		}
	}

	if len(errs) == 0 {
		return nil, errors.New("failed to parse session token, no secrets found")
	}

	return nil, errors.Join(errs...)
}

func userIDFromSessionToken(secrets []string, token string) (string, error) {
	claims, err := getJWTClaims(secrets, token)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	userID, err := claims.GetSubject()
	if err != nil || userID == "" {
		return "", fmt.Errorf("%w: session token has no subject", ErrUnauthorized)
	}

	return userID, nil
}
