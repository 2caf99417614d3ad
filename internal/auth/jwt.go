// Package auth issues and verifies the HS256 bearer tokens that carry the
// caller's user id and role.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/freight-trips/internal/apperr"
	"github.com/example/freight-trips/internal/models"
)

const issuer = "freight-trips"

type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"` // DRIVER | OWNER | ADMIN
	jwt.RegisteredClaims
}

type JWTService struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

func NewJWTService(secret string, expiry time.Duration) *JWTService {
	if expiry <= 0 {
		expiry = 12 * time.Hour
	}
	return &JWTService{secret: []byte(secret), expiry: expiry, now: time.Now}
}

// Issue signs a token for actor. Token issuance belongs to the identity
// service; this exists for tests and the CLI.
func (s *JWTService) Issue(actor models.Actor) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID: actor.UserID,
		Role:   string(actor.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks tokenString and returns the actor it names. Every failure
// is an *apperr.AuthError.
func (s *JWTService) Verify(tokenString string) (models.Actor, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return models.Actor{}, apperr.Unauthenticated(err.Error())
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return models.Actor{}, apperr.Unauthenticated("invalid token")
	}
	role := models.Role(strings.ToUpper(claims.Role))
	switch role {
	case models.RoleDriver, models.RoleOwner, models.RoleAdmin:
	default:
		return models.Actor{}, apperr.Unauthenticated("unknown role " + claims.Role)
	}
	if claims.UserID == "" {
		return models.Actor{}, apperr.Unauthenticated("token has no user")
	}
	return models.Actor{UserID: claims.UserID, Role: role}, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
