package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingSubject is returned for a valid token that names no user.
	ErrMissingSubject = errors.New("token has no subject")
)

// Claims holds the JWT claims issued by the identity service. UserID falls
// back to the registered subject.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// User returns the user the token was issued to.
func (c *Claims) User() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// JWTService validates HS256 tokens. Issuing tokens is left to the identity
// service.
type JWTService struct {
	secret []byte
}

// NewJWTService creates a JWT verifier for secret.
func NewJWTService(secret string) *JWTService {
	return &JWTService{secret: []byte(secret)}
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.User() == "" {
		return nil, ErrMissingSubject
	}
	return claims, nil
}

// VerifyToken returns the user id carried by a valid token. It has the shape
// the socket handler expects.
func (s *JWTService) VerifyToken(tokenString string) (string, error) {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return "", err
	}
	return claims.User(), nil
}
