package httputil

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingSubject is returned for tokens without a subject claim.
var ErrMissingSubject = errors.New("token has no subject")

// ProducerClaims are the claims of a producer token.
type ProducerClaims struct {
	Queues []string `json:"queues"`
	jwt.RegisteredClaims
}

// JWTValidator validates HS256 producer tokens.
type JWTValidator struct {
	secret []byte
	issuer string
}

// NewJWTValidator creates a validator. An empty issuer accepts any issuer.
func NewJWTValidator(secret, issuer string) *JWTValidator {
	return &JWTValidator{secret: []byte(secret), issuer: issuer}
}

// ValidateToken parses token and returns the producer it identifies.
func (v *JWTValidator) ValidateToken(_ context.Context, token string) (Producer, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &ProducerClaims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...); err != nil {
		return Producer{}, fmt.Errorf("parse token: %w", err)
	}

	if claims.Subject == "" {
		return Producer{}, ErrMissingSubject
	}
	return Producer{ID: claims.Subject, Queues: claims.Queues}, nil
}

// IssueToken signs a producer token. Used by operators and tests.
func (v *JWTValidator) IssueToken(producer Producer, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = producer.ID
	if claims.Issuer == "" {
		claims.Issuer = v.issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ProducerClaims{
		Queues:           producer.Queues,
		RegisteredClaims: claims,
	})
	return token.SignedString(v.secret)
}
