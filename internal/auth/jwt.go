package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/pulsegate/pulsegate/internal/core/observability/log"
)

// Claims is the token body this service understands. user_id wins over
// the registered subject when both are present.
type Claims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens against a shared secret.
type JWTVerifier struct {
	secret []byte
	issuer string
	logger log.Log
}

var _ Verifier = (*JWTVerifier)(nil)

// NewJWTVerifier builds a verifier. issuer is optional; when set, tokens
// from other issuers are rejected.
func NewJWTVerifier(secret, issuer string, logger log.Log) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("auth: jwt secret must not be empty")
	}
	return &JWTVerifier{
		secret: []byte(secret),
		issuer: issuer,
		logger: logger.Named("auth"),
	}, nil
}

// Verify parses and validates the token, returning the embedded user ID.
func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrTokenMissing
	}

	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return "", errors.Wrap(ErrTokenMalformed, err.Error())
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", errors.Wrap(ErrTokenExpired, err.Error())
		default:
			return "", errors.Wrap(ErrTokenInvalid, err.Error())
		}
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		v.logger.Warn("token valid but carries no identity")
		return "", errors.Wrap(ErrTokenInvalid, "no user_id or subject claim")
	}
	return userID, nil
}
