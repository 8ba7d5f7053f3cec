package auth

import (
	"errors"
	"fmt"
	"time"

	"telecom-rtb/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSecret = errors.New("auth: JWT_SECRET is required")
	ErrInvalidToken  = errors.New("auth: invalid token")
)

// ClockSkew is the leeway applied to exp, nbf and iat.
const ClockSkew = 30 * time.Second

// Verifier checks HS256 access tokens. Tokens are issued elsewhere; this
// service only reads them.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
}

func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	if cfg.JWTSecret == "" {
		return nil, ErrMissingSecret
	}
	return &Verifier{
		secret:   []byte(cfg.JWTSecret),
		issuer:   cfg.JWTIssuer,
		audience: cfg.JWTAudience,
	}, nil
}

func (v *Verifier) Verify(tokenString string, now time.Time) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(ClockSkew),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	var claims Claims
	_, err := jwt.NewParser(opts...).ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	switch {
	case claims.TokenType != TokenTypeAccess:
		return Claims{}, fmt.Errorf("%w: token_type %q", ErrInvalidToken, claims.TokenType)
	case claims.UserID == "":
		return Claims{}, fmt.Errorf("%w: user_id missing", ErrInvalidToken)
	case claims.WorkspaceID == "":
		return Claims{}, fmt.Errorf("%w: workspace_id missing", ErrInvalidToken)
	case claims.Role == "":
		return Claims{}, fmt.Errorf("%w: role missing", ErrInvalidToken)
	}
	return claims, nil
}
