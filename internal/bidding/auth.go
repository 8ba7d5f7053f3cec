package bidding

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"telecom-rtb/internal/targets"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAPIKeyHeader = "X-API-Key"
	bidderTokenTTL      = 60 * time.Second
)

var errAuthConfig = errors.New("bidding: auth misconfigured")

// applyAuth sets the target's outbound credentials on req.
func (c *Client) applyAuth(req *http.Request, t targets.BidTarget, requestID string, now time.Time) error {
	a := t.Endpoint.Auth
	switch a.Type {
	case "", targets.AuthNone:
		return nil
	case targets.AuthBearer:
		if a.Token == "" {
			return fmt.Errorf("%w: bearer token missing", errAuthConfig)
		}
		req.Header.Set("Authorization", "Bearer "+a.Token)
	case targets.AuthBasic:
		req.SetBasicAuth(a.Username, a.Password)
	case targets.AuthAPIKey:
		if a.Token == "" {
			return fmt.Errorf("%w: api key missing", errAuthConfig)
		}
		h := a.HeaderName
		if h == "" {
			h = defaultAPIKeyHeader
		}
		req.Header.Set(h, a.Token)
	case targets.AuthJWT:
		tok, err := c.signBidderToken(a.Secret, t.ID, requestID, now)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	default:
		return fmt.Errorf("%w: unknown type %q", errAuthConfig, a.Type)
	}
	return nil
}

// signBidderToken mints a short-lived HS256 token scoped to one target and request.
func (c *Client) signBidderToken(secret, targetID, requestID string, now time.Time) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: jwt secret missing", errAuthConfig)
	}
	claims := jwt.RegisteredClaims{
		Issuer:    c.jwtIssuer,
		Subject:   requestID,
		Audience:  jwt.ClaimStrings{targetID},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(bidderTokenTTL)),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
