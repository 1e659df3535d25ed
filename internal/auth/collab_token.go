// Package auth issues and validates the HS256 collaboration tokens the
// platform hands to editors before they open a sync connection.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 30 * time.Minute
	defaultIssuer   = "vellum-platform"
	defaultAudience = "vellum-collab"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")

	// ErrInvalidCollabToken indicates a collaboration token failed validation.
	ErrInvalidCollabToken = errors.New("auth: invalid collaboration token")
)

// Identity captures the authenticated editor carried by a token.
type Identity struct {
	UserID   string
	UserName string
}

type collabClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// CollabTokenConfig configures the collaboration token service.
type CollabTokenConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// CollabTokenService mints and validates collaboration tokens. Websocket
// clients present the token as a query parameter since browsers cannot attach
// headers to upgrade requests; REST clients use a bearer header.
type CollabTokenService struct {
	signingSecret []byte
	issuer        string
	audience      string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewCollabTokenService validates the configuration and returns the service.
func NewCollabTokenService(cfg CollabTokenConfig) (*CollabTokenService, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}

	issuer := cfg.Issuer
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := cfg.Audience
	if audience == "" {
		audience = defaultAudience
	}
	tokenTTL := cfg.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &CollabTokenService{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		tokenTTL:      tokenTTL,
		clock:         clock,
	}, nil
}

// IssueToken produces a signed token and its lifetime in seconds.
func (service *CollabTokenService) IssueToken(userID, userName string) (string, int64, error) {
	if strings.TrimSpace(userID) == "" {
		return "", 0, errMissingSubjectClaim
	}

	now := service.clock().UTC()
	expiresAt := now.Add(service.tokenTTL)

	claims := collabClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    service.issuer,
			Audience:  []string{service.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Name: userName,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(service.signingSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// ValidateToken checks the token signature, issuer, audience, and expiry and
// returns the embedded identity. Failures wrap ErrInvalidCollabToken.
func (service *CollabTokenService) ValidateToken(tokenString string) (Identity, error) {
	if strings.TrimSpace(tokenString) == "" {
		return Identity{}, fmt.Errorf("%w: empty token", ErrInvalidCollabToken)
	}

	claims := &collabClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return service.signingSecret, nil
		},
		jwt.WithAudience(service.audience),
		jwt.WithIssuer(service.issuer),
		jwt.WithTimeFunc(service.clock),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidCollabToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCollabToken, errMissingSubjectClaim)
	}

	return Identity{UserID: claims.Subject, UserName: claims.Name}, nil
}
