package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when the token is invalid
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when the token has expired
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidIssuer is returned when the token issuer is invalid
	ErrInvalidIssuer = errors.New("invalid issuer")

	// ErrMissingClaim is returned when a required claim is missing
	ErrMissingClaim = errors.New("missing required claim")

	// ErrNotConfigured is returned when no signing secret is configured
	ErrNotConfigured = errors.New("token validation not configured")
)

// Claims represents the claims carried by a control plane token
type Claims struct {
	jwt.RegisteredClaims
	Email string   `json:"email"`
	Roles []string `json:"roles"`
	Tier  string   `json:"tier"`
}

// ParsedClaims represents parsed and validated claims
type ParsedClaims struct {
	Subject   string
	UserID    *uuid.UUID // nil when the subject is not a UUID
	Email     string
	Roles     []string
	Tier      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// HasRole reports whether the claims grant role
func (c *ParsedClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Config holds configuration for HMACValidator
type Config struct {
	Secret string
	Issuer string // checked when set
	Leeway time.Duration
}

// HMACValidator validates HS256 signed tokens against a shared secret
type HMACValidator struct {
	secret []byte
	parser *jwt.Parser
}

// NewHMACValidator creates a new HMACValidator
func NewHMACValidator(config Config) *HMACValidator {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(config.Leeway),
	}
	if config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(config.Issuer))
	}

	return &HMACValidator{
		secret: []byte(config.Secret),
		parser: jwt.NewParser(opts...),
	}
}

// ValidateToken validates a token and returns parsed claims
func (v *HMACValidator) ValidateToken(_ context.Context, tokenString string) (*ParsedClaims, error) {
	if len(v.secret) == 0 {
		return nil, ErrNotConfigured
	}

	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		case errors.Is(err, jwt.ErrTokenInvalidIssuer):
			return nil, fmt.Errorf("%w: %s", ErrInvalidIssuer, claims.Issuer)
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
		}
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	return parseClaims(claims)
}

// Sign issues an HS256 token for claims. Used by tooling and tests.
func (v *HMACValidator) Sign(claims *Claims) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrNotConfigured
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func parseClaims(claims *Claims) (*ParsedClaims, error) {
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	parsed := &ParsedClaims{
		Subject: claims.Subject,
		Email:   claims.Email,
		Roles:   claims.Roles,
		Tier:    claims.Tier,
	}
	if id, err := uuid.Parse(claims.Subject); err == nil {
		parsed.UserID = &id
	}
	if claims.IssuedAt != nil {
		parsed.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		parsed.ExpiresAt = claims.ExpiresAt.Time
	}
	return parsed, nil
}
