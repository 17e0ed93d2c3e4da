// Package share issues and validates expiring download links for stored files.
package share

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultLinkTTL = 15 * time.Minute
	linkIssuer     = "chronosync"
	linkAudience   = "chronosync-download"
)

var (
	// ErrSharingDisabled indicates that no signing secret is configured.
	ErrSharingDisabled = errors.New("share: signing secret not configured")
	// ErrInvalidLink indicates a link token that failed validation or has expired.
	ErrInvalidLink = errors.New("share: invalid link")

	errMissingStoredName = errors.New("stored name must be provided")
)

// LinkSignerConfig configures the link signer.
type LinkSignerConfig struct {
	SigningSecret []byte
	TTL           time.Duration
	Clock         func() time.Time
}

// Link is an issued download token.
type Link struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// LinkSigner signs download links whose subject is a stored file name.
type LinkSigner struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewLinkSigner constructs a signer. An empty secret yields a signer that
// reports ErrSharingDisabled.
func NewLinkSigner(cfg LinkSignerConfig) *LinkSigner {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultLinkTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &LinkSigner{secret: cfg.SigningSecret, ttl: ttl, clock: clock}
}

// Enabled reports whether links can be issued.
func (s *LinkSigner) Enabled() bool {
	return len(s.secret) > 0
}

// Issue returns a signed link for storedName.
func (s *LinkSigner) Issue(storedName string) (Link, error) {
	if !s.Enabled() {
		return Link{}, ErrSharingDisabled
	}
	if strings.TrimSpace(storedName) == "" {
		return Link{}, errMissingStoredName
	}

	now := s.clock().UTC()
	expiresAt := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   storedName,
		Issuer:    linkIssuer,
		Audience:  []string{linkAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return Link{}, fmt.Errorf("share: sign link: %w", err)
	}
	return Link{Token: signed, ExpiresAt: expiresAt}, nil
}

// Resolve validates the token and returns the stored name it grants.
func (s *LinkSigner) Resolve(token string) (string, error) {
	if !s.Enabled() {
		return "", ErrSharingDisabled
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(parsed *jwt.Token) (interface{}, error) {
			if parsed.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", parsed.Method.Alg())
			}
			return s.secret, nil
		},
		jwt.WithAudience(linkAudience),
		jwt.WithIssuer(linkIssuer),
		jwt.WithTimeFunc(s.clock),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: %v", ErrInvalidLink, errMissingStoredName)
	}
	return claims.Subject, nil
}
