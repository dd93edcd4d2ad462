package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 12 * time.Hour
	// DefaultIssuer names the server of record in issued staff tokens.
	DefaultIssuer = "turnstile"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingDeviceClaim   = errors.New("device id must be provided")
)

// StaffIdentity describes the staff member and device a token is issued to.
type StaffIdentity struct {
	DeviceID   string
	StaffName  string
	StaffEmail string
	Roles      []string
}

// TokenIssuerConfig configures the staff token issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues staff device JWTs bound to one device.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	ttl           time.Duration
	clock         func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// IssueStaffToken produces a signed JWT and its lifetime in seconds.
func (i *TokenIssuer) IssueStaffToken(_ context.Context, identity StaffIdentity) (string, int64, error) {
	deviceID := strings.TrimSpace(identity.DeviceID)
	if deviceID == "" {
		return "", 0, errMissingDeviceClaim
	}
	roles := identity.Roles
	if len(roles) == 0 {
		roles = []string{RoleScanner}
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl).UTC()
	claims := StaffClaims{
		DeviceID:   deviceID,
		StaffName:  strings.TrimSpace(identity.StaffName),
		StaffEmail: strings.TrimSpace(identity.StaffEmail),
		Roles:      roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}
