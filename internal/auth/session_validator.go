package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingStaffSigningKey = errors.New("staff validator: signing key required")
	ErrMissingStaffToken      = errors.New("staff validator: token required")
	ErrInvalidStaffToken      = errors.New("staff validator: invalid token")
	ErrExpiredStaffToken      = errors.New("staff validator: token expired")
	ErrMissingStaffDevice     = errors.New("staff validator: device required")
)

const bearerPrefix = "Bearer "

// StaffValidatorConfig describes how to validate staff device tokens.
type StaffValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	Clock         func() time.Time
}

// StaffValidator validates HS256 staff tokens presented as bearer credentials.
type StaffValidator struct {
	signingSecret []byte
	issuer        string
	clock         func() time.Time
}

// NewStaffValidator constructs a validator with the provided configuration.
func NewStaffValidator(cfg StaffValidatorConfig) (*StaffValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingStaffSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &StaffValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		clock:         clock,
	}, nil
}

// ValidateToken validates the supplied JWT string and returns the parsed claims.
func (v *StaffValidator) ValidateToken(tokenString string) (StaffClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return StaffClaims{}, ErrMissingStaffToken
	}

	claims := &StaffClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidStaffToken, t.Method.Alg())
			}
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return StaffClaims{}, ErrExpiredStaffToken
		}
		return StaffClaims{}, fmt.Errorf("%w: %v", ErrInvalidStaffToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return StaffClaims{}, ErrInvalidStaffToken
	}
	if strings.TrimSpace(claims.DeviceID) == "" || claims.Subject != claims.DeviceID {
		return StaffClaims{}, ErrMissingStaffDevice
	}
	return *claims, nil
}

// ValidateRequest extracts the bearer token from the Authorization header and validates it.
func (v *StaffValidator) ValidateRequest(r *http.Request) (StaffClaims, error) {
	if r == nil {
		return StaffClaims{}, ErrMissingStaffToken
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return StaffClaims{}, ErrMissingStaffToken
	}
	return v.ValidateToken(header[len(bearerPrefix):])
}
