package auth

import (
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// RoleScanner may submit check-ins and read the roster.
	RoleScanner = "scanner"
	// RoleAdmin may additionally import tickets and change ticket state.
	RoleAdmin = "admin"
)

// StaffClaims is the JWT payload carried by a staff device token.
type StaffClaims struct {
	DeviceID   string   `json:"device_id"`
	StaffName  string   `json:"staff_name"`
	StaffEmail string   `json:"staff_email"`
	Roles      []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether the claims grant the role.
func (c StaffClaims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}
