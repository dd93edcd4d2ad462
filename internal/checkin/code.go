package checkin

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUndecodableCode indicates that a presented code is neither a ticket id nor a signed token.
	ErrUndecodableCode = errors.New("checkin: undecodable code")
	// ErrInvalidSignature indicates that a signed code failed verification.
	ErrInvalidSignature = errors.New("checkin: invalid code signature")
	errMissingTicketKey = errors.New("checkin: ticket signing key required")
)

// TicketClaims is the payload carried by a signed ticket code.
type TicketClaims struct {
	TicketID string `json:"tid"`
	EventID  string `json:"eid"`
	jwt.RegisteredClaims
}

// PresentedCode is a decoded but not yet verified code.
type PresentedCode struct {
	TicketID TicketID
	// EventID is only known for signed codes.
	EventID EventID
	token   string
}

// IsSigned reports whether the code arrived as a signed token.
func (code PresentedCode) IsSigned() bool {
	return code.token != ""
}

// DecodeCode parses a scanned or typed code without verifying any signature.
func DecodeCode(rawInput string) (PresentedCode, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return PresentedCode{}, fmt.Errorf("%w: empty", ErrUndecodableCode)
	}

	if strings.Count(trimmed, ".") == 2 {
		claims := &TicketClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(trimmed, claims); err == nil {
			ticketID, idErr := NewTicketID(claims.TicketID)
			if idErr != nil {
				return PresentedCode{}, fmt.Errorf("%w: %v", ErrUndecodableCode, idErr)
			}
			code := PresentedCode{TicketID: ticketID, token: trimmed}
			if eventID, eventErr := NewEventID(claims.EventID); eventErr == nil {
				code.EventID = eventID
			}
			return code, nil
		}
	}

	if strings.ContainsAny(trimmed, " \t\r\n") {
		return PresentedCode{}, fmt.Errorf("%w: whitespace in identifier", ErrUndecodableCode)
	}
	ticketID, err := NewTicketID(trimmed)
	if err != nil {
		return PresentedCode{}, fmt.Errorf("%w: %v", ErrUndecodableCode, err)
	}
	return PresentedCode{TicketID: ticketID}, nil
}

// VerifySignature checks the HS256 signature of a signed code. Time based claims are not
// evaluated here; ticket expiry is a separate classification.
func (code PresentedCode) VerifySignature(key []byte) error {
	if !code.IsSigned() {
		return fmt.Errorf("%w: code is not signed", ErrInvalidSignature)
	}
	if len(key) == 0 {
		return errMissingTicketKey
	}
	claims := &TicketClaims{}
	_, err := jwt.ParseWithClaims(
		code.token,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			return key, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if claims.TicketID != code.TicketID.String() {
		return fmt.Errorf("%w: ticket claim mismatch", ErrInvalidSignature)
	}
	return nil
}

// SignTicketCode issues the signed code printed on a ticket.
func SignTicketCode(key []byte, ticket Ticket) (string, error) {
	if len(key) == 0 {
		return "", errMissingTicketKey
	}
	claims := TicketClaims{
		TicketID: ticket.ID.String(),
		EventID:  ticket.EventID.String(),
	}
	if !ticket.ValidUntil.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(ticket.ValidUntil)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}
