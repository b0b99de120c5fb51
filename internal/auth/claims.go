package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// Anonymity invariant: DeviceID is an opaque random identifier minted at
// registration; tokens never carry phone numbers, emails, or any other
// real-world identity.
type Claims struct {
	jwt.RegisteredClaims

	DeviceID  string    `json:"device_id"`
	TokenType TokenType `json:"token_type"`
}
