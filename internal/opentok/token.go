package opentok

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Role is the permission level a client token grants inside a session.
type Role string

const (
	RoleSubscriber Role = "subscriber"
	RolePublisher  Role = "publisher"
	RoleModerator  Role = "moderator"
)

// TokenOptions configure a client token.
type TokenOptions struct {
	Role Role
	// Data is opaque connection metadata delivered to other participants.
	Data string
}

// TokenClaims is the payload of a client token.
type TokenClaims struct {
	jwt.RegisteredClaims
	IssuerType     string `json:"ist"`
	Scope          string `json:"scope"`
	SessionID      string `json:"session_id"`
	Role           Role   `json:"role"`
	ConnectionData string `json:"connection_data,omitempty"`
	Nonce          string `json:"nonce"`
}

// CreateToken mints a client token for joining sessionID. Tokens are signed
// locally; the context is accepted so the call shape matches the other
// provider operations.
func (c *Client) CreateToken(ctx context.Context, creds Credentials, sessionID string, opts TokenOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if sessionID == "" {
		return "", fmt.Errorf("opentok create token: session id is required")
	}
	if creds.APIKey == "" || creds.Secret == "" {
		return "", fmt.Errorf("opentok create token: missing credentials")
	}

	role := opts.Role
	if role == "" {
		role = RolePublisher
	}
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	now := c.now()
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    creds.APIKey,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.tokenTTL)),
			ID:        uuid.NewString(),
		},
		IssuerType:     "project",
		Scope:          "session.connect",
		SessionID:      sessionID,
		Role:           role,
		ConnectionData: opts.Data,
		Nonce:          hex.EncodeToString(nonce),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(creds.Secret))
	if err != nil {
		return "", fmt.Errorf("sign client token: %w", err)
	}
	return signed, nil
}
