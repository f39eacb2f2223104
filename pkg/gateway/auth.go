package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
)

// maxAuthAttempts is how many bad tokens a connection may present
// before it is closed.
const maxAuthAttempts = 3

// AuthHandler verifies the shared bearer token presented by clients.
// Tokens are compared as SHA-256 digests so the comparison is constant
// time regardless of token length.
type AuthHandler struct {
	tokenDigest [sha256.Size]byte
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(token string) *AuthHandler {
	return &AuthHandler{
		tokenDigest: sha256.Sum256([]byte(token)),
	}
}

// VerifyToken reports whether the presented token matches the
// configured one.
func (a *AuthHandler) VerifyToken(token string) bool {
	digest := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(digest[:], a.tokenDigest[:]) == 1
}

// HandleAuth processes an auth frame from a client and updates the
// client's state accordingly.
func (a *AuthHandler) HandleAuth(client *Client, token string) AuthResult {
	if !a.VerifyToken(token) {
		client.AuthAttempts++

		if client.AuthAttempts >= maxAuthAttempts {
			return AuthResult{
				Event:   "auth.failure",
				Success: false,
				Message: "Too many failed attempts",
			}
		}

		return AuthResult{
			Event:   "auth.failure",
			Success: false,
			Message: "Invalid token",
		}
	}

	client.setAuthenticated(true)
	client.AuthAttempts = 0

	return AuthResult{
		Event:   "auth.success",
		Success: true,
	}
}
