// Package auth authenticates sync connections. A connection presents a
// bearer token during the WebSocket handshake; the authorizer resolves it
// to the (user, device) identity every later frame is scoped to.
package auth

import (
	"context"
	"errors"
)

var (
	// ErrInvalidToken is returned when a token fails verification.
	ErrInvalidToken = errors.New("invalid or expired token")

	// ErrMissingDeviceID is returned when a valid token carries no device
	// claim. Every sync session must identify its device.
	ErrMissingDeviceID = errors.New("token carries no device id")
)

// Identity is the authenticated principal of one sync session.
type Identity struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
}

// Authorizer resolves a bearer token into a session identity.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (*Identity, error)
}
