package auth

import (
	"context"
	"strings"
)

// DevTokenPrefix marks tokens accepted by the development authorizer.
const DevTokenPrefix = "dev:"

// DevAuthorizer accepts tokens of the form "dev:<user>:<device>" without
// verification. Local development only; never wire it in production.
type DevAuthorizer struct{}

func NewDevAuthorizer() *DevAuthorizer { return &DevAuthorizer{} }

func (*DevAuthorizer) Authorize(_ context.Context, token string) (*Identity, error) {
	if !strings.HasPrefix(token, DevTokenPrefix) {
		return nil, ErrInvalidToken
	}
	parts := strings.SplitN(strings.TrimPrefix(token, DevTokenPrefix), ":", 2)
	if len(parts) != 2 || parts[0] == "" {
		return nil, ErrInvalidToken
	}
	if parts[1] == "" {
		return nil, ErrMissingDeviceID
	}
	return &Identity{UserID: parts[0], DeviceID: parts[1]}, nil
}
