package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const deviceClaim = "did"

// JWTAuthorizer verifies HMAC-signed tokens. The subject claim is the user
// id; the "did" claim is the device id.
type JWTAuthorizer struct {
	secret []byte
	issuer string
}

// NewJWTAuthorizer builds an authorizer around a shared HMAC secret. issuer
// is enforced when non-empty.
func NewJWTAuthorizer(secret []byte, issuer string) *JWTAuthorizer {
	return &JWTAuthorizer{secret: secret, issuer: issuer}
}

// Authorize verifies the token's signature and standard claims and extracts
// the session identity.
func (a *JWTAuthorizer) Authorize(_ context.Context, token string) (*Identity, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrInvalidToken
	}
	device, _ := claims[deviceClaim].(string)
	if device == "" {
		return nil, ErrMissingDeviceID
	}
	return &Identity{UserID: sub, DeviceID: device}, nil
}

// Issue mints a token for an identity. Used by provisioning tooling and
// tests; the sync service itself only verifies.
func (a *JWTAuthorizer) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":       id.UserID,
		deviceClaim: id.DeviceID,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	}
	if a.issuer != "" {
		claims["iss"] = a.issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
