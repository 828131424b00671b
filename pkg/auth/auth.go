// Package auth verifies the bearer tokens the external issuer mints
// and resolves them into caller identities.
package auth

import (
	"context"
	"time"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"

	"github.com/nubla/slicer/pkg/errdefs"
)

// Role is the caller's authorization level.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleClient Role = "cliente"
)

// Identity is the authenticated caller.
type Identity struct {
	ID    int
	Email string
	Role  Role
}

// Admin reports whether the caller holds the admin role.
func (i *Identity) Admin() bool {
	return i.Role == RoleAdmin
}

// Owns reports whether the caller may operate on resources owned by
// the given user id. Admins own everything.
func (i *Identity) Owns(ownerID int) bool {
	return i.Admin() || i.ID == ownerID
}

type claims struct {
	ID    int    `json:"id"`
	Email string `json:"correo"`
	Role  string `json:"rol"`

	jwt.Claims `json:",inline"`
}

// Verifier checks HS256 tokens against the shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a token verifier for the shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a compact token and returns the caller
// identity it carries.
func (v *Verifier) Verify(token string) (*Identity, error) {
	parsed, err := jwt.ParseSigned(token)
	if err != nil {
		return nil, errdefs.Forbidden("malformed token").WithCause(err)
	}

	var c claims
	if err := parsed.Claims(v.secret, &c); err != nil {
		return nil, errdefs.Forbidden("token signature rejected").WithCause(err)
	}
	if err := c.Validate(jwt.Expected{Time: time.Now()}); err != nil {
		return nil, errdefs.Forbidden("token expired").WithCause(err)
	}

	role := Role(c.Role)
	if role != RoleAdmin && role != RoleClient {
		return nil, errdefs.Forbidden("unknown role %q", c.Role)
	}
	if c.ID <= 0 {
		return nil, errdefs.Forbidden("token carries no user id")
	}

	return &Identity{ID: c.ID, Email: c.Email, Role: role}, nil
}

// Sign mints a token for the identity. The production issuer lives
// elsewhere; this is for provisioning scripts and tests.
func (v *Verifier) Sign(identity *Identity, ttl time.Duration) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.HS256, Key: v.secret},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", err
	}

	now := time.Now()
	c := claims{
		ID:    identity.ID,
		Email: identity.Email,
		Role:  string(identity.Role),
		Claims: jwt.Claims{
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.Signed(signer).Claims(c).CompactSerialize()
}

type contextKey struct{}

// WithIdentity stores the identity in the request context.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

// FromContext returns the identity the middleware stored.
func FromContext(ctx context.Context) (*Identity, error) {
	identity, ok := ctx.Value(contextKey{}).(*Identity)
	if !ok {
		return nil, errdefs.Forbidden("no identity in request context")
	}
	return identity, nil
}
