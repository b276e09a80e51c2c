package auth

import (
	"crypto/subtle"
	"net/http"

	gateway "github.com/eugener/gandalf/internal"
)

// AdminAuth gates the management API behind a single shared secret, since
// the gateway's only other notion of a caller is a ServiceKey, which
// carries no management role. The token is never logged or echoed back.
type AdminAuth struct {
	token string
}

// NewAdmin creates an AdminAuth. An empty token disables the admin surface
// entirely: every Authenticate call fails closed.
func NewAdmin(token string) *AdminAuth {
	return &AdminAuth{token: token}
}

// Authenticate validates the X-Admin-Token header and returns a full-access
// management Identity on success.
func (a *AdminAuth) Authenticate(r *http.Request) (*gateway.Identity, error) {
	if a.token == "" {
		return nil, gateway.ErrForbidden
	}
	got := r.Header.Get("X-Admin-Token")
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) != 1 {
		return nil, gateway.ErrUnauthorized
	}
	return &gateway.Identity{
		Subject:    "admin",
		Role:       "admin",
		Perms:      gateway.RolePermissions["admin"],
		AuthMethod: "admin_token",
	}, nil
}
