package fabric

import (
	"errors"
	"net/http"
)

// ErrUnauthenticated is returned by authenticators to reject a handshake.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator validates handshake parameters before a connection is
// registered. Implementations may inspect headers or cookies on the raw
// request.
type Authenticator interface {
	Authenticate(r *http.Request, p Params) error
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(r *http.Request, p Params) error

func (f AuthenticatorFunc) Authenticate(r *http.Request, p Params) error {
	return f(r, p)
}

// DefaultAuthenticator rejects handshakes that carry no tenant context.
func DefaultAuthenticator() Authenticator {
	return AuthenticatorFunc(func(_ *http.Request, p Params) error {
		if p.TenantID == "" {
			return ErrUnauthenticated
		}
		return nil
	})
}
