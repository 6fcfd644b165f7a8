package security

import (
	"context"
)

// Provider supplies the CONNECT command's AuthMethod/AuthData fields and,
// when the broker challenges a connection mid-handshake, answers an
// AUTH_CHALLENGE with fresh AuthData. This only covers the
// client-credential half; the server-side key-store/RBAC machinery
// belongs to the broker.
type Provider interface {
	// Name is the AuthMethod value carried on CONNECT, e.g. "token".
	Name() string
	// InitialData returns the AuthData to present at CONNECT time.
	InitialData(ctx context.Context) ([]byte, error)
}

// ChallengeResponder is implemented by providers whose scheme requires a
// second round trip (e.g. mutual-TLS renegotiation, SASL) after the
// broker sends AUTH_CHALLENGE.
type ChallengeResponder interface {
	Provider
	Respond(ctx context.Context, challenge []byte) ([]byte, error)
}

// None is the zero-value Provider: no AuthMethod, no AuthData.
type None struct{}

func (None) Name() string                                      { return "" }
func (None) InitialData(ctx context.Context) ([]byte, error)   { return nil, nil }

// Token is a Provider for bearer-token authentication: a single opaque
// credential presented on every connection, no challenge round trip.
type Token struct {
	Token string
}

func (t Token) Name() string { return "token" }

func (t Token) InitialData(ctx context.Context) ([]byte, error) {
	return []byte(t.Token), nil
}
