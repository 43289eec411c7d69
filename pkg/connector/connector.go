package connector

import (
	"context"

	"github.com/niports/tracking-relay/pkg/protocol"
)

// MaxResponseLength caps the maximum byte-length of upstream responses. Fleet snapshots for large
// accounts run to a few megabytes.
const MaxResponseLength = 16 << 20

// LoginRequest is the body of an upstream login call.
type LoginRequest struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	Username string `json:"username"`
	Password string `json:"password"` // Digest, never the plaintext secret.
	Browser  string `json:"browser"`
}

// LoginResponse carries the credentials issued by a successful login. Token is empty when the
// upstream refused the request.
type LoginResponse struct {
	Token    string
	ServerID string
	Status   int
	Cause    string
}

// Authenticator exchanges credentials for an upstream session.
type Authenticator interface {
	// Login issues exactly one login request. A response without a token is not an error at this
	// layer; callers decide how to treat it.
	Login(ctx context.Context, req LoginRequest) (LoginResponse, error)
}

// PositionSource fetches fleet snapshots.
type PositionSource interface {
	// LastPosition returns the latest position of every device visible to the session, or only
	// of deviceIDs when it is non-empty. An empty fleet is returned as a nil slice and no error.
	LastPosition(ctx context.Context, token, serverID string, deviceIDs []string) ([]protocol.Position, error)
}

// Upstream is implemented by connectors that talk to the tracking provider.
type Upstream interface {
	Authenticator
	PositionSource
}
