package account

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/niports/tracking-relay/pkg/connector"
)

const (
	// DefaultClientID is the browser signature sent with login requests.
	DefaultClientID = "Chrome/104.0.0.0"

	loginType = "USER"
	loginFrom = "web"
)

var (
	ErrNoUsername = errors.New("upstream username not configured")
	ErrNoSecret   = errors.New("upstream secret not configured")
)

// HashSecret returns the lowercase hex MD5 digest the upstream expects in place of the password.
// The upstream does not report a transport error on mismatch, so the encoding must be exact.
func HashSecret(plaintext string) string {
	sum := md5.Sum([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Credential is the relay's fixed upstream identity.
type Credential struct {
	Username string
	Secret   string
	ClientID string
}

// Validate reports missing required fields.
func (c Credential) Validate() error {
	if c.Username == "" {
		return ErrNoUsername
	}
	if c.Secret == "" {
		return ErrNoSecret
	}
	return nil
}

// String omits the secret so that credentials can be logged.
func (c Credential) String() string {
	return fmt.Sprintf("%s (client %s)", c.Username, c.clientID())
}

func (c Credential) clientID() string {
	if c.ClientID == "" {
		return DefaultClientID
	}
	return c.ClientID
}

func (c Credential) loginRequest() connector.LoginRequest {
	return connector.LoginRequest{
		Type:     loginType,
		From:     loginFrom,
		Username: c.Username,
		Password: HashSecret(c.Secret),
		Browser:  c.clientID(),
	}
}
