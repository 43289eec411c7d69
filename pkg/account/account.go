package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/niports/tracking-relay/internal/log"
	"github.com/niports/tracking-relay/internal/metrics"
	"github.com/niports/tracking-relay/pkg/connector"
	"github.com/niports/tracking-relay/pkg/protocol"
)

// DefaultLoginTimeout bounds a single login request.
const DefaultLoginTimeout = 15 * time.Second

// State is the authentication state of an [Account].
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session holds the credentials issued by the upstream. Token and ServerID are always set
// together.
type Session struct {
	Token     string
	ServerID  string
	IssuedAt  time.Time
	ExpiresAt time.Time // Zero if the session does not expire.
}

func (s *Session) expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Account owns the relay's upstream session. It is the only writer of the session; other
// components read it through [Account.Session].
type Account struct {
	// LoginTimeout bounds each login request. Zero selects DefaultLoginTimeout.
	LoginTimeout time.Duration
	// SessionTTL is applied to tokens that do not carry their own expiry. Zero means tokens
	// remain valid until the upstream rejects them.
	SessionTTL time.Duration

	credential Credential
	upstream   connector.Authenticator
	now        func() time.Time

	lock    sync.Mutex
	state   State
	session *Session

	ready     chan struct{}
	readyOnce sync.Once
}

// New returns an unauthenticated Account. No request is sent until [Account.Login] is called.
func New(credential Credential, upstream connector.Authenticator) (*Account, error) {
	if err := credential.Validate(); err != nil {
		return nil, err
	}
	return &Account{
		LoginTimeout: DefaultLoginTimeout,
		credential:   credential,
		upstream:     upstream,
		now:          time.Now,
		ready:        make(chan struct{}),
	}, nil
}

// tokenExpiry extracts the exp claim if token happens to be a JWT. The signature is not checked;
// the upstream remains the authority on validity.
func tokenExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Login establishes an upstream session.
//
// If a login is already in flight, or the account holds an unexpired session, Login returns nil
// immediately without contacting the upstream. Otherwise it sends exactly one login request,
// bounded by LoginTimeout. On failure the account returns to StateUnauthenticated and the error is
// returned; callers are expected to retry on a later cycle.
func (a *Account) Login(ctx context.Context) error {
	a.lock.Lock()
	switch {
	case a.state == StateAuthenticating:
		a.lock.Unlock()
		log.Debug("Login already in progress")
		return nil
	case a.state == StateAuthenticated && !a.session.expired(a.now()):
		a.lock.Unlock()
		return nil
	}
	a.state = StateAuthenticating
	a.session = nil
	a.lock.Unlock()

	session, err := a.requestSession(ctx)

	a.lock.Lock()
	defer a.lock.Unlock()
	if err != nil {
		a.state = StateUnauthenticated
		if protocol.Temporary(err) {
			metrics.LoginAttempts.WithLabelValues(metrics.ResultFailure).Inc()
			log.Warning("Upstream login failed for %s: %s", a.credential, err)
		} else {
			metrics.LoginAttempts.WithLabelValues(metrics.ResultRejected).Inc()
			log.Error("Upstream login failed for %s: %s", a.credential, err)
		}
		return err
	}
	a.session = session
	a.state = StateAuthenticated
	metrics.LoginAttempts.WithLabelValues(metrics.ResultSuccess).Inc()
	log.Info("Upstream login successful for %s", a.credential)
	a.readyOnce.Do(func() { close(a.ready) })
	return nil
}

func (a *Account) requestSession(ctx context.Context) (*Session, error) {
	timeout := a.LoginTimeout
	if timeout <= 0 {
		timeout = DefaultLoginTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rsp, err := a.upstream.Login(ctx, a.credential.loginRequest())
	if err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}
	if rsp.Token == "" || rsp.ServerID == "" {
		return nil, fmt.Errorf("%w (status %d: %s)", protocol.ErrLoginRejected, rsp.Status, rsp.Cause)
	}
	if ctx.Err() != nil {
		// The response arrived after the deadline; do not commit it.
		return nil, fmt.Errorf("login request: %w", &protocol.RelayError{Err: ctx.Err(), PossibleTemporary: true})
	}

	issued := a.now()
	session := &Session{Token: rsp.Token, ServerID: rsp.ServerID, IssuedAt: issued}
	if exp, ok := tokenExpiry(rsp.Token); ok {
		session.ExpiresAt = exp
	} else if a.SessionTTL > 0 {
		session.ExpiresAt = issued.Add(a.SessionTTL)
	}
	return session, nil
}

// State returns the current authentication state. An expired session reports
// StateUnauthenticated.
func (a *Account) State() State {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.state == StateAuthenticated && a.session.expired(a.now()) {
		return StateUnauthenticated
	}
	return a.state
}

// IsAuthenticated returns true if the account holds an unexpired session.
func (a *Account) IsAuthenticated() bool {
	return a.State() == StateAuthenticated
}

// Session returns a copy of the current session. The boolean is false unless the account is
// authenticated.
func (a *Account) Session() (Session, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.state != StateAuthenticated || a.session.expired(a.now()) {
		return Session{}, false
	}
	return *a.session, true
}

// Invalidate discards the session if it still holds token, typically after the upstream rejected
// it. Sessions established since token was read are left alone.
func (a *Account) Invalidate(token string) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if a.state != StateAuthenticated || a.session.Token != token {
		return
	}
	a.state = StateUnauthenticated
	a.session = nil
	log.Warning("Upstream session for %s invalidated", a.credential)
}

// Ready returns a channel that is closed after the first successful login.
func (a *Account) Ready() <-chan struct{} {
	return a.ready
}
