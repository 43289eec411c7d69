// Package poller keeps the position cache fresh.
//
// A [Poller] fetches the fleet snapshot from the upstream on a fixed interval once the account is
// authenticated, and announces changes of the relay's network address on the way. A [LoginTask]
// re-establishes the upstream session whenever it is lost.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/niports/tracking-relay/internal/log"
	"github.com/niports/tracking-relay/internal/metrics"
	"github.com/niports/tracking-relay/pkg/account"
	"github.com/niports/tracking-relay/pkg/cache"
	"github.com/niports/tracking-relay/pkg/connector"
	"github.com/niports/tracking-relay/pkg/connector/inet"
	"github.com/niports/tracking-relay/pkg/netid"
	"github.com/niports/tracking-relay/pkg/periodic"
	"github.com/niports/tracking-relay/pkg/protocol"
)

const (
	DefaultPollInterval       = 30 * time.Second
	DefaultPollTimeout        = 15 * time.Second
	DefaultLoginRetryInterval = 60 * time.Second
)

// ErrCycleInProgress is returned by [Poller.Poll] when another cycle has not finished yet.
var ErrCycleInProgress = errors.New("poll cycle already in progress")

// Authority is the part of an account the poller depends on.
type Authority interface {
	IsAuthenticated() bool
	Session() (account.Session, bool)
	Invalidate(token string)
	Ready() <-chan struct{}
}

// Notifier receives network address changes.
type Notifier interface {
	BroadcastStatus(address string, changed bool)
}

// Poller refreshes a cache.PositionCache from the upstream.
type Poller struct {
	// Interval between cycles. Zero selects DefaultPollInterval.
	Interval time.Duration
	// Timeout bounds each lastposition request. Zero selects DefaultPollTimeout.
	Timeout time.Duration
	// Clock drives the schedule. Tests replace it with a mock.
	Clock clock.Clock

	account  Authority
	source   connector.PositionSource
	cache    *cache.PositionCache
	tracker  *netid.Tracker
	notifier Notifier

	inProgress atomic.Bool
}

// New returns a Poller that stores positions fetched from source in positions. Address changes
// observed by tracker are announced through notifier.
func New(acct Authority, source connector.PositionSource, positions *cache.PositionCache,
	tracker *netid.Tracker, notifier Notifier) *Poller {
	return &Poller{
		Interval: DefaultPollInterval,
		Timeout:  DefaultPollTimeout,
		Clock:    clock.New(),
		account:  acct,
		source:   source,
		cache:    positions,
		tracker:  tracker,
		notifier: notifier,
	}
}

func (p *Poller) Name() string {
	return "position poller"
}

func (p *Poller) timeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultPollTimeout
	}
	return p.Timeout
}

func (p *Poller) interval() time.Duration {
	if p.Interval <= 0 {
		return DefaultPollInterval
	}
	return p.Interval
}

// Run executes one cycle. Errors are logged by Poll.
func (p *Poller) Run(ctx context.Context) {
	p.Poll(ctx)
}

// Poll executes one cycle: it checks the network address, fetches the fleet and replaces the
// cache. The cache is left untouched if the fetch fails. Nothing is fetched while the account is
// unauthenticated.
func (p *Poller) Poll(ctx context.Context) error {
	if !p.inProgress.CompareAndSwap(false, true) {
		metrics.PollCycles.WithLabelValues(metrics.ResultSkipped).Inc()
		log.Debug("Previous poll cycle still running; skipping")
		return ErrCycleInProgress
	}
	defer p.inProgress.Store(false)

	session, ok := p.account.Session()
	if !ok {
		metrics.PollCycles.WithLabelValues(metrics.ResultSkipped).Inc()
		log.Debug("Not authenticated; skipping poll cycle")
		return protocol.ErrNotAuthenticated
	}

	if p.tracker != nil {
		if change := p.tracker.Observe(); change.Changed {
			metrics.AddressChanges.Inc()
			log.Info("Relay network address changed to %s", change.Address)
			if p.notifier != nil {
				p.notifier.BroadcastStatus(change.Address, true)
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()
	started := time.Now()
	positions, err := p.source.LastPosition(ctx, session.Token, session.ServerID, nil)
	metrics.PollDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		if inet.IsTokenRejected(err) {
			metrics.PollCycles.WithLabelValues(metrics.ResultRejected).Inc()
			log.Warning("Upstream rejected the session token: %s", err)
			p.account.Invalidate(session.Token)
		} else {
			metrics.PollCycles.WithLabelValues(metrics.ResultFailure).Inc()
			log.Warning("Error fetching positions; keeping previous snapshot: %s", err)
		}
		return fmt.Errorf("fetch positions: %w", err)
	}

	p.cache.Replace(positions)
	metrics.PollCycles.WithLabelValues(metrics.ResultSuccess).Inc()
	metrics.CachedDevices.Set(float64(p.cache.Len()))
	log.Debug("Cached %d device positions", p.cache.Len())
	return nil
}

// Serve waits for the first successful login, then polls every Interval until ctx is done. The
// first cycle starts immediately.
func (p *Poller) Serve(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-p.account.Ready():
	}
	log.Info("Polling upstream positions every %s", p.interval())
	serve(ctx, p, p.Clock, p.interval(), p.timeout())
	return nil
}

// LoginTask logs into the upstream whenever the account is not authenticated.
type LoginTask struct {
	// Interval between login attempts. Zero selects DefaultLoginRetryInterval.
	Interval time.Duration
	// Timeout bounds each attempt. Zero selects account.DefaultLoginTimeout.
	Timeout time.Duration
	Clock   clock.Clock

	login func(context.Context) error
}

// NewLoginTask returns a task that calls acct.Login.
func NewLoginTask(acct *account.Account) *LoginTask {
	return &LoginTask{
		Interval: DefaultLoginRetryInterval,
		Timeout:  account.DefaultLoginTimeout,
		Clock:    clock.New(),
		login:    acct.Login,
	}
}

func (t *LoginTask) Name() string {
	return "upstream login"
}

// Run attempts a login. It is a no-op while the account holds a valid session.
func (t *LoginTask) Run(ctx context.Context) {
	// Failures are logged by the account and retried on the next tick.
	_ = t.login(ctx)
}

// Serve attempts a login immediately and then every Interval until ctx is done.
func (t *LoginTask) Serve(ctx context.Context) error {
	interval := t.Interval
	if interval <= 0 {
		interval = DefaultLoginRetryInterval
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = account.DefaultLoginTimeout
	}
	serve(ctx, t, t.Clock, interval, timeout)
	return nil
}

func serve(ctx context.Context, task periodic.Task, clk clock.Clock, period, timeout time.Duration) {
	if clk == nil {
		clk = clock.New()
	}
	runner := periodic.Start(ctx, task, clk, period, timeout)
	runner.TriggerRun()
	select {
	case <-ctx.Done():
		runner.Kill()
	case <-runner.Done():
	}
}
