package refresh

import (
	"context"
	"errors"
	"sync"
	"time"
)

const defaultMaxAttempts = 3

var (
	// ErrUnauthorized must be wrapped into errors returned by API calls
	// and by the [RefreshFunc] when the server rejected the presented
	// credential. It is the trigger the coordinator watches for.
	ErrUnauthorized = errors.New("refresh: unauthorized")
	// ErrReuse marks a non-recoverable refresh rejection: the server
	// detected rotation-chain reuse and revoked the session. The
	// coordinator signs out immediately regardless of the retry budget.
	ErrReuse = errors.New("refresh: credential reuse rejected")
	// ErrSignedOut is returned once the coordinator has abandoned the
	// session, either after the retry ceiling or a reuse rejection.
	// Only [Coordinator.SetSession] re-arms it.
	ErrSignedOut = errors.New("refresh: session terminated")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("refresh: coordinator closed")
)

// errRetryOriginal releases waiters after a sub-ceiling refresh failure:
// each caller retries its original request once with the old credential.
var errRetryOriginal = errors.New("refresh: retry with current credential")

// Session is the client-held token pair.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// RefreshFunc performs the network rotation call. Transport errors and
// timeouts count against the retry ceiling exactly like explicit
// rejections.
type RefreshFunc func(ctx context.Context, refreshToken string) (Session, error)

// CallFunc is one outbound API request parameterized by the bearer value.
type CallFunc func(ctx context.Context, accessToken string) error

type outcome struct {
	session Session
	err     error
}

// Coordinator serializes credential refresh for one client process: when
// concurrent calls hit authorization failures at the same time, exactly
// one rotation reaches the server and every other caller waits for its
// outcome. Waiters are released in FIFO join order.
type Coordinator struct {
	refreshFn   RefreshFunc
	signOut     func(error)
	maxAttempts int

	mu         sync.Mutex
	session    Session
	generation uint64
	refreshing bool
	failures   int
	waiters    []chan outcome
	signedOut  bool
	closed     bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSignOut installs the callback invoked once when the coordinator
// abandons the session. It runs outside the coordinator lock.
func WithSignOut(fn func(reason error)) Option {
	return func(c *Coordinator) { c.signOut = fn }
}

// WithMaxAttempts overrides the refresh retry ceiling.
func WithMaxAttempts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func NewCoordinator(fn RefreshFunc, opts ...Option) *Coordinator {
	c := &Coordinator{
		refreshFn:   fn,
		maxAttempts: defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetSession installs the pair obtained from a fresh login. It clears the
// retry budget and re-arms a signed-out coordinator.
func (c *Coordinator) SetSession(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
	c.generation++
	c.failures = 0
	c.signedOut = false
}

// Session returns the currently held pair.
func (c *Coordinator) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Close abandons any queued callers with [ErrClosed]. Closing twice is
// safe.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.releaseLocked(outcome{err: ErrClosed})
}

// Do runs call with the current access credential. On an authorization
// failure it obtains a fresh credential — joining an in-flight refresh if
// one is outstanding — and retries call exactly once. Any other error is
// returned untouched.
func (c *Coordinator) Do(ctx context.Context, call CallFunc) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.signedOut {
		c.mu.Unlock()
		return ErrSignedOut
	}
	sess := c.session
	gen := c.generation
	c.mu.Unlock()

	err := call(ctx, sess.AccessToken)
	if err == nil || !errors.Is(err, ErrUnauthorized) {
		return err
	}

	next, rerr := c.freshSession(ctx, gen)
	if rerr != nil {
		if errors.Is(rerr, errRetryOriginal) {
			return call(ctx, sess.AccessToken)
		}
		return rerr
	}

	return call(ctx, next.AccessToken)
}

// freshSession returns a session newer than the one observed at
// generation observedGen, starting a refresh only when nobody else has.
func (c *Coordinator) freshSession(ctx context.Context, observedGen uint64) (Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Session{}, ErrClosed
	}
	if c.signedOut {
		c.mu.Unlock()
		return Session{}, ErrSignedOut
	}
	if c.generation != observedGen {
		// Rotated since the caller read its credential; no refresh needed.
		s := c.session
		c.mu.Unlock()
		return s, nil
	}
	if c.refreshing {
		ch := make(chan outcome, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()

		select {
		case out := <-ch:
			return out.session, out.err
		case <-ctx.Done():
			return Session{}, ctx.Err()
		}
	}

	c.refreshing = true
	refreshToken := c.session.RefreshToken
	startGen := c.generation
	c.mu.Unlock()

	next, err := c.refreshFn(ctx, refreshToken)
	return c.settle(startGen, next, err)
}

// settle records the refresh outcome and releases every queued caller.
// An outcome that lands after Close, or after the generation moved past
// startGen, is discarded: the verdict concerns a credential that no
// longer backs the session.
func (c *Coordinator) settle(startGen uint64, next Session, err error) (Session, error) {
	c.mu.Lock()
	c.refreshing = false

	if c.closed {
		c.mu.Unlock()
		return Session{}, ErrClosed
	}

	if c.generation != startGen {
		s := c.session
		c.releaseLocked(outcome{session: s})
		c.mu.Unlock()
		return s, nil
	}

	if err == nil {
		c.session = next
		c.generation++
		c.failures = 0
		c.releaseLocked(outcome{session: next})
		c.mu.Unlock()
		return next, nil
	}

	c.failures++
	if errors.Is(err, ErrReuse) || c.failures >= c.maxAttempts {
		c.signedOut = true
		c.session = Session{}
		c.releaseLocked(outcome{err: ErrSignedOut})
		signOut := c.signOut
		c.mu.Unlock()

		if signOut != nil {
			signOut(err)
		}
		return Session{}, ErrSignedOut
	}

	c.releaseLocked(outcome{err: errRetryOriginal})
	c.mu.Unlock()
	return Session{}, errRetryOriginal
}

// releaseLocked drains the wait queue in join order. Channels are
// buffered, so release order is fixed even when receivers are slow.
func (c *Coordinator) releaseLocked(out outcome) {
	for _, ch := range c.waiters {
		ch <- out
	}
	c.waiters = nil
}
