package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrGaveUp     = errors.New("gave up reconnecting")
	ErrInProgress = errors.New("reconnection already in progress")
)

type Backoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second, MaxAttempts: 8}
}

// Delay returns the wait before attempt n (0 based): BaseDelay doubled n
// times, never more than MaxDelay.
func (b Backoff) Delay(n int) time.Duration {
	d := b.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if b.MaxDelay > 0 && d >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	return d
}

// DialFunc performs a full handshake and installs the new connection.
type DialFunc func(ctx context.Context) error

// Reconnector re-establishes a lost connection with bounded exponential
// backoff. At most one retry loop runs at any time.
type Reconnector struct {
	dial    DialFunc
	backoff Backoff
	log     *zap.Logger

	// OnGiveUp is called with an error wrapping ErrGaveUp once the attempts
	// are exhausted.
	OnGiveUp func(error)

	inFlight atomic.Bool
	attempts atomic.Int64
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewReconnector(dial DialFunc, backoff Backoff, log *zap.Logger) *Reconnector {
	return &Reconnector{
		dial:    dial,
		backoff: backoff,
		log:     log.With(zap.String("component", "reconnect")),
		sleep:   sleepCtx,
	}
}

// Connect makes the first connection with a single attempt.
func (r *Reconnector) Connect(ctx context.Context) error {
	if err := r.dial(ctx); err != nil {
		return err
	}
	r.attempts.Store(0)
	return nil
}

// OnDisconnect starts the retry loop in the background. It reports false
// when a loop is already running.
func (r *Reconnector) OnDisconnect(ctx context.Context) bool {
	if !r.inFlight.CompareAndSwap(false, true) {
		return false
	}
	go func() {
		defer r.inFlight.Store(false)
		_ = r.retry(ctx)
	}()
	return true
}

// Run is the retry loop for callers that want to wait for its outcome.
func (r *Reconnector) Run(ctx context.Context) error {
	if !r.inFlight.CompareAndSwap(false, true) {
		return ErrInProgress
	}
	defer r.inFlight.Store(false)
	return r.retry(ctx)
}

// Attempts is the number of failed attempts since the last success.
func (r *Reconnector) Attempts() int {
	return int(r.attempts.Load())
}

func (r *Reconnector) InFlight() bool {
	return r.inFlight.Load()
}

func (r *Reconnector) retry(ctx context.Context) error {
	for n := 0; n < r.backoff.MaxAttempts; n++ {
		if err := r.sleep(ctx, r.backoff.Delay(n)); err != nil {
			return err
		}
		err := r.dial(ctx)
		if err == nil {
			r.attempts.Store(0)
			r.log.Info("reconnected", zap.Int("attempt", n+1))
			return nil
		}
		r.attempts.Add(1)
		r.log.Warn("reconnect failed", zap.Int("attempt", n+1), zap.Error(err))
	}

	err := fmt.Errorf("%w after %d attempts", ErrGaveUp, r.backoff.MaxAttempts)
	if r.OnGiveUp != nil {
		r.OnGiveUp(err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
