package courier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/telemetrytv/trace"
)

var registryDebug = trace.Bind("courier:registry")

// Pending is a request waiting for its response. It settles exactly once,
// either with a payload or with an error.
type Pending struct {
	CorrelationID string
	Subject       string
	CreatedAt     time.Time

	once  sync.Once
	done  chan struct{}
	data  []byte
	err   error
	timer *time.Timer
}

func (p *Pending) settle(data []byte, err error) bool {
	settled := false
	p.once.Do(func() {
		p.data = data
		p.err = err
		if p.timer != nil {
			p.timer.Stop()
		}
		close(p.done)
		settled = true
	})
	return settled
}

// Done is closed once the request has settled.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the request settles or ctx is done.
func (p *Pending) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-p.done:
		return p.data, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CorrelationRegistry tracks the requests this process has sent and is
// waiting on, keyed by correlation id.
type CorrelationRegistry struct {
	mu      sync.Mutex
	pending map[string]*Pending
}

func NewCorrelationRegistry() *CorrelationRegistry {
	return &CorrelationRegistry{
		pending: map[string]*Pending{},
	}
}

// Register records a new pending request and starts its expiry timer. A
// timeout of zero or less disables the timer.
func (r *CorrelationRegistry) Register(correlationID, subject string, timeout time.Duration) (*Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[correlationID]; ok {
		registryDebug.Tracef("Correlation id %s already registered", correlationID)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateCorrelation, correlationID)
	}

	pending := &Pending{
		CorrelationID: correlationID,
		Subject:       subject,
		CreatedAt:     time.Now(),
		done:          make(chan struct{}),
	}
	if timeout > 0 {
		pending.timer = time.AfterFunc(timeout, func() {
			r.Expire(correlationID)
		})
	}
	r.pending[correlationID] = pending

	registryDebug.Tracef("Registered %s for %s (timeout %s)", correlationID, subject, timeout)
	return pending, nil
}

// Lookup returns the pending request for correlationID, if any.
func (r *CorrelationRegistry) Lookup(correlationID string) (*Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending, ok := r.pending[correlationID]
	return pending, ok
}

// Resolve settles the request with data. It reports false, and does
// nothing, when the id is unknown or already settled.
func (r *CorrelationRegistry) Resolve(correlationID string, data []byte) bool {
	pending := r.take(correlationID)
	if pending == nil {
		registryDebug.Tracef("Ignoring resolve for unknown correlation id %s", correlationID)
		return false
	}
	registryDebug.Tracef("Resolved %s (%d bytes)", correlationID, len(data))
	return pending.settle(data, nil)
}

// Reject settles the request with err. Like Resolve it is a no-op for
// unknown ids.
func (r *CorrelationRegistry) Reject(correlationID string, err error) bool {
	pending := r.take(correlationID)
	if pending == nil {
		registryDebug.Tracef("Ignoring reject for unknown correlation id %s", correlationID)
		return false
	}
	registryDebug.Tracef("Rejected %s: %v", correlationID, err)
	return pending.settle(nil, err)
}

// Expire rejects the request with ErrTimeout if it is still pending.
func (r *CorrelationRegistry) Expire(correlationID string) bool {
	return r.Reject(correlationID, ErrTimeout)
}

// RejectAll settles every pending request with err.
func (r *CorrelationRegistry) RejectAll(err error) int {
	r.mu.Lock()
	all := r.pending
	r.pending = map[string]*Pending{}
	r.mu.Unlock()

	for _, pending := range all {
		pending.settle(nil, err)
	}
	return len(all)
}

// Len returns the number of requests still pending.
func (r *CorrelationRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *CorrelationRegistry) take(correlationID string) *Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending, ok := r.pending[correlationID]
	if !ok {
		return nil
	}
	delete(r.pending, correlationID)
	return pending
}
