package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/channelmesh/topicbus/contracts"
)

// ConfirmOutcome is the durability verdict for one publish.
type ConfirmOutcome int

const (
	// ConfirmConfirmed means every matched queue durably recorded the message.
	ConfirmConfirmed ConfirmOutcome = iota
	// ConfirmDropped means the publish matched zero queues; the message was
	// accepted but routed nowhere.
	ConfirmDropped
	// ConfirmTimedOut means no verdict arrived in time. The outcome is
	// ambiguous; retry with an idempotent message ID, not a bare retry.
	ConfirmTimedOut
)

func (o ConfirmOutcome) String() string {
	switch o {
	case ConfirmConfirmed:
		return "confirmed"
	case ConfirmDropped:
		return "dropped"
	case ConfirmTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// Confirm is the resolved verdict delivered to an awaiting publisher.
type Confirm struct {
	PublishID     string
	Outcome       ConfirmOutcome
	MatchedQueues int
}

type pendingConfirm struct {
	ch        chan Confirm
	createdAt time.Time
}

// ConfirmTracker correlates publishes with their durability verdicts. The
// publish call returns immediately; the verdict arrives through Await. A
// cleanup loop drops verdicts nobody collected.
type ConfirmTracker struct {
	defaultTimeout  time.Duration
	retention       time.Duration
	cleanupInterval time.Duration
	logger          *slog.Logger

	mu      sync.RWMutex
	pending map[string]*pendingConfirm

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ConfirmTrackerOption configures the tracker
type ConfirmTrackerOption func(*ConfirmTracker)

// WithConfirmTimeout sets the default Await timeout.
func WithConfirmTimeout(timeout time.Duration) ConfirmTrackerOption {
	return func(t *ConfirmTracker) {
		t.defaultTimeout = timeout
	}
}

// WithConfirmRetention sets how long uncollected verdicts are kept.
func WithConfirmRetention(retention time.Duration) ConfirmTrackerOption {
	return func(t *ConfirmTracker) {
		t.retention = retention
	}
}

// WithConfirmLogger sets the logger
func WithConfirmLogger(logger *slog.Logger) ConfirmTrackerOption {
	return func(t *ConfirmTracker) {
		t.logger = logger
	}
}

// NewConfirmTracker creates a tracker and starts its cleanup loop.
func NewConfirmTracker(options ...ConfirmTrackerOption) *ConfirmTracker {
	t := &ConfirmTracker{
		defaultTimeout:  5 * time.Second,
		retention:       5 * time.Minute,
		cleanupInterval: time.Minute,
		logger:          slog.Default(),
		pending:         make(map[string]*pendingConfirm),
	}

	for _, opt := range options {
		opt(t)
	}

	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.wg.Add(1)
	go t.cleanupLoop()

	return t
}

// Register creates a pending confirm for the publish ID. Must be called
// before the publish touches any queue.
func (t *ConfirmTracker) Register(publishID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[publishID] = &pendingConfirm{
		ch:        make(chan Confirm, 1),
		createdAt: time.Now(),
	}
}

// Resolve records the verdict for a registered publish.
func (t *ConfirmTracker) Resolve(publishID string, outcome ConfirmOutcome, matchedQueues int) {
	t.mu.RLock()
	p, ok := t.pending[publishID]
	t.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case p.ch <- Confirm{PublishID: publishID, Outcome: outcome, MatchedQueues: matchedQueues}:
	default:
		// Already resolved; first verdict wins.
	}
}

// Await blocks until the publish resolves, the timeout elapses, or the
// context is done. A zero timeout uses the tracker default. On timeout the
// returned confirm carries ConfirmTimedOut and the error is ErrConfirmTimeout.
func (t *ConfirmTracker) Await(ctx context.Context, publishID string, timeout time.Duration) (Confirm, error) {
	t.mu.RLock()
	p, ok := t.pending[publishID]
	t.mu.RUnlock()
	if !ok {
		return Confirm{}, contracts.ErrUnknownPublish
	}

	if timeout <= 0 {
		timeout = t.defaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case confirm := <-p.ch:
		t.mu.Lock()
		delete(t.pending, publishID)
		t.mu.Unlock()
		return confirm, nil
	case <-timer.C:
		return Confirm{PublishID: publishID, Outcome: ConfirmTimedOut}, contracts.ErrConfirmTimeout
	case <-ctx.Done():
		return Confirm{}, ctx.Err()
	}
}

// Close stops the cleanup loop.
func (t *ConfirmTracker) Close() error {
	t.cancel()
	t.wg.Wait()
	return nil
}

func (t *ConfirmTracker) cleanupLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case now := <-ticker.C:
			t.cleanup(now)
		}
	}
}

func (t *ConfirmTracker) cleanup(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, p := range t.pending {
		if now.Sub(p.createdAt) > t.retention {
			delete(t.pending, id)
			t.logger.Debug("dropped uncollected publisher confirm", "publishId", id)
		}
	}
}
