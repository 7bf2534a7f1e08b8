package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sweeper runs the periodic TTL pass over a set of queues. The broker owns
// one sweeper; queues without a TTL are a no-op per pass.
type Sweeper struct {
	interval time.Duration
	queues   func() []*Queue
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// SweeperOption configures the sweeper
type SweeperOption func(*Sweeper)

// WithSweepInterval sets how often the TTL pass runs.
func WithSweepInterval(interval time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.interval = interval
	}
}

// WithSweeperLogger sets the logger
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// NewSweeper creates a sweeper over the queues returned by the given func,
// re-evaluated every pass so newly declared queues are picked up.
func NewSweeper(queues func() []*Queue, options ...SweeperOption) *Sweeper {
	s := &Sweeper{
		interval: time.Second,
		queues:   queues,
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Start launches the background sweep loop. Idempotent.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)
}

// Stop halts the sweep loop and waits for the current pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

func (s *Sweeper) sweep(now time.Time) {
	for _, q := range s.queues() {
		if expired := q.SweepExpired(now); expired > 0 {
			s.logger.Debug("expired messages moved to dead letter",
				"queue", q.Name(),
				"count", expired,
			)
		}
	}
}
