package emit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"lineage-stats/internal/domain"
	"lineage-stats/internal/retry"
)

// SenderOptions configures a Sender.
type SenderOptions struct {
	QueueSize int
	Workers   int
	Policy    *retry.Policy
	// SendTimeout bounds a single transport attempt. Zero means no limit.
	SendTimeout time.Duration
	// RateLimit throttles sends across workers. Zero disables.
	RateLimit rate.Limit
	Burst     int
	// OnDrop is called for every event that is given up on.
	OnDrop func(env domain.Envelope, err error)
}

// SenderStats are cumulative delivery counters.
type SenderStats struct {
	Queued  int   `json:"queued"`
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
}

// Sender delivers envelopes to a transport from a bounded queue. Enqueue
// never blocks; delivery is retried per the policy and dropped when it
// cannot succeed.
type Sender struct {
	transport domain.Transport
	opts      SenderOptions
	limiter   *rate.Limiter
	logger    *slog.Logger

	queue  chan domain.Envelope
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex // guards closed against concurrent Enqueue
	closed bool

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewSender creates a sender and starts its workers.
func NewSender(transport domain.Transport, opts SenderOptions, logger *slog.Logger) *Sender {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Policy == nil {
		opts.Policy = retry.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sender{
		transport: transport,
		opts:      opts,
		logger:    logger.With("component", "sender", "transport", transport.Name()),
		queue:     make(chan domain.Envelope, opts.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}

	for i := 0; i < opts.Workers; i++ {
		s.wg.Add(1)
		go s.work()
	}
	return s
}

// Enqueue hands env to the workers. A full or closed queue drops env and
// returns a *domain.TransportUnavailableError.
func (s *Sender) Enqueue(env domain.Envelope) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return s.drop(env, 0, errors.New("sender closed"))
	}
	select {
	case s.queue <- env:
		return nil
	default:
		return s.drop(env, 0, errors.New("send queue full"))
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
// When ctx ends first, in-flight retries are abandoned.
func (s *Sender) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats returns delivery counters.
func (s *Sender) Stats() SenderStats {
	return SenderStats{Queued: len(s.queue), Sent: s.sent.Load(), Dropped: s.dropped.Load()}
}

func (s *Sender) work() {
	defer s.wg.Done()
	for env := range s.queue {
		s.deliver(env)
	}
}

func (s *Sender) deliver(env domain.Envelope) {
	if s.limiter != nil {
		if err := s.limiter.Wait(s.ctx); err != nil {
			_ = s.drop(env, 0, err)
			return
		}
	}

	attempts, err := s.opts.Policy.Do(s.ctx, func(ctx context.Context) error {
		if s.opts.SendTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.SendTimeout)
			defer cancel()
		}
		return s.transport.Send(ctx, env)
	})
	if err != nil {
		_ = s.drop(env, attempts, err)
		return
	}
	s.sent.Add(1)
	if attempts > 1 {
		s.logger.Info("event delivered after retry", "event_id", env.ID(), "attempts", attempts)
	}
}

func (s *Sender) drop(env domain.Envelope, attempts int, cause error) error {
	err := &domain.TransportUnavailableError{
		EventID:   env.ID(),
		Transport: s.transport.Name(),
		Attempts:  attempts,
		Err:       cause,
	}
	s.dropped.Add(1)
	s.logger.Error("event dropped", "event_id", env.ID(), "attempts", attempts, "error", err)
	if s.opts.OnDrop != nil {
		s.opts.OnDrop(env, err)
	}
	return err
}
