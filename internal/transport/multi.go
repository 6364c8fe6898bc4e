package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"lineage-stats/internal/domain"
)

// Multi fans an event out to several sinks in parallel. On a retry, sinks
// that already accepted the event id are skipped.
type Multi struct {
	sinks []domain.Transport

	mu    sync.Mutex
	acked map[string]map[int]bool // event id → sink index → accepted
}

var _ domain.Transport = (*Multi)(nil)

// NewMulti creates a fan-out over sinks.
func NewMulti(sinks ...domain.Transport) *Multi {
	return &Multi{sinks: sinks, acked: make(map[string]map[int]bool)}
}

// Name implements domain.Transport.
func (m *Multi) Name() string {
	names := make([]string, len(m.sinks))
	for i, s := range m.sinks {
		names[i] = s.Name()
	}
	return strings.Join(names, "+")
}

// Sinks returns the wrapped sinks.
func (m *Multi) Sinks() []domain.Transport { return m.sinks }

// Send implements domain.Transport. The combined error is retryable when
// any remaining sink failed with a retryable error.
func (m *Multi) Send(ctx context.Context, env domain.Envelope) error {
	id := env.ID()

	var (
		errMu sync.Mutex
		errs  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, sink := range m.sinks {
		if m.isAcked(id, i) {
			continue
		}
		g.Go(func() error {
			if err := sink.Send(gctx, env); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
				errMu.Unlock()
				return nil
			}
			m.ack(id, i)
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) == 0 {
		m.Forget(id)
		return nil
	}
	err := errors.Join(errs...)
	for _, e := range errs {
		if domain.IsRetryable(e) {
			return domain.Retryable(err)
		}
	}
	m.Forget(id)
	return err
}

// Close closes every sink that holds resources.
func (m *Multi) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) isAcked(id string, i int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acked[id][i]
}

func (m *Multi) ack(id string, i int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acked[id] == nil {
		m.acked[id] = make(map[int]bool)
	}
	m.acked[id][i] = true
}

// Forget drops acknowledgement state for an event that will not be retried.
func (m *Multi) Forget(id string) {
	m.mu.Lock()
	delete(m.acked, id)
	m.mu.Unlock()
}
