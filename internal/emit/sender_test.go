package emit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lineage-stats/internal/domain"
	"lineage-stats/internal/retry"
	"lineage-stats/internal/testutil"
)

func envelope(id string) domain.Envelope {
	return domain.Envelope{Event: &domain.Event{EventID: id}, Payload: []byte(`{}`)}
}

func fastPolicy(attempts int) *retry.Policy {
	return &retry.Policy{MaxAttempts: attempts, InitialDelay: time.Millisecond, Multiplier: 1}
}

func TestSender_Delivers(t *testing.T) {
	t.Parallel()
	tr := &testutil.MockTransport{}
	s := NewSender(tr, SenderOptions{QueueSize: 10, Workers: 2, Policy: fastPolicy(1)}, discardLogger())

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Enqueue(envelope(id)))
	}
	require.NoError(t, s.Close(context.Background()))

	assert.Len(t, tr.Sent(), 3)
	assert.Equal(t, int64(3), s.Stats().Sent)
}

func TestSender_RetriesRetryable(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	tr := &testutil.MockTransport{SendFn: func(context.Context, domain.Envelope) error {
		if calls.Add(1) < 3 {
			return domain.Retryable(errors.New("503"))
		}
		return nil
	}}
	s := NewSender(tr, SenderOptions{Workers: 1, Policy: fastPolicy(5)}, discardLogger())

	require.NoError(t, s.Enqueue(envelope("e1")))
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, 3, tr.Calls())
	assert.Len(t, tr.Sent(), 1)
}

func TestSender_DropsFatalAndExhausted(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{name: "fatal error is not retried", err: errors.New("400 bad request"), wantCalls: 1},
		{name: "retryable error exhausts attempts", err: domain.Retryable(errors.New("503")), wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tr := &testutil.MockTransport{NameVal: "http", SendFn: func(context.Context, domain.Envelope) error { return tt.err }}

			var mu sync.Mutex
			var dropped []error
			s := NewSender(tr, SenderOptions{Workers: 1, Policy: fastPolicy(3), OnDrop: func(_ domain.Envelope, err error) {
				mu.Lock()
				dropped = append(dropped, err)
				mu.Unlock()
			}}, discardLogger())

			require.NoError(t, s.Enqueue(envelope("e1")))
			require.NoError(t, s.Close(context.Background()))

			assert.Equal(t, tt.wantCalls, tr.Calls())
			require.Len(t, dropped, 1)
			var tue *domain.TransportUnavailableError
			require.True(t, errors.As(dropped[0], &tue))
			assert.Equal(t, "e1", tue.EventID)
			assert.Equal(t, "http", tue.Transport)
			assert.Equal(t, tt.wantCalls, tue.Attempts)
			assert.Equal(t, int64(1), s.Stats().Dropped)
		})
	}
}

func TestSender_FullQueueNeverBlocks(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	tr := &testutil.MockTransport{SendFn: func(ctx context.Context, _ domain.Envelope) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}}
	s := NewSender(tr, SenderOptions{QueueSize: 1, Workers: 1, Policy: fastPolicy(1)}, discardLogger())

	var rejected int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			if err := s.Enqueue(envelope("e")); err != nil {
				var tue *domain.TransportUnavailableError
				if errors.As(err, &tue) {
					rejected++
				}
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
	assert.GreaterOrEqual(t, rejected, 8, "one in flight plus one queued at most")

	close(release)
	require.NoError(t, s.Close(context.Background()))
}

func TestSender_EnqueueAfterClose(t *testing.T) {
	t.Parallel()
	s := NewSender(&testutil.MockTransport{}, SenderOptions{Policy: fastPolicy(1)}, discardLogger())
	require.NoError(t, s.Close(context.Background()))

	err := s.Enqueue(envelope("late"))
	var tue *domain.TransportUnavailableError
	require.True(t, errors.As(err, &tue))
	assert.Contains(t, tue.Error(), "sender closed")
}

func TestSender_CloseHonoursContext(t *testing.T) {
	t.Parallel()
	tr := &testutil.MockTransport{SendFn: func(context.Context, domain.Envelope) error {
		return domain.Retryable(errors.New("down"))
	}}
	slow := &retry.Policy{MaxAttempts: 100, InitialDelay: time.Hour, Multiplier: 1}
	s := NewSender(tr, SenderOptions{Workers: 1, Policy: slow}, discardLogger())
	require.NoError(t, s.Enqueue(envelope("stuck")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Close(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int64(1), s.Stats().Dropped)
}

func TestSender_RateLimited(t *testing.T) {
	t.Parallel()
	tr := &testutil.MockTransport{}
	s := NewSender(tr, SenderOptions{Workers: 1, Policy: fastPolicy(1), RateLimit: 1000, Burst: 1}, discardLogger())
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Enqueue(envelope("e")))
	}
	require.NoError(t, s.Close(context.Background()))
	assert.Len(t, tr.Sent(), 5)
}
