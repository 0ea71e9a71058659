package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkarlsen/pgbridge/internal/config"
	"github.com/mkarlsen/pgbridge/internal/listener"
)

type fakeSubscription struct {
	mu        sync.Mutex
	batches   [][]listener.Notification
	waits     int
	listenErr error
	waitErr   error
	closed    bool
}

func (s *fakeSubscription) Listen(ctx context.Context) error {
	return s.listenErr
}

func (s *fakeSubscription) WaitForActivity(ctx context.Context, timeout time.Duration) (bool, error) {
	s.mu.Lock()
	s.waits++
	hasBatch := len(s.batches) > 0
	err := s.waitErr
	s.mu.Unlock()

	if err != nil {
		return false, err
	}
	if hasBatch {
		return true, nil
	}
	// idle: simulate the poll timeout without burning CPU
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(time.Millisecond):
		return false, nil
	}
}

func (s *fakeSubscription) Drain(ctx context.Context) []listener.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return nil
	}
	batch := s.batches[0]
	s.batches = s.batches[1:]
	return batch
}

func (s *fakeSubscription) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSubscription) waitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waits
}

type published struct {
	routingKey string
	body       string
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	failKeys map[string]bool
	closed   bool
}

func (p *fakePublisher) Publish(ctx context.Context, routingKey, body string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failKeys[routingKey] {
		return errors.New("broker unreachable")
	}
	p.messages = append(p.messages, published{routingKey: routingKey, body: body})
	return nil
}

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePublisher) snapshot() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.messages...)
}

func notifications(payloads ...string) []listener.Notification {
	ns := make([]listener.Notification, len(payloads))
	for i, p := range payloads {
		ns[i] = listener.Notification{Payload: p}
	}
	return ns
}

func testBridge(sub Subscription, pub Publisher) *Bridge {
	cfg := config.Bridge{Name: "test"}
	b := New(cfg, false, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.connectDB = func(ctx context.Context) (Subscription, error) { return sub, nil }
	b.connectBroker = func() (Publisher, error) { return pub, nil }
	return b
}

// runUntil executes the bridge in the background and cancels it once cond
// holds (or the test deadline hits)
func runUntil(t *testing.T, b *Bridge, cond func() bool) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case err := <-done:
			return err
		case <-deadline:
			cancel()
			t.Fatal("condition never satisfied")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	return <-done
}

func TestBridge_RepublishesDrainedNotificationsInOrder(t *testing.T) {
	sub := &fakeSubscription{batches: [][]listener.Notification{
		notifications("events.created:hello", "orders:item:42"),
	}}
	pub := &fakePublisher{}
	b := testBridge(sub, pub)

	err := runUntil(t, b, func() bool { return len(pub.snapshot()) == 2 })
	require.NoError(t, err)

	msgs := pub.snapshot()
	assert.Equal(t, []published{
		{routingKey: "events.created", body: "hello"},
		{routingKey: "orders", body: "item:42"},
	}, msgs, "drain must preserve arrival order and keep colons in the body")

	assert.True(t, sub.closed)
	assert.True(t, pub.closed)
}

func TestBridge_DiscardsMalformedPayloads(t *testing.T) {
	sub := &fakeSubscription{batches: [][]listener.Notification{
		notifications("noseparator", ":payload", "key:", "good:msg"),
	}}
	pub := &fakePublisher{}
	b := testBridge(sub, pub)

	err := runUntil(t, b, func() bool { return len(pub.snapshot()) == 1 })
	require.NoError(t, err)

	msgs := pub.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, published{routingKey: "good", body: "msg"}, msgs[0])
}

func TestBridge_PublishFailureDoesNotStopTheLoop(t *testing.T) {
	sub := &fakeSubscription{batches: [][]listener.Notification{
		notifications("a:1", "bad:2", "c:3"),
		notifications("d:4"),
	}}
	pub := &fakePublisher{failKeys: map[string]bool{"bad": true}}
	b := testBridge(sub, pub)

	err := runUntil(t, b, func() bool { return len(pub.snapshot()) == 3 })
	require.NoError(t, err)

	msgs := pub.snapshot()
	assert.Equal(t, []published{
		{routingKey: "a", body: "1"},
		{routingKey: "c", body: "3"},
		{routingKey: "d", body: "4"},
	}, msgs)
}

func TestBridge_EmptyDrainIsLegal(t *testing.T) {
	sub := &fakeSubscription{batches: [][]listener.Notification{
		{}, // activity signaled, nothing buffered
		notifications("k:m"),
	}}
	pub := &fakePublisher{}
	b := testBridge(sub, pub)

	err := runUntil(t, b, func() bool { return len(pub.snapshot()) == 1 })
	require.NoError(t, err)
}

func TestBridge_IdlePollingPublishesNothing(t *testing.T) {
	sub := &fakeSubscription{}
	pub := &fakePublisher{}
	b := testBridge(sub, pub)

	err := runUntil(t, b, func() bool { return sub.waitCount() >= 5 })
	require.NoError(t, err)
	assert.Empty(t, pub.snapshot())
}

func TestBridge_StartupFailuresAreFatal(t *testing.T) {
	t.Run("broker connect", func(t *testing.T) {
		b := testBridge(&fakeSubscription{}, &fakePublisher{})
		b.connectBroker = func() (Publisher, error) { return nil, errors.New("connection refused") }

		err := b.Run(context.Background())
		var serr *StartupError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "broker connect", serr.Stage)
	})

	t.Run("postgres connect", func(t *testing.T) {
		b := testBridge(&fakeSubscription{}, &fakePublisher{})
		b.connectDB = func(ctx context.Context) (Subscription, error) { return nil, errors.New("no route to host") }

		err := b.Run(context.Background())
		var serr *StartupError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "postgres connect", serr.Stage)
	})

	t.Run("subscribe", func(t *testing.T) {
		sub := &fakeSubscription{listenErr: errors.New("permission denied")}
		b := testBridge(sub, &fakePublisher{})

		err := b.Run(context.Background())
		var serr *StartupError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "subscribe", serr.Stage)
		assert.True(t, sub.closed, "failed startup must still release the connection")
	})
}

func TestBridge_LostConnectionTerminatesBridge(t *testing.T) {
	sub := &fakeSubscription{waitErr: errors.New("unexpected EOF")}
	b := testBridge(sub, &fakePublisher{})

	err := b.Run(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.Canceled)
}

func TestRunAll_IsolatesFailingBridge(t *testing.T) {
	healthySub := &fakeSubscription{}
	failingDialed := make(chan struct{})

	orig := newBridge
	newBridge = func(cfg config.Bridge, persistent bool, logger *slog.Logger) *Bridge {
		b := New(cfg, persistent, logger)
		if cfg.Name == "failing" {
			b.connectDB = func(ctx context.Context) (Subscription, error) {
				close(failingDialed)
				return nil, errors.New("no route to host")
			}
		} else {
			b.connectDB = func(ctx context.Context) (Subscription, error) { return healthySub, nil }
		}
		b.connectBroker = func() (Publisher, error) { return &fakePublisher{}, nil }
		return b
	}
	t.Cleanup(func() { newBridge = orig })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunAll(ctx, []config.Bridge{{Name: "failing"}, {Name: "healthy"}}, false, slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()

	<-failingDialed
	// the healthy bridge must keep polling after its sibling died
	require.Eventually(t, func() bool { return healthySub.waitCount() >= 3 },
		5*time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunAll did not return after cancellation")
	}
}

func TestRunAll_RecoversFromBridgePanic(t *testing.T) {
	healthySub := &fakeSubscription{}

	orig := newBridge
	newBridge = func(cfg config.Bridge, persistent bool, logger *slog.Logger) *Bridge {
		b := New(cfg, persistent, logger)
		if cfg.Name == "panicky" {
			b.connectBroker = func() (Publisher, error) { panic("boom") }
		} else {
			b.connectBroker = func() (Publisher, error) { return &fakePublisher{}, nil }
			b.connectDB = func(ctx context.Context) (Subscription, error) { return healthySub, nil }
		}
		return b
	}
	t.Cleanup(func() { newBridge = orig })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunAll(ctx, []config.Bridge{{Name: "panicky"}, {Name: "healthy"}}, false, slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()

	require.Eventually(t, func() bool { return healthySub.waitCount() >= 3 },
		5*time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunAll did not return after cancellation")
	}
}
