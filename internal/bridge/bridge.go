package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkarlsen/pgbridge/internal/broker"
	"github.com/mkarlsen/pgbridge/internal/config"
	"github.com/mkarlsen/pgbridge/internal/listener"
	"github.com/mkarlsen/pgbridge/internal/payload"
	"github.com/mkarlsen/pgbridge/pkg/metrics"
)

// pollTimeout bounds each wait on the notification connection so the loop
// stays responsive to shutdown
const pollTimeout = 2 * time.Second

// StartupError marks a fatal bridge-start failure. It terminates only the
// affected bridge; sibling bridges keep running
type StartupError struct {
	Stage string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// Subscription is the database side of a bridge: one connection, one
// LISTEN subscription
type Subscription interface {
	Listen(ctx context.Context) error
	WaitForActivity(ctx context.Context, timeout time.Duration) (bool, error)
	Drain(ctx context.Context) []listener.Notification
	Close(ctx context.Context) error
}

// Publisher is the broker side of a bridge
type Publisher interface {
	Publish(ctx context.Context, routingKey, body string) error
	Close() error
}

// Bridge ties one PostgreSQL channel subscription to one RabbitMQ target.
// It owns both connections exclusively for its whole lifetime
type Bridge struct {
	cfg        config.Bridge
	persistent bool
	logger     *slog.Logger

	// connection seams, replaced in tests
	connectDB     func(ctx context.Context) (Subscription, error)
	connectBroker func() (Publisher, error)
}

func New(cfg config.Bridge, persistent bool, logger *slog.Logger) *Bridge {
	b := &Bridge{
		cfg:        cfg,
		persistent: persistent,
		logger:     logger,
	}
	b.connectDB = func(ctx context.Context) (Subscription, error) {
		return listener.Connect(ctx, cfg.Postgres, logger)
	}
	b.connectBroker = func() (Publisher, error) {
		if persistent {
			return broker.Connect(cfg.RabbitMQ, logger)
		}
		return broker.NewEphemeralPublisher(cfg.RabbitMQ, logger), nil
	}
	return b
}

// Run executes the bridge until ctx is cancelled or a fatal error occurs.
// Any error returned is terminal for this bridge and already logged
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("Initiating bridge", "channel", b.cfg.Postgres.Channel, "exchange", b.cfg.RabbitMQ.Exchange)

	pub, err := b.connectBroker()
	if err != nil {
		err = &StartupError{Stage: "broker connect", Err: err}
		b.logger.Error("CRITICAL: bridge startup failed, terminating bridge", "error", err)
		metrics.BridgeUp.WithLabelValues(b.cfg.Name).Set(0)
		return err
	}
	defer pub.Close()

	sub, err := b.connectDB(ctx)
	if err != nil {
		err = &StartupError{Stage: "postgres connect", Err: err}
		b.logger.Error("CRITICAL: bridge startup failed, terminating bridge", "error", err)
		metrics.BridgeUp.WithLabelValues(b.cfg.Name).Set(0)
		return err
	}
	defer sub.Close(context.Background())

	if err := sub.Listen(ctx); err != nil {
		err = &StartupError{Stage: "subscribe", Err: err}
		b.logger.Error("CRITICAL: bridge startup failed, terminating bridge", "error", err)
		metrics.BridgeUp.WithLabelValues(b.cfg.Name).Set(0)
		return err
	}

	metrics.BridgeUp.WithLabelValues(b.cfg.Name).Set(1)
	defer metrics.BridgeUp.WithLabelValues(b.cfg.Name).Set(0)
	b.logger.Info("Beginning polling for messages")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Bridge shutting down")
			return nil
		default:
		}

		active, err := sub.WaitForActivity(ctx, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				b.logger.Info("Bridge shutting down")
				return nil
			}
			b.logger.Error("CRITICAL: lost PostgreSQL connection, terminating bridge", "error", err)
			return err
		}
		if !active {
			b.logger.Debug("Timed out while polling (this is normal)")
			continue
		}

		b.drainAndPublish(ctx, sub, pub)
	}
}

// drainAndPublish empties the notification buffer and republishes each
// entry. Malformed payloads and publish failures drop the single message
// with a warning; they never abort the cycle
func (b *Bridge) drainAndPublish(ctx context.Context, sub Subscription, pub Publisher) {
	notifications := sub.Drain(ctx)
	if len(notifications) == 0 {
		return
	}
	metrics.DrainBatchSize.WithLabelValues(b.cfg.Name).Observe(float64(len(notifications)))

	for _, n := range notifications {
		msg, err := payload.Parse(n.Payload)
		if err != nil {
			b.logger.Warn("Improperly formatted message received; discarding", "payload", n.Payload)
			metrics.MessagesDiscarded.WithLabelValues(b.cfg.Name, "invalid_payload").Inc()
			continue
		}

		if err := pub.Publish(ctx, msg.RoutingKey, msg.Body); err != nil {
			b.logger.Warn("Unable to republish message; discarding", "error", err, "payload", n.Payload)
			metrics.MessagesDiscarded.WithLabelValues(b.cfg.Name, "publish_failed").Inc()
			continue
		}

		b.logger.Info("Message republished", "routing_key", msg.RoutingKey)
		b.logger.Debug("Republished message body", "body", msg.Body)
		metrics.MessagesPublished.WithLabelValues(b.cfg.Name).Inc()
	}
}
