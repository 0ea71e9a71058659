package broker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mkarlsen/pgbridge/internal/config"
)

// Publisher delivers one parsed message to the broker exchange. The two
// implementations differ only in connection lifetime
type Publisher interface {
	Publish(ctx context.Context, routingKey, body string) error
	Close() error
}

// connection and channel mirror the slice of the amqp091 API the publish
// path touches, so the broker can be faked in tests
type connection interface {
	Channel() (channel, error)
	Close() error
}

type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c amqpConnection) Channel() (channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c amqpConnection) Close() error {
	return c.conn.Close()
}

var dialBroker = func(url string) (connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn: conn}, nil
}

// URL assembles the broker address from a bridge's RabbitMQ section
func URL(cfg config.RabbitMQ) string {
	vhost := "/"
	if cfg.VHost != "/" {
		vhost = "/" + cfg.VHost
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   vhost,
	}
	return u.String()
}

// PersistentPublisher holds a single broker connection open for the
// lifetime of its bridge and reuses it for every publish
type PersistentPublisher struct {
	cfg    config.RabbitMQ
	conn   connection
	logger *slog.Logger
}

// Connect dials the broker once. Failure here is fatal for the bridge
func Connect(cfg config.RabbitMQ, logger *slog.Logger) (*PersistentPublisher, error) {
	conn, err := dialBroker(URL(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	logger.Info("Connection to RabbitMQ established", "host", cfg.Host, "vhost", cfg.VHost)

	return &PersistentPublisher{cfg: cfg, conn: conn, logger: logger}, nil
}

func (p *PersistentPublisher) Publish(ctx context.Context, routingKey, body string) error {
	return publish(ctx, p.conn, p.cfg, routingKey, body)
}

func (p *PersistentPublisher) Close() error {
	return p.conn.Close()
}

// EphemeralPublisher dials a fresh connection for every message and closes
// it after the attempt, success or failure
type EphemeralPublisher struct {
	cfg    config.RabbitMQ
	logger *slog.Logger
}

func NewEphemeralPublisher(cfg config.RabbitMQ, logger *slog.Logger) *EphemeralPublisher {
	return &EphemeralPublisher{cfg: cfg, logger: logger}
}

func (p *EphemeralPublisher) Publish(ctx context.Context, routingKey, body string) error {
	p.logger.Debug("Connecting to the RabbitMQ broker", "host", p.cfg.Host)
	conn, err := dialBroker(URL(p.cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer conn.Close()

	return publish(ctx, conn, p.cfg, routingKey, body)
}

func (p *EphemeralPublisher) Close() error {
	return nil
}

func publish(ctx context.Context, conn connection, cfg config.RabbitMQ, routingKey, body string) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if cfg.Exchange != "" {
		if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, false, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %q: %w", cfg.Exchange, err)
		}
	}
	if cfg.Queue != "" {
		if _, err := ch.QueueDeclare(cfg.Queue, false, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", cfg.Queue, err)
		}
	}

	err = ch.PublishWithContext(ctx, cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "text/plain",
		MessageId:   uuid.NewString(),
		Body:        []byte(body),
	})
	if err != nil {
		return fmt.Errorf("publish call failed: %w", err)
	}
	return nil
}
