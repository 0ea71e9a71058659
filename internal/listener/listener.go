package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mkarlsen/pgbridge/internal/config"
)

// drainPollTimeout bounds each extra read while collecting notifications
// that are already buffered on the wire
const drainPollTimeout = 25 * time.Millisecond

// Notification is a single event delivered by PostgreSQL on the
// subscribed channel
type Notification struct {
	Payload string
}

// Listener owns one PostgreSQL connection and the single LISTEN
// subscription placed on it. It is not safe for concurrent use; each
// bridge loop owns exactly one Listener
type Listener struct {
	conn    *pgx.Conn
	channel string
	logger  *slog.Logger
	pending []Notification
}

// Connect opens the dedicated notification connection. pgx runs outside of
// any explicit transaction, so NOTIFY events become visible without commits
func Connect(ctx context.Context, cfg config.Postgres, logger *slog.Logger) (*Listener, error) {
	conn, err := pgx.Connect(ctx, dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	logger.Info("Connection to PostgreSQL established", "host", cfg.Host, "database", cfg.Database)

	return &Listener{
		conn:    conn,
		channel: cfg.Channel,
		logger:  logger,
	}, nil
}

// Listen issues the LISTEN command for the configured channel
func (l *Listener) Listen(ctx context.Context) error {
	if _, err := l.conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("failed to listen on channel %q: %w", l.channel, err)
	}
	l.logger.Info("Listening on PostgreSQL channel", "channel", l.channel)
	return nil
}

// WaitForActivity blocks up to timeout for data on the connection. A
// timeout with no activity is the normal idle condition, not an error.
// A notification received during the wait is buffered for the next Drain
func (l *Listener) WaitForActivity(ctx context.Context, timeout time.Duration) (bool, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	n, err := l.conn.WaitForNotification(waitCtx)
	if err != nil {
		if pgconn.Timeout(err) && ctx.Err() == nil {
			return false, nil
		}
		return false, fmt.Errorf("wait for notification: %w", err)
	}

	l.pending = append(l.pending, Notification{Payload: n.Payload})
	return true, nil
}

// Drain returns every notification buffered since the last call, in
// arrival (FIFO) order, plus anything still readable on the socket
func (l *Listener) Drain(ctx context.Context) []Notification {
	for ctx.Err() == nil {
		waitCtx, cancel := context.WithTimeout(ctx, drainPollTimeout)
		n, err := l.conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			break
		}
		l.pending = append(l.pending, Notification{Payload: n.Payload})
	}

	drained := l.pending
	l.pending = nil
	return drained
}

// Close terminates the connection, dropping the subscription with it
func (l *Listener) Close(ctx context.Context) error {
	return l.conn.Close(ctx)
}

func dsn(cfg config.Postgres) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + cfg.Database,
	}
	return u.String()
}
