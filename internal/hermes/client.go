package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// SubjectRegistered is announced once at startup.
	SubjectRegistered = "swarm.agent.parley.registered"
	// SubjectTurnCompleted carries a TurnCompleted after every relayed reply.
	SubjectTurnCompleted = "swarm.parley.turn.completed"
)

// TurnCompleted is emitted after a reply has been delivered to Discord.
type TurnCompleted struct {
	TurnID       string `json:"turn_id"`
	Conversation string `json:"conversation"`
	ChannelID    string `json:"channel_id"`
	MessageID    string `json:"message_id"`
	Outcome      string `json:"outcome"`
	Chunks       int    `json:"chunks"`
	DurationMS   int64  `json:"duration_ms"`
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
	closed chan struct{}
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	closed := make(chan struct{})
	opts := []nats.Option{
		nats.Name("parley"),
		// Drain is bounded by the caller, not the library default.
		nats.DrainTimeout(10 * time.Minute),
		nats.ClosedHandler(func(_ *nats.Conn) {
			close(closed)
		}),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger, closed: closed}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// PublishTurn announces a completed turn.
func (c *Client) PublishTurn(evt TurnCompleted) error {
	return c.Publish(SubjectTurnCompleted, evt)
}

// Subscribe registers handler for subject. nats.go invokes the handlers of
// one subscription serially, so messages are handled in arrival order.
func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	// Chat bursts queue up behind a slow model call.
	if err := sub.SetPendingLimits(-1, 64*1024*1024); err != nil {
		c.logger.Warn("failed to set pending limits", "subject", subject, "error", err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

// Drain stops delivery, waits for in-flight handlers to return and closes
// the connection. It gives up after timeout.
func (c *Client) Drain(timeout time.Duration) error {
	if err := c.conn.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	select {
	case <-c.closed:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("nats drain: timed out after %s", timeout)
	}
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
