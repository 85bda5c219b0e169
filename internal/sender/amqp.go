package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/wb-go/wbf/retry"

	"bikenotify/internal/delivery"
	logx "bikenotify/pkg/logx"
)

type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
	From       string
}

// Envelope is the JSON body handed to the mail relay.
type Envelope struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Text      string    `json:"text"`
	HTML      string    `json:"html,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AMQP publishes each message to an exchange and waits for the broker
// confirm. The connection is re-dialed after it drops.
type AMQP struct {
	cfg AMQPConfig
	clk clock.Clock
	log logx.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel

	publish func(ctx context.Context, msg amqp.Publishing) (confirmer, error)
}

// confirmer is a pending broker confirm.
type confirmer interface {
	WaitContext(ctx context.Context) (bool, error)
}

func NewAMQP(cfg AMQPConfig, clk clock.Clock, log logx.Logger) (*AMQP, error) {
	if cfg.URL == "" {
		return nil, errors.New("mail.amqp.url is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "mail"
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "outbound"
	}
	if clk == nil {
		clk = clock.New()
	}
	a := &AMQP{cfg: cfg, clk: clk, log: log.With(logx.String("comp", "sender.amqp"))}
	a.publish = a.publishBroker
	return a, nil
}

// Connect dials the broker and declares the exchange, retrying with backoff.
func (a *AMQP) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectLocked(ctx)
}

func (a *AMQP) connectLocked(ctx context.Context) error {
	if a.ch != nil && !a.ch.IsClosed() && a.conn != nil && !a.conn.IsClosed() {
		return nil
	}
	a.closeLocked()

	strategy := retry.Strategy{Attempts: 3, Delay: 200 * time.Millisecond, Backoff: 2}
	return retry.DoContext(ctx, strategy, func() error {
		conn, err := amqp.Dial(a.cfg.URL)
		if err != nil {
			return err
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return err
		}
		if err := ch.ExchangeDeclare(a.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return err
		}
		if err := ch.Confirm(false); err != nil {
			_ = conn.Close()
			return err
		}
		a.conn, a.ch = conn, ch
		a.log.Info("amqp connected", logx.String("exchange", a.cfg.Exchange))
		return nil
	})
}

func (a *AMQP) Send(ctx context.Context, recipient string, p delivery.Payload) (delivery.MessageID, error) {
	to, err := parseRecipient(recipient)
	if err != nil {
		return "", delivery.NoRetry(err)
	}
	now := a.clk.Now()
	id := newMessageID(domainOf(a.cfg.From))
	body, err := json.Marshal(Envelope{
		MessageID: string(id),
		From:      a.cfg.From,
		To:        to.String(),
		Subject:   p.Subject,
		Text:      p.Text,
		HTML:      p.HTML,
		CreatedAt: now,
	})
	if err != nil {
		return "", delivery.NoRetry(err)
	}

	c, err := a.publish(ctx, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    string(id),
		Timestamp:    now,
		Body:         body,
	})
	if err != nil {
		return "", err
	}
	// The confirm is awaited without a.mu.
	acked, err := c.WaitContext(ctx)
	if err != nil {
		return "", fmt.Errorf("amqp confirm: %w", err)
	}
	if !acked {
		return "", delivery.RetryAfter(errors.New("amqp: broker nacked message"), nackBackoff)
	}
	return id, nil
}

const nackBackoff = 10 * time.Second

// publishBroker holds the connection lock only while publishing.
func (a *AMQP) publishBroker(ctx context.Context, msg amqp.Publishing) (confirmer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.connectLocked(ctx); err != nil {
		return nil, fmt.Errorf("amqp connect: %w", err)
	}
	dc, err := a.ch.PublishWithDeferredConfirmWithContext(ctx, a.cfg.Exchange, a.cfg.RoutingKey, false, false, msg)
	if err != nil {
		a.closeLocked()
		return nil, fmt.Errorf("amqp publish: %w", err)
	}
	return dc, nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeLocked()
	return nil
}

func (a *AMQP) closeLocked() {
	if a.ch != nil {
		_ = a.ch.Close()
		a.ch = nil
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}
