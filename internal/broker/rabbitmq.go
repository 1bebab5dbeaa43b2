package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/field-outbox/internal/models"
	"github.com/Guizzs26/field-outbox/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQSender delivers records to the plant broker instead of the HTTP ingestion API.
// A record counts as delivered once the broker confirms it was persisted and routed.
type RabbitMQSender struct {
	conn          *amqp.Connection
	channel       *amqp.Channel
	exchange      string
	routingPrefix string
	logger        *slog.Logger
	connClosed    chan *amqp.Error
	chanClosed    chan *amqp.Error
	returns       chan amqp.Return
	closeOnce     sync.Once
	healthy       atomic.Bool
	mu            sync.Mutex // one publish awaits its confirm at a time, so returns can be matched to it
	ctx           context.Context
	cancel        context.CancelFunc
}

type RabbitMQOptions struct {
	URL           string
	Exchange      string
	RoutingPrefix string
	// Queue is declared durable and bound to every routing key of RoutingPrefix,
	// so a record always has somewhere to land. Empty skips the declaration.
	Queue string
	// DialTimeout bounds the TCP connect and the AMQP handshake
	DialTimeout time.Duration
}

const defaultDialTimeout = 30 * time.Second

// NewRabbitMQSender dials the broker, declares the topic exchange (and the ingest queue),
// and enables publisher confirms
func NewRabbitMQSender(opts RabbitMQOptions, l *slog.Logger) (*RabbitMQSender, error) {
	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	c, err := amqp.DialConfig(opts.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(timeout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := declareTopology(ch, opts); err != nil {
		ch.Close()
		c.Close()
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		c.Close()
		return nil, fmt.Errorf("failed to activate publisher confirms: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &RabbitMQSender{
		conn:          c,
		channel:       ch,
		exchange:      opts.Exchange,
		routingPrefix: opts.RoutingPrefix,
		logger:        l,
		connClosed:    make(chan *amqp.Error, 1),
		chanClosed:    make(chan *amqp.Error, 1),
		returns:       make(chan amqp.Return, 16),
		ctx:           ctx,
		cancel:        cancel,
	}

	s.healthy.Store(true)
	metrics.SenderHealthy.Set(1)

	s.conn.NotifyClose(s.connClosed)
	s.channel.NotifyClose(s.chanClosed)
	s.channel.NotifyReturn(s.returns)

	go func() {
		select {
		case err := <-s.connClosed:
			s.markUnhealthy("RabbitMQ connection closed", err)
		case err := <-s.chanClosed:
			s.markUnhealthy("RabbitMQ channel closed", err)
		case <-s.ctx.Done():
			return
		}
	}()

	l.Info("Connected to RabbitMQ with publisher confirms", "exchange", opts.Exchange, "queue", opts.Queue)
	return s, nil
}

func declareTopology(ch *amqp.Channel, opts RabbitMQOptions) error {
	if err := ch.ExchangeDeclare(
		opts.Exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	if opts.Queue == "" {
		return nil
	}
	if _, err := ch.QueueDeclare(opts.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare ingest queue: %w", err)
	}
	if err := ch.QueueBind(opts.Queue, bindingKeyFor(opts.RoutingPrefix), opts.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind ingest queue: %w", err)
	}
	return nil
}

func (s *RabbitMQSender) markUnhealthy(msg string, err *amqp.Error) {
	s.healthy.Store(false)
	metrics.SenderHealthy.Set(0)
	s.logger.Warn(msg, "error", err)
}

// Send publishes the record as mandatory and blocks until the broker confirms (ACK/NACK) or ctx ends.
// A record the broker could not route comes back as a return before the ACK and stays queued.
func (s *RabbitMQSender) Send(ctx context.Context, rec models.EventRecord) error {
	if !s.IsHealthy() {
		return syncErr(ErrNetworkUnreachable, rec.ID, 0, errors.New("broker connection is closed"))
	}

	msg, err := newPublishing(rec, time.Now())
	if err != nil {
		return syncErr(ErrRemoteRejected, rec.ID, 0, err)
	}
	routingKey := s.routingKey(rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	// returns left over from publishes that timed out
	takeReturned(s.returns, rec.ID)

	deferred, err := s.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		s.exchange,
		routingKey,
		true,
		false,
		msg,
	)
	if err != nil {
		s.logger.Error("Failed to publish record", "event_id", rec.ID, "routing_key", routingKey, "error", err)
		return syncErr(Classify(err), rec.ID, 0, err)
	}

	select {
	case <-ctx.Done():
		return syncErr(ErrTimeout, rec.ID, 0, ctx.Err())
	case <-deferred.Done():
		if !deferred.Acked() {
			return syncErr(ErrRemoteUnavailable, rec.ID, 0, errors.New("broker NACK: record not persisted"))
		}
		if takeReturned(s.returns, rec.ID) {
			s.logger.Warn("Broker returned record as unroutable", "event_id", rec.ID, "routing_key", routingKey)
			return syncErr(ErrRemoteUnavailable, rec.ID, 0, fmt.Errorf("no queue bound for routing key %q", routingKey))
		}
		return nil
	}
}

// takeReturned empties the buffered returns and reports whether one of them carried id
func takeReturned(returns <-chan amqp.Return, id string) bool {
	found := false
	for {
		select {
		case ret, ok := <-returns:
			if !ok {
				return found
			}
			if ret.MessageId == id {
				found = true
			}
		default:
			return found
		}
	}
}

func (s *RabbitMQSender) routingKey(rec models.EventRecord) string {
	return routingKeyFor(s.routingPrefix, rec)
}

func routingKeyFor(prefix string, rec models.EventRecord) string {
	key := strings.ToLower(string(rec.EventType))
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// bindingKeyFor matches every routing key routingKeyFor can produce under prefix
func bindingKeyFor(prefix string) string {
	if prefix == "" {
		return "#"
	}
	return prefix + ".#"
}

func newPublishing(rec models.EventRecord, now time.Time) (amqp.Publishing, error) {
	body, err := rec.MarshalWire()
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to serialize record: %w", err)
	}
	return amqp.Publishing{
		Headers: amqp.Table{
			"idempotency_key": rec.ID,
			"machine_id":      rec.MachineID,
		},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    rec.ID,
		Type:         string(rec.EventType),
		Timestamp:    now,
		Body:         body,
	}, nil
}

// Close gracefully shuts down the RabbitMQ resources
func (s *RabbitMQSender) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Info("Terminating RabbitMQ sender")
		s.cancel()
		if s.channel != nil {
			s.channel.Close()
		}
		if s.conn != nil {
			s.conn.Close()
		}
	})
	return nil
}

// IsHealthy returns true while the connection and channel are open
func (s *RabbitMQSender) IsHealthy() bool {
	return s.healthy.Load()
}
