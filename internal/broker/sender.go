package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Guizzs26/field-outbox/internal/config"
	"github.com/Guizzs26/field-outbox/internal/models"
	"github.com/Guizzs26/field-outbox/pkg/infra"
)

// Sender is a remote delivery capability with resources to release
type Sender interface {
	Send(ctx context.Context, rec models.EventRecord) error
	Close() error
}

// FromConfig builds the sender selected by SENDER
func FromConfig(cfg *config.Config, l *slog.Logger) (Sender, error) {
	switch cfg.Sender {
	case config.SenderHTTP:
		return NewHTTPSender(cfg.IngestURL, cfg.IngestToken, l), nil
	case config.SenderAMQP:
		dial := func(ctx context.Context) (publisher, error) {
			timeout, err := dialTimeout(ctx, cfg.SendTimeout)
			if err != nil {
				return nil, err
			}
			s, err := NewRabbitMQSender(RabbitMQOptions{
				URL:           cfg.RabbitMQURL,
				Exchange:      cfg.AMQPExchange,
				RoutingPrefix: cfg.AMQPRoutingPrefix,
				Queue:         cfg.AMQPQueue,
				DialTimeout:   timeout,
			}, l)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
		return NewReconnectingSender(dial, infra.NewBackoff(time.Second, 60*time.Second, 2.0), l), nil
	default:
		return nil, fmt.Errorf("unknown sender %q", cfg.Sender)
	}
}

// dialTimeout bounds a redial by whatever is left of the send that triggered it
func dialTimeout(ctx context.Context, fallback time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	timeout := fallback
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		if left <= 0 {
			return 0, context.DeadlineExceeded
		}
		if timeout <= 0 || left < timeout {
			timeout = left
		}
	}
	return timeout, nil
}

type publisher interface {
	Send(ctx context.Context, rec models.EventRecord) error
	Close() error
	IsHealthy() bool
}

// ReconnectingSender keeps a broker link alive across outages. A dead link is
// redialed lazily on the next send, never sooner than the backoff allows and
// never for longer than that send has left.
// While no link exists every send fails as unreachable and the record stays queued.
type ReconnectingSender struct {
	dial     func(ctx context.Context) (publisher, error)
	backoff  *infra.Backoff
	logger   *slog.Logger
	now      func() time.Time
	mu       sync.Mutex
	current  publisher
	nextDial time.Time
	closed   bool
}

func NewReconnectingSender(dial func(ctx context.Context) (publisher, error), b *infra.Backoff, l *slog.Logger) *ReconnectingSender {
	return &ReconnectingSender{dial: dial, backoff: b, logger: l, now: time.Now}
}

func (s *ReconnectingSender) Send(ctx context.Context, rec models.EventRecord) error {
	p, err := s.link(ctx)
	if err != nil {
		return syncErr(ErrNetworkUnreachable, rec.ID, 0, err)
	}
	return p.Send(ctx, rec)
}

func (s *ReconnectingSender) link(ctx context.Context) (publisher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.New("sender closed")
	}
	if s.current != nil && s.current.IsHealthy() {
		return s.current, nil
	}
	if s.current != nil {
		s.current.Close()
		s.current = nil
	}

	if now := s.now(); now.Before(s.nextDial) {
		return nil, fmt.Errorf("broker link down, next attempt in %s", s.nextDial.Sub(now).Round(time.Millisecond))
	}

	// a send that is already over must not hold the link lock through a handshake
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := s.dial(ctx)
	if err != nil {
		wait := s.backoff.Next()
		s.nextDial = s.now().Add(wait)
		s.logger.Error("Broker link failure, retrying later", "wait", wait, "error", err)
		return nil, err
	}

	s.logger.Info("Broker link established")
	s.backoff.Reset()
	s.current = p
	return p, nil
}

func (s *ReconnectingSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.current != nil {
		err := s.current.Close()
		s.current = nil
		return err
	}
	return nil
}
