package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mbd888/agentgate/internal/metrics"
	"github.com/mbd888/agentgate/internal/retry"
)

var errNotConfirmed = errors.New("events: broker did not confirm publish")

// AMQPConfig configures the AMQP sink.
type AMQPConfig struct {
	URL      string
	Exchange string
	Buffer   int
	Retry    retry.Policy
}

// AMQPPublisher publishes events to a topic exchange with the event type as
// routing key. Publish only enqueues; Run drains the queue with publisher
// confirms, reconnecting as needed.
type AMQPPublisher struct {
	cfg    AMQPConfig
	logger *slog.Logger
	queue  chan Event

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
	dial func(url string) (*amqp.Connection, error)
}

// NewAMQPPublisher returns an unconnected publisher; the first connection is
// made by Run.
func NewAMQPPublisher(cfg AMQPConfig, logger *slog.Logger) *AMQPPublisher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	return &AMQPPublisher{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.Buffer),
		dial:   amqp.Dial,
	}
}

// Publish enqueues e. A full queue drops the event.
func (p *AMQPPublisher) Publish(_ context.Context, e Event) {
	e = stamp(e)
	select {
	case p.queue <- e:
	default:
		metrics.EventsPublishedTotal.WithLabelValues("amqp", "dropped").Inc()
		p.logger.Warn("amqp queue full, dropping event", "type", e.Type, "subject", e.Subject)
	}
}

// Run publishes queued events until ctx is done, then flushes what is left
// with a short grace period.
func (p *AMQPPublisher) Run(ctx context.Context) error {
	defer p.close()
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return nil
		case e := <-p.queue:
			p.deliver(ctx, e)
		}
	}
}

func (p *AMQPPublisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case e := <-p.queue:
			p.deliver(ctx, e)
		default:
			return
		}
	}
}

func (p *AMQPPublisher) deliver(ctx context.Context, e Event) {
	msg, err := publishing(e)
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("amqp", "error").Inc()
		p.logger.Error("encode event", "type", e.Type, "error", err)
		return
	}

	err = p.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		ch, err := p.channel()
		if err != nil {
			return err
		}
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, p.cfg.Exchange, e.Type, false, false, msg)
		if err != nil {
			p.reset()
			return err
		}
		ok, err := dc.WaitContext(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errNotConfirmed
		}
		return nil
	})
	if err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("amqp", "error").Inc()
		p.logger.Error("publish event", "type", e.Type, "subject", e.Subject, "error", err)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues("amqp", "ok").Inc()
}

// channel returns the open confirm-mode channel, dialing if needed.
func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	if p.conn == nil || p.conn.IsClosed() {
		conn, err := p.dial(p.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("dial amqp: %w", err)
		}
		p.conn = conn
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", p.cfg.Exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	p.ch = ch
	return ch, nil
}

func (p *AMQPPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

// Ping reports whether the broker connection is up.
func (p *AMQPPublisher) Ping(context.Context) error {
	_, err := p.channel()
	return err
}

func (p *AMQPPublisher) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func publishing(e Event) (amqp.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, err
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.OccurredAt,
		Type:         e.Type,
		Body:         body,
	}, nil
}
