package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const confirmTimeout = 5 * time.Second

// AMQPConfig describes the broker target for audit fan-out.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// confirmation is the broker's answer for one published message.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// confirmChannel is the part of *amqp.Channel the publisher uses.
type confirmChannel interface {
	publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error)
	Close() error
}

type channelAdapter struct{ ch *amqp.Channel }

func (a channelAdapter) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error) {
	dc, err := a.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, errors.New("channel is not in confirm mode")
	}
	return dc, nil
}

func (a channelAdapter) Close() error { return a.ch.Close() }

// AMQPPublisher publishes audit entries to a durable topic exchange with
// publisher confirms. Each message waits on its own deferred confirmation,
// so a confirm that arrives after its caller gave up is never read by the
// next publish.
type AMQPPublisher struct {
	cfg  AMQPConfig
	conn *amqp.Connection

	mu sync.Mutex
	ch confirmChannel
}

var _ Publisher = (*AMQPPublisher)(nil)

// DialAMQP connects, declares the exchange and enables confirm mode.
func DialAMQP(cfg AMQPConfig) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url is required")
	}
	if cfg.Exchange == "" {
		return nil, errors.New("amqp exchange is required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirm mode: %w", err)
	}
	return &AMQPPublisher{cfg: cfg, conn: conn, ch: channelAdapter{ch: ch}}, nil
}

// Publish sends body as a persistent JSON message and waits for the broker
// ack of that message, bounded by ctx and confirmTimeout.
func (p *AMQPPublisher) Publish(ctx context.Context, body []byte) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
	}

	p.mu.Lock()
	conf, err := p.ch.publish(ctx, p.cfg.Exchange, p.cfg.RoutingKey, msg)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish audit entry: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()
	acked, err := conf.WaitContext(wctx)
	if err != nil {
		return fmt.Errorf("waiting for confirmation: %w", err)
	}
	if !acked {
		return errors.New("audit entry rejected by broker")
	}
	return nil
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
