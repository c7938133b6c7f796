package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/vipul43/efactura-worker/internal/metrics"
)

// Routing keys of the events emitted by the worker.
const (
	RoutingInvoiceSynced = "efactura.invoice.synced"
	RoutingSyncFinished  = "efactura.sync.finished"
)

const confirmTimeout = 10 * time.Second

var ErrBrokerClosed = errors.New("broker connection is closed")

// RabbitMQPublisher publishes JSON events to a topic exchange and waits for
// the broker's publisher confirm.
type RabbitMQPublisher struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	logger     *zap.Logger
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	closeOnce  sync.Once
	healthy    atomic.Bool
	done       chan struct{}
}

// NewRabbitMQPublisher connects, declares the exchange and enables publisher confirms
func NewRabbitMQPublisher(url, exchange string, logger *zap.Logger) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	p := &RabbitMQPublisher{
		conn:       conn,
		channel:    ch,
		exchange:   exchange,
		logger:     logger,
		connClosed: make(chan *amqp.Error, 1),
		chanClosed: make(chan *amqp.Error, 1),
		done:       make(chan struct{}),
	}
	p.healthy.Store(true)
	metrics.BrokerHealthy.Set(1)

	p.conn.NotifyClose(p.connClosed)
	p.channel.NotifyClose(p.chanClosed)
	go p.watch()

	logger.Info("connected to RabbitMQ", zap.String("exchange", exchange))
	return p, nil
}

func (p *RabbitMQPublisher) watch() {
	select {
	case err := <-p.connClosed:
		p.markUnhealthy("RabbitMQ connection closed", err)
	case err := <-p.chanClosed:
		p.markUnhealthy("RabbitMQ channel closed", err)
	case <-p.done:
	}
}

func (p *RabbitMQPublisher) markUnhealthy(msg string, err *amqp.Error) {
	p.healthy.Store(false)
	metrics.BrokerHealthy.Set(0)
	if err != nil {
		p.logger.Warn(msg, zap.String("reason", err.Reason), zap.Int("code", err.Code))
		return
	}
	p.logger.Warn(msg)
}

// Publish sends event and blocks until the broker confirms it
func (p *RabbitMQPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	if !p.IsHealthy() {
		return ErrBrokerClosed
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	deferred, err := p.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		p.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish call failed: %w", err)
	}

	timer := time.NewTimer(confirmTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-deferred.Done():
		if !deferred.Acked() {
			return fmt.Errorf("RabbitMQ NACK received for %s", routingKey)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("publisher confirm timeout for %s", routingKey)
	}
}

// Close shuts down the channel and connection
func (p *RabbitMQPublisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		if p.channel != nil {
			p.channel.Close()
		}
		if p.conn != nil {
			p.conn.Close()
		}
		p.logger.Info("RabbitMQ publisher closed")
	})
	return nil
}

// IsHealthy returns true while the connection and channel are open
func (p *RabbitMQPublisher) IsHealthy() bool {
	return p.healthy.Load()
}

// NoopPublisher drops events; used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	return nil
}

func (NoopPublisher) Close() error {
	return nil
}
