package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/lexiqai/audiohook-gateway/internal/resilience"
)

// ErrNotConnected is returned while the broker connection is down.
var ErrNotConnected = errors.New("amqp publisher not connected")

// AMQPConfig configures the broker connection.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// AMQPPublisher publishes JSON events to a durable topic exchange. A lost
// connection is redialed in the background.
type AMQPPublisher struct {
	config    AMQPConfig
	reconnect *resilience.ReconnectConfig
	logger    zerolog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(ctx context.Context, cfg AMQPConfig, reconnect *resilience.ReconnectConfig, logger zerolog.Logger) (*AMQPPublisher, error) {
	pctx, cancel := context.WithCancel(context.Background())
	p := &AMQPPublisher{
		config:    cfg,
		reconnect: reconnect,
		logger:    logger.With().Str("component", "amqp").Str("exchange", cfg.Exchange).Logger(),
		ctx:       pctx,
		cancel:    cancel,
	}

	if err := resilience.Reconnect(ctx, p.logger, "amqp", p.dial, reconnect); err != nil {
		cancel()
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) dial(context.Context) error {
	conn, err := amqp.Dial(p.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP server: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		p.config.Exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange %s: %w", p.config.Exchange, err)
	}

	p.mu.Lock()
	p.conn = conn
	p.channel = channel
	p.mu.Unlock()

	closes := conn.NotifyClose(make(chan *amqp.Error, 1))
	go p.watch(closes)

	p.logger.Info().Msg("Connected to AMQP broker")
	return nil
}

// watch redials after the broker drops the connection.
func (p *AMQPPublisher) watch(closes <-chan *amqp.Error) {
	amqpErr, ok := <-closes
	if !ok || amqpErr == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	p.channel = nil
	p.mu.Unlock()

	p.logger.Warn().Str("reason", amqpErr.Reason).Int("code", amqpErr.Code).Msg("AMQP connection lost")

	if err := resilience.Reconnect(p.ctx, p.logger, "amqp", p.dial, p.reconnect); err != nil {
		p.logger.Error().Err(err).Msg("Giving up on AMQP broker")
	}
}

// Publish sends the event with the event type as routing key.
func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.channel == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err = p.channel.Publish(
		p.config.Exchange,
		string(event.Type),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.Timestamp,
			MessageId:    event.SessionID,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

// Ready reports whether the broker connection is up.
func (p *AMQPPublisher) Ready(context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.conn == nil || p.conn.IsClosed() {
		return ErrNotConnected
	}
	return nil
}

// Close stops reconnecting and closes the connection.
func (p *AMQPPublisher) Close() error {
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	p.channel = nil
	return err
}
