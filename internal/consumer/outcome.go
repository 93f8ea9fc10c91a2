// Package consumer drives pending transactions to their outcome from a queue.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/punchamoorthee/ledgercore/internal/domain"
	"github.com/punchamoorthee/ledgercore/internal/logging"
)

// Advancer applies an outcome to a pending transaction.
type Advancer interface {
	Advance(ctx context.Context, id uuid.UUID, outcome domain.Status) (domain.Transaction, error)
}

// Message is the queue payload.
type Message struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Outcome       string    `json:"outcome"`
}

// Consumer acks a delivery once its outcome is applied or can never apply,
// and requeues it when the failure may be temporary.
type Consumer struct {
	advancer Advancer
	logger   *zap.Logger
	timeout  time.Duration
}

func New(advancer Advancer, logger *zap.Logger, timeout time.Duration) *Consumer {
	return &Consumer{advancer: advancer, logger: logger, timeout: timeout}
}

// Run declares queue and handles deliveries until ctx is done or the channel closes.
func (c *Consumer) Run(ctx context.Context, ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.Qos(16, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queue, "ledger-outcomes", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	c.logger.Info("outcome consumer started", zap.String("queue", queue))
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("outcome delivery channel closed")
			}
			if err := c.Handle(ctx, d); err != nil {
				c.logger.Error("acknowledge failed", zap.Error(err))
			}
		}
	}
}

// Handle processes one delivery. The returned error is only an ack failure.
func (c *Consumer) Handle(ctx context.Context, d amqp.Delivery) error {
	ctx = otel.GetTextMapPropagator().Extract(ctx, tableCarrier(d.Headers))
	log := logging.WithTrace(ctx, c.logger).With(zap.String("message_id", d.MessageId))

	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		log.Warn("malformed outcome message", zap.Error(err))
		return d.Reject(false)
	}
	outcome, err := domain.ParseStatus(msg.Outcome)
	if err != nil || msg.TransactionID == uuid.Nil {
		log.Warn("invalid outcome message", zap.String("outcome", msg.Outcome), zap.String("transaction_id", msg.TransactionID.String()))
		return d.Reject(false)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	log = log.With(zap.String("transaction_id", msg.TransactionID.String()), zap.String("outcome", string(outcome)))
	tx, err := c.advancer.Advance(ctx, msg.TransactionID, outcome)
	if err == nil {
		log.Debug("outcome applied", zap.String("status", string(tx.Status)))
		return d.Ack(false)
	}

	kind := domain.KindOf(err)
	switch kind {
	case domain.KindValidation, domain.KindConflict, domain.KindNotFound:
		log.Warn("outcome dropped", zap.String("kind", kind.String()), zap.Error(err))
		return d.Ack(false)
	default:
		log.Warn("outcome requeued", zap.String("kind", kind.String()), zap.Error(err))
		return d.Nack(false, true)
	}
}

// tableCarrier adapts AMQP headers to the otel propagation carrier.
type tableCarrier amqp.Table

func (t tableCarrier) Get(key string) string {
	if v, ok := t[key].(string); ok {
		return v
	}
	return ""
}

func (t tableCarrier) Set(key, value string) {
	t[key] = value
}

func (t tableCarrier) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	return keys
}
