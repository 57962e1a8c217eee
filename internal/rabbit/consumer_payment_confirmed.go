package rabbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"card-grading-service/internal/dto"
	"card-grading-service/internal/intake"
	"card-grading-service/internal/observability"
)

// OrderCreator is satisfied by *intake.Pipeline.
type OrderCreator interface {
	CreateOrder(ctx context.Context, req intake.Request) (string, error)
}

// PaymentConfirmedMessage is the envelope the checkout service publishes
// once the payment processor has captured the charge.
type PaymentConfirmedMessage struct {
	CorrelationID string                 `json:"correlation_id"`
	Exchange      string                 `json:"exchange"`
	RoutingKey    string                 `json:"routing_key"`
	Message       dto.CreateOrderRequest `json:"message"`
}

type PaymentConfirmedConsumer struct {
	intake  OrderCreator
	queue   string
	logger  *zap.Logger
	metrics *observability.Metrics
}

func NewPaymentConfirmedConsumer(creator OrderCreator, queue string, logger *zap.Logger, metrics *observability.Metrics) *PaymentConfirmedConsumer {
	return &PaymentConfirmedConsumer{
		intake:  creator,
		queue:   queue,
		logger:  observability.OrNop(logger),
		metrics: metrics,
	}
}

var errMalformed = errors.New("malformed payment_confirmed message")

// Handle creates the order described by body.
func (c *PaymentConfirmedConsumer) Handle(ctx context.Context, body []byte) error {
	var event PaymentConfirmedMessage
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}

	orderID, err := c.intake.CreateOrder(ctx, event.Message.ToIntake())
	if err != nil {
		return err
	}
	c.logger.Info("order created from payment",
		zap.String("order_id", orderID),
		zap.String("payment_reference", event.Message.PaymentReference),
		zap.String("correlation_id", event.CorrelationID),
	)
	return nil
}

// Run handles deliveries until ctx is done or the channel closes.
// Deliveries are acked unless the failure is worth redelivering.
func (c *PaymentConfirmedConsumer) Run(ctx context.Context, deliveries <-chan amqp091.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Info("delivery channel closed", zap.String("queue", c.queue))
				return
			}
			c.dispatch(ctx, d)
		}
	}
}

func (c *PaymentConfirmedConsumer) dispatch(ctx context.Context, d amqp091.Delivery) {
	err := c.Handle(ctx, d.Body)
	outcome := classify(err)
	if outcome == "retry" && d.Redelivered {
		outcome = "dead_lettered"
	}
	c.metrics.MessageConsumed(c.queue, outcome)

	switch outcome {
	case "ok":
		c.ack(d)
	case "duplicate":
		// Redelivery of a payment already turned into an order.
		c.logger.Info("duplicate payment ignored", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		c.ack(d)
	case "retry":
		c.logger.Warn("intake failed, requeueing", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		c.nack(d, true)
	case "dead_lettered":
		// A paid order that could not be created; it needs an operator.
		c.logger.Error("intake failed twice, dead-lettering payment",
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.String("dead_letter_queue", DeadLetterQueue),
			zap.Error(err),
		)
		c.nack(d, false)
	default:
		level := c.logger.Warn
		if outcome == "partial" {
			level = c.logger.Error
		}
		level("payment message dropped", zap.String("outcome", outcome), zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		c.ack(d)
	}
}

func (c *PaymentConfirmedConsumer) nack(d amqp091.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		c.logger.Error("nack failed", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
	}
}

func (c *PaymentConfirmedConsumer) ack(d amqp091.Delivery) {
	if err := d.Ack(false); err != nil {
		c.logger.Error("ack failed", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
	}
}

// classify maps a Handle error to a metrics outcome and ack decision.
// Partial intakes are never redelivered: the order is already flagged and a
// second attempt would fail on the payment reference anyway.
func classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, intake.ErrDuplicatePayment):
		return "duplicate"
	case errors.Is(err, intake.ErrPartialIntake):
		return "partial"
	case errors.Is(err, errMalformed):
		return "malformed"
	case errors.Is(err, intake.ErrInvalidOrder):
		return "invalid"
	case errors.Is(err, intake.ErrAmountMismatch):
		return "amount_mismatch"
	default:
		return "retry"
	}
}
