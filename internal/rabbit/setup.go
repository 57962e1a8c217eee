// setup.go
package rabbit

import (
	"context"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	PaymentConfirmedExchange = "payment_confirmed"
	StatusChangedExchange    = "grading_status_changed"
	IntakeQueue              = "card_grading_service_payments"

	// Payments that failed intake twice are parked here for an operator.
	DeadLetterExchange = IntakeQueue + ".dlx"
	DeadLetterQueue    = IntakeQueue + ".dead"
)

// Broker is the subset of *amqp091.Channel used to declare topology and
// consume.
type Broker interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
}

// DeclareExchanges declares both fanout exchanges the service touches.
func DeclareExchanges(ch Broker) error {
	for _, name := range []string{PaymentConfirmedExchange, StatusChangedExchange} {
		if err := ch.ExchangeDeclare(name, amqp091.ExchangeFanout, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}
	return nil
}

// declareDeadLetter sets up the exchange and queue rejected payments are
// routed to.
func declareDeadLetter(ch Broker) error {
	if err := ch.ExchangeDeclare(DeadLetterExchange, amqp091.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", DeadLetterExchange, err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", DeadLetterQueue, err)
	}
	if err := ch.QueueBind(DeadLetterQueue, "", DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", DeadLetterQueue, err)
	}
	return nil
}

// SetupConsumers binds the intake queue to the payment_confirmed fanout and
// starts consuming in a goroutine that ends with ctx. The returned channel
// closes once that goroutine has returned.
func SetupConsumers(ctx context.Context, ch Broker, consumer *PaymentConfirmedConsumer, logger *zap.Logger) (<-chan struct{}, error) {
	if err := declareDeadLetter(ch); err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare(
		IntakeQueue,
		true,
		false,
		false,
		false,
		amqp091.Table{"x-dead-letter-exchange": DeadLetterExchange},
	)
	if err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	// fanout ignores the routing key
	if err := ch.QueueBind(q.Name, "", PaymentConfirmedExchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	if err := ch.Qos(8, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.Consume(
		q.Name,
		"",
		false, // acked by the consumer after intake
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", q.Name, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		consumer.Run(ctx, msgs)
	}()

	logger.Info("subscribed to exchange",
		zap.String("exchange", PaymentConfirmedExchange),
		zap.String("queue", q.Name),
		zap.String("dead_letter_queue", DeadLetterQueue),
	)
	return done, nil
}
