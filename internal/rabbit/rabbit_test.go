package rabbit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"card-grading-service/internal/intake"
	"card-grading-service/internal/model"
	"card-grading-service/internal/observability"
	"card-grading-service/internal/repository"
	"card-grading-service/internal/service"
)

type ackCall struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcker struct {
	mu    sync.Mutex
	calls []ackCall
}

func (f *fakeAcker) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ackCall{tag: tag, ack: true})
	return nil
}

func (f *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ackCall{tag: tag, requeue: requeue})
	return nil
}

func (f *fakeAcker) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func (f *fakeAcker) snapshot() []ackCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ackCall(nil), f.calls...)
}

const paymentBody = `{
  "correlation_id": "c-1",
  "exchange": "payment_confirmed",
  "routing_key": "",
  "message": {
    "serviceType": "standard",
    "shippingMethod": "standard",
    "amountPaid": 6000,
    "paymentReference": "pi_abc",
    "customer": {
      "name": "Sam Collector",
      "email": "sam@example.com",
      "phone": "555-0100",
      "address": {"addressLine1": "1 Main St", "city": "Springfield", "postalCode": "12345", "country": "US"}
    },
    "cards": [
      {"cardName": "Charizard", "year": 1999, "setName": "Base Set", "cardNumber": "4/102"},
      {"cardName": "Pikachu", "year": 1999, "setName": "Jungle", "variant": "1st Edition"}
    ]
  }
}`

func newConsumer(t *testing.T, creator OrderCreator) (*PaymentConfirmedConsumer, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	return NewPaymentConfirmedConsumer(creator, IntakeQueue, nil, metrics), metrics
}

func newPipeline(t *testing.T, store *repository.MemoryRepository) *intake.Pipeline {
	t.Helper()
	p, err := intake.NewPipeline(intake.Deps{Store: store})
	require.NoError(t, err)
	return p
}

func TestHandleCreatesOrder(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryRepository()
	c, _ := newConsumer(t, newPipeline(t, store))

	require.NoError(t, c.Handle(ctx, []byte(paymentBody)))

	orders, err := store.ListOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "pi_abc", orders[0].PaymentReference)

	recs, err := store.ListRecords(ctx, repository.RecordFilter{OrderID: orders[0].ID})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Charizard", recs[0].CardName)
	assert.Equal(t, "4/102", recs[0].CardNumber)
	assert.Equal(t, "Springfield", recs[0].Customer.Address.City)
	assert.Equal(t, model.StatusPending, recs[1].Status)
}

func TestRunAcksAndDeduplicates(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := repository.NewMemoryRepository()
	c, metrics := newConsumer(t, newPipeline(t, store))
	acker := &fakeAcker{}

	deliveries := make(chan amqp091.Delivery, 4)
	deliveries <- amqp091.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: []byte(paymentBody)}
	deliveries <- amqp091.Delivery{Acknowledger: acker, DeliveryTag: 2, Body: []byte(paymentBody), Redelivered: true}
	deliveries <- amqp091.Delivery{Acknowledger: acker, DeliveryTag: 3, Body: []byte("{not json")}
	close(deliveries)

	c.Run(context.Background(), deliveries)

	calls := acker.snapshot()
	require.Len(t, calls, 3)
	for i, call := range calls {
		assert.True(t, call.ack, "delivery %d", call.tag)
		assert.Equal(t, uint64(i+1), call.tag)
	}

	recs, err := store.ListRecords(context.Background(), repository.RecordFilter{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MessagesConsumed.WithLabelValues(IntakeQueue, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MessagesConsumed.WithLabelValues(IntakeQueue, "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MessagesConsumed.WithLabelValues(IntakeQueue, "malformed")))
}

type creatorFunc func(ctx context.Context, req intake.Request) (string, error)

func (f creatorFunc) CreateOrder(ctx context.Context, req intake.Request) (string, error) {
	return f(ctx, req)
}

func TestRunAckDecisions(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		redelivered bool
		wantAck     bool
		wantRequeue bool
		outcome     string
	}{
		{"amount mismatch dropped", &intake.AmountMismatchError{Expected: 6000, Paid: 10}, false, true, false, "amount_mismatch"},
		{"invalid dropped", intake.ErrInvalidOrder, false, true, false, "invalid"},
		{"partial not redelivered", &intake.PartialIntakeError{OrderID: "ord_1", Created: 1, Requested: 2, Err: errors.New("boom")}, false, true, false, "partial"},
		{"transient requeued once", errors.New("connection reset"), false, false, true, "retry"},
		{"transient redelivery dead-lettered", errors.New("connection reset"), true, false, false, "dead_lettered"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			c, metrics := newConsumer(t, creatorFunc(func(context.Context, intake.Request) (string, error) {
				return "", tt.err
			}))
			acker := &fakeAcker{}
			deliveries := make(chan amqp091.Delivery, 1)
			deliveries <- amqp091.Delivery{Acknowledger: acker, DeliveryTag: 7, Body: []byte(paymentBody), Redelivered: tt.redelivered}
			close(deliveries)

			c.Run(context.Background(), deliveries)

			calls := acker.snapshot()
			require.Len(t, calls, 1)
			assert.Equal(t, tt.wantAck, calls[0].ack)
			assert.Equal(t, tt.wantRequeue, calls[0].requeue)
			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MessagesConsumed.WithLabelValues(IntakeQueue, tt.outcome)))
		})
	}
}

type queueDecl struct {
	name string
	args amqp091.Table
}

type binding struct{ queue, exchange string }

// fakeBroker records the topology SetupConsumers declares.
type fakeBroker struct {
	exchanges  []string
	queues     []queueDecl
	bindings   []binding
	deliveries chan amqp091.Delivery
}

func (f *fakeBroker) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error {
	f.exchanges = append(f.exchanges, name)
	return nil
}

func (f *fakeBroker) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error) {
	f.queues = append(f.queues, queueDecl{name: name, args: args})
	return amqp091.Queue{Name: name}, nil
}

func (f *fakeBroker) QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error {
	f.bindings = append(f.bindings, binding{queue: name, exchange: exchange})
	return nil
}

func (f *fakeBroker) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (f *fakeBroker) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error) {
	return f.deliveries, nil
}

func TestSetupConsumersDeadLettersIntakeQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	broker := &fakeBroker{deliveries: make(chan amqp091.Delivery)}
	c, _ := newConsumer(t, creatorFunc(func(context.Context, intake.Request) (string, error) {
		return "ord_1", nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	done, err := SetupConsumers(ctx, broker, c, zap.NewNop())
	require.NoError(t, err)

	assert.Contains(t, broker.exchanges, DeadLetterExchange)
	assert.Contains(t, broker.bindings, binding{queue: DeadLetterQueue, exchange: DeadLetterExchange})
	assert.Contains(t, broker.bindings, binding{queue: IntakeQueue, exchange: PaymentConfirmedExchange})

	var intakeArgs amqp091.Table
	for _, q := range broker.queues {
		if q.name == IntakeQueue {
			intakeArgs = q.args
		}
	}
	require.NotNil(t, intakeArgs)
	assert.Equal(t, DeadLetterExchange, intakeArgs["x-dead-letter-exchange"])

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, _ := newConsumer(t, creatorFunc(func(context.Context, intake.Request) (string, error) {
		return "ord_1", nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	deliveries := make(chan amqp091.Delivery)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, deliveries)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after cancel")
	}
}

type fakeChannel struct {
	exchange string
	msg      amqp091.Publishing
	err      error
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("publish without deadline")
	}
	f.exchange = exchange
	f.msg = msg
	return f.err
}

func TestStatusPublisher(t *testing.T) {
	ch := &fakeChannel{}
	p := NewStatusPublisher(ch, StatusChangedExchange)
	at := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

	err := p.PublishStatusChanged(context.Background(), service.StatusChangedEvent{
		RecordID:        "grd_1",
		OrderID:         "ord_1",
		CertificateCode: "12345670",
		PreviousStatus:  model.StatusPending,
		Status:          model.StatusQueued,
		ChangedBy:       "admin-1",
		ChangedAt:       at,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusChangedExchange, ch.exchange)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, amqp091.Persistent, ch.msg.DeliveryMode)

	var got statusChangedMessage
	require.NoError(t, json.Unmarshal(ch.msg.Body, &got))
	assert.Equal(t, "grd_1:queued", got.CorrelationID)
	assert.Equal(t, model.StatusQueued, got.Message.Status)
	assert.Equal(t, "12345670", got.Message.CertificateCode)
	assert.True(t, at.Equal(got.Message.ChangedAt))
}

func TestStatusPublisherPropagatesError(t *testing.T) {
	ch := &fakeChannel{err: amqp091.ErrClosed}
	p := NewStatusPublisher(ch, StatusChangedExchange)
	err := p.PublishStatusChanged(context.Background(), service.StatusChangedEvent{RecordID: "grd_1"})
	assert.ErrorIs(t, err, amqp091.ErrClosed)
}
