package rabbit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"card-grading-service/internal/service"
)

// Channel is the publishing half of *amqp091.Channel.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

type statusChangedMessage struct {
	CorrelationID string                     `json:"correlation_id"`
	Exchange      string                     `json:"exchange"`
	RoutingKey    string                     `json:"routing_key"`
	Message       service.StatusChangedEvent `json:"message"`
}

// StatusPublisher fans out grading_status_changed events.
type StatusPublisher struct {
	mu       sync.Mutex
	ch       Channel
	exchange string
	timeout  time.Duration
}

func NewStatusPublisher(ch Channel, exchange string) *StatusPublisher {
	return &StatusPublisher{ch: ch, exchange: exchange, timeout: 5 * time.Second}
}

func (p *StatusPublisher) PublishStatusChanged(ctx context.Context, ev service.StatusChangedEvent) error {
	body, err := json.Marshal(statusChangedMessage{
		CorrelationID: ev.RecordID + ":" + string(ev.Status),
		Exchange:      p.exchange,
		RoutingKey:    "",
		Message:       ev,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    ev.ChangedAt,
		Body:         body,
	})
}

var _ service.EventPublisher = (*StatusPublisher)(nil)
