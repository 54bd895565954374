package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rabbitmq/amqp091-go"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

const (
	// AlertsExchange is a durable topic exchange.
	AlertsExchange  = "agentflow.alerts"
	alertRoutingKey = "alert.escalation."
)

// AMQP publishes alerts to a RabbitMQ topic exchange with routing key
// alert.escalation.<priority>.
type AMQP struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// NewAMQP dials url and declares the alerts exchange.
func NewAMQP(url string) (*AMQP, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(AlertsExchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", AlertsExchange, err)
	}
	return &AMQP{conn: conn, channel: ch}, nil
}

func (q *AMQP) Alert(ctx context.Context, a domain.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	// amqp091 channels are not safe for concurrent publishing.
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.conn.IsClosed() {
		return fmt.Errorf("amqp alert for task %s: connection closed", a.TaskID)
	}
	err = q.channel.PublishWithContext(ctx,
		AlertsExchange,
		alertRoutingKey+string(a.Priority),
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    a.TaskID,
			Timestamp:    a.RaisedAt,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("amqp alert for task %s: %w", a.TaskID, err)
	}
	return nil
}

func (q *AMQP) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.channel != nil {
		_ = q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
