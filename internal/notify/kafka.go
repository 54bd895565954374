package notify

import (
	"context"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/kafka"
)

// AlertsTopic receives one JSON message per alert, keyed by task ID.
const AlertsTopic = "orchestrator.alerts"

// Kafka publishes alerts for downstream consumers such as a paging bridge.
type Kafka struct {
	producer kafka.Producer
	topic    string
}

func NewKafka(p kafka.Producer) *Kafka {
	return &Kafka{producer: p, topic: AlertsTopic}
}

func (k *Kafka) Alert(ctx context.Context, a domain.Alert) error {
	return kafka.PublishJSON(ctx, k.producer, k.topic, a.TaskID, a)
}
