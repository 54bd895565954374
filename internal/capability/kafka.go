package capability

import (
	"context"

	"github.com/ramiqadoumi/go-agent-flow/internal/kafka"
)

// DispatchTopic is the per-agent topic an out-of-process agent consumes.
func DispatchTopic(agentID string) string { return "agents.dispatch." + agentID }

// Kafka hands invocations to an agent runtime over Kafka. Outcomes are
// expected back on the results topic.
type Kafka struct {
	producer kafka.Producer
	brokers  []string
}

func NewKafka(p kafka.Producer, brokers []string) *Kafka {
	return &Kafka{producer: p, brokers: brokers}
}

func (k *Kafka) Invoke(ctx context.Context, inv Invocation) error {
	return kafka.PublishJSON(ctx, k.producer, DispatchTopic(inv.Agent.ID), inv.Task.ID, inv)
}

func (k *Kafka) Ping(ctx context.Context) error {
	return kafka.Ping(ctx, k.brokers)
}
