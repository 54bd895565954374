package cli

import (
	"fmt"

	"github.com/ramiqadoumi/go-agent-flow/internal/capability"
	"github.com/ramiqadoumi/go-agent-flow/internal/kafka"
	"github.com/ramiqadoumi/go-agent-flow/services/orchestrator/config"
)

// registerCapabilities binds every configured agent to its transport. It
// is called again on config reload; existing bindings are replaced.
func registerCapabilities(reg *capability.Registry, agents []config.AgentConfig, producer kafka.Producer, brokers []string) error {
	var viaKafka *capability.Kafka
	for _, a := range agents {
		switch a.Capability.Transport {
		case config.TransportWebhook:
			opts := []capability.WebhookOption{capability.WithHeaders(a.Capability.Headers)}
			if a.Capability.HealthURL != "" {
				opts = append(opts, capability.WithHealthURL(a.Capability.HealthURL))
			}
			reg.Register(a.ID, capability.NewWebhook(a.Capability.Endpoint, opts...))
		default:
			if producer == nil {
				return fmt.Errorf("agent %q uses kafka transport but kafka_brokers is empty", a.ID)
			}
			if viaKafka == nil {
				viaKafka = capability.NewKafka(producer, brokers)
			}
			reg.Register(a.ID, viaKafka)
		}
	}
	return nil
}
