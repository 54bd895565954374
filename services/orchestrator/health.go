package orchestrator

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// HealthTick pings every agent marked unreachable and restores the ones
// that answer. It returns the number restored.
func (e *Engine) HealthTick(ctx context.Context, timeout time.Duration) int {
	e.mu.Lock()
	var down []string
	for id, a := range e.agents {
		if a.unreachable {
			down = append(down, id)
		}
	}
	e.mu.Unlock()
	sort.Strings(down)

	var healthy []string
	for _, id := range down {
		cp, err := e.caps.Get(id)
		if err != nil {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err = cp.Ping(pctx)
		cancel()
		if err != nil {
			e.logger.Debug("agent still unreachable", slog.String("agent_id", id), slog.String("error", err.Error()))
			continue
		}
		healthy = append(healthy, id)
	}
	if len(healthy) == 0 {
		return 0
	}

	_ = e.update(e.now().UTC(), func(tx *txn) error {
		for _, id := range healthy {
			e.agents[id].unreachable = false
		}
		tx.wake = true
		return nil
	})
	for _, id := range healthy {
		e.logger.Info("agent reachable again", slog.String("agent_id", id))
	}
	return len(healthy)
}
