package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/internal/notify"
	"github.com/ramiqadoumi/go-agent-flow/pkg/retry"
)

func alert() domain.Alert {
	return domain.Alert{
		TaskID:    "t-1",
		TaskType:  domain.TypeViewingRequest,
		Priority:  domain.PriorityMedium,
		Status:    domain.StatusInProgress,
		AgentID:   "sales",
		Elapsed:   31 * time.Minute,
		Threshold: 30 * time.Minute,
	}
}

func TestLog_WritesWarn(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	require.NoError(t, notify.NewLog(logger).Alert(context.Background(), alert()))

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(buf.String()), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "t-1", rec["task_id"])
	assert.Equal(t, "sales", rec["agent_id"])
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	var calls []string
	m := notify.Multi{
		notify.AlerterFunc(func(context.Context, domain.Alert) error { calls = append(calls, "a"); return boom }),
		notify.AlerterFunc(func(context.Context, domain.Alert) error { calls = append(calls, "b"); return nil }),
	}

	err := m.Alert(context.Background(), alert())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a", "b"}, calls)
}

func TestMulti_Empty(t *testing.T) {
	assert.NoError(t, notify.Multi{}.Alert(context.Background(), alert()))
}

type recordingProducer struct {
	mu     sync.Mutex
	topic  string
	key    string
	values [][]byte
}

func (p *recordingProducer) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic, p.key = topic, key
	p.values = append(p.values, value)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func TestKafka_PublishesAlert(t *testing.T) {
	p := &recordingProducer{}

	require.NoError(t, notify.NewKafka(p).Alert(context.Background(), alert()))

	assert.Equal(t, notify.AlertsTopic, p.topic)
	assert.Equal(t, "t-1", p.key)
	require.Len(t, p.values, 1)

	var got domain.Alert
	require.NoError(t, json.Unmarshal(p.values[0], &got))
	assert.Equal(t, "sales", got.AgentID)
	assert.Equal(t, 30*time.Minute, got.Threshold)
}

func TestRetrying_RecoversFromTransientFailure(t *testing.T) {
	calls := 0
	flaky := notify.AlerterFunc(func(context.Context, domain.Alert) error {
		calls++
		if calls < 3 {
			return errors.New("broker unavailable")
		}
		return nil
	})

	r := notify.NewRetrying(flaky, retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond})
	require.NoError(t, r.Alert(context.Background(), alert()))
	assert.Equal(t, 3, calls)
}

func TestRetrying_GivesUp(t *testing.T) {
	calls := 0
	down := notify.AlerterFunc(func(context.Context, domain.Alert) error {
		calls++
		return errors.New("smtp: connection refused")
	})

	r := notify.NewRetrying(down, retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond})
	assert.EqualError(t, r.Alert(context.Background(), alert()), "smtp: connection refused")
	assert.Equal(t, 2, calls)
}
