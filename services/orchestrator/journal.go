package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
	"github.com/ramiqadoumi/go-agent-flow/pkg/retry"
	"github.com/ramiqadoumi/go-agent-flow/pkg/telemetry"
)

// Recorder persists task snapshots. Both the Postgres repository and the
// Redis state store satisfy it.
type Recorder interface {
	Record(ctx context.Context, task *domain.Task, tr *domain.Transition) error
}

type namedRecorder struct {
	name string
	rec  Recorder
}

type journalEntry struct {
	task *domain.Task
	tr   domain.Transition
}

// AsyncJournal fans snapshots out to recorders on a single goroutine, so
// each recorder sees transitions in the order they happened. When the
// buffer is full entries are dropped and counted rather than blocking the
// engine.
type AsyncJournal struct {
	entries   chan journalEntry
	recorders []namedRecorder
	retry     retry.Config
	timeout   time.Duration
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncJournal creates a journal with the given buffer size. Call
// AddRecorder before Start.
func NewAsyncJournal(size int, logger *slog.Logger) *AsyncJournal {
	if size <= 0 {
		size = 1024
	}
	return &AsyncJournal{
		entries: make(chan journalEntry, size),
		retry:   retry.Config{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
		timeout: 5 * time.Second,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (j *AsyncJournal) AddRecorder(name string, r Recorder) {
	j.recorders = append(j.recorders, namedRecorder{name: name, rec: r})
}

func (j *AsyncJournal) Append(task *domain.Task, tr domain.Transition) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.entries <- journalEntry{task: task, tr: tr}:
	default:
		telemetry.JournalDropped.Inc()
		j.logger.Warn("journal full, dropping snapshot",
			slog.String("task_id", task.ID),
			slog.String("status", string(task.Status)),
		)
	}
}

// Start drains entries until Close.
func (j *AsyncJournal) Start() {
	go func() {
		defer close(j.done)
		for e := range j.entries {
			j.write(e)
		}
	}()
}

// Close stops accepting entries and waits for the buffer to drain or ctx
// to expire.
func (j *AsyncJournal) Close(ctx context.Context) error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.entries)
	}
	j.mu.Unlock()

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *AsyncJournal) write(e journalEntry) {
	tr := e.tr
	for _, r := range j.recorders {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		err := retry.Do(ctx, j.retry, func() error {
			return r.rec.Record(ctx, e.task, &tr)
		})
		cancel()
		if err != nil {
			telemetry.JournalErrors.WithLabelValues(r.name).Inc()
			j.logger.Error("journal write failed",
				slog.String("recorder", r.name),
				slog.String("task_id", e.task.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
