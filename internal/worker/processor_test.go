package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workspace-assistant/internal/config"
	"workspace-assistant/internal/models"
	"workspace-assistant/internal/orchestrator"
	"workspace-assistant/internal/queue"
	"workspace-assistant/internal/relevance"
	"workspace-assistant/internal/telemetry"
)

type fakeRunner struct {
	mu    sync.Mutex
	calls []orchestrator.TurnRequest
	fn    func(req orchestrator.TurnRequest) (orchestrator.TurnResult, error)
}

func (f *fakeRunner) Run(_ context.Context, req orchestrator.TurnRequest) (orchestrator.TurnResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.fn == nil {
		return orchestrator.TurnResult{TaskID: "task-1", Status: models.TaskCompleted}, nil
	}
	return f.fn(req)
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type rig struct {
	mr *miniredis.Miniredis
	q  *queue.TurnQueue
	p  *Processor
	r  *fakeRunner
}

func newRig(t *testing.T, cfg config.Config) *rig {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cfg.DLQName = "turns:dlq"
	q := queue.NewTurnQueue(client, cfg)
	r := &fakeRunner{}
	return &rig{mr: mr, q: q, r: r, p: NewProcessor(cfg, q, r, nil, "w1")}
}

func inbound(user string) orchestrator.TurnRequest {
	return orchestrator.NewSystemEvent(user, relevance.Observation{ConversationID: "c1", MessageID: "m1", SenderID: "bob", Body: "hi"})
}

func TestProcessOneAcksCompletedTurn(t *testing.T) {
	ctx := context.Background()
	rg := newRig(t, config.Config{})
	require.NoError(t, rg.q.Enqueue(ctx, inbound("alice")))

	worked, err := rg.p.ProcessOne(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, 1, rg.r.count())

	worked, err = rg.p.ProcessOne(ctx)
	require.NoError(t, err)
	assert.False(t, worked)
	inflight, _ := rg.mr.ZMembers("turns:inflight")
	assert.Empty(t, inflight)
}

func TestFailedTurnWithTaskIsNotRetried(t *testing.T) {
	ctx := context.Background()
	rg := newRig(t, config.Config{})
	rg.r.fn = func(orchestrator.TurnRequest) (orchestrator.TurnResult, error) {
		return orchestrator.TurnResult{TaskID: "task-1", Status: models.TaskFailedTimeout}, models.ErrTurnTimeout
	}
	require.NoError(t, rg.q.Enqueue(ctx, inbound("alice")))

	_, err := rg.p.ProcessOne(ctx)
	require.NoError(t, err)
	scheduled, _ := rg.mr.ZMembers("turns:scheduled")
	assert.Empty(t, scheduled)
	dead, err := rg.q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestPermanentErrorDeadLetters(t *testing.T) {
	ctx := context.Background()
	rg := newRig(t, config.Config{})
	rg.r.fn = func(orchestrator.TurnRequest) (orchestrator.TurnResult, error) {
		return orchestrator.TurnResult{}, fmt.Errorf("load user: %w", models.ErrNotFound)
	}
	require.NoError(t, rg.q.Enqueue(ctx, inbound("ghost")))

	_, err := rg.p.ProcessOne(ctx)
	require.NoError(t, err)
	dead, err := rg.q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "not found")
}

func TestTransientErrorRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	rg := newRig(t, config.Config{TurnMaxAttempts: 2, BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond})
	rg.r.fn = func(orchestrator.TurnRequest) (orchestrator.TurnResult, error) {
		return orchestrator.TurnResult{}, errors.New("connection refused")
	}
	require.NoError(t, rg.q.Enqueue(ctx, inbound("alice")))

	_, err := rg.p.ProcessOne(ctx)
	require.NoError(t, err)
	scheduled, _ := rg.mr.ZMembers("turns:scheduled")
	require.Len(t, scheduled, 1)

	require.Eventually(t, func() bool {
		n, err := rg.q.PromoteScheduled(ctx, 10)
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)

	_, err = rg.p.ProcessOne(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rg.r.count())
	dead, err := rg.q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "connection refused", dead[0].LastError)
}

func TestBootstrapIsRescheduled(t *testing.T) {
	ctx := context.Background()
	rg := newRig(t, config.Config{BootstrapStaleness: time.Hour})
	rg.r.fn = func(orchestrator.TurnRequest) (orchestrator.TurnResult, error) {
		return orchestrator.TurnResult{TriggerType: orchestrator.TriggerBootstrap, Skipped: true}, nil
	}
	require.NoError(t, rg.q.Enqueue(ctx, orchestrator.NewBootstrap("alice")))

	_, err := rg.p.ProcessOne(ctx)
	require.NoError(t, err)
	scheduled, _ := rg.mr.ZMembers("turns:scheduled")
	assert.Equal(t, []string{queue.BootstrapID("alice")}, scheduled)

	n, err := rg.q.PromoteScheduled(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "next analysis is a staleness window away")
}

func TestRunStopsOnCancel(t *testing.T) {
	rg := newRig(t, config.Config{WorkerConcurrency: 2, WorkerPollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, rg.q.Enqueue(ctx, inbound("alice")))

	done := make(chan error, 1)
	go func() { done <- rg.p.Run(ctx) }()
	require.Eventually(t, func() bool { return rg.r.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	assert.GreaterOrEqual(t, b1, base/2)
	assert.LessOrEqual(t, b1, base)

	b3 := backoffWithJitter(base, max, 3)
	assert.GreaterOrEqual(t, b3, 2*time.Second)
	assert.LessOrEqual(t, b3, 4*time.Second)

	b9 := backoffWithJitter(base, max, 9)
	assert.LessOrEqual(t, b9, max)
}

func TestReclaimedLeaseCountedInFlightOnce(t *testing.T) {
	ctx := context.Background()
	rg := newRig(t, config.Config{VisibilityTimeout: time.Millisecond, ScheduledBatchSize: 10})
	base := testutil.ToFloat64(telemetry.InFlightGauge)

	var during float64
	rg.r.fn = func(orchestrator.TurnRequest) (orchestrator.TurnResult, error) {
		time.Sleep(10 * time.Millisecond)
		rg.p.sweep(ctx)
		during = testutil.ToFloat64(telemetry.InFlightGauge)
		return orchestrator.TurnResult{TaskID: "task-1", Status: models.TaskCompleted}, nil
	}
	require.NoError(t, rg.q.Enqueue(ctx, inbound("alice")))

	worked, err := rg.p.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, worked)
	assert.Equal(t, base+1, during, "the slow turn is still running")
	assert.Equal(t, base, testutil.ToFloat64(telemetry.InFlightGauge))
}
