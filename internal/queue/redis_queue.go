// Package queue carries turn requests between the API and workers over Redis:
// ready lists per lane, an in-flight lease set, a scheduled set and a DLQ.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"workspace-assistant/internal/config"
	"workspace-assistant/internal/models"
	"workspace-assistant/internal/orchestrator"
	"workspace-assistant/internal/telemetry"
)

// Lanes, drained in this order. Inbound-message turns are interactive;
// bootstrap analyses can wait.
const (
	LaneInteractive = "interactive"
	LaneBackground  = "background"
)

// Lease is a turn a worker holds until Ack, Retry or DeadLetter.
type Lease struct {
	ID       string
	Request  orchestrator.TurnRequest
	Attempts int
}

// TurnQueue coordinates ready, in-flight and scheduled turns in Redis.
type TurnQueue struct {
	client        *redis.Client
	lanes         []string
	inflightKey   string
	scheduledKey  string
	metaPrefix    string
	visibilityTTL time.Duration
	dlqKey        string
	now           func() time.Time
}

var _ orchestrator.Enqueuer = (*TurnQueue)(nil)

// NewTurnQueue builds a queue on client using the worker settings in cfg.
func NewTurnQueue(client *redis.Client, cfg config.Config) *TurnQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "turns:dlq"
	}
	return &TurnQueue{
		client:        client,
		lanes:         []string{LaneInteractive, LaneBackground},
		inflightKey:   "turns:inflight",
		scheduledKey:  "turns:scheduled",
		metaPrefix:    "turns:meta:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
		now:           time.Now,
	}
}

func (q *TurnQueue) readyKey(lane string) string {
	return "turns:ready:" + lane
}

func (q *TurnQueue) metaKey(id string) string {
	return q.metaPrefix + id
}

// LaneFor places bootstrap analyses in the background lane.
func LaneFor(req orchestrator.TurnRequest) string {
	if req.Trigger.Type == orchestrator.TriggerBootstrap {
		return LaneBackground
	}
	return LaneInteractive
}

// BootstrapID is the fixed queue id of a user's recurring analysis, so
// rescheduling replaces rather than stacks.
func BootstrapID(userID string) string {
	return "bootstrap:" + userID
}

// Enqueue makes req ready now. Requests are validated first so a malformed
// turn never reaches a worker.
func (q *TurnQueue) Enqueue(ctx context.Context, req orchestrator.TurnRequest) error {
	_, err := q.push(ctx, uuid.New().String(), req, time.Time{})
	return err
}

// Schedule defers req until runAt under id. An existing entry with the same id
// is replaced.
func (q *TurnQueue) Schedule(ctx context.Context, id string, req orchestrator.TurnRequest, runAt time.Time) error {
	_, err := q.push(ctx, id, req, runAt)
	return err
}

func (q *TurnQueue) push(ctx context.Context, id string, req orchestrator.TurnRequest, runAt time.Time) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal turn: %w", err)
	}
	lane := LaneFor(req)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(id), "lane", lane, "request", raw, "attempts", 0)
	if runAt.After(q.now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	} else {
		pipe.RPush(ctx, q.readyKey(lane), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue turn: %w", err)
	}
	telemetry.TurnsEnqueued.Inc()
	return id, nil
}

// PromoteScheduled moves due turns into their ready lanes and returns how many moved.
func (q *TurnQueue) PromoteScheduled(ctx context.Context, limit int64) (int, error) {
	ids, err := q.due(ctx, q.scheduledKey, limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	if err := q.moveToReady(ctx, q.scheduledKey, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// RequeueExpired reclaims leases whose visibility deadline passed.
func (q *TurnQueue) RequeueExpired(ctx context.Context, limit int64) ([]string, error) {
	ids, err := q.due(ctx, q.inflightKey, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	if err := q.moveToReady(ctx, q.inflightKey, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (q *TurnQueue) due(ctx context.Context, key string, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return ids, nil
}

func (q *TurnQueue) moveToReady(ctx context.Context, from string, ids []string) error {
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		lane, err := q.client.HGet(ctx, q.metaKey(id), "lane").Result()
		if err != nil || lane == "" {
			lane = LaneInteractive
		}
		pipe.ZRem(ctx, from, id)
		pipe.RPush(ctx, q.readyKey(lane), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("move to ready: %w", err)
	}
	return nil
}

// Lease pops the next ready turn in lane order and holds it for the
// visibility timeout. It returns nil when nothing is ready.
func (q *TurnQueue) Lease(ctx context.Context) (*Lease, error) {
	keys := make([]string, 0, len(q.lanes)+1)
	for _, lane := range q.lanes {
		keys = append(keys, q.readyKey(lane))
	}
	keys = append(keys, q.inflightKey)

	res, err := leaseScript.Run(ctx, q.client, keys, q.now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease turn: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from lease script: %T", res)
	}

	meta, err := q.client.HGetAll(ctx, q.metaKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load turn %s: %w", id, err)
	}
	lease := &Lease{ID: id}
	lease.Attempts, _ = strconv.Atoi(meta["attempts"])
	if err := json.Unmarshal([]byte(meta["request"]), &lease.Request); err != nil {
		return lease, fmt.Errorf("decode turn %s: %v: %w", id, err, models.ErrInvalidInput)
	}
	return lease, nil
}

// ExtendLease pushes the visibility deadline of an in-flight turn forward.
func (q *TurnQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(q.now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack drops a finished turn.
func (q *TurnQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry releases the lease and schedules another attempt at runAt.
func (q *TurnQueue) Retry(ctx context.Context, id string, attempts int, runAt time.Time, lastErr string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.HSet(ctx, q.metaKey(id), "attempts", attempts, "last_error", lastErr)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	_, err := pipe.Exec(ctx)
	return err
}

// DeadLetter parks a turn for operator inspection. Its request stays readable
// through DLQPeek.
func (q *TurnQueue) DeadLetter(ctx context.Context, id, reason string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.HSet(ctx, q.metaKey(id), "last_error", reason)
	pipe.RPush(ctx, q.dlqKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

// DeadTurn is one DLQ entry.
type DeadTurn struct {
	ID        string `json:"id"`
	Request   string `json:"request"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError"`
}

// DLQPeek reads up to count dead-lettered turns, oldest first.
func (q *TurnQueue) DLQPeek(ctx context.Context, count int64) ([]DeadTurn, error) {
	ids, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dlq: %w", err)
	}
	out := make([]DeadTurn, 0, len(ids))
	for _, id := range ids {
		meta, err := q.client.HGetAll(ctx, q.metaKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("load dead turn %s: %w", id, err)
		}
		attempts, _ := strconv.Atoi(meta["attempts"])
		out = append(out, DeadTurn{ID: id, Request: meta["request"], Attempts: attempts, LastError: meta["last_error"]})
	}
	return out, nil
}

// ReadyDepth is the total length of all ready lanes.
func (q *TurnQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.lanes))
	for _, lane := range q.lanes {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(lane)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

var leaseScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
for i=1,#KEYS-1 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', inflight, ARGV[1], id)
    return id
  end
end
return nil
`)
