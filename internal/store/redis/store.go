// Package redis implements the shared store on Redis so multiple
// control-plane replicas can coordinate through one state surface.
//
// Key scheme:
//
//	worker:<id>          hash of worker fields, TTL-guarded
//	workers:all          set of registered worker ids
//	workers:idle:<cap>   zset of idle worker ids scored by last-assigned
//	task:<id>            hash of task fields
//	tasks:all            set of live task ids
//	tasks:queued:<cap>   list of claimable task ids, FIFO
//	assigned:<worker>    current task id held by the worker
//	finished:<cap>       hash of terminal status -> count
//
// Every transition that must be atomic across replicas (claim, terminal
// transitions that free a worker, requeue-on-loss, eviction) runs as a single
// Lua script; nothing is read-then-written across two round-trips.
//
// The claim, complete, and fail scripts discover task and worker ids at
// runtime (LPOP, ZRANGE, HGET) and build those keys inside Lua, so not every
// touched key is declared via KEYS. This requires a standalone Redis; the
// scripts would be rejected or mis-routed under Redis Cluster.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/growthscout/fleetd/internal/fleet"
)

// workerTTL bounds how long a worker key survives a dead control plane; the
// registry sweeper normally evicts much sooner.
const workerTTL = 5 * time.Minute

// Store implements fleet.Store on a Redis client.
type Store struct {
	client *redis.Client
}

// Options configure the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &Store{client: client}, nil
}

// NewFromClient wraps an existing client; used by tests.
func NewFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

func workerKey(id string) string { return "worker:" + id }

func taskKey(id string) string { return "task:" + id }

func idleKey(c fleet.Capability) string { return "workers:idle:" + string(c) }

func queueKey(c fleet.Capability) string { return "tasks:queued:" + string(c) }

func assignedKey(workerID string) string { return "assigned:" + workerID }

func finishedKey(c fleet.Capability) string { return "finished:" + string(c) }

const (
	workersAllKey = "workers:all"
	tasksAllKey   = "tasks:all"
)

var registerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end
redis.call('HSET', KEYS[1],
    'id', ARGV[1], 'name', ARGV[2], 'capability', ARGV[3],
    'status', ARGV[4], 'last_heartbeat', ARGV[5], 'last_assigned', ARGV[6],
    'current_task_id', '')
redis.call('PEXPIRE', KEYS[1], ARGV[7])
redis.call('SADD', KEYS[2], ARGV[1])
if ARGV[4] == 'idle' then
    redis.call('ZADD', KEYS[3], tonumber(ARGV[6]), ARGV[1])
end
return 1
`)

// RegisterWorker creates a registration for the worker.
func (s *Store) RegisterWorker(ctx context.Context, w fleet.Worker) error {
	ok, err := registerScript.Run(ctx, s.client,
		[]string{workerKey(w.ID), workersAllKey, idleKey(w.Capability)},
		w.ID, w.Name, string(w.Capability), string(w.Status),
		w.LastHeartbeat.UnixNano(), w.LastAssigned.UnixNano(),
		workerTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("register worker %s: %w", w.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("register worker %s: %w", w.ID, fleet.ErrDuplicateWorker)
	}
	return nil
}

var heartbeatScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
redis.call('HSET', KEYS[1], 'last_heartbeat', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// Heartbeat refreshes the worker's liveness timestamp and key TTL.
func (s *Store) Heartbeat(ctx context.Context, workerID string, now time.Time) error {
	ok, err := heartbeatScript.Run(ctx, s.client,
		[]string{workerKey(workerID)},
		now.UnixNano(), workerTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", workerID, err)
	}
	if ok == 0 {
		return fmt.Errorf("heartbeat %s: %w", workerID, fleet.ErrUnknownWorker)
	}
	return nil
}

var markBusyScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 'missing'
end
if redis.call('HGET', KEYS[1], 'status') ~= 'idle' then
    return 'state'
end
redis.call('HSET', KEYS[1], 'status', 'busy', 'current_task_id', ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('SET', KEYS[3], ARGV[1])
return 'ok'
`)

// MarkBusy transitions the worker from idle to busy.
func (s *Store) MarkBusy(ctx context.Context, workerID, taskID string) error {
	w, err := s.getWorker(ctx, workerID)
	if err != nil {
		return fmt.Errorf("mark busy: %w", err)
	}
	res, err := markBusyScript.Run(ctx, s.client,
		[]string{workerKey(workerID), idleKey(w.Capability), assignedKey(workerID)},
		taskID, workerID,
	).Text()
	if err != nil {
		return fmt.Errorf("mark busy %s: %w", workerID, err)
	}
	switch res {
	case "missing":
		return fmt.Errorf("mark busy %s: %w", workerID, fleet.ErrUnknownWorker)
	case "state":
		return fmt.Errorf("mark busy %s: %w", workerID, fleet.ErrInvalidState)
	}
	return nil
}

var markIdleScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 'missing'
end
if redis.call('HGET', KEYS[1], 'status') ~= 'busy' then
    return 'state'
end
redis.call('HSET', KEYS[1], 'status', 'idle', 'current_task_id', '')
local score = tonumber(redis.call('HGET', KEYS[1], 'last_assigned') or '0')
redis.call('ZADD', KEYS[2], score, ARGV[1])
redis.call('DEL', KEYS[3])
return 'ok'
`)

// MarkIdle transitions the worker from busy back to idle.
func (s *Store) MarkIdle(ctx context.Context, workerID string) error {
	w, err := s.getWorker(ctx, workerID)
	if err != nil {
		return fmt.Errorf("mark idle: %w", err)
	}
	res, err := markIdleScript.Run(ctx, s.client,
		[]string{workerKey(workerID), idleKey(w.Capability), assignedKey(workerID)},
		workerID,
	).Text()
	if err != nil {
		return fmt.Errorf("mark idle %s: %w", workerID, err)
	}
	switch res {
	case "missing":
		return fmt.Errorf("mark idle %s: %w", workerID, fleet.ErrUnknownWorker)
	case "state":
		return fmt.Errorf("mark idle %s: %w", workerID, fleet.ErrInvalidState)
	}
	return nil
}

var removeWorkerScript = redis.NewScript(`
local fields = redis.call('HGETALL', KEYS[1])
if #fields == 0 then
    return false
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return fields
`)

// RemoveWorker deletes the registration. The assignment index survives so a
// later ReleaseWorkerTask can still requeue the worker's task.
func (s *Store) RemoveWorker(ctx context.Context, workerID string) (fleet.Worker, error) {
	w, err := s.getWorker(ctx, workerID)
	if err != nil {
		return fleet.Worker{}, fmt.Errorf("remove worker: %w", err)
	}
	_, err = removeWorkerScript.Run(ctx, s.client,
		[]string{workerKey(workerID), workersAllKey, idleKey(w.Capability)},
		workerID,
	).Result()
	if err != nil && err != redis.Nil {
		return fleet.Worker{}, fmt.Errorf("remove worker %s: %w", workerID, err)
	}
	w.Status = fleet.WorkerStatusDisconnected
	return w, nil
}

// ListWorkers returns all registrations.
func (s *Store) ListWorkers(ctx context.Context) ([]fleet.Worker, error) {
	ids, err := s.client.SMembers(ctx, workersAllKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	out := make([]fleet.Worker, 0, len(ids))
	for _, id := range ids {
		w, err := s.getWorker(ctx, id)
		if err != nil {
			// Expired between SMEMBERS and HGETALL; skip it.
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

var evictScript = redis.NewScript(`
local hb = redis.call('HGET', KEYS[1], 'last_heartbeat')
if not hb or tonumber(hb) >= tonumber(ARGV[2]) then
    return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return 1
`)

// EvictStale removes and returns workers with a heartbeat older than the
// cutoff. Each removal is conditional inside the script, so a concurrent
// heartbeat wins over the sweep.
func (s *Store) EvictStale(ctx context.Context, olderThan time.Time) ([]fleet.Worker, error) {
	workers, err := s.ListWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("evict stale: %w", err)
	}
	var evicted []fleet.Worker
	for _, w := range workers {
		if !w.LastHeartbeat.Before(olderThan) {
			continue
		}
		gone, err := evictScript.Run(ctx, s.client,
			[]string{workerKey(w.ID), workersAllKey, idleKey(w.Capability)},
			w.ID, olderThan.UnixNano(),
		).Int()
		if err != nil {
			return evicted, fmt.Errorf("evict worker %s: %w", w.ID, err)
		}
		if gone == 1 {
			w.Status = fleet.WorkerStatusDisconnected
			evicted = append(evicted, w)
		}
	}
	return evicted, nil
}

// EnqueueTask writes the task hash and appends it to its capability queue.
func (s *Store) EnqueueTask(ctx context.Context, t fleet.Task) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, taskKey(t.ID), taskFields(t))
	pipe.SAdd(ctx, tasksAllKey, t.ID)
	pipe.RPush(ctx, queueKey(t.Capability), t.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	return nil
}

var claimScript = redis.NewScript(`
local task_id = redis.call('LPOP', KEYS[1])
if not task_id then
    return false
end
local idle = redis.call('ZRANGE', KEYS[2], 0, 0)
if #idle == 0 then
    redis.call('LPUSH', KEYS[1], task_id)
    return false
end
local worker_id = idle[1]
redis.call('ZREM', KEYS[2], worker_id)
redis.call('HSET', 'task:' .. task_id,
    'status', 'assigned', 'assigned_worker_id', worker_id, 'updated_at', ARGV[1])
redis.call('HSET', 'worker:' .. worker_id,
    'status', 'busy', 'current_task_id', task_id, 'last_assigned', ARGV[1])
redis.call('SET', 'assigned:' .. worker_id, task_id)
return {task_id, worker_id}
`)

// ClaimPair atomically pops the oldest claimable task of the capability and
// pairs it with the idle worker assigned least recently.
func (s *Store) ClaimPair(ctx context.Context, capability fleet.Capability, now time.Time) (fleet.Task, fleet.Worker, bool, error) {
	res, err := claimScript.Run(ctx, s.client,
		[]string{queueKey(capability), idleKey(capability)},
		now.UnixNano(),
	).Result()
	if err == redis.Nil {
		return fleet.Task{}, fleet.Worker{}, false, nil
	}
	if err != nil {
		return fleet.Task{}, fleet.Worker{}, false, fmt.Errorf("claim %s: %w", capability, err)
	}
	pair, ok := res.([]any)
	if !ok || len(pair) != 2 {
		return fleet.Task{}, fleet.Worker{}, false, nil
	}
	taskID, _ := pair[0].(string)
	workerID, _ := pair[1].(string)
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return fleet.Task{}, fleet.Worker{}, false, fmt.Errorf("claim %s: %w", capability, err)
	}
	w, err := s.getWorker(ctx, workerID)
	if err != nil {
		return fleet.Task{}, fleet.Worker{}, false, fmt.Errorf("claim %s: %w", capability, err)
	}
	return t, w, true, nil
}

// GetTask returns the task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (fleet.Task, error) {
	fields, err := s.client.HGetAll(ctx, taskKey(taskID)).Result()
	if err != nil {
		return fleet.Task{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if len(fields) == 0 {
		return fleet.Task{}, fmt.Errorf("get task %s: %w", taskID, fleet.ErrUnknownTask)
	}
	return taskFromFields(fields), nil
}

var markRunningScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 'missing'
end
if redis.call('HGET', KEYS[1], 'status') ~= 'assigned' then
    return 'state'
end
redis.call('HSET', KEYS[1], 'status', 'running', 'updated_at', ARGV[1])
return 'ok'
`)

// MarkRunning transitions the task from assigned to running.
func (s *Store) MarkRunning(ctx context.Context, taskID string, now time.Time) error {
	res, err := markRunningScript.Run(ctx, s.client,
		[]string{taskKey(taskID)}, now.UnixNano(),
	).Text()
	if err != nil {
		return fmt.Errorf("mark running %s: %w", taskID, err)
	}
	switch res {
	case "missing":
		return fmt.Errorf("mark running %s: %w", taskID, fleet.ErrUnknownTask)
	case "state":
		return fmt.Errorf("mark running %s: %w", taskID, fleet.ErrInvalidState)
	}
	return nil
}

var completeScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
    return 'missing'
end
if status ~= 'assigned' and status ~= 'running' then
    return 'state'
end
local worker_id = redis.call('HGET', KEYS[1], 'assigned_worker_id')
if worker_id and worker_id ~= '' then
    local wkey = 'worker:' .. worker_id
    if redis.call('HGET', wkey, 'status') == 'busy' then
        redis.call('HSET', wkey, 'status', 'idle', 'current_task_id', '')
        local score = tonumber(redis.call('HGET', wkey, 'last_assigned') or '0')
        redis.call('ZADD', KEYS[3], score, worker_id)
    end
    redis.call('DEL', 'assigned:' .. worker_id)
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('HINCRBY', KEYS[4], 'completed', 1)
return 'ok'
`)

// CompleteTask finalizes the task, frees its worker, and retires the record.
func (s *Store) CompleteTask(ctx context.Context, taskID string, result json.RawMessage, now time.Time) (fleet.Task, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return fleet.Task{}, fmt.Errorf("complete task: %w", err)
	}
	res, err := completeScript.Run(ctx, s.client,
		[]string{taskKey(taskID), tasksAllKey, idleKey(t.Capability), finishedKey(t.Capability)},
		taskID,
	).Text()
	if err != nil {
		return fleet.Task{}, fmt.Errorf("complete task %s: %w", taskID, err)
	}
	switch res {
	case "missing":
		return fleet.Task{}, fmt.Errorf("complete task %s: %w", taskID, fleet.ErrUnknownTask)
	case "state":
		return fleet.Task{}, fmt.Errorf("complete task %s: %w", taskID, fleet.ErrInvalidState)
	}
	t.Status = fleet.TaskStatusCompleted
	t.Result = result
	t.UpdatedAt = now
	return t, nil
}

var failScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
    return 'missing'
end
if status ~= 'assigned' and status ~= 'running' then
    return 'state'
end
local worker_id = redis.call('HGET', KEYS[1], 'assigned_worker_id')
if worker_id and worker_id ~= '' then
    local wkey = 'worker:' .. worker_id
    if redis.call('HGET', wkey, 'status') == 'busy' then
        redis.call('HSET', wkey, 'status', 'idle', 'current_task_id', '')
        local score = tonumber(redis.call('HGET', wkey, 'last_assigned') or '0')
        redis.call('ZADD', KEYS[3], score, worker_id)
    end
    redis.call('DEL', 'assigned:' .. worker_id)
end
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempt_count') or '0')
if attempts + 1 >= tonumber(ARGV[2]) then
    redis.call('DEL', KEYS[1])
    redis.call('SREM', KEYS[2], ARGV[1])
    redis.call('HINCRBY', KEYS[5], 'dead_letter', 1)
    return 'dead_letter'
end
redis.call('HSET', KEYS[1],
    'status', 'requeued', 'assigned_worker_id', '',
    'attempt_count', attempts + 1, 'last_error', ARGV[3], 'updated_at', ARGV[4])
redis.call('RPUSH', KEYS[4], ARGV[1])
return 'requeued'
`)

// FailTask frees the worker and requeues or dead-letters the task.
func (s *Store) FailTask(ctx context.Context, taskID, reason string, maxAttempts int, now time.Time) (fleet.Task, error) {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return fleet.Task{}, fmt.Errorf("fail task: %w", err)
	}
	return s.runFail(ctx, t, reason, maxAttempts, now)
}

// ReleaseWorkerTask requeues or dead-letters whatever the lost worker held.
// GETDEL makes sure only one replica handles a given loss.
func (s *Store) ReleaseWorkerTask(ctx context.Context, workerID string, maxAttempts int, now time.Time) (fleet.Task, bool, error) {
	taskID, err := s.client.GetDel(ctx, assignedKey(workerID)).Result()
	if err == redis.Nil {
		return fleet.Task{}, false, nil
	}
	if err != nil {
		return fleet.Task{}, false, fmt.Errorf("release worker %s: %w", workerID, err)
	}
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return fleet.Task{}, false, nil
	}
	out, err := s.runFail(ctx, t, "worker lost", maxAttempts, now)
	if err != nil {
		return fleet.Task{}, false, err
	}
	return out, true, nil
}

func (s *Store) runFail(ctx context.Context, t fleet.Task, reason string, maxAttempts int, now time.Time) (fleet.Task, error) {
	res, err := failScript.Run(ctx, s.client,
		[]string{taskKey(t.ID), tasksAllKey, idleKey(t.Capability), queueKey(t.Capability), finishedKey(t.Capability)},
		t.ID, maxAttempts, reason, now.UnixNano(),
	).Text()
	if err != nil {
		return fleet.Task{}, fmt.Errorf("fail task %s: %w", t.ID, err)
	}
	t.AssignedWorkerID = ""
	t.LastError = reason
	t.UpdatedAt = now
	switch res {
	case "missing":
		return fleet.Task{}, fmt.Errorf("fail task %s: %w", t.ID, fleet.ErrUnknownTask)
	case "state":
		return fleet.Task{}, fmt.Errorf("fail task %s: %w", t.ID, fleet.ErrInvalidState)
	case "dead_letter":
		t.Status = fleet.TaskStatusDeadLetter
	default:
		t.Status = fleet.TaskStatusRequeued
		t.AttemptCount++
	}
	return t, nil
}

var expireScript = redis.NewScript(`
local created = tonumber(redis.call('HGET', KEYS[1], 'created_at') or '0')
if created == 0 or created >= tonumber(ARGV[2]) then
    return 0
end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'queued' and status ~= 'requeued' then
    return 0
end
redis.call('LREM', KEYS[2], 1, ARGV[1])
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('HINCRBY', KEYS[4], 'dead_letter', 1)
return 1
`)

// ExpireQueued dead-letters claimable tasks created before the cutoff.
func (s *Store) ExpireQueued(ctx context.Context, olderThan time.Time) ([]fleet.Task, error) {
	var expired []fleet.Task
	for _, capability := range fleet.Capabilities() {
		ids, err := s.client.LRange(ctx, queueKey(capability), 0, -1).Result()
		if err != nil {
			return expired, fmt.Errorf("expire queued %s: %w", capability, err)
		}
		for _, id := range ids {
			t, err := s.GetTask(ctx, id)
			if err != nil || !t.CreatedAt.Before(olderThan) {
				continue
			}
			gone, err := expireScript.Run(ctx, s.client,
				[]string{taskKey(id), queueKey(capability), tasksAllKey, finishedKey(capability)},
				id, olderThan.UnixNano(),
			).Int()
			if err != nil {
				return expired, fmt.Errorf("expire task %s: %w", id, err)
			}
			if gone == 1 {
				t.Status = fleet.TaskStatusDeadLetter
				t.LastError = "queued past deadline"
				expired = append(expired, t)
			}
		}
	}
	return expired, nil
}

// Stats counts live tasks per capability and status, folding in terminal
// counters.
func (s *Store) Stats(ctx context.Context) (fleet.QueueStats, error) {
	stats := fleet.QueueStats{Capabilities: make(map[fleet.Capability]map[fleet.TaskStatus]int)}
	bump := func(c fleet.Capability, st fleet.TaskStatus, n int) {
		if stats.Capabilities[c] == nil {
			stats.Capabilities[c] = make(map[fleet.TaskStatus]int)
		}
		stats.Capabilities[c][st] += n
	}
	ids, err := s.client.SMembers(ctx, tasksAllKey).Result()
	if err != nil {
		return fleet.QueueStats{}, fmt.Errorf("stats: %w", err)
	}
	for _, id := range ids {
		vals, err := s.client.HMGet(ctx, taskKey(id), "capability", "status").Result()
		if err != nil || len(vals) != 2 || vals[0] == nil || vals[1] == nil {
			continue
		}
		capability, _ := vals[0].(string)
		status, _ := vals[1].(string)
		bump(fleet.Capability(capability), fleet.TaskStatus(status), 1)
	}
	for _, capability := range fleet.Capabilities() {
		counts, err := s.client.HGetAll(ctx, finishedKey(capability)).Result()
		if err != nil {
			continue
		}
		for status, raw := range counts {
			n, err := strconv.Atoi(raw)
			if err != nil {
				continue
			}
			bump(capability, fleet.TaskStatus(status), n)
		}
	}
	return stats, nil
}

func (s *Store) getWorker(ctx context.Context, workerID string) (fleet.Worker, error) {
	fields, err := s.client.HGetAll(ctx, workerKey(workerID)).Result()
	if err != nil {
		return fleet.Worker{}, fmt.Errorf("get worker %s: %w", workerID, err)
	}
	if len(fields) == 0 {
		return fleet.Worker{}, fmt.Errorf("get worker %s: %w", workerID, fleet.ErrUnknownWorker)
	}
	return fleet.Worker{
		ID:            fields["id"],
		Name:          fields["name"],
		Capability:    fleet.Capability(fields["capability"]),
		Status:        fleet.WorkerStatus(fields["status"]),
		LastHeartbeat: timeField(fields["last_heartbeat"]),
		LastAssigned:  timeField(fields["last_assigned"]),
		CurrentTaskID: fields["current_task_id"],
	}, nil
}

func taskFields(t fleet.Task) map[string]any {
	return map[string]any{
		"id":                 t.ID,
		"capability":         string(t.Capability),
		"action":             t.Action,
		"payload":            string(t.Payload),
		"report_id":          t.ReportID,
		"status":             string(t.Status),
		"assigned_worker_id": t.AssignedWorkerID,
		"attempt_count":      t.AttemptCount,
		"last_error":         t.LastError,
		"created_at":         t.CreatedAt.UnixNano(),
		"updated_at":         t.UpdatedAt.UnixNano(),
	}
}

func taskFromFields(fields map[string]string) fleet.Task {
	attempts, _ := strconv.Atoi(fields["attempt_count"])
	return fleet.Task{
		ID:               fields["id"],
		Capability:       fleet.Capability(fields["capability"]),
		Action:           fields["action"],
		Payload:          rawField(fields["payload"]),
		ReportID:         fields["report_id"],
		Status:           fleet.TaskStatus(fields["status"]),
		AssignedWorkerID: fields["assigned_worker_id"],
		AttemptCount:     attempts,
		LastError:        fields["last_error"],
		CreatedAt:        timeField(fields["created_at"]),
		UpdatedAt:        timeField(fields["updated_at"]),
	}
}

func timeField(raw string) time.Time {
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || nanos <= 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

func rawField(raw string) json.RawMessage {
	if raw == "" {
		return nil
	}
	return json.RawMessage(raw)
}
