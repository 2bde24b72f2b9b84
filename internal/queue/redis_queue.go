package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"stock-reconciler/internal/config"
)

// RedisQueue dispatches sync-task ids to workers through per-priority ready
// lists plus a scheduled set for deferred work. It carries no task state:
// the Postgres row is the source of truth and the cross-process concurrency
// cap is enforced there, so the queue only orders dispatch.
type RedisQueue struct {
	client         *redis.Client
	priorityQueues []string
	scheduledKey   string
	taskMetaPrefix string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	priorities := cfg.PriorityQueues
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		scheduledKey:   "synctasks:scheduled",
		taskMetaPrefix: "synctasks:meta:",
	}
}

// NewRedisQueueWithClient is the test constructor.
func NewRedisQueueWithClient(client *redis.Client, priorities []string) *RedisQueue {
	if len(priorities) == 0 {
		priorities = []string{"default"}
	}
	return &RedisQueue{
		client:         client,
		priorityQueues: priorities,
		scheduledKey:   "synctasks:scheduled",
		taskMetaPrefix: "synctasks:meta:",
	}
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("synctasks:ready:%s", priority)
}

func (q *RedisQueue) metaKey(taskID string) string {
	return q.taskMetaPrefix + taskID
}

// Enqueue inserts a task into either the scheduled set or its ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, taskID string, priority string, runAt time.Time) error {
	if priority == "" {
		priority = "default"
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(taskID), "priority", priority)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: taskID})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), taskID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled tasks into ready queues. It returns
// how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority, err := q.client.HGet(ctx, q.metaKey(id), "priority").Result()
		if err != nil || priority == "" {
			priority = "default"
		}
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Dequeue pops the next task id in priority order, or "" when every ready
// list is empty.
func (q *RedisQueue) Dequeue(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}

	res, err := dequeueScript.Run(ctx, q.client, keys).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	taskID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return taskID, nil
}

// Ack drops a task's meta record after dispatch.
func (q *RedisQueue) Ack(ctx context.Context, taskID string) error {
	return q.client.Del(ctx, q.metaKey(taskID)).Err()
}

// Remove pulls a task out of ready and scheduled sets, for cancellation.
func (q *RedisQueue) Remove(ctx context.Context, taskID string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(p), 0, taskID)
	}
	pipe.ZRem(ctx, q.scheduledKey, taskID)
	pipe.Del(ctx, q.metaKey(taskID))
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
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

var dequeueScript = redis.NewScript(`
for i=1,#KEYS do
  local task = redis.call('LPOP', KEYS[i])
  if task then
    return task
  end
end
return nil
`)
