package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gpuwatch/internal/pkg/metrics"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "gpuwatch:queue:"

var (
	ErrNoJob     = errors.New("no job available")
	ErrJobExists = errors.New("job already pending") // 去重键命中，入队被折叠
)

// Client wraps Redis List/ZSet operations for the durable job queues.
//
// 每个队列由五个键组成：就绪 List、延迟 ZSet（score 为就绪时间毫秒）、
// 处理中 List、去重 Set、开始时间 Hash，外加一个死信 List。
type Client struct {
	rdb *redis.Client
}

// NewClient creates a jobqueue client from an existing redis.Client.
func NewClient(rdb *redis.Client) (*Client, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	return &Client{rdb: rdb}, nil
}

func listKey(queue string) string      { return keyPrefix + queue }
func delayedKey(queue string) string   { return keyPrefix + queue + ":delayed" }
func procKey(queue string) string      { return keyPrefix + queue + ":processing" }
func pendingKey(queue string) string   { return keyPrefix + queue + ":pending" }
func startedKey(queue string) string   { return keyPrefix + queue + ":started" }
func deadKey(queue string) string      { return keyPrefix + queue + ":dead" }

// pushScript 原子性地执行去重检查 + 入队，避免中间状态不一致。
// KEYS[1] = pending set, KEYS[2] = ready list, KEYS[3] = delayed zset
// ARGV[1] = dedup key ("" 表示不去重), ARGV[2] = job JSON,
// ARGV[3] = ready-at 毫秒时间戳 (0 表示立即就绪)
// 返回: 1 = 成功, 0 = 去重命中
var pushScript = redis.NewScript(`
	if ARGV[1] ~= "" then
		local added = redis.call('SADD', KEYS[1], ARGV[1])
		if added == 0 then
			return 0
		end
	end
	if tonumber(ARGV[3]) > 0 then
		redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
	else
		redis.call('LPUSH', KEYS[2], ARGV[2])
	end
	return 1
`)

// Push enqueues a job, optionally delayed.
//
// 带 DedupKey 的任务若已有同键任务 pending（就绪、延迟或处理中），
// 返回 ErrJobExists；这不是错误路径，调用方通常直接忽略。
func (c *Client) Push(ctx context.Context, job *Job, delay time.Duration) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if job.Queue == "" {
		return errors.New("job queue is empty")
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	var readyAt int64
	if delay > 0 {
		readyAt = time.Now().Add(delay).UnixMilli()
	}

	result, err := pushScript.Run(ctx, c.rdb,
		[]string{pendingKey(job.Queue), listKey(job.Queue), delayedKey(job.Queue)},
		job.DedupKey, string(data), readyAt,
	).Int()
	if err != nil {
		return fmt.Errorf("push job script: %w", err)
	}
	if result == 0 {
		return ErrJobExists
	}
	return nil
}

// promoteScript 将所有到期的延迟任务搬到就绪队列。
// KEYS[1] = delayed zset, KEYS[2] = ready list
// ARGV[1] = now 毫秒, ARGV[2] = 单次最多搬运数
var promoteScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
	for _, raw in ipairs(due) do
		redis.call('ZREM', KEYS[1], raw)
		redis.call('LPUSH', KEYS[2], raw)
	end
	return #due
`)

// Pop blocks until a job is available or timeout is reached.
//
// 先把到期的延迟任务提升到就绪队列，再 BRPOPLPUSH 到处理中队列，
// 并在 started hash 中记录开始时间（供 Janitor 判断超时用）。
func (c *Client) Pop(ctx context.Context, queue string, timeout time.Duration) (*Job, error) {
	if c == nil || c.rdb == nil {
		return nil, errors.New("redis client is not initialized")
	}

	if _, err := promoteScript.Run(ctx, c.rdb,
		[]string{delayedKey(queue), listKey(queue)},
		time.Now().UnixMilli(), 100,
	).Int(); err != nil {
		return nil, fmt.Errorf("promote delayed jobs: %w", err)
	}

	raw, err := c.rdb.BRPopLPush(ctx, listKey(queue), procKey(queue), timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("brpoplpush job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// 无法解析的消息直接进死信，避免反复阻塞队列
		c.rdb.LPush(ctx, deadKey(queue), raw)
		c.rdb.LRem(ctx, procKey(queue), 1, raw)
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	job.raw = raw

	if job.ID != "" {
		c.rdb.HSet(ctx, startedKey(queue), job.ID, time.Now().Unix())
	}
	return &job, nil
}

// ackScript 原子性地完成一个任务：移出处理中队列、释放去重键、清理开始时间。
// KEYS[1] = processing list, KEYS[2] = pending set, KEYS[3] = started hash
// ARGV[1] = job JSON, ARGV[2] = dedup key, ARGV[3] = job id
var ackScript = redis.NewScript(`
	redis.call('LREM', KEYS[1], 1, ARGV[1])
	if ARGV[2] ~= "" then
		redis.call('SREM', KEYS[2], ARGV[2])
	end
	redis.call('HDEL', KEYS[3], ARGV[3])
	return 1
`)

// Ack marks a popped job as completed.
func (c *Client) Ack(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	_, err := ackScript.Run(ctx, c.rdb,
		[]string{procKey(job.Queue), pendingKey(job.Queue), startedKey(job.Queue)},
		job.raw, job.DedupKey, job.ID,
	).Result()
	if err != nil {
		return fmt.Errorf("ack job script: %w", err)
	}
	return nil
}

// retryScript 原子性地把失败任务从处理中队列移到延迟队列等待重试。
// 去重键保持占用，确保重试期间同键入队仍被折叠。
// KEYS[1] = processing list, KEYS[2] = delayed zset, KEYS[3] = started hash
// ARGV[1] = 旧 JSON, ARGV[2] = 新 JSON (attempts+1), ARGV[3] = ready-at 毫秒, ARGV[4] = job id
var retryScript = redis.NewScript(`
	redis.call('LREM', KEYS[1], 1, ARGV[1])
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
	redis.call('HDEL', KEYS[3], ARGV[4])
	return 1
`)

// deadScript 原子性地把任务移入死信队列并释放去重键。
// KEYS[1] = processing list, KEYS[2] = pending set, KEYS[3] = started hash, KEYS[4] = dead list
// ARGV[1] = 旧 JSON, ARGV[2] = 死信条目 JSON, ARGV[3] = dedup key, ARGV[4] = job id
var deadScript = redis.NewScript(`
	redis.call('LREM', KEYS[1], 1, ARGV[1])
	if ARGV[3] ~= "" then
		redis.call('SREM', KEYS[2], ARGV[3])
	end
	redis.call('HDEL', KEYS[3], ARGV[4])
	redis.call('LPUSH', KEYS[4], ARGV[2])
	return 1
`)

// FailureAction indicates how a failed job was handled.
type FailureAction string

const (
	FailureActionRetry FailureAction = "retry"
	FailureActionDead  FailureAction = "dead"
)

// HandleFailure applies the retry/backoff policy to a failed job.
//
// 未达最大尝试次数时按退避策略延迟重试；否则写入死信队列。
func (c *Client) HandleFailure(ctx context.Context, job *Job, cause error) (FailureAction, error) {
	if job == nil {
		return "", errors.New("job is nil")
	}
	if c == nil || c.rdb == nil {
		return "", errors.New("redis client is not initialized")
	}

	old := job.raw
	job.Attempts++

	if job.Attempts >= job.MaxAttempts {
		entry := map[string]any{
			"job":       json.RawMessage(old),
			"reason":    cause.Error(),
			"failed_at": time.Now().UTC().Format(time.RFC3339Nano),
		}
		payload, err := json.Marshal(entry)
		if err != nil {
			return FailureActionDead, fmt.Errorf("marshal dead letter: %w", err)
		}
		if _, err := deadScript.Run(ctx, c.rdb,
			[]string{procKey(job.Queue), pendingKey(job.Queue), startedKey(job.Queue), deadKey(job.Queue)},
			old, string(payload), job.DedupKey, job.ID,
		).Result(); err != nil {
			return FailureActionDead, fmt.Errorf("dead letter script: %w", err)
		}
		metrics.JobsDeadLetteredTotal.WithLabelValues(job.Queue).Inc()
		return FailureActionDead, nil
	}

	data, err := json.Marshal(job)
	if err != nil {
		return FailureActionRetry, fmt.Errorf("marshal retry job: %w", err)
	}
	readyAt := time.Now().Add(job.Backoff.NextDelay(job.Attempts)).UnixMilli()
	if _, err := retryScript.Run(ctx, c.rdb,
		[]string{procKey(job.Queue), delayedKey(job.Queue), startedKey(job.Queue)},
		old, string(data), readyAt, job.ID,
	).Result(); err != nil {
		return FailureActionRetry, fmt.Errorf("retry script: %w", err)
	}
	metrics.JobRetriesTotal.WithLabelValues(job.Queue).Inc()
	return FailureActionRetry, nil
}

// rescueScript 原子性地救回一个卡死任务：只有从处理中队列成功移除时才重新入队。
// KEYS[1] = processing list, KEYS[2] = ready list, KEYS[3] = started hash
// ARGV[1] = job JSON, ARGV[2] = job id
var rescueScript = redis.NewScript(`
	local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
	if removed > 0 then
		redis.call('LPUSH', KEYS[2], ARGV[1])
		redis.call('HDEL', KEYS[3], ARGV[2])
		return 1
	end
	return 0
`)

// RescueStuck scans the processing list and requeues jobs whose started-at
// timestamp exceeds the given timeout.
//
// Worker 崩溃或被杀时任务会滞留在处理中队列；Janitor 周期调用本方法，
// 保证 at-least-once 交付。
func (c *Client) RescueStuck(ctx context.Context, queue string, timeout time.Duration) (int, error) {
	if c == nil || c.rdb == nil {
		return 0, errors.New("redis client is not initialized")
	}

	started, err := c.rdb.HGetAll(ctx, startedKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("hgetall started: %w", err)
	}
	if len(started) == 0 {
		return 0, nil
	}

	raws, err := c.rdb.LRange(ctx, procKey(queue), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("lrange processing: %w", err)
	}
	if len(raws) == 0 {
		// 处理中队列为空但 started hash 有残留，清理孤立记录
		for id := range started {
			c.rdb.HDel(ctx, startedKey(queue), id)
		}
		return 0, nil
	}

	now := time.Now().Unix()
	threshold := int64(timeout.Seconds())
	rescued := 0

	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil || job.ID == "" {
			continue
		}
		startedStr, ok := started[job.ID]
		if !ok {
			continue
		}
		startedAt, err := strconv.ParseInt(startedStr, 10, 64)
		if err != nil || now-startedAt <= threshold {
			continue
		}

		result, err := rescueScript.Run(ctx, c.rdb,
			[]string{procKey(queue), listKey(queue), startedKey(queue)},
			raw, job.ID,
		).Int()
		if err != nil {
			continue
		}
		if result == 1 {
			rescued++
		}
	}

	if rescued > 0 {
		metrics.JobsRescuedTotal.Add(float64(rescued))
	}
	return rescued, nil
}

// Depth returns ready + delayed job counts for a queue.
func (c *Client) Depth(ctx context.Context, queue string) (int64, error) {
	if c == nil || c.rdb == nil {
		return 0, errors.New("redis client is not initialized")
	}
	ready, err := c.rdb.LLen(ctx, listKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("llen ready: %w", err)
	}
	delayed, err := c.rdb.ZCard(ctx, delayedKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard delayed: %w", err)
	}
	return ready + delayed, nil
}

// DeadCount returns the dead letter list length for a queue.
func (c *Client) DeadCount(ctx context.Context, queue string) (int64, error) {
	if c == nil || c.rdb == nil {
		return 0, errors.New("redis client is not initialized")
	}
	n, err := c.rdb.LLen(ctx, deadKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("llen dead: %w", err)
	}
	return n, nil
}
