package jobqueue

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// 队列名称枚举。每个队列有独立的 worker pool 与并发度。
const (
	QueueIngest  = "ingest"
	QueueScore   = "deal-scores"
	QueueAlert   = "alerts"
	QueueCompact = "compact"
)

// BackoffKind 重试退避策略类型。
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Backoff 描述失败重试的退避策略。
type Backoff struct {
	Kind    BackoffKind `json:"kind"`
	DelayMS int64       `json:"delay_ms"` // 基础延迟（毫秒）
}

// NextDelay 返回第 attempt 次重试前应等待的时长（attempt 从 1 开始）。
func (b Backoff) NextDelay(attempt int) time.Duration {
	if b.DelayMS <= 0 {
		return 0
	}
	delay := time.Duration(b.DelayMS) * time.Millisecond
	if b.Kind == BackoffExponential {
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > 30*time.Minute {
				return 30 * time.Minute
			}
		}
	}
	return delay
}

// Job 是队列中流转的任务描述符。
//
// DedupKey 非空时，同名任务在 pending（含延迟与处理中）期间的重复入队
// 会被折叠为一次，入队方得到 ErrJobExists。
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"` // handler 路由键，如 "ingest.run"
	DedupKey    string          `json:"dedup_key,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`     // 已执行次数
	MaxAttempts int             `json:"max_attempts"` // 超过后进入死信
	Backoff     Backoff         `json:"backoff"`
	EnqueuedAt  int64           `json:"enqueued_at"` // unix 秒

	// raw 是从 Redis 取出的原始 JSON，Ack/重试时用它做精确 LREM，
	// 避免重新序列化产生的字节差异导致匹配失败。
	raw string
}

// NewJob 构造一个任务描述符。payload 必须是合法的 JSON。
func NewJob(queue, jobType string, payload json.RawMessage) *Job {
	return &Job{
		ID:          newJobID(),
		Queue:       queue,
		Type:        jobType,
		Payload:     payload,
		MaxAttempts: 3,
		Backoff:     Backoff{Kind: BackoffExponential, DelayMS: 5000},
		EnqueuedAt:  time.Now().Unix(),
	}
}

// DecodePayload 将任务负载反序列化到 v。
func (j *Job) DecodePayload(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("unmarshal job payload: %w", err)
	}
	return nil
}

func newJobID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
