package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

// 任务类型，作为 worker pool 的 handler 路由键。
const (
	TypeIngestRun     = "ingest.run"
	TypeScoreGPU      = "score.gpu"
	TypeAlertEvaluate = "alert.evaluate"
	TypeAlertSend     = "alert.send"
	TypeCompactRun    = "compact.run"
)

// IngestPayload 抓取任务负载。GPUID 为 0 表示抓取全部活跃条目。
type IngestPayload struct {
	Source string `json:"source"`
	GPUID  uint   `json:"gpu_id,omitempty"`
}

// ScorePayload 评分任务负载。
type ScorePayload struct {
	GPUID uint `json:"gpu_id"`
}

// AlertEvaluatePayload 提醒评估任务负载，评分发现 deal 后触发。
type AlertEvaluatePayload struct {
	GPUID uint `json:"gpu_id"`
}

// AlertSendPayload 单个订阅的发信任务负载。
type AlertSendPayload struct {
	WatchID  uint    `json:"watch_id"`
	GPUID    uint    `json:"gpu_id"`
	Retailer string  `json:"retailer"`
	PriceUSD float64 `json:"price_usd"`
}

// CompactPayload 历史压缩任务负载，当前为空，保留扩展位。
type CompactPayload struct{}

// NewScoreJob 构造一个去重的评分任务：同一 GPU 在去重窗口内的
// 多次入队折叠为一次执行。
func NewScoreJob(gpuID uint) *Job {
	payload, _ := json.Marshal(ScorePayload{GPUID: gpuID})
	job := NewJob(QueueScore, TypeScoreGPU, payload)
	job.DedupKey = fmt.Sprintf("score:%d", gpuID)
	return job
}

// NewAlertEvaluateJob 构造一个去重的提醒评估任务。
func NewAlertEvaluateJob(gpuID uint) *Job {
	payload, _ := json.Marshal(AlertEvaluatePayload{GPUID: gpuID})
	job := NewJob(QueueAlert, TypeAlertEvaluate, payload)
	job.DedupKey = fmt.Sprintf("alert-eval:%d", gpuID)
	return job
}

// NewAlertSendJob 构造一个发信任务。不去重：每个命中的订阅各发一封。
func NewAlertSendJob(p AlertSendPayload) *Job {
	payload, _ := json.Marshal(p)
	job := NewJob(QueueAlert, TypeAlertSend, payload)
	job.MaxAttempts = 2
	job.Backoff = Backoff{Kind: BackoffFixed, DelayMS: int64(30 * time.Second / time.Millisecond)}
	return job
}
