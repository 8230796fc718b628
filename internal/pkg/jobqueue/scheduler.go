package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"gpuwatch/internal/pkg/metrics"
)

// Entry 一条周期性调度规则：每隔 Every 向 Queue 投递一个 Type 任务。
type Entry struct {
	Name    string        // 规则名，用于日志与去重键
	Queue   string        // 目标队列
	Type    string        // 任务类型
	Payload any           // 任务载荷，入队时序列化为 JSON
	Every   time.Duration // 调度间隔
	Initial bool          // 启动时是否立即触发一次
}

// Scheduler 周期性任务调度器。
//
// 每条规则有自己的 goroutine 和 ticker；多副本部署时依赖队列的
// 去重键（recurring:<name>）保证同一周期只有一个任务生效。
type Scheduler struct {
	logger  *slog.Logger
	client  *Client
	entries []Entry

	janitorInterval time.Duration
	janitorTimeout  time.Duration
}

// NewScheduler 创建调度器。
//
// 参数:
//
//	logger: 日志记录器
//	client: 队列客户端
//	janitorInterval: 卡死任务巡检间隔（0 表示使用默认值 5 分钟）
//	janitorTimeout: 判定任务卡死的超时（0 表示使用默认值 30 分钟）
func NewScheduler(logger *slog.Logger, client *Client, janitorInterval, janitorTimeout time.Duration) *Scheduler {
	if janitorInterval <= 0 {
		janitorInterval = 5 * time.Minute
	}
	if janitorTimeout <= 0 {
		janitorTimeout = 30 * time.Minute
	}
	return &Scheduler{
		logger:          logger,
		client:          client,
		janitorInterval: janitorInterval,
		janitorTimeout:  janitorTimeout,
	}
}

// Add 注册一条调度规则。必须在 Run 前调用。
func (s *Scheduler) Add(entry Entry) {
	s.entries = append(s.entries, entry)
}

// Run 启动所有调度循环，直到 ctx 被取消。
func (s *Scheduler) Run(ctx context.Context) {
	for _, entry := range s.entries {
		if entry.Every <= 0 {
			s.logger.Warn("skip schedule entry with no interval",
				slog.String("entry", entry.Name))
			continue
		}
		go s.runEntry(ctx, entry)
	}
	s.logger.Info("scheduler started", slog.Int("entries", len(s.entries)))
}

// runEntry 单条规则的调度循环。
func (s *Scheduler) runEntry(ctx context.Context, entry Entry) {
	if entry.Initial {
		s.fire(ctx, entry)
	}

	ticker := time.NewTicker(entry.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("schedule entry stopped", slog.String("entry", entry.Name))
			return
		case <-ticker.C:
			s.fire(ctx, entry)
		}
	}
}

// fire 投递一次调度任务。去重命中说明上一周期的任务还没处理完，跳过即可。
func (s *Scheduler) fire(ctx context.Context, entry Entry) {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		s.logger.Error("marshal schedule payload",
			slog.String("entry", entry.Name),
			slog.String("error", err.Error()))
		return
	}

	job := NewJob(entry.Queue, entry.Type, payload)
	job.DedupKey = "recurring:" + entry.Name

	if err := s.client.Push(ctx, job, 0); err != nil {
		if errors.Is(err, ErrJobExists) {
			s.logger.Debug("schedule entry still pending, skip",
				slog.String("entry", entry.Name))
			return
		}
		s.logger.Error("push scheduled job",
			slog.String("entry", entry.Name),
			slog.String("error", err.Error()))
		return
	}

	s.logger.Info("scheduled job enqueued",
		slog.String("entry", entry.Name),
		slog.String("queue", entry.Queue),
		slog.String("type", entry.Type))
}

// StartJanitor runs a periodic rescue loop for stuck jobs on the given queues.
func (s *Scheduler) StartJanitor(ctx context.Context, queues []string) {
	ticker := time.NewTicker(s.janitorInterval)
	s.logger.Info("janitor started",
		slog.String("interval", s.janitorInterval.String()),
		slog.String("timeout", s.janitorTimeout.String()))

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runRescue(ctx, queues)
			}
		}
	}()
}

func (s *Scheduler) runRescue(ctx context.Context, queues []string) {
	for _, q := range queues {
		rescued, err := s.client.RescueStuck(ctx, q, s.janitorTimeout)
		if err != nil {
			s.logger.Error("rescue stuck jobs",
				slog.String("queue", q),
				slog.String("error", err.Error()))
			continue
		}
		if rescued > 0 {
			s.logger.Warn("rescued stuck jobs",
				slog.String("queue", q),
				slog.Int("count", rescued))
		}
	}
}

// StartDepthMonitor 周期性上报各队列深度指标。
func (s *Scheduler) StartDepthMonitor(ctx context.Context, queues []string, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, q := range queues {
					depth, err := s.client.Depth(ctx, q)
					if err != nil {
						continue
					}
					metrics.QueueDepth.WithLabelValues(q).Set(float64(depth))
				}
			}
		}
	}()
}
