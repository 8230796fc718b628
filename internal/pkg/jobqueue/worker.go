package jobqueue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"gpuwatch/internal/pkg/metrics"
)

// Handler 处理某一类型任务的回调函数。
type Handler func(ctx context.Context, job *Job) error

// WorkerPool 从单个 Redis 队列消费任务的固定 worker 池。
//
// 每个队列独立一个池，按任务 Type 分发到注册的 Handler；
// Handler 返回错误或 panic 时交给重试/死信策略处理。
type WorkerPool struct {
	logger   *slog.Logger
	client   *Client
	queue    string
	workers  int
	handlers map[string]Handler

	// 优雅关闭
	wg     sync.WaitGroup
	closed atomic.Bool

	// 指标统计
	stats poolStats
}

// poolStats 池内部统计信息（使用 atomic 类型）。
type poolStats struct {
	TotalProcessed atomic.Int64 // 总处理完成数
	TotalSucceeded atomic.Int64 // 成功任务数
	TotalFailed    atomic.Int64 // 失败任务数
	TotalPanics    atomic.Int64 // Panic 次数
}

// PoolStats 池统计信息快照（普通值类型，可安全拷贝）。
type PoolStats struct {
	TotalProcessed int64
	TotalSucceeded int64
	TotalFailed    int64
	TotalPanics    int64
}

// NewWorkerPool 创建一个队列消费池。
//
// 参数:
//   - logger: 日志记录器
//   - client: 队列客户端
//   - queue: 消费的队列名
//   - workers: worker 数量（至少为 1）
func NewWorkerPool(logger *slog.Logger, client *Client, queue string, workers int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	return &WorkerPool{
		logger:   logger.With(slog.String("queue", queue)),
		client:   client,
		queue:    queue,
		workers:  workers,
		handlers: make(map[string]Handler),
	}
}

// Register 注册某任务类型的 Handler。必须在 Start 前调用。
func (p *WorkerPool) Register(jobType string, handler Handler) {
	p.handlers[jobType] = handler
}

// Start 启动 worker 池，直到 ctx 被取消或调用 Shutdown。
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info("worker pool started", slog.Int("workers", p.workers))
}

// worker 单个 worker 的执行逻辑：阻塞弹出任务并执行。
func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		if ctx.Err() != nil || p.closed.Load() {
			p.logger.Debug("worker stopped", slog.Int("worker_id", id))
			return
		}

		job, err := p.client.Pop(ctx, p.queue, 2*time.Second)
		if err != nil {
			if err == ErrNoJob || ctx.Err() != nil {
				continue
			}
			p.logger.Warn("pop job failed", slog.String("error", err.Error()))
			// Redis 故障时退避，避免空转刷日志
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}

		p.executeJob(ctx, job, id)
	}
}

// executeJob 执行单个任务，带 panic 恢复和失败处理。
func (p *WorkerPool) executeJob(ctx context.Context, job *Job, workerID int) {
	var err error

	func() {
		defer func() {
			if r := recover(); r != nil {
				p.stats.TotalPanics.Add(1)
				err = fmt.Errorf("job panic: %v", r)
				p.logger.Error("job panic recovered",
					slog.Int("worker_id", workerID),
					slog.String("job_id", job.ID),
					slog.String("job_type", job.Type),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
			}
		}()

		handler, ok := p.handlers[job.Type]
		if !ok {
			err = fmt.Errorf("no handler for job type %q", job.Type)
			return
		}
		err = handler(ctx, job)
	}()

	p.stats.TotalProcessed.Add(1)

	if err != nil {
		p.stats.TotalFailed.Add(1)
		metrics.JobsProcessedTotal.WithLabelValues(p.queue, "failure").Inc()
		p.logger.Warn("job failed",
			slog.Int("worker_id", workerID),
			slog.String("job_id", job.ID),
			slog.String("job_type", job.Type),
			slog.Int("attempts", job.Attempts+1),
			slog.String("error", err.Error()))

		action, herr := p.client.HandleFailure(ctx, job, err)
		if herr != nil {
			p.logger.Error("handle job failure",
				slog.String("job_id", job.ID),
				slog.String("error", herr.Error()))
			return
		}
		if action == FailureActionDead {
			p.logger.Error("job dead lettered",
				slog.String("job_id", job.ID),
				slog.String("job_type", job.Type),
				slog.Int("attempts", job.Attempts))
		}
		return
	}

	p.stats.TotalSucceeded.Add(1)
	metrics.JobsProcessedTotal.WithLabelValues(p.queue, "success").Inc()
	if err := p.client.Ack(ctx, job); err != nil {
		p.logger.Error("ack job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}
}

// ShutdownWithTimeout 带超时的优雅关闭：等待所有 worker 完成当前任务。
func (p *WorkerPool) ShutdownWithTimeout(timeout time.Duration) error {
	if !p.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("worker pool already closed")
	}

	p.logger.Info("worker pool shutdown initiated",
		slog.String("timeout", timeout.String()))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool shutdown completed")
		return nil
	case <-time.After(timeout):
		p.logger.Error("worker pool shutdown timeout")
		return fmt.Errorf("shutdown timeout after %s", timeout)
	}
}

// Stats 获取池统计信息的快照。
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		TotalProcessed: p.stats.TotalProcessed.Load(),
		TotalSucceeded: p.stats.TotalSucceeded.Load(),
		TotalFailed:    p.stats.TotalFailed.Load(),
		TotalPanics:    p.stats.TotalPanics.Load(),
	}
}

// IsClosed 返回池是否已关闭。
func (p *WorkerPool) IsClosed() bool {
	return p.closed.Load()
}
