package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gpuwatch/internal/model"
	"gpuwatch/internal/pkg/jobqueue"
	"gpuwatch/internal/pkg/metrics"
	"gpuwatch/internal/pkg/notify"
)

// DefaultCooldown 是同一订阅两次通知之间的最小间隔。
// 冷却标记在入队发信任务时写入，而不是发送成功时：同一轮评分的
// 多个零售商命中不会给用户连发多封。
const DefaultCooldown = 4 * time.Hour

type Queue interface {
	Push(ctx context.Context, job *jobqueue.Job, delay time.Duration) error
}

// Dispatcher 把捡漏评分翻译为发信任务：筛选合格订阅、做冷却检查、
// 逐订阅入队，再在发信任务里渲染并投递邮件。
type Dispatcher struct {
	store    Store
	queue    Queue
	notifier notify.Notifier
	logger   *slog.Logger
	cooldown time.Duration

	now func() time.Time // 测试注入
}

func NewDispatcher(store Store, queue Queue, notifier notify.Notifier, cooldown time.Duration, logger *slog.Logger) *Dispatcher {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Dispatcher{
		store:    store,
		queue:    queue,
		notifier: notifier,
		logger:   logger,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Evaluate 对某 GPU 的当前捡漏结果做一轮订阅匹配。
// 多个零售商同时命中时取最低价那个作为通知内容。
func (d *Dispatcher) Evaluate(ctx context.Context, gpuID uint) error {
	deals, err := d.store.ActiveDeals(ctx, gpuID)
	if err != nil {
		return fmt.Errorf("load deals for gpu %d: %w", gpuID, err)
	}
	if len(deals) == 0 {
		d.logger.Debug("no active deals, skip alert evaluation", slog.Uint64("gpu_id", uint64(gpuID)))
		return nil
	}

	best := deals[0]
	for _, deal := range deals[1:] {
		if deal.PriceUSD < best.PriceUSD {
			best = deal
		}
	}

	watches, err := d.store.WatchesForGPU(ctx, gpuID)
	if err != nil {
		return fmt.Errorf("load watches for gpu %d: %w", gpuID, err)
	}

	now := d.now()
	enqueued := 0
	for i := range watches {
		watch := &watches[i]
		if !Qualifies(watch, best) {
			continue
		}
		if !CooldownElapsed(watch, now, d.cooldown) {
			d.logger.Debug("watch in cooldown window",
				slog.Uint64("watch_id", uint64(watch.ID)),
				slog.Time("last_notified_at", *watch.LastNotifiedAt))
			continue
		}

		job := jobqueue.NewAlertSendJob(jobqueue.AlertSendPayload{
			WatchID:  watch.ID,
			GPUID:    gpuID,
			Retailer: best.Retailer,
			PriceUSD: best.PriceUSD,
		})
		if err := d.queue.Push(ctx, job, 0); err != nil {
			d.logger.Error("failed to enqueue alert send",
				slog.Uint64("watch_id", uint64(watch.ID)),
				slog.String("error", err.Error()))
			continue
		}
		if err := d.store.StampNotified(ctx, watch.ID, now); err != nil {
			d.logger.Error("failed to stamp cooldown",
				slog.Uint64("watch_id", uint64(watch.ID)),
				slog.String("error", err.Error()))
		}
		metrics.AlertsEnqueuedTotal.Inc()
		enqueued++
	}

	if enqueued > 0 {
		d.logger.Info("alert sends enqueued",
			slog.Uint64("gpu_id", uint64(gpuID)),
			slog.String("retailer", best.Retailer),
			slog.Int("count", enqueued))
	}
	return nil
}

// Qualifies 判断一个订阅是否被某个捡漏命中。
// 两条路径任一满足即命中：价格达到目标价，或订阅了到货提醒且价格有效。
// 两者都没配置的订阅不产生通知。
func Qualifies(watch *model.GPUWatch, deal DealView) bool {
	if watch.TargetPriceUSD != nil && deal.PriceUSD <= *watch.TargetPriceUSD {
		return true
	}
	if watch.NotifyInStock && deal.PriceUSD > 0 {
		return true
	}
	return false
}

// CooldownElapsed 判断订阅是否已出冷却窗口。
func CooldownElapsed(watch *model.GPUWatch, now time.Time, window time.Duration) bool {
	if watch.LastNotifiedAt == nil {
		return true
	}
	return now.Sub(*watch.LastNotifiedAt) >= window
}

// Send 执行单个发信任务：重取订阅与评分快照，重新校验命中条件后渲染投递。
// 订阅已被删除、或重取后不再命中（如用户改低了目标价）视为任务完成；
// 发信失败返回错误交给队列重试。
func (d *Dispatcher) Send(ctx context.Context, p jobqueue.AlertSendPayload) error {
	watch, err := d.store.WatchByID(ctx, p.WatchID)
	if errors.Is(err, ErrWatchNotFound) {
		d.logger.Warn("watch deleted before send, dropping alert",
			slog.Uint64("watch_id", uint64(p.WatchID)))
		return nil
	}
	if err != nil {
		return err
	}

	data, err := d.store.AlertData(ctx, p.GPUID, p.Retailer)
	if errors.Is(err, ErrNoDealData) {
		d.logger.Warn("deal data gone before send, dropping alert",
			slog.Uint64("gpu_id", uint64(p.GPUID)),
			slog.String("retailer", p.Retailer))
		return nil
	}
	if err != nil {
		return err
	}

	// 入队到发送之间订阅可能被用户改过，用最新价格重新校验
	current := DealView{
		GPUID:       p.GPUID,
		Retailer:    p.Retailer,
		PriceUSD:    data.PriceUSD,
		StockStatus: data.StockStatus,
		DealReason:  data.DealReason,
		PctBelowAvg: data.PctBelowAvg,
	}
	if !Qualifies(watch, current) {
		d.logger.Warn("watch no longer qualifies at send time, dropping alert",
			slog.Uint64("watch_id", uint64(watch.ID)),
			slog.Float64("price_usd", data.PriceUSD))
		return nil
	}

	priceAlert := &notify.PriceAlert{
		GPUName:     data.GPUName,
		GPUSlug:     data.GPUSlug,
		Retailer:    p.Retailer,
		PriceUSD:    data.PriceUSD,
		MSRPUSD:     data.MSRPUSD,
		PctBelowAvg: data.PctBelowAvg,
		DealReason:  data.DealReason,
		StockStatus: data.StockStatus,
		ProductURL:  data.AffiliateURL,
	}
	if err := d.notifier.SendPriceAlert(ctx, priceAlert, watch.Email); err != nil {
		metrics.AlertSendsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("send alert to %s: %w", watch.Email, err)
	}

	metrics.AlertSendsTotal.WithLabelValues("success").Inc()
	d.logger.Info("price alert sent",
		slog.String("gpu", data.GPUSlug),
		slog.String("retailer", p.Retailer),
		slog.Float64("price_usd", data.PriceUSD))
	return nil
}

// HandleEvaluate 是 alert.evaluate 任务的队列入口。
func (d *Dispatcher) HandleEvaluate(ctx context.Context, job *jobqueue.Job) error {
	var p jobqueue.AlertEvaluatePayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	if p.GPUID == 0 {
		return fmt.Errorf("alert evaluate payload missing gpu_id")
	}
	return d.Evaluate(ctx, p.GPUID)
}

// HandleSend 是 alert.send 任务的队列入口。
func (d *Dispatcher) HandleSend(ctx context.Context, job *jobqueue.Job) error {
	var p jobqueue.AlertSendPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	if p.WatchID == 0 || p.GPUID == 0 {
		return fmt.Errorf("alert send payload missing ids")
	}
	return d.Send(ctx, p)
}
