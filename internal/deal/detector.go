package deal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"gpuwatch/internal/model"
	"gpuwatch/internal/pkg/jobqueue"
	"gpuwatch/internal/pkg/metrics"
)

// 捡漏判定规则：
//  1. 价格低于 30 天均价 8% 以上，或
//  2. 价格不高于指导价且库存为 in_stock / limited
//
// 条件 1 优先决定 reason 文案。波动分以 200 USD 标准差为满分线性归一。
const (
	dealThresholdPct = 8.0
	volatilityScale  = 200.0
	statsWindow      = 30 * 24 * time.Hour
)

// Queue 评分阶段需要的入队能力。
type Queue interface {
	Push(ctx context.Context, job *jobqueue.Job, delay time.Duration) error
}

// Detector 计算捡漏评分并在发现 deal 时触发提醒评估。
type Detector struct {
	store  Store
	queue  Queue
	logger *slog.Logger
}

func NewDetector(store Store, queue Queue, logger *slog.Logger) *Detector {
	return &Detector{store: store, queue: queue, logger: logger}
}

// ScoreGPU 对某 GPU 的全部在售报价逐个评分，返回写入的评分列表。
//
// 指导价非正的条目视为目录数据错误，按非 deal 跳过分类，
// 但仍会写入评分行供排查。
func (d *Detector) ScoreGPU(ctx context.Context, gpuID uint) ([]model.DealScore, error) {
	offers, err := d.store.LiveOffers(ctx, gpuID)
	if err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		d.logger.Debug("no live offers to score", slog.Uint64("gpu_id", uint64(gpuID)))
		return nil, nil
	}

	since := time.Now().Add(-statsWindow)
	scores := make([]model.DealScore, 0, len(offers))
	anyDeal := false

	for _, offer := range offers {
		stats, err := d.store.RollingStats(ctx, offer.GPUID, offer.Retailer, since)
		if err != nil {
			return scores, err
		}

		score := Classify(offer, stats)
		if err := d.store.UpsertScore(ctx, &score); err != nil {
			return scores, err
		}
		scores = append(scores, score)

		if score.IsDeal {
			anyDeal = true
			metrics.DealsDetectedTotal.Inc()
			d.logger.Info("deal detected",
				slog.Uint64("gpu_id", uint64(offer.GPUID)),
				slog.String("retailer", offer.Retailer),
				slog.Float64("price", offer.PriceUSD),
				slog.String("reason", score.DealReason))
		}
	}

	if anyDeal {
		d.enqueueAlertEvaluate(ctx, gpuID)
	}
	return scores, nil
}

// Classify 对单条报价做纯函数分类，便于独立测试。
func Classify(offer OfferView, stats *RollingStats) model.DealScore {
	score := model.DealScore{
		GPUID:           offer.GPUID,
		Retailer:        offer.Retailer,
		CurrentPriceUSD: offer.PriceUSD,
		ComputedAt:      time.Now().UTC(),
	}

	hasHistory := stats != nil && stats.Samples > 0 && stats.Avg > 0
	if hasHistory {
		score.Rolling30dAvg = stats.Avg
		score.Rolling30dMin = stats.Min
		score.Rolling30dMax = stats.Max
		score.VolatilityScore = math.Min(100, stats.StdDev/volatilityScale*100)
		score.PctBelowAvg = (stats.Avg - offer.PriceUSD) / stats.Avg * 100
	}

	// 指导价必须为正；脏数据按非 deal 处理
	if offer.MSRPUSD <= 0 {
		return score
	}
	score.MSRPDeltaPct = (offer.MSRPUSD - offer.PriceUSD) / offer.MSRPUSD * 100

	condition1 := hasHistory && score.PctBelowAvg >= dealThresholdPct
	condition2 := offer.PriceUSD <= offer.MSRPUSD &&
		(offer.StockStatus == model.StockInStock || offer.StockStatus == model.StockLimited)

	switch {
	case condition1:
		score.IsDeal = true
		score.DealReason = fmt.Sprintf("%.1f%% below 30-day average", score.PctBelowAvg)
	case condition2:
		score.IsDeal = true
		score.DealReason = "At or below MSRP and in stock"
	}
	return score
}

// enqueueAlertEvaluate 入队提醒评估任务。去重命中不是错误。
func (d *Detector) enqueueAlertEvaluate(ctx context.Context, gpuID uint) {
	job := jobqueue.NewAlertEvaluateJob(gpuID)
	if err := d.queue.Push(ctx, job, 0); err != nil {
		if errors.Is(err, jobqueue.ErrJobExists) {
			return
		}
		d.logger.Error("enqueue alert evaluation",
			slog.Uint64("gpu_id", uint64(gpuID)),
			slog.String("error", err.Error()))
	}
}

// HandleJob 是绑定到 deal-scores 队列的任务处理函数。
func (d *Detector) HandleJob(ctx context.Context, job *jobqueue.Job) error {
	var p jobqueue.ScorePayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	if p.GPUID == 0 {
		return fmt.Errorf("score job missing gpu_id")
	}
	_, err := d.ScoreGPU(ctx, p.GPUID)
	return err
}
