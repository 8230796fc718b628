package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gpuwatch/internal/model"
	"gpuwatch/internal/pkg/jobqueue"
	"gpuwatch/internal/pkg/metrics"
	"gpuwatch/internal/pkg/observe"
)

// Queue 抓取阶段需要的入队能力，由 jobqueue.Client 满足。
type Queue interface {
	Push(ctx context.Context, job *jobqueue.Job, delay time.Duration) error
}

// Fetcher 按数据源创建连接器并执行抓取。存在是为了让测试注入假连接器。
type Fetcher interface {
	Fetch(ctx context.Context, source string, gpus []model.CatalogEntry) (offers []model.RetailerOffer, errs []string, err error)
}

// Coordinator 驱动一次抓取：目录加载 → 连接器抓取 → 落库 → 评分入队 → 审计。
type Coordinator struct {
	store   Store
	queue   Queue
	fetcher Fetcher
	sink    observe.Sink
	logger  *slog.Logger

	staleAfter      time.Duration // 报价过期阈值
	scoreDedupDelay time.Duration // 评分任务的去重延迟窗口
}

// NewCoordinator 创建抓取协调器。
func NewCoordinator(store Store, queue Queue, fetcher Fetcher, sink observe.Sink, logger *slog.Logger, staleAfter, scoreDedupDelay time.Duration) *Coordinator {
	if staleAfter <= 0 {
		staleAfter = 6 * time.Hour
	}
	return &Coordinator{
		store:           store,
		queue:           queue,
		fetcher:         fetcher,
		sink:            sink,
		logger:          logger,
		staleAfter:      staleAfter,
		scoreDedupDelay: scoreDedupDelay,
	}
}

// Run 执行一次抓取。gpuID 为 0 表示全部活跃条目。
//
// 单条报价的落库失败只记入审计错误列表；连接器在产出任何结果前
// 整体失败（如凭证缺失）时返回 error，交给队列的重试策略。
func (c *Coordinator) Run(ctx context.Context, source string, gpuID uint) error {
	start := time.Now()

	catalog, err := c.store.ActiveCatalog(ctx, gpuID)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if len(catalog) == 0 {
		c.logger.Warn("no active catalog entries for ingestion",
			slog.String("source", source),
			slog.Uint64("gpu_id", uint64(gpuID)))
		return nil
	}

	offers, fetchErrs, err := c.fetcher.Fetch(ctx, source, catalog)
	if err != nil {
		return fmt.Errorf("fetch offers from %s: %w", source, err)
	}

	runErrs := append([]string{}, fetchErrs...)
	updated := 0
	scoredGPUs := make(map[uint]bool)

	for i := range offers {
		offer := &offers[i]
		if err := c.persistOffer(ctx, offer); err != nil {
			runErrs = append(runErrs, err.Error())
			c.sink.CaptureException(err, map[string]string{
				"source": source,
				"stage":  "persist_offer",
			})
			metrics.OfferErrorsTotal.WithLabelValues(source).Inc()
			continue
		}
		updated++
		metrics.OffersUpsertedTotal.Inc()

		// 同一 GPU 的多条报价只入队一次评分；去重键在队列层兜底
		if !scoredGPUs[offer.GPUID] {
			scoredGPUs[offer.GPUID] = true
			c.enqueueScore(ctx, offer.GPUID)
		}
	}

	status := runStatus(updated, len(runErrs))
	if err := c.writeAudit(ctx, source, status, updated, runErrs, time.Since(start)); err != nil {
		c.logger.Error("write ingestion audit", slog.String("error", err.Error()))
	}
	metrics.IngestRunsTotal.WithLabelValues(source, status).Inc()

	c.checkStaleness(ctx)

	c.logger.Info("ingestion run finished",
		slog.String("source", source),
		slog.String("status", status),
		slog.Int("gpus_updated", updated),
		slog.Int("errors", len(runErrs)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// persistOffer 写入报价快照并追加一条历史点。
func (c *Coordinator) persistOffer(ctx context.Context, offer *model.RetailerOffer) error {
	if err := c.store.UpsertOffer(ctx, offer); err != nil {
		return err
	}
	point := &model.PriceHistoryPoint{
		GPUID:       offer.GPUID,
		Retailer:    offer.Retailer,
		PriceUSD:    offer.PriceUSD,
		StockStatus: offer.StockStatus,
		RecordedAt:  offer.LastCheckedAt,
	}
	if point.RecordedAt.IsZero() {
		point.RecordedAt = time.Now().UTC()
	}
	return c.store.AppendHistoryPoint(ctx, point)
}

// enqueueScore 入队评分任务。去重命中不是错误。
func (c *Coordinator) enqueueScore(ctx context.Context, gpuID uint) {
	job := jobqueue.NewScoreJob(gpuID)
	if err := c.queue.Push(ctx, job, c.scoreDedupDelay); err != nil {
		if errors.Is(err, jobqueue.ErrJobExists) {
			return
		}
		c.logger.Error("enqueue score job",
			slog.Uint64("gpu_id", uint64(gpuID)),
			slog.String("error", err.Error()))
	}
}

func (c *Coordinator) writeAudit(ctx context.Context, source, status string, updated int, runErrs []string, duration time.Duration) error {
	errsJSON, err := json.Marshal(runErrs)
	if err != nil {
		errsJSON = []byte("[]")
	}
	return c.store.InsertRun(ctx, &model.IngestionRun{
		Source:      source,
		Status:      status,
		GPUsUpdated: updated,
		Errors:      string(errsJSON),
		DurationMS:  duration.Milliseconds(),
	})
}

// checkStaleness 统计超过阈值未刷新的报价，存在则上报告警，不阻塞主流程。
func (c *Coordinator) checkStaleness(ctx context.Context) {
	stale, err := c.store.CountStaleOffers(ctx, time.Now().Add(-c.staleAfter))
	if err != nil {
		c.logger.Warn("staleness check failed", slog.String("error", err.Error()))
		return
	}
	metrics.StaleOffersGauge.Set(float64(stale))
	if stale > 0 {
		c.sink.CaptureMessage(
			fmt.Sprintf("%d retailer offers not refreshed within %s", stale, c.staleAfter),
			"warning")
	}
}

// HandleJob 是绑定到 ingest 队列的任务处理函数。
func (c *Coordinator) HandleJob(ctx context.Context, job *jobqueue.Job) error {
	var p jobqueue.IngestPayload
	if err := job.DecodePayload(&p); err != nil {
		return err
	}
	if p.Source == "" {
		return fmt.Errorf("ingest job missing source")
	}
	return c.Run(ctx, p.Source, p.GPUID)
}

func runStatus(updated, errCount int) string {
	switch {
	case errCount == 0:
		return model.RunStatusSuccess
	case updated > 0:
		return model.RunStatusPartial
	default:
		return model.RunStatusError
	}
}
