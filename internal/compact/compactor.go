package compact

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"gpuwatch/internal/pkg/jobqueue"
	"gpuwatch/internal/pkg/metrics"
)

const (
	// RetentionWindow 是原始价格点的保留期，超期的点先汇总再删除。
	RetentionWindow = 180 * 24 * time.Hour

	// 单批删除行数，防止长事务锁表
	pruneBatchSize = 1000
)

type Store interface {
	// CompressOlderThan 把 cutoff 之前的原始点按 (gpu, retailer, 周) 汇总
	// 写入压缩表，已存在的周聚合保持不变。返回新插入的聚合行数。
	CompressOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	// PruneBatch 删除 cutoff 之前的一批原始点，返回删除行数。
	PruneBatch(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) CompressOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	// INSERT IGNORE 保证按周聚合只插入不更新，重复执行不产生重复行
	result := s.db.WithContext(ctx).Exec(`
		INSERT IGNORE INTO price_history_compresseds
			(gpu_id, retailer, week_start, avg_price_usd, min_price_usd, max_price_usd, sample_count)
		SELECT
			gpu_id,
			retailer,
			DATE_SUB(DATE(recorded_at), INTERVAL WEEKDAY(recorded_at) DAY) AS week_start,
			AVG(price_usd),
			MIN(price_usd),
			MAX(price_usd),
			COUNT(*)
		FROM price_history_points
		WHERE recorded_at < ?
		GROUP BY gpu_id, retailer, week_start
	`, cutoff)
	if result.Error != nil {
		return 0, fmt.Errorf("compress history: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *GormStore) PruneBatch(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	result := s.db.WithContext(ctx).Exec(
		"DELETE FROM price_history_points WHERE recorded_at < ? LIMIT ?",
		cutoff, limit,
	)
	if result.Error != nil {
		return 0, fmt.Errorf("prune history batch: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Compactor 定期把过保留期的原始价格点汇总成周聚合并批量删除。
// 先汇总后删除：任何一步失败都不会丢数据，重跑安全。
type Compactor struct {
	store     Store
	logger    *slog.Logger
	retention time.Duration

	now func() time.Time // 测试注入
}

func NewCompactor(store Store, retention time.Duration, logger *slog.Logger) *Compactor {
	if retention <= 0 {
		retention = RetentionWindow
	}
	return &Compactor{store: store, logger: logger, retention: retention, now: time.Now}
}

func (c *Compactor) Run(ctx context.Context) error {
	cutoff := c.now().Add(-c.retention)
	start := time.Now()

	compressed, err := c.store.CompressOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("compaction aborted before prune: %w", err)
	}

	var pruned int64
	for {
		n, err := c.store.PruneBatch(ctx, cutoff, pruneBatchSize)
		if err != nil {
			// 已汇总的数据是安全的，删到一半下次接着删
			return fmt.Errorf("prune after %d rows: %w", pruned, err)
		}
		pruned += n
		if n < pruneBatchSize {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	metrics.HistoryPointsPruned.Add(float64(pruned))
	c.logger.Info("history compaction finished",
		slog.Time("cutoff", cutoff),
		slog.Int64("weekly_rows_added", compressed),
		slog.Int64("raw_rows_pruned", pruned),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// HandleJob 是 compact.run 任务的队列入口。
func (c *Compactor) HandleJob(ctx context.Context, job *jobqueue.Job) error {
	return c.Run(ctx)
}
