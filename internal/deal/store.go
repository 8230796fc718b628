package deal

import (
	"context"
	"fmt"
	"time"

	"gpuwatch/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OfferView 评分所需的报价视图：当前报价加上目录的指导价。
type OfferView struct {
	GPUID       uint
	Retailer    string
	PriceUSD    float64
	StockStatus string
	MSRPUSD     float64
}

// RollingStats 30 天滚动统计。Samples 为 0 表示窗口内没有历史。
type RollingStats struct {
	Avg     float64
	Min     float64
	Max     float64
	StdDev  float64
	Samples int64 // 参与统计的天数
}

// Store 评分阶段需要的持久化能力。
type Store interface {
	// LiveOffers 返回某 GPU 当前所有零售商的报价视图。
	LiveOffers(ctx context.Context, gpuID uint) ([]OfferView, error)
	// RollingStats 返回 (gpu, retailer) 在 since 之后按日分桶的价格统计。
	RollingStats(ctx context.Context, gpuID uint, retailer string, since time.Time) (*RollingStats, error)
	// UpsertScore 按 (gpu_id, retailer) 覆盖写入评分。
	UpsertScore(ctx context.Context, score *model.DealScore) error
}

// GormStore 基于 gorm 的 Store 实现。
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) LiveOffers(ctx context.Context, gpuID uint) ([]OfferView, error) {
	var views []OfferView
	err := s.db.WithContext(ctx).
		Table("retailer_offers ro").
		Select("ro.gpu_id, ro.retailer, ro.price_usd, ro.stock_status, g.msrp_usd").
		Joins("JOIN gpus g ON g.id = ro.gpu_id").
		Where("ro.gpu_id = ?", gpuID).
		Scan(&views).Error
	if err != nil {
		return nil, fmt.Errorf("load live offers gpu=%d: %w", gpuID, err)
	}
	return views, nil
}

// RollingStats 先按日分桶取日均价，再对日均价求均值与样本标准差，
// 避免抓取频率不均导致某天的样本权重过高。
func (s *GormStore) RollingStats(ctx context.Context, gpuID uint, retailer string, since time.Time) (*RollingStats, error) {
	var stats RollingStats
	err := s.db.WithContext(ctx).Raw(`
		SELECT
			COALESCE(AVG(daily.avg_price), 0)         AS avg,
			COALESCE(MIN(daily.min_price), 0)         AS min,
			COALESCE(MAX(daily.max_price), 0)         AS max,
			COALESCE(STDDEV_SAMP(daily.avg_price), 0) AS std_dev,
			COUNT(*)                                  AS samples
		FROM (
			SELECT
				DATE(recorded_at)  AS bucket,
				AVG(price_usd)     AS avg_price,
				MIN(price_usd)     AS min_price,
				MAX(price_usd)     AS max_price
			FROM price_history_points
			WHERE gpu_id = ? AND retailer = ? AND recorded_at >= ?
			GROUP BY DATE(recorded_at)
		) daily
	`, gpuID, retailer, since).Scan(&stats).Error
	if err != nil {
		return nil, fmt.Errorf("rolling stats gpu=%d retailer=%s: %w", gpuID, retailer, err)
	}
	return &stats, nil
}

func (s *GormStore) UpsertScore(ctx context.Context, score *model.DealScore) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "gpu_id"}, {Name: "retailer"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"current_price_usd", "rolling_30d_avg", "rolling_30d_min", "rolling_30d_max",
			"pct_below_avg", "msrp_delta_pct", "volatility_score",
			"is_deal", "deal_reason", "computed_at",
		}),
	}).Create(score).Error
	if err != nil {
		return fmt.Errorf("upsert deal score gpu=%d retailer=%s: %w", score.GPUID, score.Retailer, err)
	}
	return nil
}
