package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"gpuwatch/internal/model"
)

var (
	ErrWatchNotFound = errors.New("watch not found")
	ErrNoDealData    = errors.New("no deal data for offer")
)

// DealView 是提醒评估用的捡漏视图：评分结果加上当前库存状态。
type DealView struct {
	GPUID       uint
	Retailer    string
	PriceUSD    float64
	StockStatus string
	DealReason  string
	PctBelowAvg float64
}

// AlertData 是渲染一封提醒邮件所需的全部数据。
type AlertData struct {
	GPUName      string
	GPUSlug      string
	MSRPUSD      float64
	PriceUSD     float64
	StockStatus  string
	DealReason   string
	PctBelowAvg  float64
	AffiliateURL string
}

type Store interface {
	// ActiveDeals 返回某 GPU 当前判定为捡漏的所有 (retailer, 价格, 原因)。
	ActiveDeals(ctx context.Context, gpuID uint) ([]DealView, error)
	// WatchesForGPU 返回订阅了某 GPU 的全部订阅。
	WatchesForGPU(ctx context.Context, gpuID uint) ([]model.GPUWatch, error)
	// StampNotified 更新订阅的冷却窗口标记。
	StampNotified(ctx context.Context, watchID uint, at time.Time) error
	// WatchByID 按主键取订阅，不存在时返回 ErrWatchNotFound。
	WatchByID(ctx context.Context, id uint) (*model.GPUWatch, error)
	// AlertData 汇总 (gpu, retailer) 的邮件渲染数据，缺评分或报价时返回 ErrNoDealData。
	AlertData(ctx context.Context, gpuID uint, retailer string) (*AlertData, error)
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) ActiveDeals(ctx context.Context, gpuID uint) ([]DealView, error) {
	var views []DealView
	err := s.db.WithContext(ctx).
		Table("deal_scores ds").
		Select("ds.gpu_id, ds.retailer, ds.current_price_usd AS price_usd, ds.deal_reason, ds.pct_below_avg, ro.stock_status").
		Joins("JOIN retailer_offers ro ON ro.gpu_id = ds.gpu_id AND ro.retailer = ds.retailer").
		Where("ds.gpu_id = ? AND ds.is_deal = ?", gpuID, true).
		Scan(&views).Error
	if err != nil {
		return nil, fmt.Errorf("query active deals: %w", err)
	}
	return views, nil
}

func (s *GormStore) WatchesForGPU(ctx context.Context, gpuID uint) ([]model.GPUWatch, error) {
	var watches []model.GPUWatch
	err := s.db.WithContext(ctx).
		Where("gpu_id = ?", gpuID).
		Find(&watches).Error
	if err != nil {
		return nil, fmt.Errorf("query watches: %w", err)
	}
	return watches, nil
}

func (s *GormStore) StampNotified(ctx context.Context, watchID uint, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&model.GPUWatch{}).
		Where("id = ?", watchID).
		Update("last_notified_at", at).Error
	if err != nil {
		return fmt.Errorf("stamp notified: %w", err)
	}
	return nil
}

func (s *GormStore) WatchByID(ctx context.Context, id uint) (*model.GPUWatch, error) {
	var watch model.GPUWatch
	err := s.db.WithContext(ctx).First(&watch, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrWatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query watch: %w", err)
	}
	return &watch, nil
}

func (s *GormStore) AlertData(ctx context.Context, gpuID uint, retailer string) (*AlertData, error) {
	var data AlertData
	result := s.db.WithContext(ctx).
		Table("deal_scores ds").
		Select("g.model AS gpu_name, g.slug AS gpu_slug, g.msrp_usd AS msrp_usd, ds.current_price_usd AS price_usd, ds.deal_reason, ds.pct_below_avg, ro.stock_status, ro.affiliate_url").
		Joins("JOIN gpus g ON g.id = ds.gpu_id").
		Joins("JOIN retailer_offers ro ON ro.gpu_id = ds.gpu_id AND ro.retailer = ds.retailer").
		Where("ds.gpu_id = ? AND ds.retailer = ?", gpuID, retailer).
		Scan(&data)
	if result.Error != nil {
		return nil, fmt.Errorf("query alert data: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrNoDealData
	}
	return &data, nil
}
