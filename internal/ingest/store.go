package ingest

import (
	"context"
	"fmt"
	"time"

	"gpuwatch/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store 抓取阶段需要的持久化能力。
type Store interface {
	// ActiveCatalog 返回活跃目录条目；gpuID 非 0 时只返回该条目。
	ActiveCatalog(ctx context.Context, gpuID uint) ([]model.CatalogEntry, error)
	// UpsertOffer 按 (gpu_id, retailer) 覆盖写入报价快照。
	UpsertOffer(ctx context.Context, offer *model.RetailerOffer) error
	// AppendHistoryPoint 追加一条价格历史点。
	AppendHistoryPoint(ctx context.Context, point *model.PriceHistoryPoint) error
	// InsertRun 写入一条抓取审计记录。
	InsertRun(ctx context.Context, run *model.IngestionRun) error
	// CountStaleOffers 统计最近抓取时间早于 before 的报价数。
	CountStaleOffers(ctx context.Context, before time.Time) (int64, error)
}

// GormStore 基于 gorm 的 Store 实现。
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) ActiveCatalog(ctx context.Context, gpuID uint) ([]model.CatalogEntry, error) {
	q := s.db.WithContext(ctx).Model(&model.GPU{}).Where("active = ?", true)
	if gpuID != 0 {
		q = q.Where("id = ?", gpuID)
	}

	var entries []model.CatalogEntry
	if err := q.Select("id", "slug", "model").Order("id").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("load active catalog: %w", err)
	}
	return entries, nil
}

func (s *GormStore) UpsertOffer(ctx context.Context, offer *model.RetailerOffer) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "gpu_id"}, {Name: "retailer"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"sku", "price_usd", "regular_price_usd", "sale_price_usd",
			"stock_status", "stock_quantity", "affiliate_url", "direct_url",
			"last_checked_at",
		}),
	}).Create(offer).Error
	if err != nil {
		return fmt.Errorf("upsert offer gpu=%d retailer=%s: %w", offer.GPUID, offer.Retailer, err)
	}
	return nil
}

func (s *GormStore) AppendHistoryPoint(ctx context.Context, point *model.PriceHistoryPoint) error {
	if err := s.db.WithContext(ctx).Create(point).Error; err != nil {
		return fmt.Errorf("append history point gpu=%d: %w", point.GPUID, err)
	}
	return nil
}

func (s *GormStore) InsertRun(ctx context.Context, run *model.IngestionRun) error {
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("insert ingestion run: %w", err)
	}
	return nil
}

func (s *GormStore) CountStaleOffers(ctx context.Context, before time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.RetailerOffer{}).
		Where("last_checked_at < ?", before).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count stale offers: %w", err)
	}
	return count, nil
}
