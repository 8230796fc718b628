package model

import (
	"time"
)

// 库存状态枚举。所有连接器返回的异构库存描述都会被归一化为这五个值。
const (
	StockInStock    = "in_stock"
	StockOutOfStock = "out_of_stock"
	StockLimited    = "limited"
	StockPreorder   = "preorder"
	StockUnknown    = "unknown"
)

// 零售商来源枚举，与连接器工厂的 source 参数一一对应。
const (
	RetailerBestBuy = "bestbuy"
	RetailerAmazon  = "amazon"
	RetailerNewegg  = "newegg"
	RetailerBHPhoto = "bh_photo"
)

// GPU 表示显卡目录条目。
//
// 目录由管理端维护，active=false 为软删除：不再参与后续抓取，
// 但历史价格数据仍然可以归属到它。
type GPU struct {
	ID        uint      `gorm:"primaryKey"` // 目录唯一标识
	CreatedAt time.Time // 创建时间
	UpdatedAt time.Time // 更新时间

	Slug         string  `gorm:"type:varchar(64);uniqueIndex;not null"` // URL 安全的唯一标识 (如 "rtx-5090")
	Model        string  `gorm:"type:varchar(128);not null"`            // 人类可读型号 (如 "RTX 5090")
	Brand        string  `gorm:"type:varchar(16)"`                      // nvidia / amd
	Architecture string  `gorm:"type:varchar(32)"`                      // 架构 (如 "Blackwell")
	Generation   string  `gorm:"type:varchar(32)"`                      // 代际 (如 "RTX 5000")
	VRAMGB       int     `gorm:"column:vram_gb"`                        // 显存容量 (GB)
	TDPWatts     int     `gorm:"column:tdp_watts"`                      // 功耗 (W，0 表示未知)
	MSRPUSD      float64 `gorm:"column:msrp_usd;not null"`              // 官方指导价 (必须为正)
	Active       bool    `gorm:"default:true"`                          // 软删除标志
}

// CatalogEntry 是抓取时传给连接器的目录切片，只携带必要字段。
type CatalogEntry struct {
	ID    uint
	Slug  string
	Model string
}

// RetailerOffer 表示某个 (gpu, retailer) 组合的当前报价快照。
//
// 每对 (gpu, retailer) 至多一行，每次成功抓取整行覆盖（Upsert）。
// 历史数据不在这里，见 PriceHistoryPoint。
type RetailerOffer struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	GPUID           uint      `gorm:"column:gpu_id;uniqueIndex:uniq_gpu_retailer;not null"`
	Retailer        string    `gorm:"type:varchar(32);uniqueIndex:uniq_gpu_retailer;not null"`
	SKU             string    `gorm:"type:varchar(64)"`                 // 零售商 SKU
	PriceUSD        float64   `gorm:"column:price_usd;not null"`        // 当前价格
	RegularPriceUSD float64   `gorm:"column:regular_price_usd"`         // 原价（0 表示未知）
	SalePriceUSD    float64   `gorm:"column:sale_price_usd"`            // 促销价（0 表示无促销）
	StockStatus     string    `gorm:"type:varchar(16);default:unknown"` // 五值库存枚举
	StockQuantity   int       `gorm:"column:stock_quantity"`            // 库存数量（0 表示未知）
	AffiliateURL    string    `gorm:"type:varchar(255)"`                // 站内跳转链接 /out/{slug}/{retailer}
	DirectURL       string    `gorm:"type:varchar(512)"`                // 零售商商品页链接
	LastCheckedAt   time.Time `gorm:"index"`                           // 最近一次成功抓取时间
}

// PriceHistoryPoint 是追加写入的价格时间序列事实。
//
// 每次抓取追加一行，不更新不删除；超过保留窗口 (180 天) 后由
// Compactor 汇总进 PriceHistoryCompressed 并批量删除。
type PriceHistoryPoint struct {
	ID uint `gorm:"primaryKey"`

	GPUID       uint      `gorm:"column:gpu_id;index:idx_hist_lookup;not null"`
	Retailer    string    `gorm:"type:varchar(32);index:idx_hist_lookup;not null"`
	PriceUSD    float64   `gorm:"column:price_usd;not null"`
	StockStatus string    `gorm:"type:varchar(16)"`
	RecordedAt  time.Time `gorm:"index:idx_hist_lookup;not null"` // 观测时间
}

// PriceHistoryCompressed 是按周汇总的历史价格聚合。
//
// 由 Compactor 从过保留期的原始点生成，(gpu, retailer, week_start) 唯一，
// 只插入不更新，重复执行汇总不会产生重复行。
type PriceHistoryCompressed struct {
	ID uint `gorm:"primaryKey"`

	GPUID       uint      `gorm:"column:gpu_id;uniqueIndex:uniq_weekly;not null"`
	Retailer    string    `gorm:"type:varchar(32);uniqueIndex:uniq_weekly;not null"`
	WeekStart   time.Time `gorm:"uniqueIndex:uniq_weekly;not null"` // 周起始日 (周一)
	AvgPriceUSD float64   `gorm:"column:avg_price_usd"`
	MinPriceUSD float64   `gorm:"column:min_price_usd"`
	MaxPriceUSD float64   `gorm:"column:max_price_usd"`
	SampleCount int       // 被汇总的原始点数量
}

// DealScore 是派生的捡漏评分，每对 (gpu, retailer) 至多一行。
//
// 每次评分整行替换，不保留历史。
type DealScore struct {
	ID uint `gorm:"primaryKey"`

	GPUID           uint    `gorm:"column:gpu_id;uniqueIndex:uniq_score;not null"`
	Retailer        string  `gorm:"type:varchar(32);uniqueIndex:uniq_score;not null"`
	CurrentPriceUSD float64 `gorm:"column:current_price_usd"`
	Rolling30dAvg   float64 `gorm:"column:rolling_30d_avg"` // 30 天日均价的均值（0 表示无历史）
	Rolling30dMin   float64 `gorm:"column:rolling_30d_min"`
	Rolling30dMax   float64 `gorm:"column:rolling_30d_max"`
	PctBelowAvg     float64 `gorm:"column:pct_below_avg"`    // 正值表示低于均价
	MSRPDeltaPct    float64 `gorm:"column:msrp_delta_pct"`   // 正值表示低于指导价
	VolatilityScore float64 `gorm:"column:volatility_score"` // 0–100
	IsDeal          bool    `gorm:"index"`
	DealReason      string  `gorm:"type:varchar(128)"` // 人类可读的触发原因
	ComputedAt      time.Time
}

// IngestionRun 是每次抓取执行的审计记录，只写一次。
type IngestionRun struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time

	Source      string `gorm:"type:varchar(32);index;not null"` // 零售商来源
	Status      string `gorm:"type:varchar(16);not null"`       // success / partial / error
	GPUsUpdated int    `gorm:"column:gpus_updated"`             // 成功落库的报价数
	Errors      string `gorm:"type:text"`                       // JSON 字符串数组
	DurationMS  int64  `gorm:"column:duration_ms"`
}

// IngestionRun 状态枚举。
const (
	RunStatusSuccess = "success"
	RunStatusPartial = "partial"
	RunStatusError   = "error"
)

// OutboundClick 是外链点击的追加写入事实，核心管线不消费它。
type OutboundClick struct {
	ID        uint      `gorm:"primaryKey"`
	ClickedAt time.Time `gorm:"index"`

	GPUID     uint   `gorm:"column:gpu_id;index"`
	Retailer  string `gorm:"type:varchar(32)"`
	RefURL    string `gorm:"type:varchar(512)"`
	UserAgent string `gorm:"type:varchar(255)"`
}
