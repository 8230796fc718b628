package connector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gpuwatch/internal/config"
	"gpuwatch/internal/model"

	"github.com/redis/go-redis/v9"
)

// NormalizedOffer 各零售商适配器统一产出的报价结构。
type NormalizedOffer struct {
	GPUID           uint
	Retailer        string
	SKU             string
	PriceUSD        float64
	RegularPriceUSD float64 // 0 表示未提供
	SalePriceUSD    float64 // 0 表示非促销价
	StockStatus     string
	StockQuantity   int // 0 表示未知
	AffiliateURL    string
	DirectURL       string
	ObservedAt      time.Time
}

// FetchResult 一次抓取的结果。部分失败时 Offers 和 Errors 可同时非空。
type FetchResult struct {
	Offers []NormalizedOffer
	Errors []string
}

// Connector 零售商报价适配器。
//
// 实现约定：
//   - 单个条目失败只追加到 Errors，继续处理剩余条目；
//   - 整个数据源不可用（认证失败、致命网络错误）才返回 error；
//   - 产出的报价必须已通过 NormalizeStock 归一化库存状态。
type Connector interface {
	Retailer() string
	FetchOffers(ctx context.Context, gpus []model.CatalogEntry) (*FetchResult, error)
}

// NormalizeStock 将零售商各异的库存表述归一化为五值枚举。
// 布尔字面量优先处理，其余按子串匹配，默认 unknown。
func NormalizeStock(raw string) string {
	switch raw {
	case "true":
		return model.StockInStock
	case "false":
		return model.StockOutOfStock
	case "":
		return model.StockUnknown
	}

	s := strings.ToLower(raw)
	switch {
	case strings.Contains(s, "preorder") || strings.Contains(s, "pre-order"):
		return model.StockPreorder
	case strings.Contains(s, "limited") || strings.Contains(s, "low stock"):
		return model.StockLimited
	case strings.Contains(s, "unavailable") || strings.Contains(s, "sold out") || strings.Contains(s, "out of stock"):
		return model.StockOutOfStock
	case strings.Contains(s, "available") || strings.Contains(s, "in stock") || s == "instock":
		return model.StockInStock
	default:
		return model.StockUnknown
	}
}

// affiliatePath 返回站内跳转链接，点击时记录后 302 到零售商页面。
func affiliatePath(slug, retailer string) string {
	return fmt.Sprintf("/out/%s/%s", slug, retailer)
}

// New 按数据源标识创建对应的适配器。
func New(source string, cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (Connector, error) {
	switch source {
	case model.RetailerBestBuy:
		return NewBestBuyConnector(cfg.Sources.BestBuyAPIKey, rdb, logger), nil
	case model.RetailerAmazon:
		return NewAmazonConnector(AmazonOptions{
			AccessKey:  cfg.Sources.AmazonAccessKey,
			SecretKey:  cfg.Sources.AmazonSecretKey,
			PartnerTag: cfg.Sources.AmazonPartnerTag,
		}, logger), nil
	case model.RetailerNewegg:
		return NewNeweggConnector(cfg.Sources.ApifyToken, logger), nil
	case model.RetailerBHPhoto:
		return NewBHPhotoConnector(cfg.Sources.BrowserBinPath, cfg.Sources.BrowserHeadless, logger), nil
	default:
		return nil, fmt.Errorf("unknown source %q", source)
	}
}
