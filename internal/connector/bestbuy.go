package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"gpuwatch/internal/model"
	"gpuwatch/internal/pkg/ratelimit"

	"github.com/redis/go-redis/v9"
)

// Best Buy Products API。
// 日配额 50,000 次请求，按 4-6 小时刷新周期规划用量。
const bbBaseURL = "https://api.bestbuy.com/v1"

// 显卡类目 ID (Computer Components > Video Cards)
const bbCategoryID = "abcat0505018"

// bbSearchMap 显卡 slug 到 Best Buy 搜索词的映射。
var bbSearchMap = map[string]string{
	"rtx-5090":       "RTX 5090",
	"rtx-5080":       "RTX 5080",
	"rtx-5070-ti":    "RTX 5070 Ti",
	"rtx-5070":       "RTX 5070",
	"rtx-5060-ti":    "RTX 5060 Ti",
	"rtx-4090":       "RTX 4090",
	"rtx-4080-super": "RTX 4080 Super",
	"rtx-4070-super": "RTX 4070 Super",
	"rx-9070-xt":     "RX 9070 XT",
	"rx-9060-xt":     "RX 9060 XT",
	"rx-7900-xtx":    "RX 7900 XTX",
	"rx-7700-xt":     "RX 7700 XT",
}

type bbProduct struct {
	SKU                 int     `json:"sku"`
	Name                string  `json:"name"`
	SalePrice           float64 `json:"salePrice"`
	RegularPrice        float64 `json:"regularPrice"`
	OnSale              bool    `json:"onSale"`
	InStoreAvailability bool    `json:"inStoreAvailability"`
	OnlineAvailability  bool    `json:"onlineAvailability"`
	URL                 string  `json:"url"`
}

type bbSearchResponse struct {
	Total    int         `json:"total"`
	Products []bbProduct `json:"products"`
}

// BestBuyConnector 通过官方 Products API 获取报价。
type BestBuyConnector struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *ratelimit.RateLimiter
	logger  *slog.Logger
}

// NewBestBuyConnector 创建 Best Buy 适配器。
// 限流桶在 Redis 上共享，保守配置为 8 req/s。
func NewBestBuyConnector(apiKey string, rdb *redis.Client, logger *slog.Logger) *BestBuyConnector {
	var limiter *ratelimit.RateLimiter
	if rdb != nil {
		limiter = ratelimit.NewRedisRateLimiter(rdb, logger, "gpuwatch:ratelimit:bestbuy", 8, 8)
	}
	return &BestBuyConnector{
		apiKey:  apiKey,
		baseURL: bbBaseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: limiter,
		logger:  logger,
	}
}

func (c *BestBuyConnector) Retailer() string { return model.RetailerBestBuy }

// FetchOffers 逐个条目查询，单条失败记入 Errors 并继续。
func (c *BestBuyConnector) FetchOffers(ctx context.Context, gpus []model.CatalogEntry) (*FetchResult, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("bestbuy api key is not configured")
	}

	result := &FetchResult{}
	for _, gpu := range gpus {
		term, ok := bbSearchMap[gpu.Slug]
		if !ok {
			continue
		}

		if c.limiter != nil {
			if err := c.limiter.Acquire(ctx); err != nil {
				return result, fmt.Errorf("bestbuy rate limit: %w", err)
			}
		}

		resp, err := c.searchProducts(ctx, term)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("BestBuy error for %s: %v", gpu.Slug, err))
			continue
		}
		if len(resp.Products) == 0 {
			result.Errors = append(result.Errors, fmt.Sprintf("BestBuy: no products found for %s", gpu.Slug))
			continue
		}

		// 取第一条（相关度最高）结果
		product := resp.Products[0]
		inStock := product.OnlineAvailability || product.InStoreAvailability
		stock := model.StockOutOfStock
		if inStock {
			stock = model.StockInStock
		}

		salePrice := 0.0
		if product.OnSale {
			salePrice = product.SalePrice
		}

		result.Offers = append(result.Offers, NormalizedOffer{
			GPUID:           gpu.ID,
			Retailer:        model.RetailerBestBuy,
			SKU:             strconv.Itoa(product.SKU),
			PriceUSD:        product.SalePrice,
			RegularPriceUSD: product.RegularPrice,
			SalePriceUSD:    salePrice,
			StockStatus:     stock,
			AffiliateURL:    affiliatePath(gpu.Slug, model.RetailerBestBuy),
			DirectURL:       product.URL,
			ObservedAt:      time.Now().UTC(),
		})
	}
	return result, nil
}

func (c *BestBuyConnector) searchProducts(ctx context.Context, term string) (*bbSearchResponse, error) {
	fields := "sku,name,salePrice,regularPrice,onSale,onlineAvailability,inStoreAvailability,url"
	endpoint := fmt.Sprintf("%s/products(search=%s&categoryId=%s)?format=json&pageSize=5&show=%s&apiKey=%s",
		c.baseURL, url.QueryEscape(term), bbCategoryID, fields, c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bestbuy request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("bestbuy rate limit hit")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bestbuy HTTP %d for %q", resp.StatusCode, term)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed bbSearchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &parsed, nil
}
