package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"gpuwatch/internal/model"
)

// Newegg 无公开 API，走 Apify actor 的同步运行接口拿结构化结果。
const apifyRunURL = "https://api.apify.com/v2/acts/dhruvil~newegg-scraper/run-sync-get-dataset-items"

type apifyItem struct {
	Title   string  `json:"title"`
	Price   float64 `json:"price"`
	URL     string  `json:"url"`
	InStock bool    `json:"inStock"`
	SKU     string  `json:"sku"`
}

// NeweggConnector 通过 Apify actor 抓取 Newegg 搜索结果。
type NeweggConnector struct {
	token  string
	runURL string
	client *http.Client
	logger *slog.Logger

	// 测试钩子，生产中为 politeDelay
	delay func(ctx context.Context) error
}

// NewNeweggConnector 创建 Newegg 适配器。actor 同步运行较慢，超时放宽到 30s。
func NewNeweggConnector(token string, logger *slog.Logger) *NeweggConnector {
	return &NeweggConnector{
		token:  token,
		runURL: apifyRunURL,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
		delay:  politeDelay,
	}
}

func (c *NeweggConnector) Retailer() string { return model.RetailerNewegg }

// FetchOffers 逐个条目抓取，条目之间随机延迟 1-3s。
func (c *NeweggConnector) FetchOffers(ctx context.Context, gpus []model.CatalogEntry) (*FetchResult, error) {
	if c.token == "" {
		return nil, fmt.Errorf("apify token is not configured")
	}

	result := &FetchResult{}
	for _, gpu := range gpus {
		if err := c.delay(ctx); err != nil {
			return result, fmt.Errorf("newegg pacing: %w", err)
		}

		item, err := c.runActor(ctx, gpu.Model)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Newegg error for %s: %v", gpu.Slug, err))
			continue
		}
		if item == nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Newegg: no results for %s", gpu.Slug))
			continue
		}

		stock := model.StockOutOfStock
		if item.InStock {
			stock = model.StockInStock
		}

		result.Offers = append(result.Offers, NormalizedOffer{
			GPUID:        gpu.ID,
			Retailer:     model.RetailerNewegg,
			SKU:          item.SKU,
			PriceUSD:     item.Price,
			StockStatus:  stock,
			AffiliateURL: affiliatePath(gpu.Slug, model.RetailerNewegg),
			DirectURL:    item.URL,
			ObservedAt:   time.Now().UTC(),
		})
	}
	return result, nil
}

func (c *NeweggConnector) runActor(ctx context.Context, searchTerm string) (*apifyItem, error) {
	body, err := json.Marshal(map[string]any{
		"search":   searchTerm,
		"maxItems": 3,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal actor input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.runURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("apify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("apify HTTP %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var items []apifyItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("parse dataset items: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// politeDelay 条目间随机休眠 1-3 秒，避免触发上游风控。
func politeDelay(ctx context.Context) error {
	wait := time.Second + time.Duration(rand.Int63n(int64(2*time.Second)))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
