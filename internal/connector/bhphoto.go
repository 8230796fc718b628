package connector

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"gpuwatch/internal/model"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// B&H Photo 没有公开 API，走无头浏览器抓取搜索页。
// robots.txt 允许搜索页抓取（仅 Disallow: /pauk）。

const (
	bhSearchURL   = "https://www.bhphotovideo.com/c/search?Ntt=%s&N=0&ci=16386"
	bhPageTimeout = 45 * time.Second
)

// BHPhotoConnector 基于 rod 的 B&H Photo 抓取适配器。
//
// 浏览器实例懒加载并在多次抓取间复用，Close 由持有方负责。
type BHPhotoConnector struct {
	binPath  string
	headless bool
	logger   *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser

	delay func(ctx context.Context) error
}

// NewBHPhotoConnector 创建 B&H Photo 适配器。
func NewBHPhotoConnector(binPath string, headless bool, logger *slog.Logger) *BHPhotoConnector {
	return &BHPhotoConnector{
		binPath:  binPath,
		headless: headless,
		logger:   logger,
		delay:    politeDelay,
	}
}

func (c *BHPhotoConnector) Retailer() string { return model.RetailerBHPhoto }

// FetchOffers 逐个条目抓取搜索页，条目之间随机延迟。
func (c *BHPhotoConnector) FetchOffers(ctx context.Context, gpus []model.CatalogEntry) (*FetchResult, error) {
	browser, err := c.ensureBrowser(ctx)
	if err != nil {
		return nil, fmt.Errorf("ensure browser: %w", err)
	}

	result := &FetchResult{}
	for _, gpu := range gpus {
		if err := c.delay(ctx); err != nil {
			return result, fmt.Errorf("bhphoto pacing: %w", err)
		}

		offer, err := c.scrapeOne(ctx, browser, gpu)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("B&H error for %s: %v", gpu.Slug, err))
			continue
		}
		if offer == nil {
			result.Errors = append(result.Errors, fmt.Sprintf("B&H: no results for %s", gpu.Slug))
			continue
		}
		result.Offers = append(result.Offers, *offer)
	}
	return result, nil
}

// ensureBrowser 懒加载浏览器实例。
func (c *BHPhotoConnector) ensureBrowser(ctx context.Context) (*rod.Browser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.browser != nil {
		return c.browser, nil
	}

	bin := c.binPath
	if bin == "" {
		c.logger.Info("no browser binary specified, downloading default...")
		path, err := launcher.NewBrowser().Get()
		if err != nil {
			return nil, fmt.Errorf("download browser: %w", err)
		}
		bin = path
	}

	// 针对容器环境的 Flag 优化
	l := launcher.New().
		Headless(c.headless).
		Bin(bin).
		NoSandbox(true).
		Set("disable-dev-shm-usage", "true").
		Set("disable-gpu", "true").
		Set("remote-allow-origins", "*").
		Set("disk-cache-size", "1")

	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().Context(ctx).ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	c.logger.Info("browser started", slog.String("bin", bin))
	c.browser = browser
	return browser, nil
}

// Close 关闭浏览器实例。
func (c *BHPhotoConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser == nil {
		return nil
	}
	err := c.browser.Close()
	c.browser = nil
	return err
}

func (c *BHPhotoConnector) scrapeOne(ctx context.Context, browser *rod.Browser, gpu model.CatalogEntry) (*NormalizedOffer, error) {
	pageCtx, cancel := context.WithTimeout(ctx, bhPageTimeout)
	defer cancel()

	page, err := stealth.Page(browser.Context(pageCtx))
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	defer page.Close()
	page = page.Timeout(bhPageTimeout)

	target := fmt.Sprintf(bhSearchURL, url.QueryEscape(gpu.Model))
	if err := page.Navigate(target); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		c.logger.Warn("WaitLoad failed, continuing anyway",
			slog.String("gpu", gpu.Slug),
			slog.String("error", err.Error()))
	}

	card, err := page.Element(`[data-selenium="miniProductPage"]`)
	if err != nil {
		return nil, nil
	}

	priceText := elementText(card, `[data-selenium="price"]`)
	price, err := parseUSD(priceText)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", priceText, err)
	}

	regularPrice, _ := parseUSD(elementText(card, `[data-selenium="regularPrice"]`))

	var directURL string
	if link, lerr := card.Element(`a[data-selenium="itemName"]`); lerr == nil {
		if href, aerr := link.Attribute("href"); aerr == nil && href != nil {
			directURL = "https://www.bhphotovideo.com" + *href
		}
	}
	if directURL == "" {
		return nil, nil
	}

	availability := elementText(card, `[data-selenium="stockStatus"]`)
	sku := elementText(card, `[data-selenium="itemId"]`)
	if sku == "" {
		parts := strings.Split(strings.TrimRight(directURL, "/"), "/")
		sku = parts[len(parts)-1]
	}

	return &NormalizedOffer{
		GPUID:           gpu.ID,
		Retailer:        model.RetailerBHPhoto,
		SKU:             sku,
		PriceUSD:        price,
		RegularPriceUSD: regularPrice,
		StockStatus:     NormalizeStock(availability),
		AffiliateURL:    affiliatePath(gpu.Slug, model.RetailerBHPhoto),
		DirectURL:       directURL,
		ObservedAt:      time.Now().UTC(),
	}, nil
}

// elementText 查找子元素并返回去除空白的文本，找不到时返回空串。
func elementText(parent *rod.Element, selector string) string {
	el, err := parent.Element(selector)
	if err != nil {
		return ""
	}
	text, err := el.Text()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(text)
}

// parseUSD 解析 "$1,299.99" 形式的价格文本。
func parseUSD(raw string) (float64, error) {
	cleaned := strings.NewReplacer("$", "", ",", "").Replace(strings.TrimSpace(raw))
	if cleaned == "" {
		return 0, fmt.Errorf("empty price")
	}
	return strconv.ParseFloat(cleaned, 64)
}
