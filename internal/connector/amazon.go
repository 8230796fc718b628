package connector

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gpuwatch/internal/model"
	"gpuwatch/internal/pkg/ratelimit"
)

// Amazon Product Advertising API v5。
// 免费档限速 1 req/s，仅作为补充报价来源。
// 请求签名为手工 SigV4（HMAC-SHA256），避免引入整套 AWS SDK。

const (
	paapiHost    = "webservices.amazon.com"
	paapiRegion  = "us-east-1"
	paapiService = "ProductAdvertisingAPI"
	paapiTarget  = "com.amazon.paapi5.v1.ProductAdvertisingAPIv1.GetItems"
)

// asinMap 显卡 slug 到 ASIN 的映射。
// 含 "XXX" 的是占位符，拿到真实 ASIN 前会被跳过。
var asinMap = map[string]string{
	"rtx-5090":       "B0CXXX5090",
	"rtx-5080":       "B0CXXX5080",
	"rtx-5070-ti":    "B0CXXX507T",
	"rtx-4090":       "B09NYPD8H7",
	"rtx-4080-super": "B0CXXX408S",
	"rtx-4070-super": "B0CXXX407S",
	"rx-9070-xt":     "B0CXXX9070",
	"rx-7900-xtx":    "B0BRVSXLYH",
}

// AmazonOptions PA API 凭证。
type AmazonOptions struct {
	AccessKey  string
	SecretKey  string
	PartnerTag string
}

// AmazonConnector 通过 PA API v5 GetItems 获取报价。
type AmazonConnector struct {
	opts     AmazonOptions
	endpoint string
	client   *http.Client
	pacer    *ratelimit.Pacer
	logger   *slog.Logger
}

// NewAmazonConnector 创建 Amazon 适配器，请求最小间隔 1.1s。
func NewAmazonConnector(opts AmazonOptions, logger *slog.Logger) *AmazonConnector {
	return &AmazonConnector{
		opts:     opts,
		endpoint: "https://" + paapiHost + "/paapi5/getitems",
		client:   &http.Client{Timeout: 10 * time.Second},
		pacer:    ratelimit.NewPacer(1100 * time.Millisecond),
		logger:   logger,
	}
}

func (c *AmazonConnector) Retailer() string { return model.RetailerAmazon }

// FetchOffers 按 ASIN 逐个查询。占位 ASIN 直接跳过，不计入错误。
func (c *AmazonConnector) FetchOffers(ctx context.Context, gpus []model.CatalogEntry) (*FetchResult, error) {
	if c.opts.AccessKey == "" || c.opts.SecretKey == "" || c.opts.PartnerTag == "" {
		return nil, fmt.Errorf("amazon pa api credentials are not configured")
	}

	result := &FetchResult{}
	for _, gpu := range gpus {
		asin, ok := asinMap[gpu.Slug]
		if !ok || strings.Contains(asin, "XXX") {
			continue
		}

		if err := c.pacer.Wait(ctx); err != nil {
			return result, fmt.Errorf("amazon pacing: %w", err)
		}

		item, err := c.getItem(ctx, asin)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("Amazon error for %s: %v", gpu.Slug, err))
			continue
		}
		if item == nil {
			continue
		}

		result.Offers = append(result.Offers, NormalizedOffer{
			GPUID:           gpu.ID,
			Retailer:        model.RetailerAmazon,
			SKU:             asin,
			PriceUSD:        item.Price,
			RegularPriceUSD: item.ListPrice,
			StockStatus:     NormalizeStock(item.Availability),
			AffiliateURL:    affiliatePath(gpu.Slug, model.RetailerAmazon),
			DirectURL:       fmt.Sprintf("https://www.amazon.com/dp/%s?tag=%s", asin, c.opts.PartnerTag),
			ObservedAt:      time.Now().UTC(),
		})
	}
	return result, nil
}

type amazonItem struct {
	Price        float64
	ListPrice    float64
	Availability string
}

type paapiResponse struct {
	ItemsResult struct {
		Items []struct {
			Offers struct {
				Listings []struct {
					Price struct {
						Amount float64 `json:"Amount"`
					} `json:"Price"`
					SavingBasis struct {
						Amount float64 `json:"Amount"`
					} `json:"SavingBasis"`
					Availability struct {
						Message string `json:"Message"`
					} `json:"Availability"`
				} `json:"Listings"`
			} `json:"Offers"`
		} `json:"Items"`
	} `json:"ItemsResult"`
}

func (c *AmazonConnector) getItem(ctx context.Context, asin string) (*amazonItem, error) {
	payload := map[string]any{
		"ItemIds":     []string{asin},
		"PartnerTag":  c.opts.PartnerTag,
		"PartnerType": "Associates",
		"Marketplace": "www.amazon.com",
		"Resources": []string{
			"Offers.Listings.Price",
			"Offers.Listings.SavingBasis",
			"Offers.Listings.Availability.Message",
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Content-Encoding", "amz-1.0")
	req.Header.Set("X-Amz-Target", paapiTarget)
	c.signRequest(req, body, time.Now().UTC())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("amazon request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("amazon rate limit hit")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("amazon HTTP %d for %s", resp.StatusCode, asin)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed paapiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(parsed.ItemsResult.Items) == 0 {
		return nil, nil
	}
	listings := parsed.ItemsResult.Items[0].Offers.Listings
	if len(listings) == 0 {
		return nil, nil
	}

	l := listings[0]
	return &amazonItem{
		Price:        l.Price.Amount,
		ListPrice:    l.SavingBasis.Amount,
		Availability: l.Availability.Message,
	}, nil
}

// signRequest 为请求附加 AWS SigV4 签名头。
func (c *AmazonConnector) signRequest(req *http.Request, body []byte, now time.Time) {
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	req.Header.Set("X-Amz-Date", amzDate)
	req.Host = paapiHost

	payloadHash := sha256Hex(body)
	signedHeaders := "content-encoding;content-type;host;x-amz-date;x-amz-target"
	canonicalHeaders := strings.Join([]string{
		"content-encoding:" + req.Header.Get("Content-Encoding"),
		"content-type:" + req.Header.Get("Content-Type"),
		"host:" + paapiHost,
		"x-amz-date:" + amzDate,
		"x-amz-target:" + req.Header.Get("X-Amz-Target"),
	}, "\n") + "\n"

	canonicalRequest := strings.Join([]string{
		http.MethodPost,
		"/paapi5/getitems",
		"", // 无查询参数
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	scope := strings.Join([]string{dateStamp, paapiRegion, paapiService, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		scope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	kDate := hmacSHA256([]byte("AWS4"+c.opts.SecretKey), dateStamp)
	kRegion := hmacSHA256(kDate, paapiRegion)
	kService := hmacSHA256(kRegion, paapiService)
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	req.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		c.opts.AccessKey, scope, signedHeaders, signature))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}
