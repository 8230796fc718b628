package connector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gpuwatch/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalizeStock(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"true", model.StockInStock},
		{"false", model.StockOutOfStock},
		{"", model.StockUnknown},
		{"In Stock", model.StockInStock},
		{"Available for Pickup", model.StockInStock},
		{"instock", model.StockInStock},
		{"Pre-Order Now", model.StockPreorder},
		{"preorder", model.StockPreorder},
		{"Limited Supply", model.StockLimited},
		{"Low Stock - order soon", model.StockLimited},
		{"Sold Out", model.StockOutOfStock},
		{"Currently Unavailable", model.StockOutOfStock},
		{"Temporarily out of stock", model.StockOutOfStock},
		{"ships in 3 weeks", model.StockUnknown},
	}
	for _, tc := range cases {
		if got := NormalizeStock(tc.raw); got != tc.want {
			t.Errorf("NormalizeStock(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestParseUSD(t *testing.T) {
	cases := []struct {
		raw     string
		want    float64
		wantErr bool
	}{
		{"$549.99", 549.99, false},
		{"$1,299.00", 1299, false},
		{"999", 999, false},
		{"", 0, true},
		{"call for price", 0, true},
	}
	for _, tc := range cases {
		got, err := parseUSD(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseUSD(%q): expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseUSD(%q): %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseUSD(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestBestBuyConnector_PartialFailure(t *testing.T) {
	// rtx-5090 返回正常结果，rtx-5080 返回 500，rtx-4090 无结果
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.String()
		switch {
		case strings.Contains(path, "5090"):
			fmt.Fprint(w, `{"total":1,"products":[{"sku":6614151,"name":"NVIDIA RTX 5090","salePrice":1999.99,"regularPrice":1999.99,"onSale":false,"onlineAvailability":true,"inStoreAvailability":false,"url":"https://www.bestbuy.com/site/6614151.p"}]}`)
		case strings.Contains(path, "5080"):
			w.WriteHeader(http.StatusInternalServerError)
		default:
			fmt.Fprint(w, `{"total":0,"products":[]}`)
		}
	}))
	defer srv.Close()

	c := NewBestBuyConnector("test-key", nil, testLogger())
	c.baseURL = srv.URL

	gpus := []model.CatalogEntry{
		{ID: 1, Slug: "rtx-5090", Model: "GeForce RTX 5090"},
		{ID: 2, Slug: "rtx-5080", Model: "GeForce RTX 5080"},
		{ID: 3, Slug: "rtx-4090", Model: "GeForce RTX 4090"},
		{ID: 4, Slug: "not-in-map", Model: "Unknown"},
	}

	result, err := c.FetchOffers(context.Background(), gpus)
	if err != nil {
		t.Fatalf("FetchOffers failed: %v", err)
	}

	if len(result.Offers) != 1 {
		t.Fatalf("expected 1 offer, got %d", len(result.Offers))
	}
	offer := result.Offers[0]
	if offer.GPUID != 1 || offer.SKU != "6614151" {
		t.Errorf("wrong offer: gpu=%d sku=%s", offer.GPUID, offer.SKU)
	}
	if offer.PriceUSD != 1999.99 {
		t.Errorf("expected price 1999.99, got %v", offer.PriceUSD)
	}
	if offer.StockStatus != model.StockInStock {
		t.Errorf("expected in_stock, got %s", offer.StockStatus)
	}
	if offer.AffiliateURL != "/out/rtx-5090/bestbuy" {
		t.Errorf("wrong affiliate url: %s", offer.AffiliateURL)
	}

	// 5080 的 HTTP 错误和 4090 的空结果都应进入 Errors，不中断整批
	if len(result.Errors) != 2 {
		t.Fatalf("expected 2 errors, got %d: %v", len(result.Errors), result.Errors)
	}
}

func TestBestBuyConnector_MissingKey(t *testing.T) {
	c := NewBestBuyConnector("", nil, testLogger())
	if _, err := c.FetchOffers(context.Background(), nil); err == nil {
		t.Fatal("expected error with missing api key")
	}
}

func TestNeweggConnector_FetchOffers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("unexpected auth header: %s", got)
		}
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "RTX 5070 Ti") {
			fmt.Fprint(w, `[{"title":"MSI RTX 5070 Ti","price":829.99,"url":"https://www.newegg.com/p/N82E168","inStock":true,"sku":"N82E168"}]`)
			return
		}
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	c := NewNeweggConnector("test-token", testLogger())
	c.runURL = srv.URL
	c.delay = func(ctx context.Context) error { return nil }

	gpus := []model.CatalogEntry{
		{ID: 3, Slug: "rtx-5070-ti", Model: "GeForce RTX 5070 Ti"},
		{ID: 4, Slug: "rx-7700-xt", Model: "Radeon RX 7700 XT"},
	}

	result, err := c.FetchOffers(context.Background(), gpus)
	if err != nil {
		t.Fatalf("FetchOffers failed: %v", err)
	}
	if len(result.Offers) != 1 {
		t.Fatalf("expected 1 offer, got %d", len(result.Offers))
	}
	if result.Offers[0].PriceUSD != 829.99 || result.Offers[0].SKU != "N82E168" {
		t.Errorf("wrong offer data: %+v", result.Offers[0])
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "rx-7700-xt") {
		t.Errorf("expected no-result error for rx-7700-xt, got %v", result.Errors)
	}
}

func TestAmazonConnector_SkipsPlaceholderASINs(t *testing.T) {
	c := NewAmazonConnector(AmazonOptions{
		AccessKey:  "ak",
		SecretKey:  "sk",
		PartnerTag: "tag-20",
	}, testLogger())

	// 全部是占位 ASIN 或不在映射里的条目，不应发出任何请求
	c.client = &http.Client{Transport: failingTransport{}}

	gpus := []model.CatalogEntry{
		{ID: 1, Slug: "rtx-5090", Model: "GeForce RTX 5090"},
		{ID: 2, Slug: "rtx-5080", Model: "GeForce RTX 5080"},
		{ID: 3, Slug: "no-such-slug", Model: "Unknown"},
	}

	result, err := c.FetchOffers(context.Background(), gpus)
	if err != nil {
		t.Fatalf("FetchOffers failed: %v", err)
	}
	if len(result.Offers) != 0 || len(result.Errors) != 0 {
		t.Errorf("placeholder ASINs must be skipped silently, got %+v", result)
	}
}

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, fmt.Errorf("unexpected HTTP request")
}

func TestFactoryNew_UnknownSource(t *testing.T) {
	if _, err := New("ebay", nil, nil, testLogger()); err == nil {
		t.Fatal("expected error for unknown source")
	}
}
