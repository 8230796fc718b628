package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"gpuwatch/internal/api/auth"
	"gpuwatch/internal/api/middleware"
	"gpuwatch/internal/config"
	"gpuwatch/internal/model"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

type mockWatchStore struct {
	upserted []model.GPUWatch
	deleted  int64
}

func (m *mockWatchStore) UpsertWatch(ctx context.Context, watch *model.GPUWatch) error {
	watch.ID = uint(len(m.upserted) + 1)
	m.upserted = append(m.upserted, *watch)
	return nil
}

func (m *mockWatchStore) DeleteWatch(ctx context.Context, email string, gpuID uint) (int64, error) {
	return m.deleted, nil
}

type mockCatalogStore struct {
	gpus    map[string]*model.GPU
	created []model.GPU
	updated map[string]interface{}
}

func (m *mockCatalogStore) GPUBySlug(ctx context.Context, slug string) (*model.GPU, error) {
	if gpu, ok := m.gpus[slug]; ok {
		return gpu, nil
	}
	return nil, errNotFound
}

func (m *mockCatalogStore) CreateGPU(ctx context.Context, gpu *model.GPU) error {
	gpu.ID = uint(len(m.created) + 100)
	m.created = append(m.created, *gpu)
	return nil
}

func (m *mockCatalogStore) UpdateGPU(ctx context.Context, id uint, updates map[string]interface{}) (int64, error) {
	m.updated = updates
	return 1, nil
}

type mockClickStore struct {
	link    *OfferLink
	clicked []model.OutboundClick
}

func (m *mockClickStore) ResolveOffer(ctx context.Context, slug, retailer string) (*OfferLink, error) {
	if m.link == nil {
		return nil, errNotFound
	}
	return m.link, nil
}

func (m *mockClickStore) RecordClick(ctx context.Context, click *model.OutboundClick) error {
	m.clicked = append(m.clicked, *click)
	return nil
}

func newTestServer(watches *mockWatchStore, catalog *mockCatalogStore, clicks *mockClickStore) *Server {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := &Server{
		cfg:          &config.Config{},
		logger:       logger,
		watchStore:   watches,
		catalogStore: catalog,
		clickStore:   clicks,
	}
	return s
}

func activeCatalog() *mockCatalogStore {
	return &mockCatalogStore{gpus: map[string]*model.GPU{
		"rtx-5090": {ID: 1, Slug: "rtx-5090", Model: "GeForce RTX 5090", MSRPUSD: 1999, Active: true},
		"rtx-3060": {ID: 2, Slug: "rtx-3060", Model: "GeForce RTX 3060", MSRPUSD: 329, Active: false},
	}}
}

func TestCreateWatch_Upsert(t *testing.T) {
	watches := &mockWatchStore{}
	s := newTestServer(watches, activeCatalog(), &mockClickStore{})

	r := gin.New()
	r.POST("/api/watches", s.handleCreateWatch)

	body := createWatchRequest{
		Email:          "Buyer@Example.com",
		GPUSlug:        "rtx-5090",
		TargetPriceUSD: ptrFloat(1899),
	}
	payload, _ := json.Marshal(body)

	req := httptest.NewRequest(http.MethodPost, "/api/watches", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(watches.upserted) != 1 {
		t.Fatalf("expected 1 upsert, got %d", len(watches.upserted))
	}
	// 邮箱归一化为小写
	if watches.upserted[0].Email != "buyer@example.com" {
		t.Errorf("email not normalized: %q", watches.upserted[0].Email)
	}
	if watches.upserted[0].GPUID != 1 {
		t.Errorf("wrong gpu id %d", watches.upserted[0].GPUID)
	}
}

func TestCreateWatch_UnknownGPU(t *testing.T) {
	s := newTestServer(&mockWatchStore{}, activeCatalog(), &mockClickStore{})

	r := gin.New()
	r.POST("/api/watches", s.handleCreateWatch)

	payload, _ := json.Marshal(createWatchRequest{Email: "a@b.com", GPUSlug: "gtx-1080"})
	req := httptest.NewRequest(http.MethodPost, "/api/watches", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCreateWatch_InactiveGPU(t *testing.T) {
	s := newTestServer(&mockWatchStore{}, activeCatalog(), &mockClickStore{})

	r := gin.New()
	r.POST("/api/watches", s.handleCreateWatch)

	payload, _ := json.Marshal(createWatchRequest{Email: "a@b.com", GPUSlug: "rtx-3060"})
	req := httptest.NewRequest(http.MethodPost, "/api/watches", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("inactive gpu must 404, got %d", w.Code)
	}
}

func TestCreateWatch_InvalidBody(t *testing.T) {
	s := newTestServer(&mockWatchStore{}, activeCatalog(), &mockClickStore{})

	r := gin.New()
	r.POST("/api/watches", s.handleCreateWatch)

	for name, body := range map[string]string{
		"bad email":       `{"email":"not-an-email","gpu_slug":"rtx-5090"}`,
		"missing slug":    `{"email":"a@b.com"}`,
		"negative target": `{"email":"a@b.com","gpu_slug":"rtx-5090","target_price_usd":-5}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/api/watches", bytes.NewReader([]byte(body)))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, w.Code)
		}
	}
}

func TestUnwatch(t *testing.T) {
	watches := &mockWatchStore{deleted: 1}
	s := newTestServer(watches, activeCatalog(), &mockClickStore{})

	r := gin.New()
	r.GET("/api/unwatch", s.handleUnwatch)

	req := httptest.NewRequest(http.MethodGet, "/api/unwatch?email=a@b.com&gpu=rtx-5090", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	// 没有匹配订阅时返回 404
	watches.deleted = 0
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/unwatch?email=a@b.com&gpu=rtx-5090", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing watch, got %d", w.Code)
	}
}

func TestOutboundClick_RedirectsAndRecords(t *testing.T) {
	clicks := &mockClickStore{link: &OfferLink{GPUID: 1, DirectURL: "https://www.bestbuy.com/site/123.p"}}
	s := newTestServer(&mockWatchStore{}, activeCatalog(), clicks)

	r := gin.New()
	r.GET("/out/:slug/:retailer", s.handleOutboundClick)

	req := httptest.NewRequest(http.MethodGet, "/out/rtx-5090/bestbuy", nil)
	req.Header.Set("User-Agent", "test-agent")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "https://www.bestbuy.com/site/123.p" {
		t.Errorf("unexpected redirect target %q", loc)
	}
	if len(clicks.clicked) != 1 {
		t.Fatalf("click not recorded")
	}
	if clicks.clicked[0].UserAgent != "test-agent" {
		t.Errorf("user agent not captured: %q", clicks.clicked[0].UserAgent)
	}
}

func TestOutboundClick_UnknownOffer(t *testing.T) {
	s := newTestServer(&mockWatchStore{}, activeCatalog(), &mockClickStore{})

	r := gin.New()
	r.GET("/out/:slug/:retailer", s.handleOutboundClick)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/out/rtx-5090/bestbuy", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCreateGPU_Validation(t *testing.T) {
	catalog := activeCatalog()
	s := newTestServer(&mockWatchStore{}, catalog, &mockClickStore{})

	r := gin.New()
	r.POST("/api/admin/gpus", s.handleCreateGPU)

	cases := map[string]string{
		"bad slug":       `{"slug":"RTX 6090!","model":"X","brand":"nvidia","vram_gb":24,"msrp_usd":999}`,
		"bad brand":      `{"slug":"arc-b580","model":"Arc B580","brand":"intel","vram_gb":12,"msrp_usd":249}`,
		"zero msrp":      `{"slug":"rtx-6090","model":"X","brand":"nvidia","vram_gb":24}`,
		"zero vram":      `{"slug":"rtx-6090","model":"X","brand":"nvidia","msrp_usd":999}`,
		"duplicate slug": `{"slug":"rtx-5090","model":"X","brand":"nvidia","vram_gb":32,"msrp_usd":1999}`,
	}
	for name, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/gpus", bytes.NewReader([]byte(body)))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest && w.Code != http.StatusConflict {
			t.Errorf("%s: expected rejection, got %d", name, w.Code)
		}
	}
	if len(catalog.created) != 0 {
		t.Errorf("invalid requests must not create rows")
	}

	valid := `{"slug":"rtx-6090","model":"GeForce RTX 6090","brand":"nvidia","architecture":"Rubin","generation":"RTX 6000","vram_gb":48,"msrp_usd":2499}`
	req := httptest.NewRequest(http.MethodPost, "/api/admin/gpus", bytes.NewReader([]byte(valid)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if len(catalog.created) != 1 || !catalog.created[0].Active {
		t.Fatalf("gpu not created active: %+v", catalog.created)
	}
}

func TestUpdateGPU_SoftDelete(t *testing.T) {
	catalog := activeCatalog()
	s := newTestServer(&mockWatchStore{}, catalog, &mockClickStore{})

	r := gin.New()
	r.PUT("/api/admin/gpus/:id", s.handleUpdateGPU)

	req := httptest.NewRequest(http.MethodPut, "/api/admin/gpus/1", bytes.NewReader([]byte(`{"active":false}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if active, ok := catalog.updated["active"].(bool); !ok || active {
		t.Errorf("expected active=false update, got %v", catalog.updated)
	}
}

func TestAdminAuth_LoginThenAccess(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	h := auth.NewHandler("test-secret", string(hash), logger)

	r := gin.New()
	r.POST("/api/admin/login", h.Login)
	protected := r.Group("/api/admin")
	protected.Use(middleware.AuthMiddleware("test-secret"))
	protected.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	// 错误密码
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/admin/login", bytes.NewReader([]byte(`{"password":"wrong"}`)))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", w.Code)
	}

	// 正确密码换 token
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/admin/login", bytes.NewReader([]byte(`{"password":"hunter2"}`)))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("no token in response: %s", w.Body.String())
	}

	// 无 token 被拒
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/admin/ping", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	// 带 token 放行
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/admin/ping", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", w.Code)
	}
}

func ptrFloat(v float64) *float64 { return &v }
