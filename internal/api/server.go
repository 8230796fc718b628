package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gpuwatch/internal/api/auth"
	"gpuwatch/internal/api/middleware"
	"gpuwatch/internal/config"
	"gpuwatch/internal/model"
	"gpuwatch/internal/pkg/jobqueue"
	"gpuwatch/internal/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

// Server 封装了 API 服务所需的依赖和路由处理。
//
// 它持有数据库连接、Redis 客户端、任务队列客户端以及 Gin 路由引擎。
// 订阅、目录、外链三块走小接口，测试时可以整体替换。
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *gorm.DB
	rdb    *redis.Client
	router *gin.Engine
	queue  QueueStats
	auth   *auth.Handler

	watchStore   WatchStore
	catalogStore CatalogStore
	clickStore   ClickStore
}

type WatchStore interface {
	UpsertWatch(ctx context.Context, watch *model.GPUWatch) error
	DeleteWatch(ctx context.Context, email string, gpuID uint) (int64, error)
}

type CatalogStore interface {
	GPUBySlug(ctx context.Context, slug string) (*model.GPU, error)
	CreateGPU(ctx context.Context, gpu *model.GPU) error
	UpdateGPU(ctx context.Context, id uint, updates map[string]interface{}) (int64, error)
}

// OfferLink 是外链跳转所需的最小报价视图。
type OfferLink struct {
	GPUID     uint
	DirectURL string
}

type ClickStore interface {
	ResolveOffer(ctx context.Context, slug, retailer string) (*OfferLink, error)
	RecordClick(ctx context.Context, click *model.OutboundClick) error
}

// QueueStats 是健康探针用到的队列只读视图。
type QueueStats interface {
	Depth(ctx context.Context, queue string) (int64, error)
	DeadCount(ctx context.Context, queue string) (int64, error)
}

var errNotFound = errors.New("not found")

type dbWatchStore struct {
	db *gorm.DB
}

func (s dbWatchStore) UpsertWatch(ctx context.Context, watch *model.GPUWatch) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}, {Name: "gpu_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"target_price_usd", "notify_in_stock"}),
	}).Create(watch).Error
}

func (s dbWatchStore) DeleteWatch(ctx context.Context, email string, gpuID uint) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("email = ? AND gpu_id = ?", email, gpuID).
		Delete(&model.GPUWatch{})
	return result.RowsAffected, result.Error
}

type dbCatalogStore struct {
	db *gorm.DB
}

func (s dbCatalogStore) GPUBySlug(ctx context.Context, slug string) (*model.GPU, error) {
	var gpu model.GPU
	err := s.db.WithContext(ctx).Where("slug = ?", slug).First(&gpu).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, err
	}
	return &gpu, nil
}

func (s dbCatalogStore) CreateGPU(ctx context.Context, gpu *model.GPU) error {
	return s.db.WithContext(ctx).Create(gpu).Error
}

func (s dbCatalogStore) UpdateGPU(ctx context.Context, id uint, updates map[string]interface{}) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&model.GPU{}).
		Where("id = ?", id).
		Updates(updates)
	return result.RowsAffected, result.Error
}

type dbClickStore struct {
	db *gorm.DB
}

func (s dbClickStore) ResolveOffer(ctx context.Context, slug, retailer string) (*OfferLink, error) {
	var link OfferLink
	result := s.db.WithContext(ctx).
		Table("retailer_offers ro").
		Select("ro.gpu_id, ro.direct_url").
		Joins("JOIN gpus g ON g.id = ro.gpu_id").
		Where("g.slug = ? AND ro.retailer = ?", slug, retailer).
		Scan(&link)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 || link.DirectURL == "" {
		return nil, errNotFound
	}
	return &link, nil
}

func (s dbClickStore) RecordClick(ctx context.Context, click *model.OutboundClick) error {
	return s.db.WithContext(ctx).Create(click).Error
}

// NewServer 初始化 API 服务器。
//
// 它负责：
// 1. 连接 MySQL 数据库并执行自动迁移
// 2. 连接 Redis
// 3. 初始化 Gin 路由引擎与各路存储
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, queue *jobqueue.Client) (*Server, error) {
	db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent), // 关闭GORM调试日志
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&model.GPU{},
		&model.RetailerOffer{},
		&model.PriceHistoryPoint{},
		&model.PriceHistoryCompressed{},
		&model.DealScore{},
		&model.GPUWatch{},
		&model.IngestionRun{},
		&model.OutboundClick{},
	); err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	metrics.InitMetrics()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(logger))

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		rdb:          rdb,
		router:       r,
		queue:        queue,
		auth:         auth.NewHandler(cfg.Security.JWTSecret, cfg.Security.AdminPasswordHash, logger),
		watchStore:   dbWatchStore{db: db},
		catalogStore: dbCatalogStore{db: db},
		clickStore:   dbClickStore{db: db},
	}
	s.registerRoutes()
	return s, nil
}

// Run 启动 HTTP 服务器并开始监听请求。
func (s *Server) Run() error {
	s.logger.Info("api server listening", slog.String("addr", s.cfg.App.HTTPAddr))
	return s.router.Run(s.cfg.App.HTTPAddr)
}

// Router 返回 HTTP 路由处理器。
func (s *Server) Router() http.Handler {
	return s.router
}

// DB 返回已迁移的数据库句柄，供目录种子等启动逻辑复用。
func (s *Server) DB() *gorm.DB {
	return s.db
}

// Close 关闭数据库与缓存连接。
func (s *Server) Close() error {
	var firstErr error
	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		sqlDB, err := s.db.DB()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else if closeErr := sqlDB.Close(); closeErr != nil {
			if firstErr == nil {
				firstErr = closeErr
			}
		}
	}
	return firstErr
}

// registerRoutes 注册所有的 API 路由。
func (s *Server) registerRoutes() {
	// Prometheus metrics 端点
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/api/health", s.handleHealth)

	s.router.POST("/api/watches", s.handleCreateWatch)
	s.router.GET("/api/unwatch", s.handleUnwatch)

	s.router.GET("/api/deals", s.handleListDeals)
	s.router.GET("/api/gpus/:slug/offers", s.handleListOffers)

	s.router.GET("/out/:slug/:retailer", s.handleOutboundClick)

	s.router.POST("/api/admin/login", s.auth.Login)

	admin := s.router.Group("/api/admin")
	admin.Use(middleware.AuthMiddleware(s.cfg.Security.JWTSecret))
	admin.POST("/gpus", s.handleCreateGPU)
	admin.PUT("/gpus/:id", s.handleUpdateGPU)
}

// handleHealth 健康探针：DB/Redis 连通性、各队列深度与过期报价数。
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.rdb == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error"})
		return
	}

	var one int
	if err := s.db.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "mysql": err.Error()})
		return
	}
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "redis": err.Error()})
		return
	}

	queues := gin.H{}
	for _, q := range []string{jobqueue.QueueIngest, jobqueue.QueueScore, jobqueue.QueueAlert, jobqueue.QueueCompact} {
		depth, err := s.queue.Depth(ctx, q)
		if err != nil {
			continue
		}
		dead, _ := s.queue.DeadCount(ctx, q)
		queues[q] = gin.H{"depth": depth, "dead": dead}
	}

	var stale int64
	cutoff := time.Now().Add(-s.cfg.App.StaleAfter)
	if err := s.db.WithContext(ctx).
		Model(&model.RetailerOffer{}).
		Where("last_checked_at < ?", cutoff).
		Count(&stale).Error; err != nil {
		s.logger.Warn("stale offer count failed", slog.String("error", err.Error()))
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"queues":       queues,
		"stale_offers": stale,
	})
}

// createWatchRequest 创建订阅的请求参数。
type createWatchRequest struct {
	Email          string   `json:"email" binding:"required,email"`
	GPUSlug        string   `json:"gpu_slug" binding:"required"`
	TargetPriceUSD *float64 `json:"target_price_usd"`
	NotifyInStock  bool     `json:"notify_in_stock"`
}

// handleCreateWatch 创建或更新一个订阅。
//
// POST /api/watches
// (email, gpu) 已存在时覆盖目标价与到货开关，不报冲突。
func (s *Server) handleCreateWatch(c *gin.Context) {
	var req createWatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TargetPriceUSD != nil && *req.TargetPriceUSD <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid target_price_usd"})
		return
	}

	gpu, err := s.catalogStore.GPUBySlug(c.Request.Context(), req.GPUSlug)
	if errors.Is(err, errNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown gpu"})
		return
	}
	if err != nil {
		s.logger.Error("lookup gpu failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup gpu failed"})
		return
	}
	if !gpu.Active {
		c.JSON(http.StatusNotFound, gin.H{"error": "gpu no longer tracked"})
		return
	}

	watch := model.GPUWatch{
		Email:          strings.TrimSpace(strings.ToLower(req.Email)),
		GPUID:          gpu.ID,
		TargetPriceUSD: req.TargetPriceUSD,
		NotifyInStock:  req.NotifyInStock,
	}
	if err := s.watchStore.UpsertWatch(c.Request.Context(), &watch); err != nil {
		s.logger.Error("upsert watch failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create watch failed"})
		return
	}

	s.logger.Info("watch upserted",
		slog.String("gpu", req.GPUSlug),
		slog.Uint64("watch_id", uint64(watch.ID)))
	c.JSON(http.StatusCreated, gin.H{"id": watch.ID, "gpu": gpu.Slug})
}

// handleUnwatch 取消订阅，做成 GET 以便直接放进邮件链接。
//
// GET /api/unwatch?email=x@y.com&gpu=rtx-5090
func (s *Server) handleUnwatch(c *gin.Context) {
	email := strings.TrimSpace(strings.ToLower(c.Query("email")))
	slug := c.Query("gpu")
	if email == "" || slug == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and gpu are required"})
		return
	}

	gpu, err := s.catalogStore.GPUBySlug(c.Request.Context(), slug)
	if errors.Is(err, errNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown gpu"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup gpu failed"})
		return
	}

	deleted, err := s.watchStore.DeleteWatch(c.Request.Context(), email, gpu.ID)
	if err != nil {
		s.logger.Error("delete watch failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unwatch failed"})
		return
	}
	if deleted == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "watch not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"unwatched": slug})
}

// handleOutboundClick 记录外链点击并 302 跳转到零售商商品页。
//
// GET /out/:slug/:retailer
// 点击记录失败不阻塞跳转。
func (s *Server) handleOutboundClick(c *gin.Context) {
	slug := c.Param("slug")
	retailer := c.Param("retailer")

	link, err := s.clickStore.ResolveOffer(c.Request.Context(), slug, retailer)
	if errors.Is(err, errNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "offer not found"})
		return
	}
	if err != nil {
		s.logger.Error("resolve offer failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve offer failed"})
		return
	}

	click := &model.OutboundClick{
		ClickedAt: time.Now(),
		GPUID:     link.GPUID,
		Retailer:  retailer,
		RefURL:    c.Request.Referer(),
		UserAgent: c.Request.UserAgent(),
	}
	if err := s.clickStore.RecordClick(c.Request.Context(), click); err != nil {
		s.logger.Warn("record outbound click failed",
			slog.String("gpu", slug),
			slog.String("retailer", retailer),
			slog.String("error", err.Error()))
	}

	c.Redirect(http.StatusFound, link.DirectURL)
}

// dealResponse 捡漏列表接口返回的结构。
type dealResponse struct {
	GPUSlug         string    `json:"gpu_slug" gorm:"column:gpu_slug"`
	GPUModel        string    `json:"gpu_model" gorm:"column:gpu_model"`
	Retailer        string    `json:"retailer"`
	CurrentPriceUSD float64   `json:"current_price_usd"`
	MSRPUSD         float64   `json:"msrp_usd" gorm:"column:msrp_usd"`
	PctBelowAvg     float64   `json:"pct_below_avg"`
	DealReason      string    `json:"deal_reason"`
	AffiliateURL    string    `json:"affiliate_url"`
	ComputedAt      time.Time `json:"computed_at"`
}

// handleListDeals 返回当前所有捡漏，按低于均价的幅度排序。
//
// GET /api/deals
func (s *Server) handleListDeals(c *gin.Context) {
	deals := []dealResponse{} // 保证空结果序列化为 [] 而不是 null
	err := s.db.WithContext(c.Request.Context()).
		Table("deal_scores ds").
		Select("g.slug AS gpu_slug, g.model AS gpu_model, ds.retailer, ds.current_price_usd, g.msrp_usd, ds.pct_below_avg, ds.deal_reason, ro.affiliate_url, ds.computed_at").
		Joins("JOIN gpus g ON g.id = ds.gpu_id").
		Joins("LEFT JOIN retailer_offers ro ON ro.gpu_id = ds.gpu_id AND ro.retailer = ds.retailer").
		Where("ds.is_deal = ? AND g.active = ?", true, true).
		Order("ds.pct_below_avg DESC").
		Scan(&deals).Error
	if err != nil {
		s.logger.Error("list deals failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list deals failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deals": deals})
}

// offerResponse 单卡报价接口返回的结构。
type offerResponse struct {
	Retailer      string    `json:"retailer"`
	PriceUSD      float64   `json:"price_usd"`
	StockStatus   string    `json:"stock_status"`
	AffiliateURL  string    `json:"affiliate_url"`
	LastCheckedAt time.Time `json:"last_checked_at"`
	IsDeal        bool      `json:"is_deal" gorm:"column:is_deal"`
	DealReason    string    `json:"deal_reason" gorm:"column:deal_reason"`
}

// handleListOffers 返回单卡的全部零售商报价，附带评分结果。
//
// GET /api/gpus/:slug/offers
// 评分还没跑到的报价 is_deal 为 false、reason 为空。
func (s *Server) handleListOffers(c *gin.Context) {
	slug := c.Param("slug")
	gpu, err := s.catalogStore.GPUBySlug(c.Request.Context(), slug)
	if errors.Is(err, errNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown gpu"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup gpu failed"})
		return
	}

	offers := []offerResponse{}
	err = s.db.WithContext(c.Request.Context()).
		Table("retailer_offers ro").
		Select("ro.retailer, ro.price_usd, ro.stock_status, ro.affiliate_url, ro.last_checked_at, COALESCE(ds.is_deal, FALSE) AS is_deal, COALESCE(ds.deal_reason, '') AS deal_reason").
		Joins("LEFT JOIN deal_scores ds ON ds.gpu_id = ro.gpu_id AND ds.retailer = ro.retailer").
		Where("ro.gpu_id = ?", gpu.ID).
		Order("ro.price_usd ASC").
		Scan(&offers).Error
	if err != nil {
		s.logger.Error("list offers failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list offers failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"gpu": gin.H{
			"slug":     gpu.Slug,
			"model":    gpu.Model,
			"msrp_usd": gpu.MSRPUSD,
		},
		"offers": offers,
	})
}

var slugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// createGPURequest 新增目录条目的请求参数。
type createGPURequest struct {
	Slug         string  `json:"slug" binding:"required"`
	Model        string  `json:"model" binding:"required"`
	Brand        string  `json:"brand" binding:"required"`
	Architecture string  `json:"architecture"`
	Generation   string  `json:"generation"`
	VRAMGB       int     `json:"vram_gb" binding:"required"`
	TDPWatts     int     `json:"tdp_watts"`
	MSRPUSD      float64 `json:"msrp_usd" binding:"required"`
}

// updateGPURequest 局部更新目录条目的请求参数。
type updateGPURequest struct {
	Model    *string  `json:"model"`
	MSRPUSD  *float64 `json:"msrp_usd"`
	VRAMGB   *int     `json:"vram_gb"`
	TDPWatts *int     `json:"tdp_watts"`
	Active   *bool    `json:"active"`
}

// handleCreateGPU 新增目录条目。
//
// POST /api/admin/gpus
func (s *Server) handleCreateGPU(c *gin.Context) {
	var req createGPURequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !slugPattern.MatchString(req.Slug) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid slug"})
		return
	}
	brand := strings.ToLower(strings.TrimSpace(req.Brand))
	if brand != "nvidia" && brand != "amd" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid brand"})
		return
	}
	if req.MSRPUSD <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "msrp_usd must be positive"})
		return
	}
	if req.VRAMGB <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "vram_gb must be positive"})
		return
	}

	if _, err := s.catalogStore.GPUBySlug(c.Request.Context(), req.Slug); err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "slug already exists"})
		return
	} else if !errors.Is(err, errNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup gpu failed"})
		return
	}

	gpu := model.GPU{
		Slug:         req.Slug,
		Model:        req.Model,
		Brand:        brand,
		Architecture: req.Architecture,
		Generation:   req.Generation,
		VRAMGB:       req.VRAMGB,
		TDPWatts:     req.TDPWatts,
		MSRPUSD:      req.MSRPUSD,
		Active:       true,
	}
	if err := s.catalogStore.CreateGPU(c.Request.Context(), &gpu); err != nil {
		s.logger.Error("create gpu failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create gpu failed"})
		return
	}

	s.logger.Info("gpu added to catalog", slog.String("slug", gpu.Slug))
	c.JSON(http.StatusCreated, gin.H{"id": gpu.ID, "slug": gpu.Slug})
}

// handleUpdateGPU 局部更新目录条目，active=false 是软删除。
//
// PUT /api/admin/gpus/:id
func (s *Server) handleUpdateGPU(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid gpu id"})
		return
	}

	var req updateGPURequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	updates := map[string]interface{}{}
	if req.Model != nil {
		name := strings.TrimSpace(*req.Model)
		if name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid model"})
			return
		}
		updates["model"] = name
	}
	if req.MSRPUSD != nil {
		if *req.MSRPUSD <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "msrp_usd must be positive"})
			return
		}
		updates["msrp_usd"] = *req.MSRPUSD
	}
	if req.VRAMGB != nil {
		if *req.VRAMGB <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "vram_gb must be positive"})
			return
		}
		updates["vram_gb"] = *req.VRAMGB
	}
	if req.TDPWatts != nil {
		updates["tdp_watts"] = *req.TDPWatts
	}
	if req.Active != nil {
		updates["active"] = *req.Active
	}
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no updates"})
		return
	}

	affected, err := s.catalogStore.UpdateGPU(c.Request.Context(), uint(id), updates)
	if err != nil {
		s.logger.Error("update gpu failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update gpu failed"})
		return
	}
	if affected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "gpu not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"updated": true})
}
