package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	MySQL    MySQLConfig    `json:"mysql"`
	Redis    RedisConfig    `json:"redis"`
	Email    EmailConfig    `json:"email"`
	Sources  SourcesConfig  `json:"sources"`
	Security SecurityConfig `json:"security"`
	Sentry   SentryConfig   `json:"sentry"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env      string `json:"env"`       // 运行环境: local / prod
	LogLevel string `json:"log_level"` // 日志级别: debug / info / warn / error
	HTTPAddr string `json:"http_addr"` // API 服务监听地址
	AppURL   string `json:"app_url"`   // 对外站点地址（用于邮件内链接）

	// 各管线队列的 worker 并发度。抓取必须串行以尊重零售商限流。
	IngestWorkers  int `json:"ingest_workers"`
	ScoreWorkers   int `json:"score_workers"`
	AlertWorkers   int `json:"alert_workers"`
	CompactWorkers int `json:"compact_workers"`

	AlertCooldown   time.Duration `json:"alert_cooldown"`   // 同一订阅两次通知的最小间隔（默认 4h）
	StaleAfter      time.Duration `json:"stale_after"`      // 报价过期告警阈值（默认 6h）
	RetentionDays   int           `json:"retention_days"`   // 原始价格点保留天数（默认 180）
	ScoreDedupDelay time.Duration `json:"score_dedup_delay"` // 评分任务去重延迟窗口（默认 1s）

	JanitorInterval time.Duration `json:"janitor_interval"` // 卡死任务巡检间隔
	JanitorTimeout  time.Duration `json:"janitor_timeout"`  // 任务被认定为卡死的阈值
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 配置（队列与限流共用一个实例）。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
}

// SourcesConfig 各零售商数据源的凭证与调度配置。
type SourcesConfig struct {
	BestBuyAPIKey    string        `json:"bestbuy_api_key"`
	BestBuyInterval  time.Duration `json:"bestbuy_interval"` // 默认 4h
	AmazonAccessKey  string        `json:"amazon_access_key"`
	AmazonSecretKey  string        `json:"amazon_secret_key"`
	AmazonPartnerTag string        `json:"amazon_partner_tag"`
	AmazonInterval   time.Duration `json:"amazon_interval"` // 默认 6h
	ApifyToken       string        `json:"apify_token"`
	NeweggInterval   time.Duration `json:"newegg_interval"`  // 默认 8h
	BHPhotoInterval  time.Duration `json:"bhphoto_interval"` // 默认 8h
	CompactAt        time.Duration `json:"compact_at"`       // 压缩任务周期，默认 24h

	// B&H Photo 走无头浏览器抓取。
	BrowserBinPath  string `json:"browser_bin_path"`
	BrowserHeadless bool   `json:"browser_headless"`
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret         string `json:"jwt_secret"`          // 管理端 JWT 签名密钥
	AdminPasswordHash string `json:"admin_password_hash"` // 管理员密码的 bcrypt 哈希（为空表示禁用管理端）
}

// SentryConfig 错误上报配置。
type SentryConfig struct {
	DSN string `json:"dsn"` // 为空时仅写本地日志
}

// Load 从 JSON 文件加载配置。
//
// 它会尝试读取 configs/config.json 文件，如果不存在则使用默认值，
// 环境变量始终可以覆盖文件内容。
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:             "local",
			LogLevel:        "info",
			HTTPAddr:        ":8082",
			AppURL:          "https://gpuwatch.example.com",
			IngestWorkers:   1, // 严格串行，尊重零售商限流
			ScoreWorkers:    5,
			AlertWorkers:    3,
			CompactWorkers:  1,
			AlertCooldown:   4 * time.Hour,
			StaleAfter:      6 * time.Hour,
			RetentionDays:   180,
			ScoreDedupDelay: time.Second,
			JanitorInterval: 10 * time.Minute,
			JanitorTimeout:  30 * time.Minute,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/gpuwatch?parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
		},
		Email: EmailConfig{
			SMTPHost:  "smtp.gmail.com",
			SMTPPort:  587,
			SMTPUser:  "",
			SMTPPass:  "",
			FromEmail: "",
		},
		Sources: SourcesConfig{
			BestBuyInterval: 4 * time.Hour,
			AmazonInterval:  6 * time.Hour,
			NeweggInterval:  8 * time.Hour,
			BHPhotoInterval: 8 * time.Hour,
			CompactAt:       24 * time.Hour,
			BrowserHeadless: true,
		},
		Security: SecurityConfig{
			JWTSecret: "dev_secret_change_me",
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.App.AppURL == "" {
		cfg.App.AppURL = defaults.App.AppURL
	}
	if cfg.App.IngestWorkers == 0 {
		cfg.App.IngestWorkers = defaults.App.IngestWorkers
	}
	if cfg.App.ScoreWorkers == 0 {
		cfg.App.ScoreWorkers = defaults.App.ScoreWorkers
	}
	if cfg.App.AlertWorkers == 0 {
		cfg.App.AlertWorkers = defaults.App.AlertWorkers
	}
	if cfg.App.CompactWorkers == 0 {
		cfg.App.CompactWorkers = defaults.App.CompactWorkers
	}
	if cfg.App.AlertCooldown == 0 {
		cfg.App.AlertCooldown = defaults.App.AlertCooldown
	}
	if cfg.App.StaleAfter == 0 {
		cfg.App.StaleAfter = defaults.App.StaleAfter
	}
	if cfg.App.RetentionDays == 0 {
		cfg.App.RetentionDays = defaults.App.RetentionDays
	}
	if cfg.App.ScoreDedupDelay == 0 {
		cfg.App.ScoreDedupDelay = defaults.App.ScoreDedupDelay
	}
	if cfg.App.JanitorInterval == 0 {
		cfg.App.JanitorInterval = defaults.App.JanitorInterval
	}
	if cfg.App.JanitorTimeout == 0 {
		cfg.App.JanitorTimeout = defaults.App.JanitorTimeout
	}
	if cfg.Sources.BestBuyInterval == 0 {
		cfg.Sources.BestBuyInterval = defaults.Sources.BestBuyInterval
	}
	if cfg.Sources.AmazonInterval == 0 {
		cfg.Sources.AmazonInterval = defaults.Sources.AmazonInterval
	}
	if cfg.Sources.NeweggInterval == 0 {
		cfg.Sources.NeweggInterval = defaults.Sources.NeweggInterval
	}
	if cfg.Sources.BHPhotoInterval == 0 {
		cfg.Sources.BHPhotoInterval = defaults.Sources.BHPhotoInterval
	}
	if cfg.Sources.CompactAt == 0 {
		cfg.Sources.CompactAt = defaults.Sources.CompactAt
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = defaults.Security.JWTSecret
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("bestbuy_api_key", "BESTBUY_API_KEY")
	_ = viper.BindEnv("amazon_secret_key", "AMAZON_SECRET_KEY")
	_ = viper.BindEnv("apify_token", "APIFY_API_TOKEN")
	_ = viper.BindEnv("sentry_dsn", "SENTRY_DSN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_URL"); v != "" {
		cfg.App.AppURL = v
	}
	if v := os.Getenv("APP_INGEST_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.IngestWorkers = i
		}
	}
	if v := os.Getenv("APP_SCORE_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.ScoreWorkers = i
		}
	}
	if v := os.Getenv("APP_ALERT_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.AlertWorkers = i
		}
	}
	if v := os.Getenv("APP_ALERT_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.AlertCooldown = d
		}
	}
	if v := os.Getenv("APP_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.StaleAfter = d
		}
	}
	if v := os.Getenv("APP_RETENTION_DAYS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.RetentionDays = i
		}
	}

	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.MySQL.DSN = v
	} else if v := viper.GetString("db_password"); v != "" {
		if parsed, err := mysql.ParseDSN(cfg.MySQL.DSN); err == nil {
			parsed.Passwd = v
			cfg.MySQL.DSN = parsed.FormatDSN()
		}
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}

	if v := viper.GetString("bestbuy_api_key"); v != "" {
		cfg.Sources.BestBuyAPIKey = v
	}
	if v := os.Getenv("AMAZON_ACCESS_KEY"); v != "" {
		cfg.Sources.AmazonAccessKey = v
	}
	if v := viper.GetString("amazon_secret_key"); v != "" {
		cfg.Sources.AmazonSecretKey = v
	}
	if v := os.Getenv("AMAZON_PARTNER_TAG"); v != "" {
		cfg.Sources.AmazonPartnerTag = v
	}
	if v := viper.GetString("apify_token"); v != "" {
		cfg.Sources.ApifyToken = v
	}
	if v := os.Getenv("BROWSER_BIN"); v != "" {
		cfg.Sources.BrowserBinPath = v
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Sources.BrowserHeadless = b
		}
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := os.Getenv("ADMIN_PASSWORD_HASH"); v != "" {
		cfg.Security.AdminPasswordHash = v
	}
	if v := viper.GetString("sentry_dsn"); v != "" {
		cfg.Sentry.DSN = v
	}
}

// UnmarshalJSON 自定义 JSON 解析，支持 Duration 字符串（如 "4h"）。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		AlertCooldown   string `json:"alert_cooldown"`
		StaleAfter      string `json:"stale_after"`
		ScoreDedupDelay string `json:"score_dedup_delay"`
		JanitorInterval string `json:"janitor_interval"`
		JanitorTimeout  string `json:"janitor_timeout"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	set := func(dst *time.Duration, raw, field string) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", field, err)
		}
		*dst = d
		return nil
	}

	if err := set(&a.AlertCooldown, aux.AlertCooldown, "alert_cooldown"); err != nil {
		return err
	}
	if err := set(&a.StaleAfter, aux.StaleAfter, "stale_after"); err != nil {
		return err
	}
	if err := set(&a.ScoreDedupDelay, aux.ScoreDedupDelay, "score_dedup_delay"); err != nil {
		return err
	}
	if err := set(&a.JanitorInterval, aux.JanitorInterval, "janitor_interval"); err != nil {
		return err
	}
	return set(&a.JanitorTimeout, aux.JanitorTimeout, "janitor_timeout")
}

// UnmarshalJSON 同样支持数据源区间的 Duration 字符串。
func (s *SourcesConfig) UnmarshalJSON(data []byte) error {
	type Alias SourcesConfig
	aux := &struct {
		BestBuyInterval string `json:"bestbuy_interval"`
		AmazonInterval  string `json:"amazon_interval"`
		NeweggInterval  string `json:"newegg_interval"`
		BHPhotoInterval string `json:"bhphoto_interval"`
		CompactAt       string `json:"compact_at"`
		*Alias
	}{
		Alias: (*Alias)(s),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	for _, f := range []struct {
		dst   *time.Duration
		raw   string
		field string
	}{
		{&s.BestBuyInterval, aux.BestBuyInterval, "bestbuy_interval"},
		{&s.AmazonInterval, aux.AmazonInterval, "amazon_interval"},
		{&s.NeweggInterval, aux.NeweggInterval, "newegg_interval"},
		{&s.BHPhotoInterval, aux.BHPhotoInterval, "bhphoto_interval"},
		{&s.CompactAt, aux.CompactAt, "compact_at"},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", f.field, err)
		}
		*f.dst = d
	}
	return nil
}
