package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"

	"github.com/lengmodkx/spider-mall/internal/pkg/apperr"
)

// DefaultPath 默认配置文件路径。
const DefaultPath = "configs/config.json"

// Config 保存应用程序配置。
type Config struct {
	App      AppConfig      `json:"app"`
	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Spider   SpiderConfig   `json:"spider"`
	Platform PlatformConfig `json:"platform"`
	Schedule ScheduleConfig `json:"schedule"`
	Browser  BrowserConfig  `json:"browser"`
	Email    EmailConfig    `json:"email"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env       string `json:"env"`        // 运行环境: local / prod
	LogLevel  string `json:"log_level"`  // 日志级别: debug / info / warn / error
	LogFormat string `json:"log_format"` // 日志格式: text / json
	HTTPAddr  string `json:"http_addr"`  // 状态 API 与 /metrics 监听地址，为空表示不启动
}

// DatabaseConfig 数据库配置。
type DatabaseConfig struct {
	Driver string `json:"driver"` // mysql / postgres / sqlite
	DSN    string `json:"dsn"`    // 数据库连接字符串
}

// RedisConfig Redis 配置。Addr 为空时禁用共享限流与评论去重缓存。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
	DB       int    `json:"db"`
}

// SpiderConfig 抓取请求相关配置。
type SpiderConfig struct {
	RequestDelay      time.Duration `json:"-"` // 两次页面抓取之间的固定间隔
	RequestJitter     time.Duration `json:"-"` // 在固定间隔上叠加的随机抖动上限
	MaxRetries        int           `json:"max_retries"`         // 单个请求最大尝试次数
	RetryWait         time.Duration `json:"-"`                   // 单个请求重试前的固定等待
	Timeout           time.Duration `json:"-"`                   // 单个请求超时
	UserAgentRotation bool          `json:"user_agent_rotation"` // 是否轮换 User-Agent
	RateLimit         float64       `json:"rate_limit"`          // 每个平台的共享令牌速率（token/s）
	RateBurst         float64       `json:"rate_burst"`          // 令牌桶容量
	SeenCacheTTL      time.Duration `json:"-"`                   // 评论去重缓存有效期
}

// PlatformConfig 平台地址与分页上限。
type PlatformConfig struct {
	TaobaoSearchURL      string `json:"taobao_search_url"`
	TaobaoReviewURL      string `json:"taobao_review_url"`
	JDSearchURL          string `json:"jd_search_url"`
	JDPriceURL           string `json:"jd_price_url"`
	JDReviewURL          string `json:"jd_review_url"`
	JDSummaryURL         string `json:"jd_summary_url"`
	JDItemURL            string `json:"jd_item_url"`
	DefaultCategory      string `json:"default_category"`
	MaxListingPages      int    `json:"max_listing_pages"`
	MaxReviewPages       int    `json:"max_review_pages"`
	MaxReviewsPerProduct int    `json:"max_reviews_per_product"` // 0 表示不抓取评论
}

// ScheduleConfig 定时任务配置。
type ScheduleConfig struct {
	Enabled                 bool          `json:"enabled"`
	CrawlTime               string        `json:"crawl_time"` // 每日抓取时间 HH:MM
	Timezone                string        `json:"timezone"`
	RetryOnFailure          bool          `json:"retry_on_failure"`
	MaxRetryAttempts        int           `json:"max_retry_attempts"`
	RetryBackoff            time.Duration `json:"-"` // 线性退避单位：第 n 次重试前等待 RetryBackoff*(n-1)
	PollInterval            time.Duration `json:"-"`
	MaintenanceInterval     time.Duration `json:"-"`
	TaskRetention           time.Duration `json:"-"`
	AnalyzeAfterMaintenance bool          `json:"analyze_after_maintenance"`
}

// BrowserConfig 淘宝搜索页使用的浏览器配置。
type BrowserConfig struct {
	BinPath     string        `json:"bin_path"`  // 浏览器可执行文件路径
	ProxyURL    string        `json:"proxy_url"` // 代理服务器 URL
	Headless    bool          `json:"headless"`  // 是否使用无头模式
	PageTimeout time.Duration `json:"-"`
}

// EmailConfig 邮件告警配置。SMTPHost 或 AlertTo 为空时不发送。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	AlertTo   string `json:"alert_to"`
}

// Load 从 JSON 文件加载配置。
//
// 文件不存在时使用默认值；环境变量始终优先。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 读取、解析或校验失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := DefaultPath
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	cfg := getDefaultConfig()
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, apperr.Configuration("parse config file %s: %v", path, err)
		}
		applyDefaults(cfg)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("stat config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save 保存配置到 JSON 文件。
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// Default 返回默认配置，不读取文件与环境变量。
func Default() *Config {
	return getDefaultConfig()
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:       "local",
			LogLevel:  "info",
			LogFormat: "text",
			HTTPAddr:  ":8082",
		},
		Database: DatabaseConfig{
			Driver: "mysql",
			DSN:    "root:password@tcp(localhost:3306)/spider_mall?charset=utf8mb4&parseTime=true&loc=Local",
		},
		Redis: RedisConfig{
			Addr: "",
		},
		Spider: SpiderConfig{
			RequestDelay:      time.Second,
			RequestJitter:     time.Second,
			MaxRetries:        3,
			RetryWait:         2 * time.Second,
			Timeout:           30 * time.Second,
			UserAgentRotation: true,
			RateLimit:         1,
			RateBurst:         3,
			SeenCacheTTL:      24 * time.Hour,
		},
		Platform: PlatformConfig{
			TaobaoSearchURL:      "https://s.taobao.com/search",
			TaobaoReviewURL:      "https://rate.tmall.com/list_detail_rate.htm",
			JDSearchURL:          "https://search.jd.com/Search",
			JDPriceURL:           "https://p.3.cn/prices/mgets",
			JDReviewURL:          "https://club.jd.com/comment/productPageComments.action",
			JDSummaryURL:         "https://club.jd.com/comment/productCommentSummaries.action",
			JDItemURL:            "https://item.jd.com",
			DefaultCategory:      "手机",
			MaxListingPages:      5,
			MaxReviewPages:       3,
			MaxReviewsPerProduct: 1000,
		},
		Schedule: ScheduleConfig{
			Enabled:                 true,
			CrawlTime:               "02:00",
			Timezone:                "Asia/Shanghai",
			RetryOnFailure:          true,
			MaxRetryAttempts:        3,
			RetryBackoff:            60 * time.Second,
			PollInterval:            time.Minute,
			MaintenanceInterval:     time.Hour,
			TaskRetention:           30 * 24 * time.Hour,
			AnalyzeAfterMaintenance: true,
		},
		Browser: BrowserConfig{
			Headless:    true,
			PageTimeout: 45 * time.Second,
		},
		Email: EmailConfig{
			SMTPPort: 587,
		},
	}
}

// applyDefaults 对显式写成零值的字段恢复默认值。
// MaxReviewsPerProduct 与 MaxRetryAttempts 的 0 有意义，不做处理。
func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.LogFormat == "" {
		cfg.App.LogFormat = defaults.App.LogFormat
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = defaults.Database.Driver
	}
	if cfg.Spider.MaxRetries == 0 {
		cfg.Spider.MaxRetries = defaults.Spider.MaxRetries
	}
	if cfg.Spider.Timeout == 0 {
		cfg.Spider.Timeout = defaults.Spider.Timeout
	}
	if cfg.Spider.RateLimit == 0 {
		cfg.Spider.RateLimit = defaults.Spider.RateLimit
	}
	if cfg.Spider.RateBurst == 0 {
		cfg.Spider.RateBurst = defaults.Spider.RateBurst
	}
	if cfg.Spider.SeenCacheTTL == 0 {
		cfg.Spider.SeenCacheTTL = defaults.Spider.SeenCacheTTL
	}
	if cfg.Platform.DefaultCategory == "" {
		cfg.Platform.DefaultCategory = defaults.Platform.DefaultCategory
	}
	if cfg.Platform.MaxListingPages == 0 {
		cfg.Platform.MaxListingPages = defaults.Platform.MaxListingPages
	}
	if cfg.Platform.MaxReviewPages == 0 {
		cfg.Platform.MaxReviewPages = defaults.Platform.MaxReviewPages
	}
	if cfg.Schedule.CrawlTime == "" {
		cfg.Schedule.CrawlTime = defaults.Schedule.CrawlTime
	}
	if cfg.Schedule.Timezone == "" {
		cfg.Schedule.Timezone = defaults.Schedule.Timezone
	}
	if cfg.Schedule.RetryBackoff == 0 {
		cfg.Schedule.RetryBackoff = defaults.Schedule.RetryBackoff
	}
	if cfg.Schedule.PollInterval == 0 {
		cfg.Schedule.PollInterval = defaults.Schedule.PollInterval
	}
	if cfg.Schedule.MaintenanceInterval == 0 {
		cfg.Schedule.MaintenanceInterval = defaults.Schedule.MaintenanceInterval
	}
	if cfg.Schedule.TaskRetention == 0 {
		cfg.Schedule.TaskRetention = defaults.Schedule.TaskRetention
	}
	if cfg.Browser.PageTimeout == 0 {
		cfg.Browser.PageTimeout = defaults.Browser.PageTimeout
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_host", "DB_HOST")
	_ = viper.BindEnv("db_password", "DB_PASSWORD")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("chrome_bin", "CHROME_BIN")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_LOG_FORMAT"); v != "" {
		cfg.App.LogFormat = v
	}
	if v, ok := os.LookupEnv("APP_HTTP_ADDR"); ok {
		cfg.App.HTTPAddr = v
	}

	if v := os.Getenv("SPIDER_REQUEST_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Spider.RequestDelay = d
		}
	}
	if v := os.Getenv("SPIDER_MAX_RETRIES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Spider.MaxRetries = i
		}
	}
	if v := os.Getenv("SPIDER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Spider.Timeout = d
		}
	}
	if v := os.Getenv("SPIDER_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Spider.RateLimit = f
		}
	}

	if v := os.Getenv("PLATFORM_MAX_LISTING_PAGES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Platform.MaxListingPages = i
		}
	}
	if v := os.Getenv("PLATFORM_MAX_REVIEWS_PER_PRODUCT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Platform.MaxReviewsPerProduct = i
		}
	}

	if v := os.Getenv("SCHEDULE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Schedule.Enabled = b
		}
	}
	if v := os.Getenv("SCHEDULE_CRAWL_TIME"); v != "" {
		cfg.Schedule.CrawlTime = v
	}
	if v := os.Getenv("SCHEDULE_TIMEZONE"); v != "" {
		cfg.Schedule.Timezone = v
	}
	if v := os.Getenv("SCHEDULE_RETRY_ON_FAILURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Schedule.RetryOnFailure = b
		}
	}
	if v := os.Getenv("SCHEDULE_MAX_RETRY_ATTEMPTS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Schedule.MaxRetryAttempts = i
		}
	}

	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.Database.DSN = v
	} else if cfg.Database.Driver == "mysql" &&
		(hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") || viper.GetString("db_host") != "" || viper.GetString("db_password") != "") {
		parsed := parseMySQLDSN(cfg.Database.DSN)
		if v := viper.GetString("db_host"); v != "" {
			port := getenvDefault("DB_PORT", parsed.Addr, "3306")
			parsed.Addr = v + ":" + port
		} else if v := os.Getenv("DB_PORT"); v != "" {
			host := parsed.Addr
			if strings.Contains(host, ":") {
				host = strings.Split(host, ":")[0]
			}
			parsed.Addr = host + ":" + v
		}
		if v := os.Getenv("DB_USER"); v != "" {
			parsed.User = v
		}
		if v := viper.GetString("db_password"); v != "" {
			parsed.Passwd = v
		}
		if v := os.Getenv("DB_NAME"); v != "" {
			parsed.DBName = v
		}
		cfg.Database.DSN = parsed.FormatDSN()
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := viper.GetString("chrome_bin"); v != "" {
		cfg.Browser.BinPath = v
	}
	if v := os.Getenv("HTTP_PROXY"); v != "" {
		cfg.Browser.ProxyURL = v
	} else if v := os.Getenv("BROWSER_PROXY_URL"); v != "" {
		cfg.Browser.ProxyURL = v
	}
	if v := os.Getenv("BROWSER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Browser.Headless = b
		}
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
	if v := os.Getenv("ALERT_EMAIL_TO"); v != "" {
		cfg.Email.AlertTo = v
	}
}

// Validate 检查无法运行的配置组合，返回 Configuration 错误。
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return apperr.Configuration("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return apperr.Configuration("database dsn is empty")
	}
	if _, _, err := ParseClock(c.Schedule.CrawlTime); err != nil {
		return apperr.Configuration("invalid crawl_time %q", c.Schedule.CrawlTime)
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return apperr.Configuration("invalid timezone %q: %v", c.Schedule.Timezone, err)
	}
	if c.Schedule.MaxRetryAttempts < 0 {
		return apperr.Configuration("max_retry_attempts must be >= 0, got %d", c.Schedule.MaxRetryAttempts)
	}
	if c.Schedule.PollInterval <= 0 || c.Schedule.MaintenanceInterval <= 0 {
		return apperr.Configuration("poll_interval and maintenance_interval must be positive")
	}
	if c.Spider.RequestDelay < 0 || c.Spider.RequestJitter < 0 {
		return apperr.Configuration("request_delay and request_jitter must not be negative")
	}
	if c.Platform.MaxListingPages < 1 || c.Platform.MaxReviewPages < 1 {
		return apperr.Configuration("max_listing_pages and max_review_pages must be >= 1")
	}
	if c.Platform.MaxReviewsPerProduct < 0 {
		return apperr.Configuration("max_reviews_per_product must be >= 0")
	}
	return nil
}

// ParseClock 解析 "HH:MM" 形式的时刻。
func ParseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}

func hasAnyEnv(keys ...string) bool {
	for _, key := range keys {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func getenvDefault(envKey, fallbackAddr, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if strings.Contains(fallbackAddr, ":") {
		parts := strings.Split(fallbackAddr, ":")
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	if parsed, err := mysql.ParseDSN(dsn); err == nil && dsn != "" {
		return parsed
	}
	cfg := mysql.NewConfig()
	cfg.User = "root"
	cfg.Net = "tcp"
	cfg.Addr = "localhost:3306"
	cfg.DBName = "spider_mall"
	cfg.ParseTime = true
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	return cfg
}
