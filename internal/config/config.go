package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// DevJWTSecret 仅用于本地开发的默认签名密钥，生产环境禁止使用。
const DevJWTSecret = "dev_secret_change_me"

// Config 保存应用程序配置。
type Config struct {
	App          AppConfig          `json:"app"`
	MySQL        MySQLConfig        `json:"mysql"`
	Redis        RedisConfig        `json:"redis"`
	Email        EmailConfig        `json:"email"`
	Security     SecurityConfig     `json:"security"`
	Verification VerificationConfig `json:"verification"`
	MailQueue    MailQueueConfig    `json:"mail_queue"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env             string        `json:"env"`              // 运行环境: local / prod
	LogLevel        string        `json:"log_level"`        // 日志级别: debug / info / warn / error
	HTTPAddr        string        `json:"http_addr"`        // API 服务监听地址
	MetricsAddr     string        `json:"metrics_addr"`     // mailer 指标监听地址
	WorkerPoolSize  int           `json:"worker_pool_size"` // 通知 worker 数量
	QueueCapacity   int           `json:"queue_capacity"`   // 通知队列容量
	RateLimit       float64       `json:"rate_limit"`       // 每个 IP 的限流速率（token/s）
	RateBurst       float64       `json:"rate_burst"`       // 限流桶容量
	ShutdownTimeout time.Duration `json:"shutdown_timeout"` // 优雅关闭超时
}

// IsProd 是否生产环境。
func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, "prod")
}

// MySQLConfig MySQL 数据库配置。
type MySQLConfig struct {
	DSN string `json:"dsn"` // 数据库连接字符串
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr"`     // Redis 地址 (host:port)
	Password string `json:"password"` // Redis 密码
	DB       int    `json:"db"`
}

// EmailConfig SMTP 配置。
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
}

// Configured 报告 SMTP 是否已配置。
func (e EmailConfig) Configured() bool {
	return e.SMTPHost != "" && e.SMTPUser != "" && e.FromEmail != ""
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret          string        `json:"jwt_secret"`           // JWT 签名密钥
	SessionTTL         time.Duration `json:"session_ttl"`          // 会话有效期
	BcryptCost         int           `json:"bcrypt_cost"`          // bcrypt cost
	MinPasswordEntropy float64       `json:"min_password_entropy"` // 密码最小熵，0 表示不检查
}

// VerificationConfig 邮箱验证配置。
type VerificationConfig struct {
	CodeTTL        time.Duration `json:"code_ttl"`        // 验证码有效期
	ResendCooldown time.Duration `json:"resend_cooldown"` // 重发冷却时间
	NotifyTimeout  time.Duration `json:"notify_timeout"`  // 单次投递超时
}

// MailQueueConfig 验证邮件 Redis Stream 配置。
type MailQueueConfig struct {
	Enabled   bool    `json:"enabled"`    // 是否交给 mailer 进程投递
	Stream    string  `json:"stream"`     // Stream 名称
	Group     string  `json:"group"`      // Consumer Group 名称
	Consumer  string  `json:"consumer"`   // 消费者名称（为空时自动生成）
	BatchSize int64   `json:"batch_size"` // 每次读取的消息数
	MaxRetry  int     `json:"max_retry"`  // 发送失败重试次数（0 表示失败即进死信）
	SendRate  float64 `json:"send_rate"`  // SMTP 发送速率（封/s）
	SendBurst float64 `json:"send_burst"` // SMTP 发送突发
}

// Load 从 JSON 文件加载配置。
//
// 文件不存在时使用默认配置；未设置的字段使用默认值；环境变量最后覆盖。
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

// Validate 检查配置是否可用于启动服务。
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Security.JWTSecret) == "" {
		errs = append(errs, errors.New("security.jwt_secret is required"))
	}
	if c.App.IsProd() && c.Security.JWTSecret == DevJWTSecret {
		errs = append(errs, errors.New("security.jwt_secret must be changed in prod"))
	}
	if c.App.WorkerPoolSize <= 0 {
		errs = append(errs, errors.New("app.worker_pool_size must be positive"))
	}
	if c.Verification.CodeTTL <= 0 {
		errs = append(errs, errors.New("verification.code_ttl must be positive"))
	}
	if c.MailQueue.Enabled && (c.MailQueue.Stream == "" || c.MailQueue.Group == "") {
		errs = append(errs, errors.New("mail_queue.stream and mail_queue.group are required when enabled"))
	}
	return errors.Join(errs...)
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:             "local",
			LogLevel:        "info",
			HTTPAddr:        ":8081",
			MetricsAddr:     ":9091",
			WorkerPoolSize:  8,
			QueueCapacity:   256,
			RateLimit:       1,
			RateBurst:       10,
			ShutdownTimeout: 10 * time.Second,
		},
		MySQL: MySQLConfig{
			DSN: "root:password@tcp(localhost:3306)/codeverse?parseTime=true&loc=UTC&charset=utf8mb4",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
			FromName: "CodeVerse",
		},
		Security: SecurityConfig{
			JWTSecret:          DevJWTSecret,
			SessionTTL:         7 * 24 * time.Hour,
			BcryptCost:         10,
			MinPasswordEntropy: 0,
		},
		Verification: VerificationConfig{
			CodeTTL:        60 * time.Minute,
			ResendCooldown: 60 * time.Second,
			NotifyTimeout:  10 * time.Second,
		},
		MailQueue: MailQueueConfig{
			Enabled:   false,
			Stream:    "codeverse:mail:verification",
			Group:     "mailer_group",
			BatchSize: 10,
			MaxRetry:  0,
			SendRate:  5,
			SendBurst: 10,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	d := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = d.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = d.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = d.App.HTTPAddr
	}
	if cfg.App.MetricsAddr == "" {
		cfg.App.MetricsAddr = d.App.MetricsAddr
	}
	if cfg.App.WorkerPoolSize == 0 {
		cfg.App.WorkerPoolSize = d.App.WorkerPoolSize
	}
	if cfg.App.QueueCapacity == 0 {
		cfg.App.QueueCapacity = d.App.QueueCapacity
	}
	if cfg.App.RateLimit == 0 {
		cfg.App.RateLimit = d.App.RateLimit
	}
	if cfg.App.RateBurst == 0 {
		cfg.App.RateBurst = d.App.RateBurst
	}
	if cfg.App.ShutdownTimeout == 0 {
		cfg.App.ShutdownTimeout = d.App.ShutdownTimeout
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = d.MySQL.DSN
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = d.Redis.Addr
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = d.Email.SMTPPort
	}
	if cfg.Email.FromName == "" {
		cfg.Email.FromName = d.Email.FromName
	}
	if cfg.Security.JWTSecret == "" {
		cfg.Security.JWTSecret = d.Security.JWTSecret
	}
	if cfg.Security.SessionTTL == 0 {
		cfg.Security.SessionTTL = d.Security.SessionTTL
	}
	if cfg.Security.BcryptCost == 0 {
		cfg.Security.BcryptCost = d.Security.BcryptCost
	}
	if cfg.Verification.CodeTTL == 0 {
		cfg.Verification.CodeTTL = d.Verification.CodeTTL
	}
	if cfg.Verification.ResendCooldown == 0 {
		cfg.Verification.ResendCooldown = d.Verification.ResendCooldown
	}
	if cfg.Verification.NotifyTimeout == 0 {
		cfg.Verification.NotifyTimeout = d.Verification.NotifyTimeout
	}
	if cfg.MailQueue.Stream == "" {
		cfg.MailQueue.Stream = d.MailQueue.Stream
	}
	if cfg.MailQueue.Group == "" {
		cfg.MailQueue.Group = d.MailQueue.Group
	}
	if cfg.MailQueue.BatchSize == 0 {
		cfg.MailQueue.BatchSize = d.MailQueue.BatchSize
	}
	if cfg.MailQueue.SendRate == 0 {
		cfg.MailQueue.SendRate = d.MailQueue.SendRate
	}
	if cfg.MailQueue.SendBurst == 0 {
		cfg.MailQueue.SendBurst = d.MailQueue.SendBurst
	}
}

func applyEnvOverrides(cfg *Config) {
	v := viper.New()
	_ = v.BindEnv("db_host", "DB_HOST")
	_ = v.BindEnv("db_password", "DB_PASSWORD")
	_ = v.BindEnv("redis_addr", "REDIS_ADDR")
	_ = v.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = v.BindEnv("smtp_pass", "SMTP_PASS")
	_ = v.BindEnv("jwt_secret", "JWT_SECRET")

	envString("APP_ENV", &cfg.App.Env)
	envString("APP_LOG_LEVEL", &cfg.App.LogLevel)
	envString("APP_HTTP_ADDR", &cfg.App.HTTPAddr)
	envString("APP_METRICS_ADDR", &cfg.App.MetricsAddr)
	envInt("APP_WORKER_POOL_SIZE", &cfg.App.WorkerPoolSize)
	envInt("APP_QUEUE_CAPACITY", &cfg.App.QueueCapacity)
	envFloat("APP_RATE_LIMIT", &cfg.App.RateLimit)
	envFloat("APP_RATE_BURST", &cfg.App.RateBurst)
	envDuration("APP_SHUTDOWN_TIMEOUT", &cfg.App.ShutdownTimeout)

	envDuration("APP_SESSION_TTL", &cfg.Security.SessionTTL)
	envInt("APP_BCRYPT_COST", &cfg.Security.BcryptCost)
	envFloat("APP_MIN_PASSWORD_ENTROPY", &cfg.Security.MinPasswordEntropy)
	envDuration("APP_CODE_TTL", &cfg.Verification.CodeTTL)
	envDuration("APP_RESEND_COOLDOWN", &cfg.Verification.ResendCooldown)
	envDuration("APP_NOTIFY_TIMEOUT", &cfg.Verification.NotifyTimeout)

	envBool("MAIL_QUEUE_ENABLED", &cfg.MailQueue.Enabled)
	envString("MAIL_QUEUE_STREAM", &cfg.MailQueue.Stream)
	envString("MAIL_QUEUE_GROUP", &cfg.MailQueue.Group)
	envString("MAIL_QUEUE_CONSUMER", &cfg.MailQueue.Consumer)
	envInt("MAIL_QUEUE_MAX_RETRY", &cfg.MailQueue.MaxRetry)
	envFloat("MAIL_QUEUE_SEND_RATE", &cfg.MailQueue.SendRate)
	envFloat("MAIL_QUEUE_SEND_BURST", &cfg.MailQueue.SendBurst)

	if s := v.GetString("jwt_secret"); s != "" {
		cfg.Security.JWTSecret = s
	}

	if s := os.Getenv("DB_DSN"); s != "" {
		cfg.MySQL.DSN = s
	} else if hasAnyEnv("DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME") {
		parsed := parseMySQLDSN(cfg.MySQL.DSN)
		if host := v.GetString("db_host"); host != "" {
			parsed.Addr = host + ":" + getenvDefault("DB_PORT", parsed.Addr, "3306")
		} else if port := os.Getenv("DB_PORT"); port != "" {
			host := parsed.Addr
			if i := strings.LastIndex(host, ":"); i >= 0 {
				host = host[:i]
			}
			parsed.Addr = host + ":" + port
		}
		if s := os.Getenv("DB_USER"); s != "" {
			parsed.User = s
		}
		if s := v.GetString("db_password"); s != "" {
			parsed.Passwd = s
		}
		if s := os.Getenv("DB_NAME"); s != "" {
			parsed.DBName = s
		}
		cfg.MySQL.DSN = parsed.FormatDSN()
	}

	if s := v.GetString("redis_addr"); s != "" {
		cfg.Redis.Addr = s
	}
	if s := v.GetString("redis_password"); s != "" {
		cfg.Redis.Password = s
	}

	envString("SMTP_HOST", &cfg.Email.SMTPHost)
	envInt("SMTP_PORT", &cfg.Email.SMTPPort)
	envString("SMTP_USER", &cfg.Email.SMTPUser)
	envString("SMTP_FROM", &cfg.Email.FromEmail)
	envString("SMTP_FROM_NAME", &cfg.Email.FromName)
	if s := v.GetString("smtp_pass"); s != "" {
		cfg.Email.SMTPPass = s
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
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
	if i := strings.LastIndex(fallbackAddr, ":"); i >= 0 && i < len(fallbackAddr)-1 {
		return fallbackAddr[i+1:]
	}
	return defaultValue
}

func parseMySQLDSN(dsn string) *mysql.Config {
	if dsn != "" {
		if parsed, err := mysql.ParseDSN(dsn); err == nil {
			return parsed
		}
	}
	fallback := mysql.NewConfig()
	fallback.User = "root"
	fallback.Net = "tcp"
	fallback.Addr = "localhost:3306"
	fallback.DBName = "codeverse"
	fallback.ParseTime = true
	return fallback
}

func parseDuration(field, raw string, dst *time.Duration) error {
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

// UnmarshalJSON 支持 Duration 字符串（如 "10s"）。
func (a *AppConfig) UnmarshalJSON(data []byte) error {
	type Alias AppConfig
	aux := &struct {
		ShutdownTimeout string `json:"shutdown_timeout"`
		*Alias
	}{Alias: (*Alias)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDuration("shutdown_timeout", aux.ShutdownTimeout, &a.ShutdownTimeout)
}

// UnmarshalJSON 支持 Duration 字符串（如 "168h"）。
func (s *SecurityConfig) UnmarshalJSON(data []byte) error {
	type Alias SecurityConfig
	aux := &struct {
		SessionTTL string `json:"session_ttl"`
		*Alias
	}{Alias: (*Alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return parseDuration("session_ttl", aux.SessionTTL, &s.SessionTTL)
}

// UnmarshalJSON 支持 Duration 字符串（如 "60m"）。
func (v *VerificationConfig) UnmarshalJSON(data []byte) error {
	type Alias VerificationConfig
	aux := &struct {
		CodeTTL        string `json:"code_ttl"`
		ResendCooldown string `json:"resend_cooldown"`
		NotifyTimeout  string `json:"notify_timeout"`
		*Alias
	}{Alias: (*Alias)(v)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	return errors.Join(
		parseDuration("code_ttl", aux.CodeTTL, &v.CodeTTL),
		parseDuration("resend_cooldown", aux.ResendCooldown, &v.ResendCooldown),
		parseDuration("notify_timeout", aux.NotifyTimeout, &v.NotifyTimeout),
	)
}

