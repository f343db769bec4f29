// Package config 提供了统一的配置加载与管理能力.
// 基于 viper + TOML，支持 APP_ 前缀环境变量覆盖、结构体校验与 fsnotify 热加载。
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gorm.io/gorm/logger"
)

// Config 全局顶级配置结构.
type Config struct {
	Version        string               `mapstructure:"version"        toml:"version"`
	App            AppConfig            `mapstructure:"app"            toml:"app"`
	Log            LogConfig            `mapstructure:"log"            toml:"log"`
	Data           DataConfig           `mapstructure:"data"           toml:"data"`
	Metrics        MetricsConfig        `mapstructure:"metrics"        toml:"metrics"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuitbreaker" toml:"circuitbreaker"`
	Cache          CacheConfig          `mapstructure:"cache"          toml:"cache"`
	Recommend      RecommendConfig      `mapstructure:"recommend"      toml:"recommend"`
	Experiments    []ExperimentConfig   `mapstructure:"experiments"    toml:"experiments"`
	Batch          BatchConfig          `mapstructure:"batch"          toml:"batch"`
}

// AppConfig 定义进程基础信息.
type AppConfig struct {
	Name        string `mapstructure:"name"        toml:"name"        validate:"required"`
	Environment string `mapstructure:"environment" toml:"environment" validate:"oneof=dev test prod"`
}

// DataConfig 汇集了所有持久化存储与中间件的数据源配置.
type DataConfig struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Redis    RedisConfig    `mapstructure:"redis"    toml:"redis"`
}

// DatabaseConfig 定义单数据库实例连接与连接池参数.
type DatabaseConfig struct {
	Driver          string          `mapstructure:"driver"            toml:"driver"            validate:"required,oneof=mysql postgres clickhouse"`
	DSN             string          `mapstructure:"dsn"               toml:"dsn"               validate:"required"`
	ConnMaxLifetime time.Duration   `mapstructure:"conn_max_lifetime" toml:"conn_max_lifetime"`
	SlowThreshold   time.Duration   `mapstructure:"slow_threshold"    toml:"slow_threshold"`
	LogLevel        logger.LogLevel `mapstructure:"log_level"         toml:"log_level"`
	MaxIdleConns    int             `mapstructure:"max_idle_conns"    toml:"max_idle_conns"`
	MaxOpenConns    int             `mapstructure:"max_open_conns"    toml:"max_open_conns"`
	TracingEnabled  bool            `mapstructure:"tracing_enabled"   toml:"tracing_enabled"`
}

// RedisConfig 定义 Redis 连接与池化参数.
type RedisConfig struct {
	MasterName   string        `mapstructure:"master_name"    toml:"master_name"`
	Password     string        `mapstructure:"password"       toml:"password"`
	Addrs        []string      `mapstructure:"addrs"          toml:"addrs"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"   toml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"  toml:"write_timeout"`
	DB           int           `mapstructure:"db"             toml:"db"`
	PoolSize     int           `mapstructure:"pool_size"      toml:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns" toml:"min_idle_conns"`
}

// LogConfig 定义日志输出、级别与切割策略.
type LogConfig struct {
	Level      string `mapstructure:"level"       toml:"level"`
	File       string `mapstructure:"file"        toml:"file"`
	MaxSize    int    `mapstructure:"max_size"    toml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"     toml:"max_age"`
	Compress   bool   `mapstructure:"compress"    toml:"compress"`
	Stdout     bool   `mapstructure:"stdout"      toml:"stdout"`
}

// MetricsConfig 普罗米修斯监控指标暴露配置.
type MetricsConfig struct {
	Port    string `mapstructure:"port"    toml:"port"`
	Path    string `mapstructure:"path"    toml:"path"`
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
}

// CircuitBreakerConfig 定义熔断器（Gobreaker）的保护策略.
type CircuitBreakerConfig struct {
	Interval    time.Duration `mapstructure:"interval"     toml:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"      toml:"timeout"`
	MaxRequests uint32        `mapstructure:"max_requests" toml:"max_requests"`
	Enabled     bool          `mapstructure:"enabled"      toml:"enabled"`
}

// CacheConfig 推荐缓存命名空间 TTL 配置.
// 各命名空间独立设置过期时间，零值时由 cache 包填充默认值。
type CacheConfig struct {
	Prefix              string        `mapstructure:"prefix"               toml:"prefix"`
	UserRecommendations time.Duration `mapstructure:"user_recommendations" toml:"user_recommendations"`
	ProviderFeatures    time.Duration `mapstructure:"provider_features"    toml:"provider_features"`
	UserBehavior        time.Duration `mapstructure:"user_behavior"        toml:"user_behavior"`
	AlgorithmModels     time.Duration `mapstructure:"algorithm_models"     toml:"algorithm_models"`
	ColdStart           time.Duration `mapstructure:"cold_start"           toml:"cold_start"`
	PopularProviders    time.Duration `mapstructure:"popular_providers"    toml:"popular_providers"`
}

// RecommendConfig 推荐引擎超参数.
type RecommendConfig struct {
	SVDComponents       int     `mapstructure:"svd_components"        toml:"svd_components"        validate:"min=0"`
	ViewWeight          float64 `mapstructure:"view_weight"           toml:"view_weight"`
	ContactWeight       float64 `mapstructure:"contact_weight"        toml:"contact_weight"`
	FavoriteWeight      float64 `mapstructure:"favorite_weight"       toml:"favorite_weight"`
	MaxFeatures         int     `mapstructure:"max_features"          toml:"max_features"`
	NGramMin            int     `mapstructure:"ngram_min"             toml:"ngram_min"`
	NGramMax            int     `mapstructure:"ngram_max"             toml:"ngram_max"`
	LocationRadiusKm    float64 `mapstructure:"location_radius_km"    toml:"location_radius_km"`
	LocationMinScore    float64 `mapstructure:"location_min_score"    toml:"location_min_score"`
	CollaborativeWeight float64 `mapstructure:"collaborative_weight"  toml:"collaborative_weight"`
	ContentWeight       float64 `mapstructure:"content_weight"        toml:"content_weight"`
	LocationWeight      float64 `mapstructure:"location_weight"       toml:"location_weight"`
	TopK                int     `mapstructure:"top_k"                 toml:"top_k"`
	ColdStartMinRating  float64 `mapstructure:"cold_start_min_rating" toml:"cold_start_min_rating"`
	ColdStartMinReviews int     `mapstructure:"cold_start_min_reviews" toml:"cold_start_min_reviews"`
	ExpiryHours         int     `mapstructure:"expiry_hours"          toml:"expiry_hours"`
}

// ExperimentConfig 定义单个 A/B 实验.
// 变体顺序即分桶遍历顺序，必须保持稳定。
type ExperimentConfig struct {
	Name        string          `mapstructure:"name"        toml:"name"        validate:"required"`
	Description string          `mapstructure:"description" toml:"description"`
	Active      bool            `mapstructure:"active"      toml:"active"`
	StartDate   string          `mapstructure:"start_date"  toml:"start_date"` // YYYY-MM-DD
	EndDate     string          `mapstructure:"end_date"    toml:"end_date"`   // YYYY-MM-DD
	Variants    []VariantConfig `mapstructure:"variants"    toml:"variants"    validate:"min=1,dive"`
}

// VariantConfig 定义实验变体及其承载的参数.
type VariantConfig struct {
	Name        string             `mapstructure:"name"        toml:"name"        validate:"required"`
	Description string             `mapstructure:"description" toml:"description"`
	Weight      float64            `mapstructure:"weight"      toml:"weight"      validate:"gte=0,lte=1"`
	Params      map[string]float64 `mapstructure:"params"      toml:"params"`
	Strategy    string             `mapstructure:"strategy"    toml:"strategy"`
}

// BatchConfig 批量重建驱动参数.
type BatchConfig struct {
	BatchSize          int           `mapstructure:"batch_size"          toml:"batch_size"`
	Workers            int           `mapstructure:"workers"             toml:"workers"`
	MinScore           float64       `mapstructure:"min_score"           toml:"min_score"`
	MaxRecommendations int           `mapstructure:"max_recommendations" toml:"max_recommendations"`
	TimeBudget         time.Duration `mapstructure:"time_budget"         toml:"time_budget"`
	RecencyDays        int           `mapstructure:"recency_days"        toml:"recency_days"`
	RetentionDays      int           `mapstructure:"retention_days"      toml:"retention_days"`
	Interval           time.Duration `mapstructure:"interval"            toml:"interval"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"    toml:"cleanup_interval"`
	WarmupInterval     time.Duration `mapstructure:"warmup_interval"     toml:"warmup_interval"`
}

// Default 返回与线上一致的默认配置.
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "recsys", Environment: "dev"},
		Log: LogConfig{Level: "info", Stdout: true},
		Cache: CacheConfig{
			Prefix:              "recsys",
			UserRecommendations: time.Hour,
			ProviderFeatures:    2 * time.Hour,
			UserBehavior:        30 * time.Minute,
			AlgorithmModels:     24 * time.Hour,
			ColdStart:           time.Hour,
			PopularProviders:    30 * time.Minute,
		},
		Recommend: RecommendConfig{
			SVDComponents:       50,
			ViewWeight:          1.0,
			ContactWeight:       2.0,
			FavoriteWeight:      3.0,
			MaxFeatures:         1000,
			NGramMin:            1,
			NGramMax:            2,
			LocationRadiusKm:    50,
			LocationMinScore:    0.1,
			CollaborativeWeight: 0.5,
			ContentWeight:       0.3,
			LocationWeight:      0.2,
			TopK:                10,
			ColdStartMinRating:  4.0,
			ColdStartMinReviews: 5,
			ExpiryHours:         24,
		},
		Batch: BatchConfig{
			BatchSize:          100,
			Workers:            4,
			MinScore:           0.1,
			MaxRecommendations: 20,
			TimeBudget:         30 * time.Minute,
			RecencyDays:        7,
			RetentionDays:      90,
			Interval:           6 * time.Hour,
			CleanupInterval:    24 * time.Hour,
			WarmupInterval:     30 * time.Minute,
		},
	}
}

var vInstance = viper.New()
var onReload []func(*Config)

// RegisterReloadHook 注册配置热更新回调。
func RegisterReloadHook(hook func(*Config)) {
	if hook == nil {
		return
	}
	onReload = append(onReload, hook)
}

// Load 加载并监听配置文件.
func Load(path string, conf *Config) error {
	vInstance.SetConfigFile(path)
	vInstance.SetConfigType("toml")

	vInstance.SetEnvPrefix("APP")
	vInstance.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vInstance.AutomaticEnv()

	if err := vInstance.ReadInConfig(); err != nil {
		return fmt.Errorf("read config error: %w", err)
	}

	if err := vInstance.Unmarshal(conf); err != nil {
		return fmt.Errorf("unmarshal config error: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(conf); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	vInstance.WatchConfig()
	vInstance.OnConfigChange(func(event fsnotify.Event) {
		slog.Info("detecting config change", "file", event.Name)
		const debounceTimeout = 500 * time.Millisecond
		time.Sleep(debounceTimeout)

		if unmarshalErr := vInstance.Unmarshal(conf); unmarshalErr != nil {
			slog.Error("reload config unmarshal failed", "error", unmarshalErr)

			return
		}

		if validateErr := validate.Struct(conf); validateErr != nil {
			slog.Error("reload config validation failed", "error", validateErr)
		} else {
			slog.Info("config hot-reloaded and validated successfully")
		}

		for _, hook := range onReload {
			hook(conf)
		}
	})

	return nil
}

// PrintWithMask 脱敏打印当前配置.
func PrintWithMask(conf any) {
	data, err := json.Marshal(conf)
	if err != nil {
		slog.Error("failed to marshal config for printing", "error", err)

		return
	}

	var configMap map[string]any
	if unmarshalErr := json.Unmarshal(data, &configMap); unmarshalErr != nil {
		slog.Error("failed to unmarshal config for masking", "error", unmarshalErr)

		return
	}

	mask(configMap)

	maskedJSON, marshalErr := json.MarshalIndent(configMap, "  ", "  ")
	if marshalErr != nil {
		slog.Error("failed to marshal masked config", "error", marshalErr)

		return
	}

	slog.Info("Current effective configuration", "config", string(maskedJSON))
}

func mask(configMap map[string]any) {
	sensitiveKeys := []string{"password", "secret", "dsn", "key", "token"}

	for key, val := range configMap {
		if subMap, ok := val.(map[string]any); ok {
			mask(subMap)

			continue
		}

		if slice, ok := val.([]any); ok {
			for _, item := range slice {
				if itemMap, ok := item.(map[string]any); ok {
					mask(itemMap)
				}
			}

			continue
		}

		for _, sensitiveKey := range sensitiveKeys {
			if strings.Contains(strings.ToLower(key), sensitiveKey) {
				configMap[key] = "******"

				break
			}
		}
	}
}

// GetViper 返回底层的 Viper 实例.
func GetViper() *viper.Viper {
	return vInstance
}
