// =============================================================================
// 📦 ConvoFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("CONVOFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// 环境变量键由 yaml 标签推导: CONVOFLOW_GEMINI_API_KEY 等
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/convoflow/batchsum"
	"github.com/BaSui01/convoflow/objstore"
	"github.com/BaSui01/convoflow/orchestrator"
	"github.com/BaSui01/convoflow/promptcache"
	"github.com/BaSui01/convoflow/providers/gemini"
	"github.com/BaSui01/convoflow/retry"
	"github.com/BaSui01/convoflow/store/gormstore"
	"github.com/BaSui01/convoflow/store/mongo"
	"github.com/BaSui01/convoflow/strategy"
	"github.com/BaSui01/convoflow/types"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 ConvoFlow 的完整配置结构
type Config struct {
	// Server 服务进程配置
	Server ServerConfig `yaml:"server"`

	// Persona 机器人人设
	Persona PersonaConfig `yaml:"persona"`

	// Chats 调度器轮询的 chat 列表
	Chats []int64 `yaml:"chats"`

	// Models 各质量档位的模型名
	Models ModelsConfig `yaml:"models"`

	// Window 上下文窗口预算
	Window WindowConfig `yaml:"window"`

	// Tools 工具开关
	Tools ToolsConfig `yaml:"tools"`

	// Gemini 供应商配置
	Gemini gemini.Config `yaml:"gemini"`

	// Cache 提示词缓存配置
	Cache promptcache.Config `yaml:"cache"`

	// Strategy 策略分类配置
	Strategy strategy.Config `yaml:"strategy"`

	// Orchestrator 生成编排配置
	Orchestrator orchestrator.Config `yaml:"orchestrator"`

	// Batch 批量摘要配置
	Batch batchsum.Config `yaml:"batch"`

	// Scheduler 批处理调度配置
	Scheduler batchsum.SchedulerConfig `yaml:"scheduler"`

	// Retry 供应商调用重试配置
	Retry RetryConfig `yaml:"retry"`

	// Store 持久化配置
	Store StoreConfig `yaml:"store"`

	// Redis 分布式锁配置
	Redis RedisConfig `yaml:"redis"`

	// GCS 批处理工件存储配置
	GCS objstore.GCSConfig `yaml:"gcs"`

	// Log 日志配置
	Log LogConfig `yaml:"log"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig 服务进程配置
type ServerConfig struct {
	// HTTP 端口（健康检查与指标）
	HTTPPort int `yaml:"http_port"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// 优雅停机超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PersonaConfig 机器人人设配置
type PersonaConfig struct {
	// 系统提示词
	SystemPrompt string `yaml:"system_prompt"`
	// 机器人句柄（批处理摘要里的保留名）
	BotHandle string `yaml:"bot_handle"`
	// 机器人自己的用户 ID
	BotUserID int64 `yaml:"bot_user_id"`
}

// ModelsConfig 按质量档位映射模型名
type ModelsConfig struct {
	ByQuality map[types.Quality]string `yaml:"by_quality"`
}

// ForQuality 返回档位对应的模型名，缺失时回退 regular 档。
func (m ModelsConfig) ForQuality(q types.Quality) string {
	if name, ok := m.ByQuality[q]; ok && name != "" {
		return name
	}
	return m.ByQuality[types.QualityRegular]
}

// WindowConfig 上下文窗口预算配置
type WindowConfig struct {
	// 常规回复的窗口预算（token）
	ShortBudget int `yaml:"short_budget"`
	// 需要更多上下文时的扩展预算（token）
	ExtendedBudget int `yaml:"extended_budget"`
	// 切分时的最小间隔下限
	MinGapFloor time.Duration `yaml:"min_gap_floor"`
}

// ToolsConfig 工具开关配置
type ToolsConfig struct {
	// 是否启用网页搜索工具
	WebSearchEnabled bool `yaml:"web_search_enabled"`
}

// RetryConfig 重试配置
type RetryConfig struct {
	// 最大重试次数
	MaxRetries int `yaml:"max_retries"`
	// 初始延迟
	InitialDelay time.Duration `yaml:"initial_delay"`
	// 最大延迟
	MaxDelay time.Duration `yaml:"max_delay"`
	// 延迟倍增因子
	Multiplier float64 `yaml:"multiplier"`
	// 随机抖动
	Jitter bool `yaml:"jitter"`
}

// Policy 转换为重试策略。
func (r RetryConfig) Policy() *retry.Policy {
	return &retry.Policy{
		MaxRetries:   r.MaxRetries,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		Jitter:       r.Jitter,
	}
}

// StoreConfig 持久化配置
type StoreConfig struct {
	// 驱动类型: mongo, sqlite, postgres
	Driver string `yaml:"driver"`
	// Mongo 文档库配置
	Mongo mongo.Config `yaml:"mongo"`
	// 关系库配置（sqlite/postgres 驱动）
	Database gormstore.Config `yaml:"database"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 是否启用（未启用时缓存创建只走进程内 singleflight）
	Enabled bool `yaml:"enabled"`
	// 地址
	Addr string `yaml:"addr"`
	// 密码
	Password string `yaml:"password"`
	// 数据库编号
	DB int `yaml:"db"`
	// 连接池大小
	PoolSize int `yaml:"pool_size"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns"`
}

// Client 按配置构建客户端；未启用时返回 nil。
func (r RedisConfig) Client() redis.UniversalClient {
	if !r.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:         r.Addr,
		Password:     r.Password,
		DB:           r.DB,
		PoolSize:     r.PoolSize,
		MinIdleConns: r.MinIdleConns,
	})
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level"`
	// 输出格式: json, console
	Format string `yaml:"format"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	// 服务名称
	ServiceName string `yaml:"service_name"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "CONVOFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段，键名由 yaml 标签推导
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		key := envKey(fieldType)
		if key == "" {
			continue
		}
		envName := prefix + "_" + key

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := l.setFieldsFromEnv(field, envName); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envName)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envName, err)
		}
	}

	return nil
}

// envKey 从 yaml 标签推导环境变量键片段；无标签或不可覆盖的字段返回空。
func envKey(f reflect.StructField) string {
	tag := f.Tag.Get("yaml")
	if tag == "" || tag == "-" {
		return ""
	}
	if idx := strings.Index(tag, ","); idx >= 0 {
		tag = tag[:idx]
	}
	if tag == "" {
		return ""
	}
	switch f.Type.Kind() {
	case reflect.Map, reflect.Func, reflect.Chan, reflect.Interface:
		// 复杂类型只能走 YAML
		return ""
	}
	return strings.ToUpper(tag)
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).WithValidator((*Config).Validate).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "server.http_port must be in 1-65535")
	}
	if c.Models.ForQuality(types.QualityRegular) == "" {
		errs = append(errs, "models.by_quality must name a regular-tier model")
	}
	if c.Window.ShortBudget <= 0 {
		errs = append(errs, "window.short_budget must be positive")
	}
	if c.Window.ExtendedBudget < c.Window.ShortBudget {
		errs = append(errs, "window.extended_budget must be >= short_budget")
	}
	if c.Orchestrator.MaxIterations <= 0 {
		errs = append(errs, "orchestrator.max_iterations must be positive")
	}
	if c.Batch.TokenBudget <= 0 {
		errs = append(errs, "batch.token_budget must be positive")
	}
	if c.Batch.MinBacklog <= 0 {
		errs = append(errs, "batch.min_backlog must be positive")
	}
	switch c.Store.Driver {
	case "mongo", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("unknown store driver %q", c.Store.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
