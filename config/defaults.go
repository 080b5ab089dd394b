// =============================================================================
// 📦 ConvoFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/convoflow/batchsum"
	"github.com/BaSui01/convoflow/objstore"
	"github.com/BaSui01/convoflow/orchestrator"
	"github.com/BaSui01/convoflow/promptcache"
	"github.com/BaSui01/convoflow/providers/gemini"
	"github.com/BaSui01/convoflow/store/gormstore"
	"github.com/BaSui01/convoflow/store/mongo"
	"github.com/BaSui01/convoflow/strategy"
	"github.com/BaSui01/convoflow/types"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Persona:      DefaultPersonaConfig(),
		Models:       DefaultModelsConfig(),
		Window:       DefaultWindowConfig(),
		Tools:        ToolsConfig{WebSearchEnabled: false},
		Gemini:       gemini.DefaultConfig(),
		Cache:        promptcache.DefaultConfig(),
		Strategy:     strategy.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Batch:        batchsum.DefaultConfig(),
		Scheduler:    batchsum.DefaultSchedulerConfig(),
		Retry:        DefaultRetryConfig(),
		Store:        DefaultStoreConfig(),
		Redis:        DefaultRedisConfig(),
		GCS:          objstore.DefaultGCSConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务进程配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultPersonaConfig 返回默认人设配置
func DefaultPersonaConfig() PersonaConfig {
	return PersonaConfig{
		SystemPrompt: "你是群聊里的常驻成员，回答简洁自然，不重复别人刚说过的话。",
		BotHandle:    "bot",
	}
}

// DefaultModelsConfig 返回默认档位模型映射
func DefaultModelsConfig() ModelsConfig {
	return ModelsConfig{
		ByQuality: map[types.Quality]string{
			types.QualityLow:      "gemini-2.5-flash-lite",
			types.QualityRegular:  "gemini-2.5-flash",
			types.QualityAdvanced: "gemini-2.5-pro",
		},
	}
}

// DefaultWindowConfig 返回默认窗口预算
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		ShortBudget:    16384,
		ExtendedBudget: 65536,
		MinGapFloor:    5 * time.Minute,
	}
}

// DefaultRetryConfig 返回默认重试配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// DefaultStoreConfig 返回默认持久化配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Driver:   "mongo",
		Mongo:    mongo.DefaultConfig(),
		Database: gormstore.DefaultConfig(),
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "convoflow",
		SampleRate:   0.1,
	}
}
