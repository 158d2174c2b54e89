package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为：监听端口、日志、回源与填充策略。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	OriginURL       string   `mapstructure:"OriginURL"`
	OriginTimeout   Duration `mapstructure:"OriginTimeout"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	PopulateTimeout Duration `mapstructure:"PopulateTimeout"`
	NegativeTTL     Duration `mapstructure:"NegativeTTL"`
}

// TierConfig 决定单个存储层的后端实现与容量参数。
// Fast 层支持 memory/fs，Durable 层支持 fs/pebble。
type TierConfig struct {
	Backend     string `mapstructure:"Backend"`
	Path        string `mapstructure:"Path"`
	MaxBytes    int64  `mapstructure:"MaxBytes"`
	Compression string `mapstructure:"Compression"`
	ZstdLevel   int    `mapstructure:"ZstdLevel"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global      GlobalConfig `mapstructure:",squash"`
	FastTier    TierConfig   `mapstructure:"FastTier"`
	DurableTier TierConfig   `mapstructure:"DurableTier"`
}

// 受支持的层后端集合，校验与工厂共享同一份定义。
const (
	BackendMemory = "memory"
	BackendFS     = "fs"
	BackendPebble = "pebble"
)

// TierSummaries 返回两个层的 `角色:后端` 摘要，供启动日志输出。
func (c *Config) TierSummaries() []string {
	if c == nil {
		return nil
	}
	return []string{
		fmt.Sprintf("fast:%s", c.FastTier.Backend),
		fmt.Sprintf("durable:%s", c.DurableTier.Backend),
	}
}
