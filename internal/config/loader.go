package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyTierDefaults(&cfg.FastTier, BackendMemory)
	applyTierDefaults(&cfg.DurableTier, BackendFS)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := resolveTierPath(&cfg.FastTier); err != nil {
		return nil, err
	}
	if err := resolveTierPath(&cfg.DurableTier); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("OriginTimeout", "30s")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("PopulateTimeout", "2m")
	v.SetDefault("NegativeTTL", "30s")
	v.SetDefault("FastTier.Backend", BackendMemory)
	v.SetDefault("FastTier.MaxBytes", 256*1024*1024)
	v.SetDefault("DurableTier.Backend", BackendFS)
	v.SetDefault("DurableTier.Compression", "none")
	v.SetDefault("DurableTier.ZstdLevel", 2)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.OriginTimeout.DurationValue() == 0 {
		g.OriginTimeout = Duration(30 * time.Second)
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.PopulateTimeout.DurationValue() == 0 {
		g.PopulateTimeout = Duration(2 * time.Minute)
	}
}

func applyTierDefaults(t *TierConfig, backend string) {
	if t.Backend == "" {
		t.Backend = backend
	}
	if t.Backend == BackendMemory && t.MaxBytes == 0 {
		t.MaxBytes = 256 * 1024 * 1024
	}
	if t.Compression == "" {
		t.Compression = "none"
	}
	if t.Compression == "zstd" && t.ZstdLevel == 0 {
		t.ZstdLevel = 2
	}
}

// resolveTierPath 将磁盘类后端的路径解析为绝对路径；memory 后端无路径。
func resolveTierPath(t *TierConfig) error {
	if t.Backend == BackendMemory || t.Path == "" {
		return nil
	}
	abs, err := filepath.Abs(t.Path)
	if err != nil {
		return fmt.Errorf("无法解析层目录 %s: %w", t.Path, err)
	}
	t.Path = abs
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
