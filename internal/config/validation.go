package config

import (
	"errors"
	"net/url"
	"strings"
)

var fastTierBackends = map[string]struct{}{
	BackendMemory: {},
	BackendFS:     {},
}

var durableTierBackends = map[string]struct{}{
	BackendFS:     {},
	BackendPebble: {},
}

var compressionModes = map[string]struct{}{
	"none": {},
	"zstd": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.OriginURL == "" {
		return newFieldError("Global.OriginURL", "不能为空")
	}
	if err := validateOriginURL(g.OriginURL); err != nil {
		return err
	}
	if g.OriginTimeout.DurationValue() <= 0 {
		return newFieldError("Global.OriginTimeout", "必须大于 0")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.PopulateTimeout.DurationValue() <= 0 {
		return newFieldError("Global.PopulateTimeout", "必须大于 0")
	}
	if g.NegativeTTL.DurationValue() < 0 {
		return newFieldError("Global.NegativeTTL", "不能为负数（0 表示关闭负缓存）")
	}

	if err := validateTier("FastTier", c.FastTier, fastTierBackends); err != nil {
		return err
	}
	if err := validateTier("DurableTier", c.DurableTier, durableTierBackends); err != nil {
		return err
	}
	return nil
}

func validateTier(section string, t TierConfig, allowed map[string]struct{}) error {
	backend := strings.ToLower(strings.TrimSpace(t.Backend))
	if _, ok := allowed[backend]; !ok {
		return newFieldError(tierField(section, "Backend"), "不支持的后端: "+t.Backend)
	}
	if backend != BackendMemory && t.Path == "" {
		return newFieldError(tierField(section, "Path"), "磁盘后端必须指定路径")
	}
	if backend == BackendMemory && t.MaxBytes <= 0 {
		return newFieldError(tierField(section, "MaxBytes"), "必须大于 0")
	}
	if t.Compression != "" {
		if _, ok := compressionModes[t.Compression]; !ok {
			return newFieldError(tierField(section, "Compression"), "仅支持 none|zstd")
		}
	}
	if t.Compression == "zstd" && (t.ZstdLevel < 1 || t.ZstdLevel > 4) {
		return newFieldError(tierField(section, "ZstdLevel"), "必须在 1-4")
	}
	return nil
}

func validateOriginURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return newFieldError("Global.OriginURL", "无法解析: "+err.Error())
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return newFieldError("Global.OriginURL", "必须是 http/https 地址")
	}
	if parsed.Host == "" {
		return newFieldError("Global.OriginURL", "缺少主机名")
	}
	return nil
}
