package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"Proxy_Node_Selector_Go/pkg/model"

	"gopkg.in/yaml.v3"
)

// Config 结构用于映射 config.yaml 文件的内容
type Config struct {
	APIBase               string           `yaml:"api_base" json:"api_base"`
	APIKey                string           `yaml:"api_key" json:"api_key"`
	SelectorName          string           `yaml:"selector_name" json:"selector_name"`
	Keywords              []string         `yaml:"keywords" json:"keywords"`
	LatencyTestURLs       []string         `yaml:"latency_test_urls" json:"latency_test_urls"`
	DownloadSpeedTestURLs []DownloadTarget `yaml:"download_speed_test_urls" json:"download_speed_test_urls"`

	// 以下时间单位均为秒
	LatencyTimeout float64 `yaml:"latency_timeout" json:"latency_timeout"`
	ConnectTimeout float64 `yaml:"connect_timeout" json:"connect_timeout"`
	TargetDeadline float64 `yaml:"target_deadline" json:"target_deadline"`
	CheckInterval  float64 `yaml:"check_interval" json:"check_interval"`

	MinIntervalMB float64 `yaml:"min_interval_mb" json:"min_interval_mb"`
	MaxDownloadMB float64 `yaml:"max_download_mb" json:"max_download_mb"`
	RateLimitMB   float64 `yaml:"rate_limit_mb" json:"rate_limit_mb"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// DownloadTarget 在 YAML 中可以写成 [name, url] 或 {name: ..., url: ...}
type DownloadTarget model.ThroughputTarget

// UnmarshalYAML 同时支持序列和映射两种写法
func (t *DownloadTarget) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var pair []string
		if err := node.Decode(&pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("第 %d 行: 下载测速目标应为 [名称, URL]，实际有 %d 项", node.Line, len(pair))
		}
		t.Name, t.URL = pair[0], pair[1]
		return nil
	case yaml.MappingNode:
		var m struct {
			Name string `yaml:"name"`
			URL  string `yaml:"url"`
		}
		if err := node.Decode(&m); err != nil {
			return err
		}
		t.Name, t.URL = m.Name, m.URL
		return nil
	default:
		return fmt.Errorf("第 %d 行: 无法解析下载测速目标", node.Line)
	}
}

// LoadConfig 从指定路径加载和解析 YAML 配置文件
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 解析 YAML 内容并填充默认值
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults 为未设置的字段填充默认值
func (c *Config) ApplyDefaults() {
	if c.LatencyTimeout <= 0 {
		c.LatencyTimeout = 8
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10
	}
	if c.TargetDeadline <= 0 {
		c.TargetDeadline = 60
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 3
	}
	if c.MinIntervalMB <= 0 {
		c.MinIntervalMB = 3
	}
	if c.MaxDownloadMB <= 0 {
		c.MaxDownloadMB = 10
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate 检查必填字段
func (c *Config) Validate() error {
	var errs []error
	if c.APIBase == "" {
		errs = append(errs, errors.New("缺少 api_base"))
	}
	if c.SelectorName == "" {
		errs = append(errs, errors.New("缺少 selector_name"))
	}
	if len(c.LatencyTestURLs) == 0 {
		errs = append(errs, errors.New("latency_test_urls 为空"))
	}
	if len(c.DownloadSpeedTestURLs) == 0 {
		errs = append(errs, errors.New("download_speed_test_urls 为空"))
	}
	for i, t := range c.DownloadSpeedTestURLs {
		if t.URL == "" {
			errs = append(errs, fmt.Errorf("download_speed_test_urls[%d] 缺少 URL", i))
		}
	}
	return errors.Join(errs...)
}

// ThroughputTargets 返回下载测速目标列表
func (c *Config) ThroughputTargets() []model.ThroughputTarget {
	targets := make([]model.ThroughputTarget, len(c.DownloadSpeedTestURLs))
	for i, t := range c.DownloadSpeedTestURLs {
		targets[i] = model.ThroughputTarget(t)
	}
	return targets
}

// Seconds 把以秒为单位的配置值转换为 time.Duration
func Seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
