package configs

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 主配置结构
type Config struct {
	Server struct {
		IP    string `yaml:"ip"`    // HTTP监听地址
		Token string `yaml:"token"` // 页面代理JWT签名密钥
		Auth  struct {
			Enabled       bool     `yaml:"enabled"`
			AllowedAgents []string `yaml:"allowed_agents"`
		} `yaml:"auth"`
	} `yaml:"server"`

	Log struct {
		LogLevel string `yaml:"log_level"`
		LogDir   string `yaml:"log_dir"`
		LogFile  string `yaml:"log_file"`
	} `yaml:"log"`

	Web struct {
		Port int `yaml:"port"`
	} `yaml:"web"`

	Acquire AcquireConfig `yaml:"acquire"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Catalog CatalogConfig `yaml:"catalog"`
	Task    TaskConfig    `yaml:"task"`
}

// SecurityConfig 图片安全配置结构
type SecurityConfig struct {
	MaxFileSize int64 `yaml:"max_file_size"` // 单次下载读取上限（字节）
	MaxPixels   int64 `yaml:"max_pixels"`    // 超过此像素数不转码，原样上传
}

// AcquireConfig 图片下载配置
type AcquireConfig struct {
	RequestTimeout time.Duration  `yaml:"request_timeout"`
	MaxRedirects   int            `yaml:"max_redirects"`
	UserAgent      string         `yaml:"user_agent"`
	MobileAgent    string         `yaml:"mobile_user_agent"`
	AcceptLanguage string         `yaml:"accept_language"`
	JPEGQuality    int            `yaml:"jpeg_quality"`
	PageReserve    time.Duration  `yaml:"page_reserve"` // 有截止时间时为页面注入下载预留的时间
	Security       SecurityConfig `yaml:"security"`
}

// BridgeConfig 页面桥接配置
type BridgeConfig struct {
	Path           string        `yaml:"path"`
	PageTimeout    time.Duration `yaml:"page_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReadIdle       time.Duration `yaml:"read_idle"`
	MaxMessageSize int64         `yaml:"max_message_size"`
}

// CatalogConfig 远程图片库API配置
type CatalogConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// TaskConfig 后台任务配置
type TaskConfig struct {
	MaxWorkers  int           `yaml:"max_workers"`
	QueueSize   int           `yaml:"queue_size"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

const (
	DefaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36"
	DefaultMobileAgent    = "Mozilla/5.0 (iPhone; CPU iPhone OS 14_7_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.1.2 Mobile/15E148 Safari/604.1"
	DefaultAcceptLanguage = "zh-CN,zh;q=0.9,en;q=0.8"
	DefaultPageTimeout    = 15 * time.Second

	// 备用下载的请求配置数量
	alternateProfiles = 3
)

// WithDefaults 为零值字段填充默认值
func (c AcquireConfig) WithDefaults() AcquireConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 3
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.MobileAgent == "" {
		c.MobileAgent = DefaultMobileAgent
	}
	if c.AcceptLanguage == "" {
		c.AcceptLanguage = DefaultAcceptLanguage
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = 90
	}
	if c.PageReserve <= 0 {
		c.PageReserve = DefaultPageTimeout + 2*time.Second
	}
	if c.Security.MaxFileSize <= 0 {
		c.Security.MaxFileSize = 50 * 1024 * 1024
	}
	if c.Security.MaxPixels <= 0 {
		c.Security.MaxPixels = 50_000_000
	}
	return c
}

// WithDefaults 为零值字段填充默认值
func (c BridgeConfig) WithDefaults() BridgeConfig {
	if c.Path == "" {
		c.Path = "/ws/page"
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = DefaultPageTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadIdle <= 0 {
		c.ReadIdle = 5 * time.Minute
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 32 * 1024 * 1024
	}
	return c
}

// WithDefaults 为零值字段填充默认值
func (c TaskConfig) WithDefaults() TaskConfig {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.MaxWorkers * 2
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 4 * time.Minute
	}
	return c
}

// applyDefaults 填充所有子配置的默认值
func (c *Config) applyDefaults() {
	if c.Web.Port == 0 {
		c.Web.Port = 8003
	}
	if c.Log.LogDir == "" {
		c.Log.LogDir = "logs"
	}
	if c.Log.LogFile == "" {
		c.Log.LogFile = "collector.log"
	}
	if c.Log.LogLevel == "" {
		c.Log.LogLevel = "info"
	}
	if c.Catalog.RequestTimeout <= 0 {
		c.Catalog.RequestTimeout = 30 * time.Second
	}
	c.Bridge = c.Bridge.WithDefaults()
	if c.Acquire.PageReserve <= 0 {
		c.Acquire.PageReserve = c.Bridge.PageTimeout + 2*time.Second
	}
	c.Acquire = c.Acquire.WithDefaults()
	c.Task = c.Task.WithDefaults()

	// 后台任务必须能跑完全部下载策略和两次题库请求
	if minimum := c.MinTaskTimeout(); c.Task.TaskTimeout < minimum {
		c.Task.TaskTimeout = minimum
	}
}

// MinTaskTimeout 直接下载和每个备用配置各一次请求超时，加页面预留时间和两次题库请求
func (c *Config) MinTaskTimeout() time.Duration {
	return c.Acquire.RequestTimeout*time.Duration(1+alternateProfiles) +
		c.Acquire.PageReserve +
		2*c.Catalog.RequestTimeout
}

// ParseConfig 解析YAML配置内容
func ParseConfig(data []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	config.applyDefaults()
	return config, nil
}

// LoadConfig 从文件加载配置，path为空时依次尝试 .config.yaml 和 config.yaml
func LoadConfig(path string) (*Config, string, error) {
	if path == "" {
		path = ".config.yaml"
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = "config.yaml"
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, err
	}

	config, err := ParseConfig(data)
	if err != nil {
		return nil, path, err
	}

	return config, path, nil
}
