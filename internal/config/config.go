package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ErrInvalid 表示配置内容不合法
var ErrInvalid = errors.New("invalid config")

// Logging 配置日志等级和文件
type Logging struct {
	Level   string `json:"level"`    // "debug", "info", etc.
	LogFile string `json:"log_file"` // 可选路径，"" 表示不写文件
}

// Port 描述一个需要在网关上开放的端口
type Port struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"` // "udp" 或 "tcp"，默认 udp
	Name     string `json:"name"`
}

// UPnP 配置发现、订阅与 SOAP 调用参数，时间单位均为秒
type UPnP struct {
	SearchInterval       int    `json:"search_interval"`
	DeviceExpiry         int    `json:"device_expiry"`
	CallbackAddr         string `json:"callback_addr"` // GENA 回调监听地址，如 ":0"
	ActionTimeout        int    `json:"action_timeout"`
	SubscriptionDuration int    `json:"subscription_duration"`
	Description          string `json:"description"` // 端口映射描述前缀
}

// Engine 配置 IGD 编排引擎，时间单位均为秒
type Engine struct {
	BootMaxWait        int `json:"boot_max_wait"`
	BootGrace          int `json:"boot_grace"`
	ReconcileInterval  int `json:"reconcile_interval"`
	MaxRenewalFailures int `json:"max_renewal_failures"`
	LivenessTimeout    int `json:"liveness_timeout"`
	AddressInterval    int `json:"address_interval"`
}

// StatusReport 配置状态报告文件及 Hook
type StatusReport struct {
	Hook       string `json:"hook"`
	StatusFile string `json:"status_file"`
}

// API 配置 HTTP 接口
type API struct {
	Listen string `json:"listen"` // "off" 表示关闭
}

// StunServer 配置用于交叉验证外网地址的 STUN 服务器
type StunServer struct {
	UDP []string `json:"udp"`
}

// Config 是整个配置文件结构
type Config struct {
	Logging      Logging      `json:"logging"`
	Ports        []Port       `json:"ports"`
	UPnP         UPnP         `json:"upnp"`
	Engine       Engine       `json:"engine"`
	StatusReport StatusReport `json:"status_report"`
	API          API          `json:"api"`
	StunServer   StunServer   `json:"stun_server"`
}

// Default 返回带有全部默认值的配置
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load 从 JSON 配置文件加载 Config，并补全默认值、校验内容
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	setDefault(&c.UPnP.SearchInterval, 60)
	setDefault(&c.UPnP.DeviceExpiry, 180)
	setDefault(&c.UPnP.ActionTimeout, 5)
	setDefault(&c.UPnP.SubscriptionDuration, 600)
	if c.UPnP.CallbackAddr == "" {
		c.UPnP.CallbackAddr = ":0"
	}
	if c.UPnP.Description == "" {
		c.UPnP.Description = "igdnat"
	}
	setDefault(&c.Engine.BootMaxWait, 10)
	setDefault(&c.Engine.BootGrace, 5)
	setDefault(&c.Engine.ReconcileInterval, 300)
	setDefault(&c.Engine.MaxRenewalFailures, 5)
	setDefault(&c.Engine.LivenessTimeout, 2*c.UPnP.SubscriptionDuration)
	setDefault(&c.Engine.AddressInterval, 60)
	if c.API.Listen == "" {
		c.API.Listen = "127.0.0.1:7480"
	}
	for i := range c.Ports {
		c.Ports[i].Protocol = strings.ToLower(c.Ports[i].Protocol)
		if c.Ports[i].Protocol == "" {
			c.Ports[i].Protocol = "udp"
		}
	}
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// Validate 检查端口与协议是否合法
func (c *Config) Validate() error {
	for _, p := range c.Ports {
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalid, p.Port)
		}
		if p.Protocol != "udp" && p.Protocol != "tcp" {
			return fmt.Errorf("%w: port %d has unknown protocol %q", ErrInvalid, p.Port, p.Protocol)
		}
	}
	if c.Engine.LivenessTimeout < c.UPnP.SubscriptionDuration {
		return fmt.Errorf("%w: liveness_timeout %ds shorter than subscription_duration %ds",
			ErrInvalid, c.Engine.LivenessTimeout, c.UPnP.SubscriptionDuration)
	}
	return nil
}

// Seconds 把以秒为单位的整数配置转换为 time.Duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
