package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort    = 3800
	DefaultAPIBase = "https://www.cryptovoxels.com"
)

// Config 进程配置，来自 YAML 文件与环境变量
type Config struct {
	ParcelID       string `yaml:"parcel_id"`
	APIBase        string `yaml:"api_base"`
	Port           int    `yaml:"port"`
	LogFile        string `yaml:"log_file"`
	Debug          bool   `yaml:"debug"`
	CachePath      string `yaml:"cache_path"`
	FetchTimeoutMs int    `yaml:"fetch_timeout_ms"`

	ExcludeOrigin        bool   `yaml:"exclude_origin"`
	DuplicateVoxelPolicy string `yaml:"duplicate_voxel_policy"`
	SendQueue            int    `yaml:"send_queue"`

	RateLimit RateLimit `yaml:"rate_limit"`
}

// RateLimit 单连接入站限流，PerSecond<=0 表示不限
type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

func DefaultConfig() Config {
	return Config{
		APIBase:              DefaultAPIBase,
		LogFile:              "parcel.log",
		FetchTimeoutMs:       10000,
		DuplicateVoxelPolicy: "last",
		SendQueue:            64,
		RateLimit:            RateLimit{PerSecond: 30, Burst: 60},
	}
}

// LoadConfig 读取 YAML（path 为空则仅用默认值），再叠加环境变量与 overrides
func LoadConfig(path string, overrides ...func(*Config)) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	// 命令行参数优先于环境变量
	for _, o := range overrides {
		o(&cfg)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("PARCEL_ID"); v != "" {
		c.ParcelID = v
	}
	if v := getenv("PARCEL_API"); v != "" {
		c.APIBase = v
	}
	if v := getenv("PORT"); v != "" && c.Port == 0 {
		if p, err := strconv.Atoi(v); err == nil {
			c.Port = p
		}
	}
}

func (c *Config) Normalize() {
	c.ParcelID = strings.TrimSpace(c.ParcelID)
	c.APIBase = strings.TrimRight(strings.TrimSpace(c.APIBase), "/")
	if c.APIBase == "" {
		c.APIBase = DefaultAPIBase
	}
	c.DuplicateVoxelPolicy = strings.ToLower(strings.TrimSpace(c.DuplicateVoxelPolicy))
	if c.FetchTimeoutMs <= 0 {
		c.FetchTimeoutMs = 10000
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 64
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = int(c.RateLimit.PerSecond)
		if c.RateLimit.Burst < 1 {
			c.RateLimit.Burst = 1
		}
	}
}

func (c Config) Validate() error {
	if c.ParcelID == "" {
		return errors.New("parcel_id is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if _, err := ParseDuplicatePolicy(c.DuplicateVoxelPolicy); err != nil {
		return err
	}
	return nil
}

func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutMs) * time.Millisecond
}

// ResolvePort 端口为 0 时依次取环境变量 PORT 与默认值
func ResolvePort(port int) int {
	if port > 0 {
		return port
	}
	if v, err := strconv.Atoi(os.Getenv("PORT")); err == nil && v > 0 {
		return v
	}
	return DefaultPort
}
