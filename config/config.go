package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v2"
)

const alchemyMainnetURL = "https://eth-mainnet.g.alchemy.com/v2/"

// 配置
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Chain    ChainConfig    `yaml:"chain"`
	Weights  WeightsConfig  `yaml:"weights"`
	Registry RegistryConfig `yaml:"registry"`
	Update   UpdateConfig   `yaml:"update"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
}

// 数据库
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	MaxOpen  int    `yaml:"max_open"`
	MaxIdle  int    `yaml:"max_idle"`
	LifeTime int    `yaml:"life_time"`
}

// 更新锁
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// 区块链
type ChainConfig struct {
	RPCURL            string        `yaml:"rpc_url"`
	ContractAddr      string        `yaml:"contract_addr"`
	StartBlock        uint64        `yaml:"start_block"`
	Decimals          uint8         `yaml:"decimals"`
	BlockBatchSize    uint64        `yaml:"block_batch_size"`
	RequestsPerSecond int           `yaml:"requests_per_second"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	SyncTimeout       time.Duration `yaml:"sync_timeout"`
}

// 链上读取
type WeightsConfig struct {
	BatchSize  int           `yaml:"batch_size"`
	BatchPause time.Duration `yaml:"batch_pause"`
	Tolerance  float64       `yaml:"tolerance"`
}

// 委托人注册表
type RegistryConfig struct {
	APIURL         string        `yaml:"api_url"`
	APIKey         string        `yaml:"api_key"`
	OrganizationID string        `yaml:"organization_id"`
	PageSize       int           `yaml:"page_size"`
	MaxDuration    time.Duration `yaml:"max_duration"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// 更新流程
type UpdateConfig struct {
	LockTimeout time.Duration `yaml:"lock_timeout"`
	Freshness   time.Duration `yaml:"freshness"`
	Cooldown    time.Duration `yaml:"cooldown"`
	StepPause   time.Duration `yaml:"step_pause"`
	Schedule    string        `yaml:"schedule"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

var (
	ErrMissingRPCURL    = errors.New("chain.rpc_url is not configured (set RPC_URL or ALCHEMY_API_KEY)")
	ErrMissingContract  = errors.New("chain.contract_addr is not configured")
	ErrInvalidContract  = errors.New("chain.contract_addr is not a valid address")
	ErrMissingDSN       = errors.New("database.dsn is not configured")
	ErrMissingRedisAddr = errors.New("redis.addr is not configured")
)

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

// 环境变量覆盖敏感配置
func (c *Config) applyEnv() {
	if v := os.Getenv("RPC_URL"); v != "" {
		c.Chain.RPCURL = v
	}
	if c.Chain.RPCURL == "" {
		if key := os.Getenv("ALCHEMY_API_KEY"); key != "" {
			c.Chain.RPCURL = alchemyMainnetURL + key
		}
	}
	if v := os.Getenv("TALLY_API_KEY"); v != "" {
		c.Registry.APIKey = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Chain.StartBlock == 0 {
		c.Chain.StartBlock = 15570746
	}
	if c.Chain.BlockBatchSize == 0 {
		c.Chain.BlockBatchSize = 500
	}
	if c.Chain.RequestsPerSecond <= 0 {
		c.Chain.RequestsPerSecond = 10
	}
	if c.Chain.MaxRetries <= 0 {
		c.Chain.MaxRetries = 3
	}
	if c.Chain.RetryDelay <= 0 {
		c.Chain.RetryDelay = time.Second
	}
	if c.Weights.BatchSize <= 0 {
		c.Weights.BatchSize = 3
	}
	if c.Weights.BatchPause == 0 {
		c.Weights.BatchPause = time.Second
	}
	if c.Weights.Tolerance <= 0 {
		c.Weights.Tolerance = 0.01
	}
	if c.Registry.APIURL == "" {
		c.Registry.APIURL = "https://api.tally.xyz/query"
	}
	if c.Registry.PageSize <= 0 {
		c.Registry.PageSize = 20
	}
	if c.Registry.MaxDuration <= 0 {
		c.Registry.MaxDuration = 5 * time.Minute
	}
	if c.Registry.CacheTTL <= 0 {
		c.Registry.CacheTTL = 5 * time.Minute
	}
	if c.Update.LockTimeout <= 0 {
		c.Update.LockTimeout = 10 * time.Minute
	}
	if c.Update.Freshness <= 0 {
		c.Update.Freshness = time.Hour
	}
	if c.Update.Cooldown <= 0 {
		c.Update.Cooldown = 5 * time.Minute
	}
	if c.Update.StepPause == 0 {
		c.Update.StepPause = time.Second
	}
	if c.Update.Schedule == "" {
		c.Update.Schedule = "@every 1m"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Encoding == "" {
		c.Log.Encoding = "json"
	}
}

// 启动前校验，缺失关键配置直接失败
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return ErrMissingRPCURL
	}
	if c.Chain.ContractAddr == "" {
		return ErrMissingContract
	}
	if !common.IsHexAddress(c.Chain.ContractAddr) {
		return fmt.Errorf("%w: %q", ErrInvalidContract, c.Chain.ContractAddr)
	}
	if c.Database.DSN == "" {
		return ErrMissingDSN
	}
	if c.Redis.Addr == "" {
		return ErrMissingRedisAddr
	}
	return nil
}
