package config

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Cfg struct {
	Name string `yaml:"name" mapstructure:"name"`
	Addr string `yaml:"addr" mapstructure:"addr"`

	// PprofAddr 为空时不开 pprof
	PprofAddr string `yaml:"pprof_addr" mapstructure:"pprof_addr"`

	Log      Log      `yaml:"log" mapstructure:"log"`
	Db       DBConfig `yaml:"db" mapstructure:"db"`
	Redis    Redis    `yaml:"redis" mapstructure:"redis"`
	Nats     Nats     `yaml:"nats" mapstructure:"nats"`
	Influx   Influx   `yaml:"influx" mapstructure:"influx"`
	OTel     OTel     `yaml:"otel" mapstructure:"otel"`
	Etcd     Etcd     `yaml:"etcd" mapstructure:"etcd"`
	Sentinel Sentinel `yaml:"sentinel" mapstructure:"sentinel"`
	HTTP     HTTP     `yaml:"http" mapstructure:"http"`

	Engine   Engine   `yaml:"engine" mapstructure:"engine"`
	Queue    Queue    `yaml:"queue" mapstructure:"queue"`
	Ethereum Ethereum `yaml:"ethereum" mapstructure:"ethereum"`
	Graphene Graphene `yaml:"graphene" mapstructure:"graphene"`
	Guard    Guard    `yaml:"guard" mapstructure:"guard"`
	// Limits 按币种的入账限额。用列表而不是 map：viper 会把 FINTEH.USDT 里的点当成层级
	Limits []Limit `yaml:"limits" mapstructure:"limits"`
}

type Log struct {
	Level      string `yaml:"level" mapstructure:"level"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

type DBConfig struct {
	Type                   string `yaml:"type" mapstructure:"type"`
	SourceName             string `yaml:"source_name" mapstructure:"source_name"`
	MaxOpenConns           int    `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes" mapstructure:"conn_max_lifetime_minutes"`
	LogLevel               string `yaml:"log_level" mapstructure:"log_level"`
}

type Redis struct {
	Addr         string `yaml:"addr" mapstructure:"addr"`
	Database     int    `yaml:"db" mapstructure:"db"`
	Auth         string `yaml:"auth" mapstructure:"auth"`
	PoolSize     int    `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
}

type Nats struct {
	URL     string `yaml:"url" mapstructure:"url"`
	Subject string `yaml:"subject" mapstructure:"subject"`
}

// Influx 订单变更时间序列，关闭时不写
type Influx struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	URL           string        `yaml:"url" mapstructure:"url"`
	Token         string        `yaml:"token" mapstructure:"token"`
	Org           string        `yaml:"org" mapstructure:"org"`
	Bucket        string        `yaml:"bucket" mapstructure:"bucket"`
	BatchSize     uint          `yaml:"batch_size" mapstructure:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
}

type OTel struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
}

type Etcd struct {
	Enabled       bool     `yaml:"enabled" mapstructure:"enabled"`
	Endpoints     []string `yaml:"endpoints" mapstructure:"endpoints"`
	ServicePrefix string   `yaml:"service_prefix" mapstructure:"service_prefix"`
	TTLSeconds    int64    `yaml:"ttl_seconds" mapstructure:"ttl_seconds"`
}

type Sentinel struct {
	Enabled bool       `yaml:"enabled" mapstructure:"enabled"`
	Rules   []FlowRule `yaml:"rules" mapstructure:"rules"`
}

type FlowRule struct {
	Resource       string  `yaml:"resource" mapstructure:"resource"`
	Threshold      float64 `yaml:"threshold" mapstructure:"threshold"`
	StatIntervalMs uint32  `yaml:"stat_interval_ms" mapstructure:"stat_interval_ms"`
}

type HTTP struct {
	// RatePerSecond / Burst 按客户端 IP 的令牌桶
	RatePerSecond float64  `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int      `yaml:"burst" mapstructure:"burst"`
	CorsOrigins   []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// Engine 状态机与确认跟踪参数
type Engine struct {
	BlockCheckTime        time.Duration `yaml:"block_check_time" mapstructure:"block_check_time"`
	TryCheckNumber        int           `yaml:"try_check_number" mapstructure:"try_check_number"`
	RequiredConfirmations int64         `yaml:"required_confirmations" mapstructure:"required_confirmations"`
	// DiscoverTimeout 单次 Discover 最长等待，0 表示跟随任务超时
	DiscoverTimeout time.Duration `yaml:"discover_timeout" mapstructure:"discover_timeout"`
}

type Queue struct {
	Name       string        `yaml:"name" mapstructure:"name"`
	Workers    int           `yaml:"workers" mapstructure:"workers"`
	JobTimeout time.Duration `yaml:"job_timeout" mapstructure:"job_timeout"`
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	// ClaimIdle 超过这个时间没 ack 的消息会被其他 consumer 认领
	ClaimIdle time.Duration `yaml:"claim_idle" mapstructure:"claim_idle"`
}

type Ethereum struct {
	RPC      string `yaml:"rpc" mapstructure:"rpc"`
	WS       string `yaml:"ws" mapstructure:"ws"`
	Contract string `yaml:"contract" mapstructure:"contract"`
	// ColdKey 派生收款地址用的 xpub
	ColdKey string `yaml:"cold_key" mapstructure:"cold_key"`
	// HotMnemonic 出账热钱包助记词，HotIndex 为 BIP44 account
	HotMnemonic   string  `yaml:"hot_mnemonic" mapstructure:"hot_mnemonic"`
	HotIndex      uint32  `yaml:"hot_index" mapstructure:"hot_index"`
	BatchSize     int64   `yaml:"batch_size" mapstructure:"batch_size"`
	GasMultiplier float64 `yaml:"gas_multiplier" mapstructure:"gas_multiplier"`
	Network       string  `yaml:"network" mapstructure:"network"` // mainnet | testnet | regtest
	// ScanFloor 历史回扫的最低区块 (合约部署高度)
	ScanFloor int64 `yaml:"scan_floor" mapstructure:"scan_floor"`
	// FinalityDepth 节点不支持 finalized 标签时的确认深度
	FinalityDepth int64         `yaml:"finality_depth" mapstructure:"finality_depth"`
	PollInterval  time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
}

type Graphene struct {
	Node             string        `yaml:"node" mapstructure:"node"`
	ExchangePrefix   string        `yaml:"exchange_prefix" mapstructure:"exchange_prefix"`
	AddressPrefix    string        `yaml:"address_prefix" mapstructure:"address_prefix"`
	Account          string        `yaml:"account" mapstructure:"account"`
	ActiveKey        string        `yaml:"active_key" mapstructure:"active_key"` // WIF
	MemoKey          string        `yaml:"memo_key" mapstructure:"memo_key"`     // WIF
	BatchSize        int64         `yaml:"batch_size" mapstructure:"batch_size"`
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff" mapstructure:"reconnect_backoff"`
	CallTimeout      time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`

	// ScanFloor 历史回扫的最低区块 (网关账户创建高度)
	ScanFloor    int64         `yaml:"scan_floor" mapstructure:"scan_floor"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	HistoryLimit int           `yaml:"history_limit" mapstructure:"history_limit"`
}

// Asset 资产链上的桥接资产符号，例如 FINTEH.USDT
func (g Graphene) Asset() string { return g.ExchangePrefix + ".USDT" }

// Guard 链 RPC 熔断与限速
type Guard struct {
	RatePerSecond float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int           `yaml:"burst" mapstructure:"burst"`
	Retries       int           `yaml:"retries" mapstructure:"retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	MaxFailures   uint32        `yaml:"max_failures" mapstructure:"max_failures"`
	OpenTimeout   time.Duration `yaml:"open_timeout" mapstructure:"open_timeout"`
}

type Limit struct {
	Coin string `yaml:"coin" mapstructure:"coin"`
	Min  string `yaml:"min" mapstructure:"min"`
	Max  string `yaml:"max" mapstructure:"max"`
}

// Bounds 解析限额，空串表示不限制
func (l Limit) Bounds() (min, max *decimal.Decimal) {
	if v, err := decimal.NewFromString(strings.TrimSpace(l.Min)); err == nil {
		min = &v
	}
	if v, err := decimal.NewFromString(strings.TrimSpace(l.Max)); err == nil {
		max = &v
	}
	return min, max
}

const DefaultUSDTContract = "0xdac17f958d2ee523a2206206994597c13d831ec7"

func (c *Cfg) SetDefaults() {
	if c.Name == "" {
		c.Name = "bridge-service"
	}
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Nats.Subject == "" {
		c.Nats.Subject = "bridge.order.updated"
	}
	if c.HTTP.RatePerSecond <= 0 {
		c.HTTP.RatePerSecond = 20
	}
	if c.HTTP.Burst <= 0 {
		c.HTTP.Burst = 40
	}

	if c.Engine.BlockCheckTime <= 0 {
		c.Engine.BlockCheckTime = 30 * time.Second
	}
	if c.Engine.TryCheckNumber <= 0 {
		c.Engine.TryCheckNumber = 20
	}
	if c.Engine.RequiredConfirmations <= 0 {
		c.Engine.RequiredConfirmations = 24
	}

	if c.Queue.Name == "" {
		c.Queue.Name = "PaymentGateway"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.JobTimeout <= 0 {
		c.Queue.JobTimeout = time.Hour
	}
	if c.Queue.RetryDelay <= 0 {
		c.Queue.RetryDelay = time.Minute
	}
	if c.Queue.ClaimIdle <= 0 {
		c.Queue.ClaimIdle = c.Queue.JobTimeout + time.Minute
	}

	if c.Ethereum.Contract == "" {
		c.Ethereum.Contract = DefaultUSDTContract
	}
	if c.Ethereum.BatchSize <= 0 {
		c.Ethereum.BatchSize = 1000
	}
	if c.Ethereum.GasMultiplier <= 0 {
		c.Ethereum.GasMultiplier = 4
	}
	if c.Ethereum.Network == "" {
		c.Ethereum.Network = "mainnet"
	}
	if c.Ethereum.FinalityDepth <= 0 {
		c.Ethereum.FinalityDepth = 64
	}
	if c.Ethereum.PollInterval <= 0 {
		c.Ethereum.PollInterval = 12 * time.Second
	}

	if c.Graphene.ExchangePrefix == "" {
		c.Graphene.ExchangePrefix = "FINTEH"
	}
	if c.Graphene.AddressPrefix == "" {
		c.Graphene.AddressPrefix = "BTS"
	}
	if c.Graphene.BatchSize <= 0 {
		c.Graphene.BatchSize = 1000
	}
	if c.Graphene.ReconnectBackoff <= 0 {
		c.Graphene.ReconnectBackoff = 3 * time.Second
	}
	if c.Graphene.CallTimeout <= 0 {
		c.Graphene.CallTimeout = 15 * time.Second
	}
	if c.Graphene.PollInterval <= 0 {
		c.Graphene.PollInterval = 3 * time.Second
	}
	if c.Graphene.HistoryLimit <= 0 {
		c.Graphene.HistoryLimit = 100
	}

	if c.Guard.RatePerSecond <= 0 {
		c.Guard.RatePerSecond = 50
	}
	if c.Guard.Burst <= 0 {
		c.Guard.Burst = 100
	}
	if c.Guard.Retries <= 0 {
		c.Guard.Retries = 3
	}
	if c.Guard.RetryBackoff <= 0 {
		c.Guard.RetryBackoff = 2 * time.Second
	}
	if c.Guard.MaxFailures == 0 {
		c.Guard.MaxFailures = 5
	}
	if c.Guard.OpenTimeout <= 0 {
		c.Guard.OpenTimeout = 30 * time.Second
	}

	if c.Etcd.ServicePrefix == "" {
		c.Etcd.ServicePrefix = "/pegbridge/services"
	}
	if c.Etcd.TTLSeconds <= 0 {
		c.Etcd.TTLSeconds = 10
	}
}
