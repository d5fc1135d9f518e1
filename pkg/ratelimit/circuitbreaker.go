package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"pegbridge.com/pkg/metrics"
)

type Rule struct {
	// Half-Open 状态允许通过的探测请求数
	MaxRequests uint32 `yaml:"max_requests" mapstructure:"max_requests"`
	// Closed 状态计数窗口
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	// Rolling window 每个 bucket 周期（<=0 用 fixed window）
	BucketPeriod time.Duration `yaml:"bucket_period" mapstructure:"bucket_period"`
	// Open 状态持续时间，到期进入 Half-Open
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// 触发熔断条件（两种之一即可）
	TripConsecutiveFailures uint32  `yaml:"trip_consecutive_failures" mapstructure:"trip_consecutive_failures"`
	TripFailureRate         float64 `yaml:"trip_failure_rate" mapstructure:"trip_failure_rate"`
	TripMinRequests         uint32  `yaml:"trip_min_requests" mapstructure:"trip_min_requests"`
}

// Manager 按资源名懒加载熔断器，例如 "ethereum/FetchTransfers"
type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[struct{}]

	service     string
	defaultRule Rule
	rules       map[string]Rule
	// 返回 true 的错误不计入熔断失败（业务可预期的错误）
	benign func(error) bool
}

func NewManager(service string, defaultRule Rule, perResource map[string]Rule, benign func(error) bool) *Manager {
	if defaultRule.MaxRequests == 0 {
		defaultRule.MaxRequests = 5
	}
	if defaultRule.Timeout <= 0 {
		defaultRule.Timeout = 3 * time.Second
	}
	if defaultRule.Interval <= 0 {
		defaultRule.Interval = 10 * time.Second
	}
	if defaultRule.TripConsecutiveFailures == 0 && defaultRule.TripFailureRate == 0 {
		defaultRule.TripConsecutiveFailures = 10
	}
	if defaultRule.TripMinRequests == 0 {
		defaultRule.TripMinRequests = 20
	}
	if benign == nil {
		benign = func(error) bool { return false }
	}
	return &Manager{
		m:           make(map[string]*gobreaker.CircuitBreaker[struct{}], 64),
		service:     service,
		defaultRule: defaultRule,
		rules:       perResource,
		benign:      benign,
	}
}

// Execute 在熔断器保护下执行 fn；熔断打开时直接返回 gobreaker.ErrOpenState
func (m *Manager) Execute(resource string, fn func() error) error {
	_, err := m.Get(resource).Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CBRejectTotal.WithLabelValues(m.service, resource, err.Error()).Inc()
	}
	return err
}

func (m *Manager) Get(resource string) *gobreaker.CircuitBreaker[struct{}] {
	m.mu.RLock()
	cb := m.m[resource]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb = m.m[resource]; cb != nil {
		return cb
	}

	rule, ok := m.rules[resource]
	if !ok {
		rule = m.defaultRule
	}
	st := gobreaker.Settings{
		Name:         resource,
		MaxRequests:  rule.MaxRequests,
		Interval:     rule.Interval,
		BucketPeriod: rule.BucketPeriod,
		Timeout:      rule.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				return float64(c.TotalFailures)/float64(c.Requests) >= rule.TripFailureRate
			}
			return false
		},
		IsSuccessful: func(err error) bool {
			// ctx 取消是调用方自己的事，不代表下游不健康
			return err == nil || errors.Is(err, context.Canceled) || m.benign(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CBState.WithLabelValues(m.service, name, from.String()).Set(0)
			metrics.CBState.WithLabelValues(m.service, name, to.String()).Set(1)
		},
	}
	cb = gobreaker.NewCircuitBreaker[struct{}](st)
	m.m[resource] = cb
	return cb
}
