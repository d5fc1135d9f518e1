package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"pegbridge.com/pkg/logger"
)

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// Closers 按注册的逆序关闭依赖：后启动的先停
type Closers struct {
	mu  sync.Mutex
	fns []closer
}

func (c *Closers) Add(name string, fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, closer{name: name, fn: fn})
}

// AddFunc 不带 ctx、不返回错误的关闭函数，例如 nats.Conn.Close
func (c *Closers) AddFunc(name string, fn func()) {
	c.Add(name, func(context.Context) error {
		fn()
		return nil
	})
}

// Close 每个关闭函数共享 timeout；出错只记录，继续关后面的
func (c *Closers) Close(timeout time.Duration) error {
	c.mu.Lock()
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	for i := len(fns) - 1; i >= 0; i-- {
		f := fns[i]
		if err := f.fn(ctx); err != nil {
			logger.Error(ctx, "关闭失败", zap.String("component", f.name), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		logger.Info(ctx, "已关闭", zap.String("component", f.name))
	}
	return errors.Join(errs...)
}

// StartPprof addr 为空时不启动
func StartPprof(addr string) *http.Server {
	if addr == "" {
		return nil
	}
	runtime.SetMutexProfileFraction(10)
	runtime.SetBlockProfileRate(10000)

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		logger.Info(context.Background(), "pprof listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "pprof listen error", zap.Error(err))
		}
	}()
	return srv
}
