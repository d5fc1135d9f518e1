package etcd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"pegbridge.com/pkg/logger"
	"pegbridge.com/pkg/register"
)

// KV etcd 注册需要的能力，*clientv3.Client 直接满足
type KV interface {
	clientv3.KV
	clientv3.Lease
}

// EtcdRegister 租约注册：心跳断掉后自动重新申请租约并写回 key
type EtcdRegister struct {
	client   KV
	basePath string // 比如 "/pegbridge/services"
	ttl      int64  // 租约秒数

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ register.Register = (*EtcdRegister)(nil)

func NewEtcdRegister(c KV, basePath string, ttl int64) *EtcdRegister {
	if ttl <= 0 {
		ttl = 10
	}
	return &EtcdRegister{
		client:   c,
		basePath: basePath,
		ttl:      ttl,
	}
}

// Dial 连接 etcd
func Dial(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

func (e *EtcdRegister) Key(ins *register.Instance) string {
	return fmt.Sprintf("%s/%s/%s", e.basePath, ins.Name, ins.ID)
}

func (e *EtcdRegister) Register(ctx context.Context, ins *register.Instance) error {
	ch, err := e.put(ctx, ins)
	if err != nil {
		return err
	}
	// 心跳协程不跟随调用方 ctx，UnRegister 时停止
	kctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()
	go e.keepalive(kctx, ins, ch, done)
	logger.Info(ctx, "✅ 服务已注册到 etcd", zap.String("key", e.Key(ins)), zap.String("addr", ins.Addr))
	return nil
}

// put 申请租约并写入实例
func (e *EtcdRegister) put(ctx context.Context, ins *register.Instance) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	grant, err := e.client.Grant(ctx, e.ttl)
	if err != nil {
		return nil, fmt.Errorf("grant lease: %w", err)
	}
	val, err := json.Marshal(ins)
	if err != nil {
		return nil, err
	}
	if _, err := e.client.Put(ctx, e.Key(ins), string(val), clientv3.WithLease(grant.ID)); err != nil {
		return nil, fmt.Errorf("put instance: %w", err)
	}
	e.mu.Lock()
	e.leaseID = grant.ID
	e.mu.Unlock()
	return e.client.KeepAlive(ctx, grant.ID)
}

func (e *EtcdRegister) keepalive(ctx context.Context, ins *register.Instance, ch <-chan *clientv3.LeaseKeepAliveResponse, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if ok {
				continue
			}
			// 租约丢了，隔一个 ttl 重新注册
			logger.Warn(ctx, "etcd 租约心跳中断，重新注册", zap.String("key", e.Key(ins)))
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Duration(e.ttl) * time.Second / 2):
				}
				var err error
				if ch, err = e.put(ctx, ins); err == nil {
					break
				}
				logger.Error(ctx, "etcd 重新注册失败", zap.Error(err))
			}
		}
	}
}

func (e *EtcdRegister) UnRegister(ctx context.Context, ins *register.Instance) error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	e.mu.Lock()
	lease := e.leaseID
	e.mu.Unlock()
	if _, err := e.client.Delete(ctx, e.Key(ins)); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	if _, err := e.client.Revoke(ctx, lease); err != nil {
		return fmt.Errorf("revoke lease: %w", err)
	}
	return nil
}
