package register

import "context"

// Instance 注册到服务发现的实例信息
type Instance struct {
	ID       string            `json:"id"`   // 服务名 + 监听地址
	Name     string            `json:"name"` // eg: "bridge-service"
	Addr     string            `json:"addr"` // ip:port
	MetaData map[string]string `json:"metadata,omitempty"`
}

type Register interface {
	Register(ctx context.Context, ins *Instance) error
	UnRegister(ctx context.Context, ins *Instance) error
}
