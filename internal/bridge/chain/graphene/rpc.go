package graphene

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"pegbridge.com/pkg/logger"
)

// 节点上的 API 名称
const (
	APIDatabase  = "database"
	APIBroadcast = "network_broadcast"
	APIHistory   = "history"
)

// loginAPI 固定编号 1
const loginAPI = 1

var (
	ErrNotConnected = errors.New("graphene node not connected")
	errSessionDone  = errors.New("graphene session closed")
)

// Caller 适配器需要的 RPC 能力，测试里用内存实现替换
type Caller interface {
	Call(ctx context.Context, api, method string, params []interface{}, result interface{}) error
}

// RPCError 节点返回的错误
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type request struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type response struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	// 通知没有 id
	Method string `json:"method"`
}

type ClientOptions struct {
	// ReconnectBackoff 断线后首次重连的等待，之后翻倍，最多 MaxBackoff
	ReconnectBackoff time.Duration
	MaxBackoff       time.Duration
	// CallTimeout 单次调用上限
	CallTimeout time.Duration
	PongWait    time.Duration
	WriteWait   time.Duration
	ReadLimit   int64
}

// Client 长连接 JSON-RPC 客户端。Run 负责连接的整个生命周期：
// 断线后按退避重连并重新登录，调用方只看到 Call
type Client struct {
	url    string
	opts   ClientOptions
	dialer *websocket.Dialer
	seq    atomic.Uint64

	mu    sync.Mutex
	cur   *session
	ready chan struct{}
}

var _ Caller = (*Client)(nil)

func NewClient(url string, opts ClientOptions) *Client {
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 5 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 16 << 20
	}
	return &Client{
		url:    url,
		opts:   opts,
		dialer: websocket.DefaultDialer,
		ready:  make(chan struct{}),
	}
}

// Run 阻塞到 ctx 结束
func (c *Client) Run(ctx context.Context) error {
	backoff := c.opts.ReconnectBackoff
	for {
		started := time.Now()
		err := c.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > c.opts.MaxBackoff {
			backoff = c.opts.ReconnectBackoff
		}
		logger.Warn(ctx, "🔌 资产链节点连接断开，准备重连",
			zap.String("url", c.url),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}
}

// serve 一次连接：拨号、登录、取 API 编号，然后一直读到断开
func (c *Client) serve(ctx context.Context) error {
	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	s := newSession(ws, &c.seq, c.opts)
	defer s.close(errSessionDone)

	ws.SetReadLimit(c.opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop() }()
	go s.pingLoop()

	if err := s.login(ctx); err != nil {
		return err
	}
	c.publish(s)
	defer c.unpublish(s)
	logger.Info(ctx, "✅ 资产链节点已连接", zap.String("url", c.url))

	select {
	case <-ctx.Done():
		_ = s.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return ctx.Err()
	case err := <-readErr:
		return err
	}
}

func (c *Client) publish(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = s
	close(c.ready)
}

func (c *Client) unpublish(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == s {
		c.cur = nil
		c.ready = make(chan struct{})
	}
}

// session 等待连接就绪
func (c *Client) session(ctx context.Context) (*session, error) {
	for {
		c.mu.Lock()
		s, ready := c.cur, c.ready
		c.mu.Unlock()
		if s != nil {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrNotConnected, ctx.Err())
		case <-ready:
		}
	}
}

func (c *Client) Call(ctx context.Context, api, method string, params []interface{}, result interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	s, err := c.session(ctx)
	if err != nil {
		return err
	}
	apiID, ok := s.apis[api]
	if !ok {
		return fmt.Errorf("api %s not enabled on node", api)
	}
	raw, err := s.call(ctx, apiID, method, params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode %s.%s: %w", api, method, err)
	}
	return nil
}

type session struct {
	ws   *websocket.Conn
	seq  *atomic.Uint64
	opts ClientOptions

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan response
	done    chan struct{}
	err     error

	// 登录后写入，之后只读
	apis map[string]int
}

func newSession(ws *websocket.Conn, seq *atomic.Uint64, opts ClientOptions) *session {
	return &session{
		ws:      ws,
		seq:     seq,
		opts:    opts,
		pending: make(map[uint64]chan response),
		done:    make(chan struct{}),
		apis:    make(map[string]int),
	}
}

func (s *session) close(err error) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	s.err = err
	close(s.done)
	s.pending = make(map[uint64]chan response)
	s.mu.Unlock()
	_ = s.ws.Close()
}

func (s *session) login(ctx context.Context) error {
	var ok bool
	raw, err := s.call(ctx, loginAPI, "login", []interface{}{"", ""})
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := json.Unmarshal(raw, &ok); err != nil || !ok {
		return fmt.Errorf("login rejected: %s", raw)
	}
	for _, name := range []string{APIDatabase, APIBroadcast, APIHistory} {
		raw, err := s.call(ctx, loginAPI, name, []interface{}{})
		if err != nil {
			if name == APIHistory {
				// 没开 history 插件的节点照样能用，只是查不了回执
				logger.Warn(ctx, "节点未开放 history API", zap.Error(err))
				continue
			}
			return fmt.Errorf("request %s api: %w", name, err)
		}
		var id int
		if err := json.Unmarshal(raw, &id); err != nil {
			return fmt.Errorf("decode %s api id: %w", name, err)
		}
		s.apis[name] = id
	}
	return nil
}

func (s *session) call(ctx context.Context, apiID int, method string, params []interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	id := s.seq.Add(1)
	ch := make(chan response, 1)

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil, ErrNotConnected
	default:
	}
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	msg, err := json.Marshal(request{ID: id, Method: "call", Params: []interface{}{apiID, method, params}})
	if err != nil {
		return nil, err
	}
	if err := s.write(msg); err != nil {
		s.close(err)
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, s.err)
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

func (s *session) write(msg []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
	return s.ws.WriteMessage(websocket.TextMessage, msg)
}

func (s *session) writeControl(kind int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteControl(kind, data, time.Now().Add(s.opts.WriteWait))
}

func (s *session) readLoop() error {
	for {
		_, msg, err := s.ws.ReadMessage()
		if err != nil {
			s.close(err)
			return err
		}
		var resp response
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.ID == nil {
			// 订阅通知，目前不用
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[*resp.ID]
		s.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (s *session) pingLoop() {
	ticker := time.NewTicker(s.opts.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.writeControl(websocket.PingMessage, nil); err != nil {
				s.close(err)
				return
			}
		}
	}
}
