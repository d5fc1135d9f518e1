package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
	"pegbridge.com/internal/bridge/chain"
	"pegbridge.com/internal/bridge/chain/ethereum"
	"pegbridge.com/internal/bridge/chain/graphene"
	"pegbridge.com/internal/bridge/commit"
	"pegbridge.com/internal/bridge/config"
	"pegbridge.com/internal/bridge/domain"
	"pegbridge.com/internal/bridge/handler"
	"pegbridge.com/internal/bridge/notify"
	"pegbridge.com/internal/bridge/queue"
	"pegbridge.com/internal/bridge/repo"
	"pegbridge.com/internal/bridge/service"
	"pegbridge.com/internal/bridge/tracker"
	"pegbridge.com/internal/bridge/watcher"
	"pegbridge.com/pkg/bootstrap"
	"pegbridge.com/pkg/hdwallet"
	"pegbridge.com/pkg/logger"
	"pegbridge.com/pkg/metrics"
	"pegbridge.com/pkg/middleware"
	"pegbridge.com/pkg/orm"
	"pegbridge.com/pkg/ratelimit"
	"pegbridge.com/pkg/register"
	"pegbridge.com/pkg/register/etcd"
	"pegbridge.com/pkg/trace"
	"pegbridge.com/pkg/xredis"
)

// CoinUSDT 以太坊侧的币种名
const CoinUSDT domain.Coin = "USDT"

type App struct {
	cfg     *config.Cfg
	closers bootstrap.Closers

	db      *gorm.DB
	rdb     *redis.Client
	nc      *nats.Conn
	gphRPC  *graphene.Client
	queue   *queue.Queue
	proc    *service.Processor
	orders  *service.OrderService
	limiter *ratelimit.Store
	httpRL  *ratelimit.Store
	server  *http.Server
}

func New(cfg *config.Cfg) *App {
	return &App{cfg: cfg}
}

// Run 按依赖顺序启动，ctx 结束后按逆序关闭
func (app *App) Run(ctx context.Context) (err error) {
	defer func() {
		if cerr := app.closers.Close(10 * time.Second); cerr != nil && err == nil {
			err = cerr
		}
	}()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := app.startTrace(); err != nil {
		return err
	}
	metrics.MustRegister()
	if err := app.startStorage(ctx); err != nil {
		return err
	}
	if err := app.startNats(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	adapters, validators, err := app.startChains(gctx, g)
	if err != nil {
		return err
	}
	if err := app.buildEngine(adapters, validators); err != nil {
		return err
	}

	g.Go(func() error {
		if err := app.queue.Run(gctx, app.proc); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("queue: %w", err)
		}
		return nil
	})

	if err := app.startHTTP(gctx, g); err != nil {
		return err
	}
	if err := app.startRegister(gctx); err != nil {
		return err
	}
	if srv := bootstrap.StartPprof(app.cfg.PprofAddr); srv != nil {
		app.closers.Add("pprof", srv.Shutdown)
	}

	logger.Info(ctx, "🚀 bridge service started",
		zap.String("addr", app.cfg.Addr),
		zap.String("queue", app.cfg.Queue.Name),
		zap.String("asset", app.cfg.Graphene.Asset()))

	return g.Wait()
}

// Reload 配置文件变更后调用；只有限速参数支持热更新，其余需要重启
func (app *App) Reload() {
	cfg := app.cfg
	if app.httpRL != nil {
		app.httpRL.SetLimit(rate.Limit(cfg.HTTP.RatePerSecond), cfg.HTTP.Burst)
	}
	if app.limiter != nil {
		app.limiter.SetLimit(rate.Limit(cfg.Guard.RatePerSecond), cfg.Guard.Burst)
	}
	logger.Info(context.Background(), "rate limits reloaded",
		zap.Float64("http_rps", cfg.HTTP.RatePerSecond),
		zap.Float64("chain_rps", cfg.Guard.RatePerSecond))
}

func (app *App) startTrace() error {
	if !app.cfg.OTel.Enabled {
		return nil
	}
	shutdown, err := trace.InitTrace(app.cfg.Name, app.cfg.OTel.Addr)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	app.closers.Add("tracer", shutdown)
	return nil
}

func (app *App) startStorage(ctx context.Context) error {
	db, err := orm.Open(&orm.Config{
		Type:        app.cfg.Db.Type,
		DSN:         app.cfg.Db.SourceName,
		MaxIdle:     app.cfg.Db.MaxIdleConns,
		MaxOpen:     app.cfg.Db.MaxOpenConns,
		MaxLifetime: app.cfg.Db.ConnMaxLifetimeMinutes * 60,
		LogLevel:    app.cfg.Db.LogLevel,
	})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	app.closers.Add("db", func(context.Context) error { return sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	app.db = db

	rdb, err := xredis.NewRedis(ctx, &xredis.Config{
		Addr:         app.cfg.Redis.Addr,
		Password:     app.cfg.Redis.Auth,
		DB:           app.cfg.Redis.Database,
		PoolSize:     app.cfg.Redis.PoolSize,
		MinIdleConns: app.cfg.Redis.MinIdleConns,
	})
	if err != nil {
		return err
	}
	app.closers.Add("redis", func(context.Context) error { return rdb.Close() })
	app.rdb = rdb

	poolCtx, cancel := context.WithCancel(context.Background())
	app.closers.AddFunc("pool-metrics", cancel)
	go metrics.WatchPools(poolCtx, sqlDB, rdb, 15*time.Second)
	return nil
}

func (app *App) startNats() error {
	if app.cfg.Nats.URL == "" {
		logger.Warn(context.Background(), "nats.url 为空，订单事件不会发布")
		return nil
	}
	nc, err := notify.Connect(app.cfg.Nats.URL, app.cfg.Name)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	app.closers.AddFunc("nats", nc.Close)
	app.nc = nc
	return nil
}

func netParams(network string) *chaincfg.Params {
	switch network {
	case "testnet":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	}
	return &chaincfg.MainNetParams
}

func (app *App) startChains(ctx context.Context, g *errgroup.Group) (domain.Adapters, map[domain.Chain]service.AddressValidator, error) {
	ec, gc := app.cfg.Ethereum, app.cfg.Graphene

	hot, err := hdwallet.New(ec.HotMnemonic, netParams(ec.Network))
	if err != nil {
		return nil, nil, fmt.Errorf("hot wallet: %w", err)
	}
	hotKey, err := hot.HotKey(ec.HotIndex)
	if err != nil {
		return nil, nil, fmt.Errorf("hot key: %w", err)
	}
	url := ec.WS
	if url == "" {
		url = ec.RPC
	}
	eth, err := ethereum.Dial(ctx, url, ethereum.Options{
		Contract:      ec.Contract,
		HotKey:        hotKey,
		GasMultiplier: ec.GasMultiplier,
		FinalityDepth: ec.FinalityDepth,
		PollInterval:  ec.PollInterval,
	})
	if err != nil {
		return nil, nil, err
	}
	logger.Info(ctx, "ethereum adapter ready", zap.String("hot_address", eth.HotAddress()))

	// 资产链连接由 Run 维持，断线按退避重连
	app.gphRPC = graphene.NewClient(gc.Node, graphene.ClientOptions{
		ReconnectBackoff: gc.ReconnectBackoff,
		CallTimeout:      gc.CallTimeout,
	})
	g.Go(func() error {
		if err := app.gphRPC.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("graphene client: %w", err)
		}
		return nil
	})
	gph, err := graphene.New(app.gphRPC, graphene.Options{
		Account:       gc.Account,
		ActiveKey:     gc.ActiveKey,
		MemoKey:       gc.MemoKey,
		AddressPrefix: gc.AddressPrefix,
		PollInterval:  gc.PollInterval,
		HistoryLimit:  gc.HistoryLimit,
	})
	if err != nil {
		return nil, nil, err
	}

	gd := app.cfg.Guard
	breakers := ratelimit.NewManager(app.cfg.Name, ratelimit.Rule{
		MaxRequests:             1,
		Interval:                time.Minute,
		Timeout:                 gd.OpenTimeout,
		TripConsecutiveFailures: gd.MaxFailures,
	}, nil, chain.Benign)
	app.limiter = ratelimit.NewStore(rate.Limit(gd.RatePerSecond), gd.Burst, 10*time.Minute)
	app.limiter.StartJanitor(ctx, time.Minute)

	opts := chain.GuardOptions{Retries: gd.Retries, RetryBackoff: gd.RetryBackoff}
	adapters := domain.Adapters{
		domain.ChainEthereum: chain.NewGuard(eth, breakers, app.limiter, opts),
		domain.ChainGraphene: chain.NewGuard(gph, breakers, app.limiter, opts),
	}
	validators := map[domain.Chain]service.AddressValidator{
		domain.ChainEthereum: eth,
		domain.ChainGraphene: gph,
	}
	return adapters, validators, nil
}

func (app *App) coins() domain.Coins {
	asset := app.cfg.Graphene.Asset()
	return domain.Coins{
		CoinUSDT:            {Coin: CoinUSDT, Chain: domain.ChainEthereum, Asset: app.cfg.Ethereum.Contract},
		domain.Coin(asset): {Coin: domain.Coin(asset), Chain: domain.ChainGraphene, Asset: asset},
	}
}

func (app *App) buildEngine(adapters domain.Adapters, validators map[domain.Chain]service.AddressValidator) error {
	cfg := app.cfg
	cold, err := hdwallet.NewWatchOnly(cfg.Ethereum.ColdKey, netParams(cfg.Ethereum.Network))
	if err != nil {
		return fmt.Errorf("cold xpub: %w", err)
	}
	coins := app.coins()

	var sinks notify.Multi
	if app.nc != nil {
		sinks = append(sinks, notify.New(app.nc, cfg.Nats.Subject))
	}
	if ic := cfg.Influx; ic.Enabled {
		sink := notify.NewInfluxSink(notify.InfluxConfig{
			URL:           ic.URL,
			Token:         ic.Token,
			Org:           ic.Org,
			Bucket:        ic.Bucket,
			BatchSize:     ic.BatchSize,
			FlushInterval: ic.FlushInterval,
		})
		app.closers.AddFunc("influx", sink.Close)
		sinks = append(sinks, sink)
	}
	var notifier domain.Notifier = domain.NopNotifier{}
	if len(sinks) > 0 {
		notifier = sinks
	}

	limits := make(map[domain.Coin]commit.Bounds, len(cfg.Limits))
	for _, l := range cfg.Limits {
		lo, hi := l.Bounds()
		limits[domain.Coin(l.Coin)] = commit.Bounds{Min: lo, Max: hi}
	}

	ledger := repo.NewLedger(app.db)
	committer := commit.New(ledger, adapters, coins, notifier, commit.Options{
		RequiredConfirmations: cfg.Engine.RequiredConfirmations,
		Limits:                limits,
	})
	w := watcher.New(committer, adapters, coins, watcher.Options{
		Timeout: cfg.Engine.DiscoverTimeout,
		Chains: map[domain.Chain]watcher.ChainOptions{
			domain.ChainEthereum: {BatchSize: cfg.Ethereum.BatchSize, Floor: cfg.Ethereum.ScanFloor},
			domain.ChainGraphene: {BatchSize: cfg.Graphene.BatchSize, Floor: cfg.Graphene.ScanFloor, MemoRequired: true},
		},
	})
	tr := tracker.New(ledger, committer, adapters, coins, tracker.Options{
		BlockCheckTime: cfg.Engine.BlockCheckTime,
		TryCheckNumber: cfg.Engine.TryCheckNumber,
	})

	app.queue = queue.New(app.rdb, queue.Options{
		Name:       cfg.Queue.Name,
		Workers:    cfg.Queue.Workers,
		JobTimeout: cfg.Queue.JobTimeout,
		RetryDelay: cfg.Queue.RetryDelay,
		ClaimIdle:  cfg.Queue.ClaimIdle,
		NoRetry:    domain.IsBlocked,
	})
	app.proc = service.NewProcessor(ledger, w, committer, tr, notifier)
	app.orders = service.NewOrderService(ledger, app.queue, cold, validators, coins, service.OrderOptions{
		Gateway: cfg.Graphene.Account,
		Required: map[domain.Chain]int64{
			domain.ChainEthereum: cfg.Engine.RequiredConfirmations,
			domain.ChainGraphene: cfg.Engine.RequiredConfirmations,
		},
	})
	return nil
}

func (app *App) health(ctx context.Context) error {
	sqlDB, err := app.db.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("db: %w", err)
	}
	if err := app.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

func (app *App) startHTTP(ctx context.Context, g *errgroup.Group) error {
	cfg := app.cfg
	if cfg.Sentinel.Enabled {
		rules := make([]middleware.FlowRule, 0, len(cfg.Sentinel.Rules))
		for _, r := range cfg.Sentinel.Rules {
			rules = append(rules, middleware.FlowRule{Resource: r.Resource, Threshold: r.Threshold, StatIntervalMs: r.StatIntervalMs})
		}
		if err := middleware.InitSentinel(rules); err != nil {
			return fmt.Errorf("init sentinel: %w", err)
		}
	}

	app.httpRL = ratelimit.NewStore(rate.Limit(cfg.HTTP.RatePerSecond), cfg.HTTP.Burst, 10*time.Minute)
	app.httpRL.StartJanitor(ctx, time.Minute)

	router := handler.NewRouter(handler.RouterOptions{
		ServiceName: cfg.Name,
		Orders:      app.orders,
		Limiter:     app.httpRL,
		CorsOrigins: cfg.HTTP.CorsOrigins,
		Sentinel:    cfg.Sentinel.Enabled,
		Metrics:     true,
		Health:      app.health,
	})
	app.server = handler.NewServer(cfg.Addr, router)

	g.Go(func() error {
		logger.Info(ctx, "http listening", zap.String("addr", cfg.Addr))
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	// ctx 结束后先停止接新请求
	g.Go(func() error {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return app.server.Shutdown(c)
	})
	return nil
}

func (app *App) startRegister(ctx context.Context) error {
	ec := app.cfg.Etcd
	if !ec.Enabled || len(ec.Endpoints) == 0 {
		return nil
	}
	cli, err := etcd.Dial(ec.Endpoints)
	if err != nil {
		return fmt.Errorf("connect etcd: %w", err)
	}
	app.closers.Add("etcd", func(context.Context) error { return cli.Close() })

	reg := etcd.NewEtcdRegister(cli, ec.ServicePrefix, ec.TTLSeconds)
	ins := &register.Instance{
		ID:   fmt.Sprintf("%s-%s", app.cfg.Name, app.cfg.Addr),
		Name: app.cfg.Name,
		Addr: app.cfg.Addr,
		MetaData: map[string]string{
			"version": "v1",
			"queue":   app.cfg.Queue.Name,
		},
	}
	if err := reg.Register(ctx, ins); err != nil {
		return fmt.Errorf("register etcd: %w", err)
	}
	app.closers.Add("etcd-register", func(c context.Context) error { return reg.UnRegister(c, ins) })
	return nil
}
