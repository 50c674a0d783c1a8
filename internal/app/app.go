package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"futures-trader/internal/config"
	"futures-trader/internal/exchange"
	"futures-trader/internal/indicator"
	"futures-trader/internal/lifecycle"
	"futures-trader/internal/monitor"
	"futures-trader/internal/oracle"
	"futures-trader/internal/pending"
	"futures-trader/internal/snapshot"
	"futures-trader/internal/store"
	"futures-trader/internal/universe"
)

// App 聚合全部组件并驱动调度循环。
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	client   *exchange.Client
	selector *universe.Selector
	builder  *snapshot.Builder
	oracle   *oracle.Client
	manager  *lifecycle.Manager
	events   *monitor.Service
	store    *store.Store
	pending  *pending.Store
}

// New 按配置装配系统。
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := exchange.NewClient(cfg.Exchange, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化交易所客户端失败: %w", err)
	}

	sqlStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	events, err := monitor.NewService(sqlStore.DB(), logger)
	if err != nil {
		_ = sqlStore.Close()
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	pendingStore, err := pending.NewStore(cfg.Pending.Dir, logger)
	if err != nil {
		_ = sqlStore.Close()
		return nil, fmt.Errorf("初始化挂单存储失败: %w", err)
	}

	oracleClient, err := oracle.NewClient(cfg.OpenAI, logger)
	if err != nil {
		_ = sqlStore.Close()
		return nil, fmt.Errorf("初始化决策客户端失败: %w", err)
	}

	marketCap := universe.NewMarketCapClient(cfg.Universe.MarketCapURL, cfg.Universe.MarketCapTTL, logger)
	selector := universe.NewSelector(client, marketCap, cfg.Universe, logger)

	calc := indicator.NewCalculator(cfg.Snapshot.CacheTTL, 4*cfg.Universe.Limit)
	builder := snapshot.NewBuilder(client, calc, cfg.Snapshot, logger)

	manager := lifecycle.NewManager(client, pendingStore, events, cfg.Trade, cfg.Universe.QuoteAsset, cfg.App.Live, logger)

	return &App{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		selector: selector,
		builder:  builder,
		oracle:   oracleClient,
		manager:  manager,
		events:   events,
		store:    sqlStore,
		pending:  pendingStore,
	}, nil
}

// Close 释放持有的资源。
func (a *App) Close() error {
	return a.store.Close()
}

// RunOnce 执行一轮完整决策后返回，供手动触发与排障。
func (a *App) RunOnce(ctx context.Context) error {
	return a.runCycle(ctx)
}

// Run 启动调度循环：决策周期、成交保护、过期清理与维护各自独立计时，
// 直至上下文取消。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统已启动",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.Bool("live", a.cfg.App.Live),
		zap.Duration("cycle_interval", a.cfg.Scheduler.CycleInterval),
	)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return a.loop(groupCtx, "decision_cycle", a.cfg.Scheduler.CycleInterval, true, a.runCycle)
	})
	group.Go(func() error {
		return a.loop(groupCtx, "protection_sweep", a.cfg.Scheduler.ProtectionInterval, false, a.manager.ProtectionSweep)
	})
	group.Go(func() error {
		return a.loop(groupCtx, "expiry_sweep", a.cfg.Scheduler.ExpiryInterval, false, a.manager.ExpirySweep)
	})
	group.Go(func() error {
		return a.loop(groupCtx, "maintenance_sweep", a.cfg.Scheduler.MaintenanceInterval, false, a.manager.MaintenanceSweep)
	})

	if a.cfg.Scheduler.MonitorAddr != "" {
		group.Go(func() error {
			return a.serveMonitor(groupCtx, a.cfg.Scheduler.MonitorAddr)
		})
	}

	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统已停止")
	return nil
}

// loop 以固定间隔运行任务。immediate 为真时启动即执行一次。
// 任务失败只记录日志，交易所维护期间降级为提示。
func (a *App) loop(ctx context.Context, name string, interval time.Duration, immediate bool, fn func(context.Context) error) error {
	run := func() {
		start := time.Now()
		if err := fn(ctx); err != nil {
			if errors.Is(err, exchange.ErrMaintenance) {
				a.logger.Warn("交易所维护中，跳过本轮任务", zap.String("task", name))
				a.events.Record(ctx, monitor.EventMaintenanceSkip, "", map[string]interface{}{"task": name})
				return
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			a.logger.Error("周期任务失败",
				zap.String("task", name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
		}
	}

	if immediate {
		run()
	}

	// 首个周期等到下一个时钟边界（如15分钟整点），之后按固定间隔运行。
	timer := time.NewTimer(time.Until(nextAligned(time.Now(), interval)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		run()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			run()
		}
	}
}

// nextAligned 返回 now 之后第一个与 interval 对齐的时钟边界。
func nextAligned(now time.Time, interval time.Duration) time.Time {
	return now.Truncate(interval).Add(interval)
}
