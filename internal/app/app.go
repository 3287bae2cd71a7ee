// Package app 负责 fx 模块组装和生命周期管理
package app

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"igdnat/internal/api"
	"igdnat/internal/config"
	"igdnat/internal/igd"
	"igdnat/internal/metrics"
	"igdnat/internal/orchestrator"
	"igdnat/internal/scheduler"
	"igdnat/internal/status"
	"igdnat/internal/stun"
	"igdnat/internal/upnp"
)

// APIDisabled 作为 api.listen 的值时不启动 HTTP 接口
const APIDisabled = "off"

// StopTimeout 是退出时等待清理的上限，需覆盖删除映射的时间
const StopTimeout = 30 * time.Second

// Discovery 是应用驱动的控制点：SOAP/GENA 客户端加上启动入口
type Discovery interface {
	upnp.Client
	Start(ctx context.Context) error
}

// Options 返回整个应用的 fx 选项
func Options(cfg *config.Config, logger *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, logger),
		fx.StopTimeout(StopTimeout),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Provide(
			clock.New,
			newScheduler,
			metrics.New,
			newControlPoint,
			newOrchestrator,
			newStatusManager,
			newStunClient,
			newRunner,
			newAPIServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

// New 创建 fx 应用
func New(cfg *config.Config, logger *zap.Logger) *fx.App {
	return fx.New(Options(cfg, logger))
}

// ForwardPorts 把配置中的端口转换为引擎使用的类型
func ForwardPorts(ports []config.Port) []igd.ForwardPort {
	out := make([]igd.ForwardPort, 0, len(ports))
	for _, p := range ports {
		out = append(out, igd.ForwardPort{Name: p.Name, Protocol: igd.ParseProtocol(p.Protocol), Port: p.Port})
	}
	return out
}

func newScheduler(clk clock.Clock, logger *zap.Logger) *scheduler.Scheduler {
	return scheduler.New(clk, logger.Named("scheduler"))
}

func newControlPoint(cfg *config.Config, sched *scheduler.Scheduler, logger *zap.Logger) Discovery {
	return upnp.NewControlPoint(upnp.Options{
		SearchInterval: config.Seconds(cfg.UPnP.SearchInterval),
		DeviceExpiry:   config.Seconds(cfg.UPnP.DeviceExpiry),
		CallbackAddr:   cfg.UPnP.CallbackAddr,
		ActionTimeout:  config.Seconds(cfg.UPnP.ActionTimeout),
		ListenSSDP:     true,
	}, sched, logger.Named("upnp"))
}

func newOrchestrator(cfg *config.Config, cp Discovery, sched *scheduler.Scheduler, m *metrics.Metrics, logger *zap.Logger) *orchestrator.Orchestrator {
	return orchestrator.New(cp, sched, m, logger.Named("orchestrator"), orchestrator.Options{
		BootMaxWait:          config.Seconds(cfg.Engine.BootMaxWait),
		BootGrace:            config.Seconds(cfg.Engine.BootGrace),
		ReconcileInterval:    config.Seconds(cfg.Engine.ReconcileInterval),
		SubscriptionDuration: config.Seconds(cfg.UPnP.SubscriptionDuration),
		MaxRenewalFailures:   cfg.Engine.MaxRenewalFailures,
		LivenessTimeout:      config.Seconds(cfg.Engine.LivenessTimeout),
		Description:          cfg.UPnP.Description,
	})
}

func newStatusManager(cfg *config.Config, logger *zap.Logger) (*status.StatusManager, error) {
	return status.NewManager(cfg.StatusReport.StatusFile, cfg.StatusReport.Hook, logger.Named("status"))
}

func newStunClient(cfg *config.Config, logger *zap.Logger) *stun.Client {
	return stun.NewClient(cfg.StunServer.UDP, 0, logger.Named("stun"))
}

func newRunner(cfg *config.Config, orch *orchestrator.Orchestrator, sm *status.StatusManager, sc *stun.Client, clk clock.Clock, logger *zap.Logger) *orchestrator.Runner {
	return orchestrator.NewRunner(orch, sm, sc, ForwardPorts(cfg.Ports), clk,
		config.Seconds(cfg.Engine.AddressInterval), logger.Named("runner"))
}

func newAPIServer(runner *orchestrator.Runner, m *metrics.Metrics, logger *zap.Logger) *api.Server {
	return api.New(runner, m.Handler(), logger.Named("api"))
}

type lifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
	Logger    *zap.Logger
	Discovery Discovery
	Sched     *scheduler.Scheduler
	Orch      *orchestrator.Orchestrator
	Runner    *orchestrator.Runner
	API       *api.Server
}

// registerLifecycle 注册生命周期钩子
func registerLifecycle(p lifecycleParams) {
	var (
		cancel context.CancelFunc
		done   = make(chan struct{})
	)
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// 先注册监听器，再开始发现
			if err := p.Orch.Start(ctx); err != nil {
				return err
			}
			if err := p.Discovery.Start(ctx); err != nil {
				return err
			}
			if p.Config.API.Listen != APIDisabled {
				if err := p.API.Start(p.Config.API.Listen); err != nil {
					return err
				}
			}

			var runCtx context.Context
			runCtx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				p.Runner.Run(runCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
				select {
				case <-done:
				case <-ctx.Done():
				}
			}
			err := p.Orch.Terminate()
			err = multierr.Append(err, p.API.Shutdown(ctx))
			p.Sched.Stop()
			_ = p.Logger.Sync()
			return err
		},
	})
}
