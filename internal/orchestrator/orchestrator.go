// Package orchestrator wires the IGD engine together. It reacts to devices
// appearing and disappearing and serves the host operations: address
// detection, port forwarding, bandwidth and termination.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"igdnat/internal/bandwidth"
	"igdnat/internal/igd"
	"igdnat/internal/ipdetect"
	"igdnat/internal/metrics"
	"igdnat/internal/portmap"
	"igdnat/internal/scheduler"
	"igdnat/internal/subscription"
	"igdnat/internal/upnp"
)

// Options 编排器参数，零值使用默认值
type Options struct {
	BootMaxWait          time.Duration // 默认 10s
	BootGrace            time.Duration // 默认 5s
	ReconcileInterval    time.Duration // 默认 5min
	SubscriptionDuration time.Duration // 默认 600s
	MaxRenewalFailures   int           // 默认 5
	LivenessTimeout      time.Duration // 0 表示关闭
	Description          string        // 端口映射描述前缀
	CleanupTimeout       time.Duration // 退出时删除映射的超时，默认 10s
}

// Orchestrator implements upnp.RegistryListener.
type Orchestrator struct {
	client  upnp.Client
	sched   *scheduler.Scheduler
	metrics *metrics.Metrics
	logger  *zap.Logger
	opts    Options

	conns   *igd.ServiceSet
	commons *igd.ServiceSet
	ips     *igd.DetectedIPMap

	gate     *ipdetect.BootGate
	engine   *ipdetect.Engine
	subs     *subscription.Manager
	rates    *bandwidth.Aggregator
	mappings *portmap.Reconciler

	// mu serializes device notifications with each other and termination.
	mu         sync.Mutex
	terminated bool

	termOnce sync.Once
	termErr  error
}

var _ upnp.RegistryListener = (*Orchestrator)(nil)

func New(client upnp.Client, sched *scheduler.Scheduler, m *metrics.Metrics, logger *zap.Logger, opts Options) *Orchestrator {
	if opts.BootMaxWait <= 0 {
		opts.BootMaxWait = 10 * time.Second
	}
	if opts.BootGrace <= 0 {
		opts.BootGrace = 5 * time.Second
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = 10 * time.Second
	}
	o := &Orchestrator{
		client:  client,
		sched:   sched,
		metrics: m,
		logger:  logger,
		opts:    opts,
		conns:   igd.NewServiceSet(),
		commons: igd.NewServiceSet(),
		ips:     igd.NewDetectedIPMap(),
	}
	o.gate = ipdetect.NewBootGate(sched.Clock(), opts.BootMaxWait, opts.BootGrace)
	o.engine = ipdetect.NewEngine(client, o.conns, o.ips, o.gate, m, logger.Named("ipdetect"))
	o.subs = subscription.NewManager(client, o.engine, sched, m, logger.Named("subscription"), subscription.Options{
		Duration:           opts.SubscriptionDuration,
		MaxRenewalFailures: opts.MaxRenewalFailures,
		LivenessTimeout:    opts.LivenessTimeout,
	})
	o.rates = bandwidth.NewAggregator(client, o.conns, o.commons, o.ips, m, logger.Named("bandwidth"))
	o.mappings = portmap.NewReconciler(client, o.conns, sched, m, logger.Named("portmap"), portmap.Options{
		Interval:    opts.ReconcileInterval,
		Description: opts.Description,
	})
	return o
}

// Start registers for device notifications. Devices already known to the
// control point are replayed.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.subs.Start()
	o.client.AddListener(o)
	o.logger.Info("orchestrator started")
	return nil
}

func (o *Orchestrator) DeviceAdded(d *upnp.Device) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.terminated {
		return
	}

	c := igd.Classify(d)
	if c.Common == nil && c.Connection == nil {
		o.logger.Debug("ignoring device without WAN services", zap.String("device", d.DisplayString()))
		return
	}
	o.logger.Info("gateway added", zap.String("device", d.DisplayString()), zap.Stringer("local_ip", d.LocalAddr))

	if c.Common != nil && o.commons.Add(c.Common) {
		o.logger.Debug("common interface service added", zap.Stringer("service", c.Common))
	}
	if c.Connection != nil && o.conns.Add(c.Connection) {
		o.logger.Info("connection service added", zap.Stringer("service", c.Connection))
		o.metrics.SetConnectionServices(o.conns.Len())
		o.gate.MarkDiscovered()
		o.subs.Subscribe(c.Connection)
		o.mappings.Trigger()
	}
}

func (o *Orchestrator) DeviceRemoved(d *upnp.Device) {
	var ending []upnp.Subscription
	defer func() {
		for _, sub := range ending {
			sub.End()
		}
	}()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.terminated {
		return
	}

	removed := o.conns.RemoveDevice(d.UDN)
	for _, svc := range removed {
		o.logger.Info("connection service removed", zap.Stringer("service", svc))
		if sub, _ := o.subs.Detach(svc); sub != nil {
			ending = append(ending, sub)
		}
		o.mappings.Forget(svc)
	}
	commons := o.commons.RemoveDevice(d.UDN)
	o.engine.ClearDevice(d.UDN)
	if len(removed) > 0 || len(commons) > 0 {
		o.logger.Info("gateway removed", zap.String("device", d.DisplayString()))
	}
	o.metrics.SetConnectionServices(o.conns.Len())
}

// GetAddress returns the external addresses of the gateways, or nil when
// none is known. The first call may block while discovery settles.
func (o *Orchestrator) GetAddress(ctx context.Context) []igd.DetectedIP {
	ips, err := o.engine.Addresses(ctx)
	if err != nil {
		o.logger.Debug("address detection interrupted", zap.Error(err))
		return nil
	}
	return ips
}

// OnChangePublicPorts replaces the desired ports and reconciles them at
// once. cb receives one status map per connection service. The new ports
// are kept even when ctx ends before discovery settles; a background pass
// applies them then.
func (o *Orchestrator) OnChangePublicPorts(ctx context.Context, ports []igd.ForwardPort, cb igd.ForwardPortCallback) {
	o.logger.Info("public ports changed", zap.Int("ports", len(ports)))
	o.mappings.SetDesired(ports, cb)
	if err := o.gate.Wait(ctx); err != nil {
		o.logger.Debug("port change interrupted", zap.Error(err))
		o.mappings.Trigger()
		return
	}
	o.mappings.Reconcile(ctx)
}

func (o *Orchestrator) GetUpstreamMaxBitRate(ctx context.Context) (uint64, bool) {
	r, ok := o.bandwidth(ctx)
	return r.Up, ok
}

func (o *Orchestrator) GetDownstreamMaxBitRate(ctx context.Context) (uint64, bool) {
	r, ok := o.bandwidth(ctx)
	return r.Down, ok
}

// Bandwidth returns both summed rates from a single round of queries.
func (o *Orchestrator) Bandwidth(ctx context.Context) (bandwidth.Rates, bool) {
	return o.bandwidth(ctx)
}

func (o *Orchestrator) bandwidth(ctx context.Context) (bandwidth.Rates, bool) {
	if err := o.gate.Wait(ctx); err != nil {
		return bandwidth.Rates{}, false
	}
	return o.rates.Rates(ctx)
}

// Gateway describes one known connection service.
type Gateway struct {
	Device       string             `json:"device"`
	UDN          string             `json:"udn"`
	Service      string             `json:"service"`
	LocalIP      string             `json:"local_ip"`
	ExternalIP   string             `json:"external_ip,omitempty"`
	Subscription string             `json:"subscription"`
	Mappings     []upnp.PortMapping `json:"mappings"`
}

// Gateways lists the connection services and what is known about them.
func (o *Orchestrator) Gateways() []Gateway {
	svcs := o.conns.Snapshot()
	out := make([]Gateway, 0, len(svcs))
	for _, svc := range svcs {
		root := svc.Device().Root()
		gw := Gateway{
			Device:       root.DisplayString(),
			UDN:          root.UDN,
			Service:      svc.TypeName(),
			Subscription: o.subs.State(svc).String(),
			Mappings:     o.mappings.Active(svc),
		}
		if root.LocalAddr != nil {
			gw.LocalIP = root.LocalAddr.String()
		}
		if ip, ok := o.ips.Get(root.UDN); ok {
			gw.ExternalIP = ip.IP.String()
		}
		out = append(out, gw)
	}
	return out
}

// DesiredPorts returns the port set most recently requested.
func (o *Orchestrator) DesiredPorts() []igd.ForwardPort {
	return o.mappings.Desired()
}

// Terminate cancels scheduled work, removes the mappings this process
// added, ends all subscriptions and shuts the control point down. Later
// calls return the first result.
func (o *Orchestrator) Terminate() error {
	o.termOnce.Do(func() {
		o.mu.Lock()
		o.terminated = true
		o.mu.Unlock()

		o.logger.Info("terminating")
		o.mappings.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), o.opts.CleanupTimeout)
		defer cancel()
		var err error
		err = multierr.Append(err, o.mappings.RemoveAll(ctx))
		o.subs.Close()
		err = multierr.Append(err, o.client.Shutdown())
		o.gate.MarkBooted()
		o.termErr = err
	})
	return o.termErr
}
