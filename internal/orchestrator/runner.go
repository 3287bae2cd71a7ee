package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"igdnat/internal/bandwidth"
	"igdnat/internal/igd"
	"igdnat/internal/status"
	"igdnat/internal/stun"
)

// Runner is the standalone host of the engine: it requests the configured
// ports, keeps polling the external address and reports everything to the
// status manager.
type Runner struct {
	orch     *Orchestrator
	status   *status.StatusManager
	stun     *stun.Client
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	ports []igd.ForwardPort
}

// NewRunner creates a Runner. stunClient may be nil.
func NewRunner(orch *Orchestrator, sm *status.StatusManager, stunClient *stun.Client, ports []igd.ForwardPort, clk clock.Clock, interval time.Duration, logger *zap.Logger) *Runner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{
		orch:     orch,
		status:   sm,
		stun:     stunClient,
		clock:    clk,
		interval: interval,
		logger:   logger,
		ports:    append([]igd.ForwardPort(nil), ports...),
	}
}

// Run applies the configured ports, reports bandwidth once and polls the
// external address until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	go r.status.Run(ctx)

	if ports := r.Ports(); len(ports) > 0 {
		r.orch.OnChangePublicPorts(ctx, ports, r.callback(ctx))
	}
	r.reportBandwidth(ctx)

	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()
	for {
		r.reportAddress(ctx)
		select {
		case <-ctx.Done():
			r.logger.Info("runner exiting")
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) callback(ctx context.Context) igd.ForwardPortCallback {
	return igd.ForwardPortCallbackFunc(func(statuses map[igd.ForwardPort]igd.ForwardPortStatus) {
		for p, st := range statuses {
			r.status.Submit(ctx, status.UpdateEvent{
				Kind:         status.KindPort,
				Port:         p.Port,
				Protocol:     p.Protocol.String(),
				Name:         p.Name,
				Status:       st.Status.String(),
				ExternalPort: st.ExternalPort,
				Reason:       st.Reason,
			})
		}
	})
}

func (r *Runner) reportAddress(ctx context.Context) {
	ips := r.orch.GetAddress(ctx)
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ip.IP.String())
	}
	if len(addrs) == 0 {
		r.logger.Debug("no external address detected")
	}
	r.status.Submit(ctx, status.UpdateEvent{Kind: status.KindAddress, Addresses: addrs})

	if r.stun == nil || !r.stun.Enabled() {
		return
	}
	m, err := r.stun.UDPMapping(ctx)
	if err != nil {
		r.logger.Debug("STUN mapping failed", zap.Error(err))
		return
	}
	if len(addrs) > 0 && !containsIP(ips, m) {
		r.logger.Warn("STUN address differs from gateway address, another NAT may sit upstream",
			zap.String("stun", m.External()), zap.String("gateway", strings.Join(addrs, ",")))
	}
	r.status.Submit(ctx, status.UpdateEvent{Kind: status.KindSTUN, Address: m.External()})
}

func (r *Runner) reportBandwidth(ctx context.Context) {
	rates, ok := r.orch.Bandwidth(ctx)
	if !ok {
		r.logger.Info("link rates unavailable")
		return
	}
	r.logger.Info("link rates", zap.Uint64("up", rates.Up), zap.Uint64("down", rates.Down))
	r.status.Submit(ctx, status.UpdateEvent{Kind: status.KindBandwidth, Up: rates.Up, Down: rates.Down})
}

func containsIP(ips []igd.DetectedIP, m *stun.Mapping) bool {
	for _, ip := range ips {
		if ip.IP.Equal(m.ExternalIP) {
			return true
		}
	}
	return false
}

// Address returns the detected external addresses.
func (r *Runner) Address(ctx context.Context) []igd.DetectedIP {
	return r.orch.GetAddress(ctx)
}

func (r *Runner) Bandwidth(ctx context.Context) (bandwidth.Rates, bool) {
	return r.orch.Bandwidth(ctx)
}

// Ports returns the port set currently requested.
func (r *Runner) Ports() []igd.ForwardPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]igd.ForwardPort(nil), r.ports...)
}

// SetPorts replaces the requested ports and reconciles them.
func (r *Runner) SetPorts(ctx context.Context, ports []igd.ForwardPort) {
	r.mu.Lock()
	r.ports = append([]igd.ForwardPort(nil), ports...)
	r.mu.Unlock()
	r.orch.OnChangePublicPorts(ctx, ports, r.callback(context.Background()))
}

func (r *Runner) Status() status.Snapshot {
	return r.status.Snapshot()
}

func (r *Runner) Gateways() []Gateway {
	return r.orch.Gateways()
}
