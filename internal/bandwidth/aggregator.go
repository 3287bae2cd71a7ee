// Package bandwidth sums the maximum link rates reported by the gateways.
package bandwidth

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"igdnat/internal/igd"
	"igdnat/internal/metrics"
	"igdnat/internal/upnp"
)

// Rates are summed maximum bit rates in bits per second.
type Rates struct {
	Up   uint64 `json:"up"`
	Down uint64 `json:"down"`
}

type Aggregator struct {
	actions upnp.Actions
	conns   *igd.ServiceSet
	commons *igd.ServiceSet
	ips     *igd.DetectedIPMap
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewAggregator(actions upnp.Actions, conns, commons *igd.ServiceSet, ips *igd.DetectedIPMap, m *metrics.Metrics, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		actions: actions,
		conns:   conns,
		commons: commons,
		ips:     ips,
		metrics: m,
		logger:  logger,
	}
}

// Rates queries WANPPPConnection link-layer rates first and falls back to
// WANCommonInterfaceConfig. Only gateways with a detected external address
// take part, which leaves double-NATted routers out. ok is false when no
// service answered.
func (a *Aggregator) Rates(ctx context.Context) (Rates, bool) {
	var ppp []*upnp.Service
	for _, svc := range a.conns.Snapshot() {
		if svc.TypeName() == upnp.TypeWANPPPConnection && a.ips.Has(svc.RootUDN()) {
			ppp = append(ppp, svc)
		}
	}
	if r, ok := a.sum(ctx, ppp, "GetLinkLayerMaxBitRates", a.actions.GetLinkLayerMaxBitRates); ok {
		return r, true
	}

	var common []*upnp.Service
	for _, svc := range a.commons.Snapshot() {
		if a.ips.Has(svc.RootUDN()) {
			common = append(common, svc)
		}
	}
	if r, ok := a.sum(ctx, common, "GetCommonLinkProperties", a.actions.GetCommonLinkProperties); ok {
		return r, true
	}
	a.logger.Debug("no link rates available")
	return Rates{}, false
}

type rateQuery func(ctx context.Context, svc *upnp.Service) (upnp.LinkRates, error)

func (a *Aggregator) sum(ctx context.Context, svcs []*upnp.Service, action string, query rateQuery) (Rates, bool) {
	if len(svcs) == 0 {
		return Rates{}, false
	}
	var (
		mu           sync.Mutex
		total        Rates
		contributors int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range svcs {
		svc := svc
		g.Go(func() error {
			r, err := query(gctx, svc)
			if err != nil {
				a.metrics.ActionFailed(action)
				a.logger.Warn("link rate query failed",
					zap.String("action", action), zap.Stringer("service", svc), zap.Error(err))
				return nil
			}
			a.logger.Debug("link rates",
				zap.Stringer("service", svc), zap.Uint32("up", r.Upstream), zap.Uint32("down", r.Downstream))
			mu.Lock()
			total.Up += uint64(r.Upstream)
			total.Down += uint64(r.Downstream)
			contributors++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return total, contributors > 0
}
