// Package ipdetect learns the external address of the gateways. Addresses
// normally arrive through GENA events; when none did, the connection
// services are queried directly.
package ipdetect

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"igdnat/internal/igd"
	"igdnat/internal/metrics"
	"igdnat/internal/upnp"
)

// queryTimeout bounds one shared round of fallback queries.
const queryTimeout = 30 * time.Second

// Engine is the IP detection engine. It implements subscription.EventSink.
type Engine struct {
	actions upnp.Actions
	conns   *igd.ServiceSet
	ips     *igd.DetectedIPMap
	gate    *BootGate
	metrics *metrics.Metrics
	logger  *zap.Logger

	queries singleflight.Group

	// mu makes the membership check and the store atomic with ClearDevice.
	mu sync.Mutex
}

func NewEngine(actions upnp.Actions, conns *igd.ServiceSet, ips *igd.DetectedIPMap, gate *BootGate, m *metrics.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		actions: actions,
		conns:   conns,
		ips:     ips,
		gate:    gate,
		metrics: m,
		logger:  logger,
	}
}

// ObserveExternalIP records an address reported by an event of svc.
func (e *Engine) ObserveExternalIP(svc *upnp.Service, value string) {
	if _, err := netip.ParseAddr(strings.TrimSpace(value)); err != nil {
		e.logger.Debug("unparsable external address in event",
			zap.Stringer("service", svc), zap.String("value", value))
		return
	}
	// A parsable address means the router is talking to us.
	defer e.gate.MarkBooted()
	e.record(svc, value)
}

// record validates value and stores it for the root device of svc, unless
// svc is no longer a known connection service.
func (e *Engine) record(svc *upnp.Service, value string) bool {
	ip, ok := igd.ParseExternalIP(value)
	if !ok {
		e.logger.Info("ignoring non-public external address",
			zap.Stringer("service", svc), zap.String("address", value))
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.conns.Contains(svc) {
		return false
	}
	root := svc.Device().Root()
	if e.ips.Set(root.UDN, igd.DetectedIP{IP: ip, NATLimitation: igd.NATNotSupported}) {
		e.logger.Info("new external address",
			zap.String("address", ip.String()), zap.String("device", root.DisplayString()))
		e.metrics.SetDetectedAddresses(e.ips.Len())
	}
	return true
}

// ClearDevice forgets the address of a removed root device. Call it after
// the device's services left the connection set.
func (e *Engine) ClearDevice(rootUDN string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ips.ClearDevice(rootUDN) {
		e.logger.Info("external address cleared", zap.String("udn", rootUDN))
		e.metrics.SetDetectedAddresses(e.ips.Len())
	}
}

// Addresses returns the detected external addresses, or nil when there is
// no gateway or none of them reported a usable address. The first call may
// block on the boot gate.
func (e *Engine) Addresses(ctx context.Context) ([]igd.DetectedIP, error) {
	if err := e.gate.Wait(ctx); err != nil {
		return nil, err
	}
	if e.conns.Len() == 0 {
		return nil, nil
	}
	if e.ips.Len() > 0 {
		return e.ips.Values(), nil
	}

	e.logger.Debug("no address from events, querying connection services")
	e.QueryAll(ctx)
	if e.ips.Len() == 0 {
		return nil, nil
	}
	return e.ips.Values(), nil
}

// QueryAll asks every connection service for its external address.
// Concurrent callers share one round of queries, which outlives any single
// caller's ctx. A service that fails is logged and skipped.
func (e *Engine) QueryAll(ctx context.Context) {
	ch := e.queries.DoChan("external-ip", func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), queryTimeout)
		defer cancel()
		for _, svc := range e.conns.Snapshot() {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.query(ctx, svc)
		}
		return nil, nil
	})
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

func (e *Engine) query(ctx context.Context, svc *upnp.Service) {
	value, err := e.actions.GetExternalIPAddress(ctx, svc)
	if err != nil {
		e.metrics.ActionFailed("GetExternalIPAddress")
		e.logger.Warn("external address query failed", zap.Stringer("service", svc), zap.Error(err))
		return
	}
	e.record(svc, value)
}
