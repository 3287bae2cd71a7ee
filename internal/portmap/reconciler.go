// Package portmap keeps the desired port mappings installed on every known
// WAN connection service.
//
// A pass checks each desired port with GetSpecificPortMappingEntry and adds
// only the missing ones, so repeated passes cause no churn. Passes repeat on
// a fixed interval until Stop.
package portmap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"igdnat/internal/igd"
	"igdnat/internal/metrics"
	"igdnat/internal/scheduler"
	"igdnat/internal/upnp"
)

const job = "port-mapping"

type Options struct {
	Interval    time.Duration // default 5 minutes
	Description string        // mapping description prefix, default "igdnat"
}

type entry struct {
	mapping upnp.PortMapping
	added   bool // installed by this process
}

type serviceMappings struct {
	svc     *upnp.Service
	entries map[string]entry
}

// Reconciler is safe for concurrent use. Passes never overlap.
type Reconciler struct {
	actions upnp.Actions
	conns   *igd.ServiceSet
	sched   *scheduler.Scheduler
	metrics *metrics.Metrics
	logger  *zap.Logger
	opts    Options

	pass sync.Mutex

	mu      sync.Mutex
	desired []igd.ForwardPort
	cb      igd.ForwardPortCallback
	active  map[string]*serviceMappings
	stopped bool
}

func NewReconciler(actions upnp.Actions, conns *igd.ServiceSet, sched *scheduler.Scheduler, m *metrics.Metrics, logger *zap.Logger, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Description == "" {
		opts.Description = "igdnat"
	}
	return &Reconciler{
		actions: actions,
		conns:   conns,
		sched:   sched,
		metrics: m,
		logger:  logger,
		opts:    opts,
		active:  make(map[string]*serviceMappings),
	}
}

// SetDesired replaces the desired port set and the callback receiving
// statuses. Duplicate protocol/port pairs keep their first entry.
func (r *Reconciler) SetDesired(ports []igd.ForwardPort, cb igd.ForwardPortCallback) {
	seen := make(map[string]bool, len(ports))
	desired := make([]igd.ForwardPort, 0, len(ports))
	for _, p := range ports {
		k := key(p.Protocol.String(), p.Port)
		if seen[k] {
			continue
		}
		seen[k] = true
		desired = append(desired, p)
	}
	r.mu.Lock()
	r.desired = desired
	r.cb = cb
	r.mu.Unlock()
}

// Desired returns a copy of the desired port set.
func (r *Reconciler) Desired() []igd.ForwardPort {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]igd.ForwardPort(nil), r.desired...)
}

// Trigger runs a pass as soon as possible on the scheduler.
func (r *Reconciler) Trigger() {
	r.schedule(0)
}

func (r *Reconciler) schedule(delay time.Duration) {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}
	err := r.sched.Schedule(job, delay, func() { r.Reconcile(context.Background()) })
	if err != nil {
		r.logger.Debug("port mapping pass not scheduled", zap.Error(err))
	}
}

// Reconcile runs one pass over every connection service and schedules the
// next one.
func (r *Reconciler) Reconcile(ctx context.Context) {
	r.pass.Lock()
	defer r.pass.Unlock()

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	ports := append([]igd.ForwardPort(nil), r.desired...)
	cb := r.cb
	r.mu.Unlock()

	svcs := r.conns.Snapshot()
	if len(svcs) == 0 {
		r.logger.Debug("no connection service, skipping port mapping")
	}
	for _, svc := range svcs {
		if ctx.Err() != nil {
			break
		}
		statuses := r.reconcileService(ctx, svc, ports)
		if len(statuses) > 0 && cb != nil {
			cb.PortForwardStatus(statuses)
		}
	}
	r.schedule(r.opts.Interval)
}

func (r *Reconciler) reconcileService(ctx context.Context, svc *upnp.Service, ports []igd.ForwardPort) map[igd.ForwardPort]igd.ForwardPortStatus {
	localIP := svc.Device().Root().LocalAddr
	if localIP == nil {
		r.logger.Warn("no local address for gateway, skipping", zap.Stringer("service", svc))
		return nil
	}
	prev := r.entries(svc)
	next := make(map[string]entry, len(ports))
	wanted := make(map[string]bool, len(ports))
	statuses := make(map[igd.ForwardPort]igd.ForwardPortStatus)

	for _, p := range ports {
		m := upnp.PortMapping{
			ExternalPort:   uint16(p.Port),
			Protocol:       p.Protocol.String(),
			InternalPort:   uint16(p.Port),
			InternalClient: localIP.String(),
			Enabled:        true,
			Description:    r.opts.Description + " " + p.Name,
		}
		k := key(m.Protocol, p.Port)
		wanted[k] = true
		r.logger.Debug("mapping port", zap.Stringer("port", p), zap.Stringer("service", svc), zap.String("local_ip", m.InternalClient))

		existing, err := r.actions.GetSpecificPortMappingEntry(ctx, svc, m.Protocol, m.ExternalPort)
		if err == nil {
			if existing.InternalClient != "" && existing.InternalClient != m.InternalClient {
				r.logger.Warn("port already mapped to another host",
					zap.Stringer("port", p), zap.String("client", existing.InternalClient))
			} else {
				r.logger.Debug("port already mapped", zap.Stringer("port", p))
			}
			next[k] = entry{mapping: m, added: prev[k].added}
			r.metrics.PortMapping("present")
			continue
		}

		if err := r.actions.AddPortMapping(ctx, svc, m); err != nil {
			reason := failureDetail(err)
			statuses[p] = igd.ForwardPortStatus{Status: igd.DefiniteFailure, Reason: reason, ExternalPort: p.Port}
			r.metrics.PortMapping("failed")
			r.metrics.ActionFailed("AddPortMapping")
			r.logger.Warn("unable to add port mapping",
				zap.Stringer("port", p), zap.Stringer("service", svc), zap.String("reason", reason))
			continue
		}
		next[k] = entry{mapping: m, added: true}
		statuses[p] = igd.ForwardPortStatus{Status: igd.MaybeSuccess, ExternalPort: p.Port}
		r.metrics.PortMapping("added")
		r.logger.Info("port mapping added", zap.Stringer("mapping", m), zap.String("device", svc.Device().Root().DisplayString()))
	}

	// Mappings this process added for ports that are no longer desired.
	for k, e := range prev {
		if wanted[k] || !e.added {
			continue
		}
		_ = r.delete(ctx, svc, e.mapping)
	}
	r.setEntries(svc, next)
	return statuses
}

func (r *Reconciler) delete(ctx context.Context, svc *upnp.Service, m upnp.PortMapping) error {
	if err := r.actions.DeletePortMapping(ctx, svc, m); err != nil {
		r.metrics.ActionFailed("DeletePortMapping")
		r.logger.Warn("unable to delete port mapping", zap.Stringer("mapping", m), zap.Error(err))
		return fmt.Errorf("delete %s on %s: %w", m, svc, err)
	}
	r.metrics.PortMapping("removed")
	r.logger.Info("port mapping removed", zap.Stringer("mapping", m))
	return nil
}

func (r *Reconciler) entries(svc *upnp.Service) map[string]entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sm, ok := r.active[svc.Key()]; ok {
		return sm.entries
	}
	return nil
}

func (r *Reconciler) setEntries(svc *upnp.Service, entries map[string]entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(entries) == 0 {
		delete(r.active, svc.Key())
		return
	}
	r.active[svc.Key()] = &serviceMappings{svc: svc, entries: entries}
}

// Active returns the mappings believed installed on svc, ordered by
// protocol and port.
func (r *Reconciler) Active(svc *upnp.Service) []upnp.PortMapping {
	r.mu.Lock()
	defer r.mu.Unlock()
	sm, ok := r.active[svc.Key()]
	if !ok {
		return nil
	}
	out := make([]upnp.PortMapping, 0, len(sm.entries))
	for _, e := range sm.entries {
		out = append(out, e.mapping)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Protocol != out[j].Protocol {
			return out[i].Protocol < out[j].Protocol
		}
		return out[i].ExternalPort < out[j].ExternalPort
	})
	return out
}

// Forget drops what is known about svc, e.g. after its device left.
func (r *Reconciler) Forget(svc *upnp.Service) {
	r.mu.Lock()
	delete(r.active, svc.Key())
	r.mu.Unlock()
}

// RemoveAll deletes every mapping this process added.
func (r *Reconciler) RemoveAll(ctx context.Context) error {
	r.pass.Lock()
	defer r.pass.Unlock()

	r.mu.Lock()
	sets := make([]*serviceMappings, 0, len(r.active))
	for _, sm := range r.active {
		sets = append(sets, sm)
	}
	r.active = make(map[string]*serviceMappings)
	r.mu.Unlock()

	var err error
	for _, sm := range sets {
		for _, e := range sm.entries {
			if e.added {
				err = multierr.Append(err, r.delete(ctx, sm.svc, e.mapping))
			}
		}
	}
	return err
}

// Stop cancels the pending pass. Later passes are refused.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.sched.Cancel(job)
}

func key(protocol string, port int) string { return fmt.Sprintf("%s/%d", protocol, port) }

func failureDetail(err error) string {
	var ae *upnp.ActionError
	if errors.As(err, &ae) {
		return ae.Detail()
	}
	return err.Error()
}
