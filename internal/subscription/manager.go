// Package subscription keeps one GENA subscription alive per WAN connection
// service and forwards external address changes to the detection engine.
//
// A subscription whose renewals keep failing is dropped and recreated after
// MaxRenewalFailures consecutive failures. A watchdog also recreates
// subscriptions that have shown no activity for LivenessTimeout, which
// covers transports that fail without ever reporting it.
package subscription

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"igdnat/internal/metrics"
	"igdnat/internal/scheduler"
	"igdnat/internal/upnp"
)

const (
	livenessJob = "subscription-liveness"

	// ExternalIPVariable is the state variable carrying the WAN address.
	ExternalIPVariable = "ExternalIPAddress"
)

// State of a subscription record.
type State int

const (
	Unsubscribed State = iota
	Subscribing
	Established
	RenewalFailed
	Resubscribing
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "SUBSCRIBING"
	case Established:
		return "ESTABLISHED"
	case RenewalFailed:
		return "RENEWAL_FAILED"
	case Resubscribing:
		return "RESUBSCRIBING"
	default:
		return "UNSUBSCRIBED"
	}
}

// EventSink receives external address values from events.
type EventSink interface {
	ObserveExternalIP(svc *upnp.Service, value string)
}

// Options configures a Manager. Zero fields take defaults.
type Options struct {
	Duration           time.Duration // requested subscription duration, default 600s
	MaxRenewalFailures int           // default 5
	LivenessTimeout    time.Duration // 0 disables the watchdog
}

type record struct {
	svc          *upnp.Service
	sub          upnp.Subscription
	state        State
	failures     int
	lastActivity time.Time
}

// Manager owns the subscription records. It is safe for concurrent use.
type Manager struct {
	subscriber upnp.Subscriber
	sink       EventSink
	sched      *scheduler.Scheduler
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     *zap.Logger
	opts       Options

	mu      sync.Mutex
	records map[string]*record
	closed  bool
}

// NewManager creates a manager. m may be nil.
func NewManager(subscriber upnp.Subscriber, sink EventSink, sched *scheduler.Scheduler, m *metrics.Metrics, logger *zap.Logger, opts Options) *Manager {
	if opts.Duration <= 0 {
		opts.Duration = 600 * time.Second
	}
	if opts.MaxRenewalFailures <= 0 {
		opts.MaxRenewalFailures = 5
	}
	return &Manager{
		subscriber: subscriber,
		sink:       sink,
		sched:      sched,
		clock:      sched.Clock(),
		metrics:    m,
		logger:     logger,
		opts:       opts,
		records:    make(map[string]*record),
	}
}

// Start arms the liveness watchdog.
func (m *Manager) Start() {
	if m.opts.LivenessTimeout <= 0 {
		return
	}
	m.scheduleWatchdog()
}

func (m *Manager) scheduleWatchdog() {
	if err := m.sched.Schedule(livenessJob, m.opts.LivenessTimeout/4, m.checkLiveness); err != nil {
		m.logger.Debug("liveness watchdog not scheduled", zap.Error(err))
	}
}

// Subscribe creates a subscription for svc unless one exists.
func (m *Manager) Subscribe(svc *upnp.Service) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, ok := m.records[svc.Key()]; ok {
		m.mu.Unlock()
		return
	}
	rec := m.newRecordLocked(svc)
	m.mu.Unlock()
	m.attach(rec)
}

func (m *Manager) newRecordLocked(svc *upnp.Service) *record {
	rec := &record{svc: svc, state: Subscribing, lastActivity: m.clock.Now()}
	m.records[svc.Key()] = rec
	return rec
}

// attach requests the subscription for rec without holding the lock. If
// rec was replaced or removed meanwhile the new subscription is ended.
func (m *Manager) attach(rec *record) {
	m.logger.Debug("subscribing", zap.Stringer("service", rec.svc))
	sub := m.subscriber.Subscribe(rec.svc, m.opts.Duration, &callback{m: m, rec: rec})

	m.mu.Lock()
	if m.records[rec.svc.Key()] == rec {
		rec.sub = sub
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	sub.End()
}

// Detach forgets the record of svc and hands back its subscription, nil
// while still attaching, without ending it. Ending may block on the
// network, so callers holding their own locks end it after releasing them.
func (m *Manager) Detach(svc *upnp.Service) (upnp.Subscription, bool) {
	m.mu.Lock()
	rec, ok := m.records[svc.Key()]
	var sub upnp.Subscription
	if ok {
		sub = rec.sub
		delete(m.records, svc.Key())
	}
	m.mu.Unlock()
	if ok {
		m.logger.Info("subscription released", zap.Stringer("service", svc))
	}
	return sub, ok
}

// State returns the state of svc's record.
func (m *Manager) State(svc *upnp.Service) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[svc.Key()]; ok {
		return rec.state
	}
	return Unsubscribed
}

// Failures returns the consecutive renewal failures of svc's record.
func (m *Manager) Failures(svc *upnp.Service) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[svc.Key()]; ok {
		return rec.failures
	}
	return 0
}

// Len returns the number of records.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Close ends every subscription. Later Subscribe calls are ignored.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := make([]upnp.Subscription, 0, len(m.records))
	for k, rec := range m.records {
		if rec.sub != nil {
			subs = append(subs, rec.sub)
		}
		delete(m.records, k)
	}
	m.mu.Unlock()

	m.sched.Cancel(livenessJob)
	for _, sub := range subs {
		sub.End()
	}
}

// resubscribe replaces rec with a fresh record for the same service. The
// caller must not hold the lock.
func (m *Manager) resubscribe(rec *record, old upnp.Subscription, why string) {
	m.mu.Lock()
	if m.closed || m.records[rec.svc.Key()] != rec {
		m.mu.Unlock()
		return
	}
	rec.state = Resubscribing
	attached := rec.sub
	next := m.newRecordLocked(rec.svc)
	m.mu.Unlock()

	m.logger.Warn("re-subscribing", zap.Stringer("service", rec.svc), zap.String("reason", why))
	m.metrics.SubscriptionEvent("resubscribed")
	if old != nil {
		old.End()
	}
	if attached != nil && attached != old {
		attached.End()
	}
	m.attach(next)
}

func (m *Manager) checkLiveness() {
	cutoff := m.clock.Now().Add(-m.opts.LivenessTimeout)
	var stale []*record
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	for _, rec := range m.records {
		if rec.lastActivity.Before(cutoff) {
			stale = append(stale, rec)
		}
	}
	m.mu.Unlock()

	for _, rec := range stale {
		m.resubscribe(rec, nil, "no activity within liveness timeout")
	}
	m.scheduleWatchdog()
}

// currentLocked reports whether rec is still the live record of its
// service.
func (m *Manager) currentLocked(rec *record) bool {
	return !m.closed && m.records[rec.svc.Key()] == rec
}

type callback struct {
	m   *Manager
	rec *record
}

func (c *callback) Established(sub upnp.Subscription) {
	m := c.m
	m.mu.Lock()
	if !m.currentLocked(c.rec) {
		m.mu.Unlock()
		return
	}
	c.rec.state = Established
	c.rec.failures = 0
	c.rec.lastActivity = m.clock.Now()
	m.mu.Unlock()

	m.metrics.SubscriptionEvent("established")
	m.logger.Info("subscription established", zap.Stringer("service", c.rec.svc), zap.String("sid", sub.ID()))
}

func (c *callback) Renewed(sub upnp.Subscription) {
	m := c.m
	m.mu.Lock()
	if !m.currentLocked(c.rec) {
		m.mu.Unlock()
		return
	}
	c.rec.state = Established
	c.rec.failures = 0
	c.rec.lastActivity = m.clock.Now()
	m.mu.Unlock()

	m.metrics.SubscriptionEvent("renewed")
	m.logger.Debug("subscription renewed", zap.Stringer("service", c.rec.svc), zap.String("sid", sub.ID()))
}

func (c *callback) Failed(_ upnp.Subscription, err error) {
	c.m.metrics.SubscriptionEvent("failed")
	c.m.logger.Warn("subscription failed", zap.Stringer("service", c.rec.svc), zap.Error(err))
}

func (c *callback) Ended(sub upnp.Subscription, reason upnp.CancelReason, err error) {
	m := c.m
	m.mu.Lock()
	if !m.currentLocked(c.rec) {
		m.mu.Unlock()
		return
	}
	if reason != upnp.RenewalFailed {
		c.rec.state = Unsubscribed
		m.mu.Unlock()
		m.metrics.SubscriptionEvent("ended")
		m.logger.Info("subscription ended", zap.Stringer("service", c.rec.svc), zap.Stringer("reason", reason), zap.Error(err))
		return
	}
	// A delivered renewal failure still proves the transport reports back.
	c.rec.state = RenewalFailed
	c.rec.failures++
	c.rec.lastActivity = m.clock.Now()
	failures := c.rec.failures
	m.mu.Unlock()

	m.metrics.SubscriptionEvent("renewal_failed")
	m.logger.Warn("subscription renewal failed",
		zap.Stringer("service", c.rec.svc), zap.Int("failures", failures), zap.Error(err))
	if failures >= m.opts.MaxRenewalFailures {
		m.resubscribe(c.rec, sub, "renewal failed repeatedly")
	}
}

func (c *callback) EventReceived(_ upnp.Subscription, values map[string]string) {
	m := c.m
	m.mu.Lock()
	if !m.currentLocked(c.rec) {
		m.mu.Unlock()
		return
	}
	c.rec.lastActivity = m.clock.Now()
	m.mu.Unlock()

	m.metrics.SubscriptionEvent("event")
	if v, ok := values[ExternalIPVariable]; ok && m.sink != nil {
		m.sink.ObserveExternalIP(c.rec.svc, v)
	}
}

func (c *callback) EventsMissed(_ upnp.Subscription, missed int) {
	c.m.metrics.EventsMissed(missed)
	c.m.logger.Warn("events missed", zap.Stringer("service", c.rec.svc), zap.Int("missed", missed))
}
