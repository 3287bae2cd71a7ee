package upnp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huin/goupnp"
	"github.com/huin/goupnp/httpu"
	"github.com/huin/goupnp/ssdp"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"igdnat/internal/scheduler"
)

const (
	searchJob      = "ssdp-search"
	ssdpMulticast  = "239.255.255.250:1900"
	igdURNPrefix   = "urn:schemas-upnp-org:device:InternetGatewayDevice:"
	notifyQueueLen = 64
)

// Options tunes the control point. Zero fields take defaults.
type Options struct {
	SearchInterval time.Duration // periodic M-SEARCH, default 60s
	DeviceExpiry   time.Duration // drop devices unseen for this long, default 180s
	CallbackAddr   string        // GENA NOTIFY listen address, default ":0"
	ActionTimeout  time.Duration // per SOAP/GENA request, default 5s
	ListenSSDP     bool          // join the SSDP multicast group for NOTIFY alive/byebye
}

func (o *Options) setDefaults() {
	if o.SearchInterval <= 0 {
		o.SearchInterval = 60 * time.Second
	}
	if o.DeviceExpiry <= 0 {
		o.DeviceExpiry = 3 * o.SearchInterval
	}
	if o.CallbackAddr == "" {
		o.CallbackAddr = ":0"
	}
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = 5 * time.Second
	}
}

type knownDevice struct {
	device   *Device
	lastSeen time.Time
}

type notification struct {
	added  bool
	device *Device
}

// ControlPoint discovers IGDs with goupnp, invokes their actions and keeps
// GENA subscriptions to their services. Listener callbacks are delivered on
// a single goroutine, in order.
type ControlPoint struct {
	opts       Options
	sched      *scheduler.Scheduler
	logger     *zap.Logger
	httpClient *http.Client

	discover func(ctx context.Context, searchTarget string) ([]goupnp.MaybeRootDevice, error)
	fetch    func(ctx context.Context, loc *url.URL) (*goupnp.RootDevice, error)

	mu        sync.Mutex
	listeners []RegistryListener
	devices   map[string]*knownDevice
	subs      map[string]*genaSubscription
	started   bool
	closed    bool
	port      int

	notes    chan notification
	done     chan struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	server   *http.Server
	ssdpConn net.PacketConn
}

var _ Client = (*ControlPoint)(nil)

// NewControlPoint creates a control point. Nothing touches the network
// until Start.
func NewControlPoint(opts Options, sched *scheduler.Scheduler, logger *zap.Logger) *ControlPoint {
	opts.setDefaults()
	return &ControlPoint{
		opts:       opts,
		sched:      sched,
		logger:     logger,
		httpClient: &http.Client{},
		discover:   goupnp.DiscoverDevicesCtx,
		fetch:      goupnp.DeviceByURLCtx,
		devices:    make(map[string]*knownDevice),
		subs:       make(map[string]*genaSubscription),
		notes:      make(chan notification, notifyQueueLen),
		done:       make(chan struct{}),
	}
}

// AddListener registers l for device notifications. Devices already known
// are replayed to it as additions.
func (cp *ControlPoint) AddListener(l RegistryListener) {
	cp.mu.Lock()
	cp.listeners = append(cp.listeners, l)
	known := make([]*Device, 0, len(cp.devices))
	for _, kd := range cp.devices {
		known = append(known, kd.device)
	}
	cp.mu.Unlock()
	for _, d := range known {
		l.DeviceAdded(d)
	}
}

// Start brings up the NOTIFY callback server, the optional SSDP listener and
// the search loop. The first search runs at once.
func (cp *ControlPoint) Start(ctx context.Context) error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return ErrClosed
	}
	if cp.started {
		cp.mu.Unlock()
		return nil
	}
	cp.started = true
	cp.mu.Unlock()

	ln, err := net.Listen("tcp", cp.opts.CallbackAddr)
	if err != nil {
		return fmt.Errorf("upnp: listen for event callbacks: %w", err)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Handle("NOTIFY", genaPathPrefix+":token", cp.handleNotify)
	cp.server = &http.Server{Handler: engine, ReadHeaderTimeout: 10 * time.Second}

	cp.mu.Lock()
	cp.port = ln.Addr().(*net.TCPAddr).Port
	cp.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cp.cancel = cancel

	cp.wg.Add(2)
	go func() {
		defer cp.wg.Done()
		if err := cp.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cp.logger.Error("event callback server stopped", zap.Error(err))
		}
	}()
	go func() {
		defer cp.wg.Done()
		cp.dispatch()
	}()

	if cp.opts.ListenSSDP {
		if err := cp.listenSSDP(runCtx); err != nil {
			cp.logger.Warn("SSDP NOTIFY listener unavailable, relying on periodic search", zap.Error(err))
		}
	}

	cp.logger.Info("control point started", zap.Int("callback_port", cp.port))
	return cp.sched.Schedule(searchJob, 0, func() { cp.searchLoop(runCtx) })
}

func (cp *ControlPoint) searchLoop(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := cp.Search(ctx); err != nil {
		cp.logger.Debug("search failed", zap.Error(err))
	}
	_ = cp.sched.Schedule(searchJob, cp.opts.SearchInterval, func() { cp.searchLoop(ctx) })
}

// Search sends M-SEARCH for both IGD versions, registers what answered and
// expires devices that stopped answering.
func (cp *ControlPoint) Search(ctx context.Context) error {
	if cp.isClosed() {
		return ErrClosed
	}
	var errs error
	for _, st := range []string{URNInternetGatewayDevice1, URNInternetGatewayDevice2} {
		found, err := cp.discover(ctx, st)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("search %s: %w", st, err))
			continue
		}
		for _, m := range found {
			if m.Err != nil {
				cp.logger.Debug("device description fetch failed", zap.Stringer("location", m.Location), zap.Error(m.Err))
				continue
			}
			local := m.LocalAddr
			if local == nil && m.Location != nil {
				local, _ = localAddrTowards(m.Location.String())
			}
			cp.upsert(fromRootDevice(m.Root, m.Location, local))
		}
	}
	cp.expire()
	return errs
}

func (cp *ControlPoint) upsert(d *Device) {
	now := cp.sched.Clock().Now()
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return
	}
	if kd, ok := cp.devices[d.UDN]; ok {
		kd.lastSeen = now
		cp.mu.Unlock()
		return
	}
	cp.devices[d.UDN] = &knownDevice{device: d, lastSeen: now}
	cp.mu.Unlock()

	cp.logger.Info("device discovered", zap.String("device", d.DisplayString()), zap.Stringer("local_addr", d.LocalAddr))
	cp.notify(notification{added: true, device: d})
}

// touch refreshes a known device and reports whether it was known.
func (cp *ControlPoint) touch(udn string) bool {
	now := cp.sched.Clock().Now()
	cp.mu.Lock()
	defer cp.mu.Unlock()
	kd, ok := cp.devices[udn]
	if ok {
		kd.lastSeen = now
	}
	return ok
}

func (cp *ControlPoint) remove(udn, why string) {
	cp.mu.Lock()
	kd, ok := cp.devices[udn]
	if ok {
		delete(cp.devices, udn)
	}
	cp.mu.Unlock()
	if !ok {
		return
	}
	cp.logger.Info("device removed", zap.String("device", kd.device.DisplayString()), zap.String("reason", why))
	cp.endDeviceSubscriptions(udn)
	cp.notify(notification{added: false, device: kd.device})
}

// endDeviceSubscriptions ends the subscriptions held on a departed root
// device without contacting it.
func (cp *ControlPoint) endDeviceSubscriptions(rootUDN string) {
	var gone []*genaSubscription
	cp.mu.Lock()
	for _, s := range cp.subs {
		if s.svc.Device().Root().UDN == rootUDN {
			gone = append(gone, s)
		}
	}
	cp.mu.Unlock()
	for _, s := range gone {
		s.terminate(DeviceRemoved, false)
	}
}

func (cp *ControlPoint) expire() {
	cutoff := cp.sched.Clock().Now().Add(-cp.opts.DeviceExpiry)
	var stale []string
	cp.mu.Lock()
	for udn, kd := range cp.devices {
		if kd.lastSeen.Before(cutoff) {
			stale = append(stale, udn)
		}
	}
	cp.mu.Unlock()
	for _, udn := range stale {
		cp.remove(udn, "expired")
	}
}

func (cp *ControlPoint) notify(n notification) {
	select {
	case cp.notes <- n:
	case <-cp.done:
	}
}

func (cp *ControlPoint) dispatch() {
	for {
		select {
		case <-cp.done:
			return
		case n := <-cp.notes:
			cp.mu.Lock()
			listeners := append([]RegistryListener(nil), cp.listeners...)
			cp.mu.Unlock()
			for _, l := range listeners {
				if n.added {
					l.DeviceAdded(n.device)
				} else {
					l.DeviceRemoved(n.device)
				}
			}
		}
	}
}

// listenSSDP feeds NOTIFY alive/byebye from the multicast group through a
// goupnp ssdp.Registry.
func (cp *ControlPoint) listenSSDP(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", ssdpMulticast)
	if err != nil {
		return err
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return err
	}
	cp.ssdpConn = conn

	reg := ssdp.NewRegistry()
	updates := make(chan ssdp.Update, 16)
	reg.AddListener(updates)
	srv := &httpu.Server{Addr: ssdpMulticast, Multicast: true, Handler: reg}

	cp.wg.Add(2)
	go func() {
		defer cp.wg.Done()
		_ = srv.Serve(conn)
	}()
	go func() {
		defer cp.wg.Done()
		for {
			select {
			case <-cp.done:
				return
			case u := <-updates:
				cp.handleSSDP(ctx, u)
			}
		}
	}()
	return nil
}

func (cp *ControlPoint) handleSSDP(ctx context.Context, u ssdp.Update) {
	udn := udnFromUSN(u.USN)
	switch u.EventType {
	case ssdp.EventByeBye:
		cp.remove(udn, "byebye")
	case ssdp.EventAlive, ssdp.EventUpdate:
		if u.Entry == nil || !strings.HasPrefix(u.Entry.NT, igdURNPrefix) {
			return
		}
		if cp.touch(udn) {
			return
		}
		loc := u.Entry.Location
		cp.wg.Add(1)
		go func() {
			defer cp.wg.Done()
			fctx, cancel := context.WithTimeout(ctx, cp.opts.ActionTimeout)
			defer cancel()
			root, err := cp.fetch(fctx, &loc)
			if err != nil {
				cp.logger.Debug("fetching announced device failed", zap.Stringer("location", &loc), zap.Error(err))
				return
			}
			local, _ := localAddrTowards(loc.String())
			cp.upsert(fromRootDevice(root, &loc, local))
		}()
	}
}

// udnFromUSN extracts "uuid:..." from "uuid:...::urn:...".
func udnFromUSN(usn string) string {
	if i := strings.Index(usn, "::"); i >= 0 {
		return usn[:i]
	}
	return usn
}

func (cp *ControlPoint) isClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}

func (cp *ControlPoint) callbackPort() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.port
}

func (cp *ControlPoint) addSubscription(s *genaSubscription) bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return false
	}
	cp.subs[s.token] = s
	return true
}

func (cp *ControlPoint) dropSubscription(token string) {
	cp.mu.Lock()
	delete(cp.subs, token)
	cp.mu.Unlock()
}

func (cp *ControlPoint) lookupSubscription(token string) *genaSubscription {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.subs[token]
}

// Shutdown ends every subscription, stops searching and closes the
// listeners. It is safe to call more than once.
func (cp *ControlPoint) Shutdown() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	subs := make([]*genaSubscription, 0, len(cp.subs))
	for _, s := range cp.subs {
		subs = append(subs, s)
	}
	cp.mu.Unlock()

	cp.sched.Cancel(searchJob)
	if cp.cancel != nil {
		cp.cancel()
	}
	for _, s := range subs {
		s.End()
	}

	var errs error
	if cp.ssdpConn != nil {
		errs = multierr.Append(errs, cp.ssdpConn.Close())
	}
	if cp.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cp.opts.ActionTimeout)
		errs = multierr.Append(errs, cp.server.Shutdown(ctx))
		cancel()
	}
	close(cp.done)
	cp.wg.Wait()
	cp.logger.Info("control point stopped", zap.Int("subscriptions_ended", len(subs)))
	return errs
}
