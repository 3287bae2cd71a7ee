// Package upnptest provides an in-memory control point and gateway builders
// for engine tests.
package upnptest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"igdnat/internal/upnp"
)

// NewGateway builds an IGD tree: InternetGatewayDevice -> WANDevice (with
// WANCommonInterfaceConfig) -> WANConnectionDevice (with a service of type
// connType). An empty connType leaves the connection device without one.
func NewGateway(udn, localIP, connType string) *upnp.Device {
	root := &upnp.Device{
		UDN:          udn,
		DeviceType:   "urn:schemas-upnp-org:device:InternetGatewayDevice:1",
		FriendlyName: "Gateway " + udn,
		LocalAddr:    net.ParseIP(localIP),
	}
	wan := &upnp.Device{UDN: udn + "-wan", DeviceType: "urn:schemas-upnp-org:device:WANDevice:1"}
	root.AddDevice(wan)
	wan.AddService(&upnp.Service{
		Type:        "urn:schemas-upnp-org:service:WANCommonInterfaceConfig:1",
		ID:          "urn:upnp-org:serviceId:WANCommonIFC1",
		EventSubURL: "http://" + localIP + "/evt/cic",
	})
	wcd := &upnp.Device{UDN: udn + "-wcd", DeviceType: "urn:schemas-upnp-org:device:WANConnectionDevice:1"}
	wan.AddDevice(wcd)
	if connType != "" {
		wcd.AddService(&upnp.Service{
			Type:        "urn:schemas-upnp-org:service:" + connType + ":1",
			ID:          "urn:upnp-org:serviceId:" + connType + "1",
			EventSubURL: "http://" + localIP + "/evt/conn",
		})
	}
	return root
}

// ConnectionService returns the gateway's WANIPConnection or WANPPPConnection.
func ConnectionService(d *upnp.Device) *upnp.Service {
	for _, svc := range d.AllServices() {
		if n := svc.TypeName(); n == upnp.TypeWANIPConnection || n == upnp.TypeWANPPPConnection {
			return svc
		}
	}
	return nil
}

// CommonService returns the gateway's WANCommonInterfaceConfig.
func CommonService(d *upnp.Device) *upnp.Service {
	for _, svc := range d.AllServices() {
		if svc.TypeName() == upnp.TypeWANCommonInterfaceConfig {
			return svc
		}
	}
	return nil
}

// Fault builds the error a router returns for a rejected action.
func Fault(action string, code int, desc string) *upnp.ActionError {
	return &upnp.ActionError{Action: action, Code: code, Description: desc, Err: fmt.Errorf("SOAP fault %d", code)}
}

func mappingKey(protocol string, port uint16) string { return fmt.Sprintf("%s/%d", protocol, port) }

// Client is a scriptable upnp.Client. Results are keyed by service key.
type Client struct {
	mu sync.Mutex

	listeners []upnp.RegistryListener

	externalIP    map[string]string
	externalIPErr map[string]error
	mappings      map[string]map[string]upnp.PortMapping
	addErr        map[string]error
	linkRates     map[string]upnp.LinkRates
	linkErr       map[string]error
	commonRates   map[string]upnp.LinkRates
	commonErr     map[string]error

	calls   map[string]int
	added   []upnp.PortMapping
	deleted []upnp.PortMapping
	subs    []*Subscription

	// Block, when set, is received from before every action returns.
	Block chan struct{}
	// EndBlock, when set, is received from inside Subscription.End, like a
	// slow UNSUBSCRIBE.
	EndBlock chan struct{}

	shutdown bool
}

var _ upnp.Client = (*Client)(nil)

// NewClient returns an empty fake control point.
func NewClient() *Client {
	return &Client{
		externalIP:    map[string]string{},
		externalIPErr: map[string]error{},
		mappings:      map[string]map[string]upnp.PortMapping{},
		addErr:        map[string]error{},
		linkRates:     map[string]upnp.LinkRates{},
		linkErr:       map[string]error{},
		commonRates:   map[string]upnp.LinkRates{},
		commonErr:     map[string]error{},
		calls:         map[string]int{},
	}
}

func (c *Client) SetExternalIP(svc *upnp.Service, ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.externalIP[svc.Key()] = ip
	delete(c.externalIPErr, svc.Key())
}

func (c *Client) SetExternalIPError(svc *upnp.Service, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.externalIPErr[svc.Key()] = err
}

// SetMapping installs m as if it already existed on the router.
func (c *Client) SetMapping(svc *upnp.Service, m upnp.PortMapping) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setMappingLocked(svc.Key(), m)
}

func (c *Client) setMappingLocked(key string, m upnp.PortMapping) {
	if c.mappings[key] == nil {
		c.mappings[key] = map[string]upnp.PortMapping{}
	}
	c.mappings[key][mappingKey(m.Protocol, m.ExternalPort)] = m
}

// ClearMappings forgets every mapping of svc, as a router reboot would.
func (c *Client) ClearMappings(svc *upnp.Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mappings, svc.Key())
}

// SetAddError makes AddPortMapping on svc fail with err (nil clears it).
func (c *Client) SetAddError(svc *upnp.Service, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.addErr, svc.Key())
		return
	}
	c.addErr[svc.Key()] = err
}

func (c *Client) SetLinkRates(svc *upnp.Service, r upnp.LinkRates, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.linkRates[svc.Key()] = r
	c.linkErr[svc.Key()] = err
}

func (c *Client) SetCommonRates(svc *upnp.Service, r upnp.LinkRates, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commonRates[svc.Key()] = r
	c.commonErr[svc.Key()] = err
}

// Calls returns how often action was invoked.
func (c *Client) Calls(action string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[action]
}

// Added returns every mapping AddPortMapping accepted, in order.
func (c *Client) Added() []upnp.PortMapping {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]upnp.PortMapping(nil), c.added...)
}

// Deleted returns every mapping DeletePortMapping removed, in order.
func (c *Client) Deleted() []upnp.PortMapping {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]upnp.PortMapping(nil), c.deleted...)
}

func (c *Client) record(action string) {
	c.mu.Lock()
	c.calls[action]++
	block := c.Block
	c.mu.Unlock()
	if block != nil {
		<-block
	}
}

func (c *Client) GetExternalIPAddress(ctx context.Context, svc *upnp.Service) (string, error) {
	c.record("GetExternalIPAddress")
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.externalIPErr[svc.Key()]; err != nil {
		return "", err
	}
	ip, ok := c.externalIP[svc.Key()]
	if !ok {
		return "", Fault("GetExternalIPAddress", 501, "ActionFailed")
	}
	return ip, nil
}

func (c *Client) GetSpecificPortMappingEntry(ctx context.Context, svc *upnp.Service, protocol string, externalPort uint16) (upnp.PortMapping, error) {
	c.record("GetSpecificPortMappingEntry")
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.mappings[svc.Key()][mappingKey(protocol, externalPort)]
	if !ok {
		return upnp.PortMapping{}, Fault("GetSpecificPortMappingEntry", 714, "NoSuchEntryInArray")
	}
	return m, nil
}

func (c *Client) AddPortMapping(ctx context.Context, svc *upnp.Service, m upnp.PortMapping) error {
	c.record("AddPortMapping")
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.addErr[svc.Key()]; err != nil {
		return err
	}
	c.setMappingLocked(svc.Key(), m)
	c.added = append(c.added, m)
	return nil
}

func (c *Client) DeletePortMapping(ctx context.Context, svc *upnp.Service, m upnp.PortMapping) error {
	c.record("DeletePortMapping")
	c.mu.Lock()
	defer c.mu.Unlock()
	k := mappingKey(m.Protocol, m.ExternalPort)
	if _, ok := c.mappings[svc.Key()][k]; !ok {
		return Fault("DeletePortMapping", 714, "NoSuchEntryInArray")
	}
	delete(c.mappings[svc.Key()], k)
	c.deleted = append(c.deleted, m)
	return nil
}

func (c *Client) GetLinkLayerMaxBitRates(ctx context.Context, svc *upnp.Service) (upnp.LinkRates, error) {
	c.record("GetLinkLayerMaxBitRates")
	if svc.TypeName() != upnp.TypeWANPPPConnection {
		return upnp.LinkRates{}, upnp.ErrUnsupportedService
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.linkRates[svc.Key()]
	if !ok {
		return upnp.LinkRates{}, Fault("GetLinkLayerMaxBitRates", 401, "InvalidAction")
	}
	return r, c.linkErr[svc.Key()]
}

func (c *Client) GetCommonLinkProperties(ctx context.Context, svc *upnp.Service) (upnp.LinkRates, error) {
	c.record("GetCommonLinkProperties")
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.commonRates[svc.Key()]
	if !ok {
		return upnp.LinkRates{}, Fault("GetCommonLinkProperties", 401, "InvalidAction")
	}
	return r, c.commonErr[svc.Key()]
}

// Subscribe records a pending subscription. Nothing happens until the test
// drives it.
func (c *Client) Subscribe(svc *upnp.Service, duration time.Duration, cb upnp.SubscriptionCallback) upnp.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Subscription{client: c, svc: svc, cb: cb, duration: duration, id: fmt.Sprintf("uuid:sub-%d", len(c.subs)+1)}
	c.subs = append(c.subs, s)
	return s
}

// Subscriptions returns every subscription ever created for svc.
func (c *Client) Subscriptions(svc *upnp.Service) []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Subscription
	for _, s := range c.subs {
		if s.svc.Key() == svc.Key() {
			out = append(out, s)
		}
	}
	return out
}

// Live returns the subscriptions for svc that have not been ended.
func (c *Client) Live(svc *upnp.Service) []*Subscription {
	var out []*Subscription
	for _, s := range c.Subscriptions(svc) {
		if !s.IsEnded() {
			out = append(out, s)
		}
	}
	return out
}

// Latest returns the newest subscription for svc, nil if none.
func (c *Client) Latest(svc *upnp.Service) *Subscription {
	subs := c.Subscriptions(svc)
	if len(subs) == 0 {
		return nil
	}
	return subs[len(subs)-1]
}

func (c *Client) AddListener(l upnp.RegistryListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// AddDevice announces d to the listeners, on the calling goroutine.
func (c *Client) AddDevice(d *upnp.Device) {
	for _, l := range c.snapshotListeners() {
		l.DeviceAdded(d)
	}
}

// RemoveDevice ends the live subscriptions held on d with DeviceRemoved
// and then announces its departure.
func (c *Client) RemoveDevice(d *upnp.Device) {
	c.mu.Lock()
	subs := append([]*Subscription(nil), c.subs...)
	c.mu.Unlock()
	for _, s := range subs {
		if s.svc.Device().Root().UDN == d.UDN && s.markEnded() {
			s.cb.Ended(s, upnp.DeviceRemoved, nil)
		}
	}
	for _, l := range c.snapshotListeners() {
		l.DeviceRemoved(d)
	}
}

func (c *Client) snapshotListeners() []upnp.RegistryListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]upnp.RegistryListener(nil), c.listeners...)
}

func (c *Client) Search(ctx context.Context) error {
	c.record("Search")
	return nil
}

func (c *Client) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = true
	return nil
}

// IsShutdown reports whether Shutdown was called.
func (c *Client) IsShutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

// Subscription is a fake GENA subscription driven by the test. Every
// trigger invokes the callback synchronously and is a no-op once ended.
type Subscription struct {
	client   *Client
	svc      *upnp.Service
	cb       upnp.SubscriptionCallback
	duration time.Duration
	id       string

	mu    sync.Mutex
	ended bool
}

func (s *Subscription) ID() string             { return s.id }
func (s *Subscription) Service() *upnp.Service { return s.svc }

// Duration is the requested subscription duration.
func (s *Subscription) Duration() time.Duration { return s.duration }

// End reports Ended(Unsubscribed) on the first call. It waits on the
// client's EndBlock first when one is set.
func (s *Subscription) End() {
	if !s.markEnded() {
		return
	}
	s.client.mu.Lock()
	block := s.client.EndBlock
	s.client.mu.Unlock()
	if block != nil {
		<-block
	}
	s.cb.Ended(s, upnp.Unsubscribed, nil)
}

func (s *Subscription) markEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.ended = true
	return true
}

func (s *Subscription) IsEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Subscription) Establish() {
	if !s.IsEnded() {
		s.cb.Established(s)
	}
}

func (s *Subscription) Renew() {
	if !s.IsEnded() {
		s.cb.Renewed(s)
	}
}

func (s *Subscription) Fail(err error) {
	if !s.IsEnded() {
		s.cb.Failed(s, err)
	}
}

// FailRenewal reports an Ended(RenewalFailed) like a router that stopped
// answering renewals.
func (s *Subscription) FailRenewal() {
	if !s.IsEnded() {
		s.cb.Ended(s, upnp.RenewalFailed, fmt.Errorf("renewal timed out"))
	}
}

func (s *Subscription) Event(values map[string]string) {
	if !s.IsEnded() {
		s.cb.EventReceived(s, values)
	}
}

func (s *Subscription) MissEvents(n int) {
	if !s.IsEnded() {
		s.cb.EventsMissed(s, n)
	}
}
