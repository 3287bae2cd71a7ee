package orchestrator

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"igdnat/internal/igd"
	"igdnat/internal/metrics"
	"igdnat/internal/scheduler"
	"igdnat/internal/subscription"
	"igdnat/internal/upnp"
	"igdnat/internal/upnp/upnptest"
)

type fixture struct {
	client *upnptest.Client
	mock   *clock.Mock
	orch   *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{client: upnptest.NewClient(), mock: clock.NewMock()}
	sched := scheduler.New(f.mock, zap.NewNop())
	t.Cleanup(sched.Stop)
	f.orch = New(f.client, sched, metrics.New(), zap.NewNop(), Options{})
	require.NoError(t, f.orch.Start(context.Background()))
	return f
}

// booted skips the discovery wait.
func (f *fixture) booted() *fixture {
	f.orch.gate.MarkBooted()
	return f
}

type statusRecorder struct {
	mu    sync.Mutex
	calls []map[igd.ForwardPort]igd.ForwardPortStatus
}

func (s *statusRecorder) PortForwardStatus(statuses map[igd.ForwardPort]igd.ForwardPortStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, statuses)
}

var node = igd.ForwardPort{Name: "node", Protocol: igd.UDP, Port: 51234}

func TestDeviceAdded(t *testing.T) {
	f := newFixture(t)
	d := upnptest.NewGateway("uuid:igd", "192.168.1.10", upnp.TypeWANIPConnection)
	svc := upnptest.ConnectionService(d)

	f.client.AddDevice(d)
	f.client.AddDevice(d)

	assert.Equal(t, 1, f.orch.conns.Len(), "a service appears exactly once")
	assert.Equal(t, 1, f.orch.commons.Len())
	require.Len(t, f.client.Subscriptions(svc), 1)
	assert.Equal(t, subscription.Subscribing, f.orch.subs.State(svc))

	f.client.Latest(svc).Establish()
	assert.Equal(t, subscription.Established, f.orch.subs.State(svc))
}

func TestDeviceAdded_NonGatewayIgnored(t *testing.T) {
	f := newFixture(t)
	f.client.AddDevice(&upnp.Device{UDN: "uuid:tv", DeviceType: "urn:schemas-upnp-org:device:MediaRenderer:1"})
	assert.Zero(t, f.orch.conns.Len())
	assert.Zero(t, f.orch.commons.Len())
}

func TestDeviceAdded_CommonOnly(t *testing.T) {
	f := newFixture(t)
	f.client.AddDevice(upnptest.NewGateway("uuid:igd", "192.168.1.10", ""))
	assert.Zero(t, f.orch.conns.Len())
	assert.Equal(t, 1, f.orch.commons.Len())
	assert.False(t, f.orch.gate.Booted())
}

func TestGetAddress_FromEvent(t *testing.T) {
	f := newFixture(t).booted()
	d := upnptest.NewGateway("uuid:igd", "192.168.1.10", upnp.TypeWANIPConnection)
	svc := upnptest.ConnectionService(d)
	f.client.AddDevice(d)
	f.client.SetExternalIP(svc, "198.51.100.9")

	sub := f.client.Latest(svc)
	sub.Establish()
	sub.Event(map[string]string{subscription.ExternalIPVariable: "203.0.113.5"})

	ips := f.orch.GetAddress(context.Background())
	require.Len(t, ips, 1)
	assert.True(t, ips[0].IP.Equal(net.ParseIP("203.0.113.5")))
	assert.Zero(t, f.client.Calls("GetExternalIPAddress"))
}

func TestGetAddress_FallbackQuery(t *testing.T) {
	f := newFixture(t).booted()
	d := upnptest.NewGateway("uuid:igd", "192.168.1.10", upnp.TypeWANIPConnection)
	svc := upnptest.ConnectionService(d)
	f.client.AddDevice(d)
	f.client.SetExternalIP(svc, "198.51.100.9")

	ips := f.orch.GetAddress(context.Background())
	require.Len(t, ips, 1)
	assert.True(t, ips[0].IP.Equal(net.ParseIP("198.51.100.9")))
	assert.Equal(t, 1, f.client.Calls("GetExternalIPAddress"))
}

func TestGetAddress_NoGateway(t *testing.T) {
	f := newFixture(t).booted()
	assert.Nil(t, f.orch.GetAddress(context.Background()))
}

func TestGetAddress_WaitsForBoot(t *testing.T) {
	f := newFixture(t)
	d := upnptest.NewGateway("uuid:igd", "192.168.1.10", upnp.TypeWANIPConnection)
	f.client.SetExternalIP(upnptest.ConnectionService(d), "198.51.100.9")

	result := make(chan []igd.DetectedIP, 1)
	go func() { result <- f.orch.GetAddress(context.Background()) }()

	// The device answers while the first call is waiting.
	f.client.AddDevice(d)
	require.Eventually(t, func() bool {
		f.mock.Add(time.Second)
		return f.orch.gate.Booted()
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case ips := <-result:
		require.Len(t, ips, 1)
	case <-time.After(time.Second):
		t.Fatal("GetAddress did not return after boot")
	}
}

func TestScenario_DeviceRemovedMidSubscription(t *testing.T) {
	f := newFixture(t).booted()
	d := upnptest.NewGateway("uuid:igd", "192.168.1.10", upnp.TypeWANIPConnection)
	svc := upnptest.ConnectionService(d)
	f.client.AddDevice(d)
	sub := f.client.Latest(svc)
	sub.Establish()
	sub.Event(map[string]string{subscription.ExternalIPVariable: "203.0.113.5"})
	require.Len(t, f.orch.GetAddress(context.Background()), 1)

	f.client.RemoveDevice(d)

	assert.True(t, sub.IsEnded())
	assert.Zero(t, f.orch.subs.Len())
	assert.Zero(t, f.orch.conns.Len())
	assert.Zero(t, f.orch.commons.Len())
	assert.Zero(t, f.orch.ips.Len())
	assert.Nil(t, f.orch.GetAddress(context.Background()))

	// A late event from the ended subscription changes nothing.
	f.orch.engine.ObserveExternalIP(svc, "203.0.113.5")
	assert.Zero(t, f.orch.ips.Len())
}

func TestDeviceRemoved_KeepsOtherGateways(t *testing.T) {
	f := newFixture(t).booted()
	a := upnptest.NewGateway("uuid:a", "192.168.1.10", upnp.TypeWANIPConnection)
	b := upnptest.NewGateway("uuid:b", "10.0.0.10", upnp.TypeWANPPPConnection)
	f.client.AddDevice(a)
	f.client.AddDevice(b)
	f.client.Latest(upnptest.ConnectionService(a)).Event(map[string]string{subscription.ExternalIPVariable: "203.0.113.1"})
	f.client.Latest(upnptest.ConnectionService(b)).Event(map[string]string{subscription.ExternalIPVariable: "203.0.113.2"})

	f.client.RemoveDevice(a)

	ips := f.orch.GetAddress(context.Background())
	require.Len(t, ips, 1)
	assert.Equal(t, "203.0.113.2", ips[0].IP.String())
	assert.Len(t, f.client.Live(upnptest.ConnectionService(b)), 1)
}

func TestDeviceRemoved_EndsSubscriptionsOutsideLock(t *testing.T) {
	f := newFixture(t).booted()
	a := upnptest.NewGateway("uuid:a", "192.168.1.10", upnp.TypeWANIPConnection)
	b := upnptest.NewGateway("uuid:b", "10.0.0.10", upnp.TypeWANIPConnection)
	f.client.AddDevice(a)
	sub := f.client.Latest(upnptest.ConnectionService(a))
	sub.Establish()

	unsubscribe := make(chan struct{})
	f.client.EndBlock = unsubscribe
	removed := make(chan struct{})
	go func() {
		f.orch.DeviceRemoved(a)
		close(removed)
	}()
	require.Eventually(t, sub.IsEnded, time.Second, 5*time.Millisecond)

	added := make(chan struct{})
	go func() {
		f.client.AddDevice(b)
		close(added)
	}()
	select {
	case <-added:
	case <-time.After(time.Second):
		t.Fatal("DeviceAdded waited for a pending UNSUBSCRIBE")
	}
	assert.Equal(t, 1, f.orch.conns.Len())
	assert.Len(t, f.client.Live(upnptest.ConnectionService(b)), 1)

	close(unsubscribe)
	select {
	case <-removed:
	case <-time.After(time.Second):
		t.Fatal("DeviceRemoved did not return")
	}
	assert.Equal(t, 1, f.orch.subs.Len())
}

func TestScenario_PortForwarded(t *testing.T) {
	f := newFixture(t).booted()
	d := upnptest.NewGateway("uuid:igd", "192.168.1.10", upnp.TypeWANIPConnection)
	f.client.AddDevice(d)
	cb := &statusRecorder{}

	f.orch.OnChangePublicPorts(context.Background(), []igd.ForwardPort{node}, cb)

	assert.Equal(t, 1, f.client.Calls("GetSpecificPortMappingEntry"))
	require.Len(t, cb.calls, 1)
	assert.Equal(t, igd.ForwardPortStatus{Status: igd.MaybeSuccess, ExternalPort: 51234}, cb.calls[0][node])
	assert.Equal(t, []igd.ForwardPort{node}, f.orch.DesiredPorts())
}

func TestScenario_PortConflict(t *testing.T) {
	f := newFixture(t).booted()
	d := upnptest.NewGateway("uuid:igd", "192.168.1.10", upnp.TypeWANIPConnection)
	f.client.AddDevice(d)
	f.client.SetAddError(upnptest.ConnectionService(d), upnptest.Fault("AddPortMapping", 718, "ConflictInMappingEntry"))
	cb := &statusRecorder{}

	f.orch.OnChangePublicPorts(context.Background(), []igd.ForwardPort{node}, cb)

	require.Len(t, cb.calls, 1)
	assert.Equal(t, igd.ForwardPortStatus{
		Status:       igd.DefiniteFailure,
		Reason:       "ConflictInMappingEntry",
		ExternalPort: 51234,
	}, cb.calls[0][node])
}

func TestNewGatewayTriggersReconcile(t *testing.T) {
	f := newFixture(t).booted()
	cb := &statusRecorder{}
	f.orch.OnChangePublicPorts(context.Background(), []igd.ForwardPort{node}, cb)
	require.Zero(t, f.client.Calls("AddPortMapping"))

	f.client.AddDevice(upnptest.NewGateway("uuid:igd", "192.168.1.10", upnp.TypeWANIPConnection))
	f.mock.Add(time.Second)

	require.Eventually(t, func() bool { return f.client.Calls("AddPortMapping") == 1 }, time.Second, 5*time.Millisecond)
}

func TestOnChangePublicPorts_KeptWhenInterruptedBeforeBoot(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.orch.OnChangePublicPorts(ctx, []igd.ForwardPort{node}, nil)
	assert.Equal(t, []igd.ForwardPort{node}, f.orch.DesiredPorts())
	assert.Zero(t, f.client.Calls("AddPortMapping"))

	f.orch.gate.MarkBooted()
	f.client.AddDevice(upnptest.NewGateway("uuid:igd", "192.168.1.10", upnp.TypeWANIPConnection))
	require.Eventually(t, func() bool {
		f.mock.Add(time.Second)
		return f.client.Calls("AddPortMapping") >= 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint16(51234), f.client.Added()[0].ExternalPort)
}

func TestBandwidth(t *testing.T) {
	f := newFixture(t).booted()
	ppp := upnptest.NewGateway("uuid:ppp", "192.168.1.10", upnp.TypeWANPPPConnection)
	nat := upnptest.NewGateway("uuid:nat", "10.0.0.10", upnp.TypeWANPPPConnection)
	f.client.AddDevice(ppp)
	f.client.AddDevice(nat)
	f.client.SetLinkRates(upnptest.ConnectionService(ppp), upnp.LinkRates{Upstream: 1000, Downstream: 8000}, nil)
	f.client.SetLinkRates(upnptest.ConnectionService(nat), upnp.LinkRates{Upstream: 50, Downstream: 50}, nil)

	_, ok := f.orch.GetUpstreamMaxBitRate(context.Background())
	assert.False(t, ok, "no detected address yet")

	f.client.Latest(upnptest.ConnectionService(ppp)).Event(map[string]string{subscription.ExternalIPVariable: "203.0.113.1"})
	f.client.Latest(upnptest.ConnectionService(nat)).Event(map[string]string{subscription.ExternalIPVariable: "192.168.0.5"})

	up, ok := f.orch.GetUpstreamMaxBitRate(context.Background())
	assert.True(t, ok)
	assert.Equal(t, uint64(1000), up)
	down, ok := f.orch.GetDownstreamMaxBitRate(context.Background())
	assert.True(t, ok)
	assert.Equal(t, uint64(8000), down)
}

func TestRenewalFailureRecovery(t *testing.T) {
	f := newFixture(t).booted()
	d := upnptest.NewGateway("uuid:igd", "192.168.1.10", upnp.TypeWANIPConnection)
	svc := upnptest.ConnectionService(d)
	f.client.AddDevice(d)
	first := f.client.Latest(svc)
	first.Establish()

	for i := 0; i < 5; i++ {
		first.FailRenewal()
	}

	require.Len(t, f.client.Subscriptions(svc), 2)
	assert.Len(t, f.client.Live(svc), 1)
	f.client.Latest(svc).Event(map[string]string{subscription.ExternalIPVariable: "203.0.113.5"})
	assert.Len(t, f.orch.GetAddress(context.Background()), 1)
}

func TestGateways(t *testing.T) {
	f := newFixture(t).booted()
	d := upnptest.NewGateway("uuid:igd", "192.168.1.10", upnp.TypeWANPPPConnection)
	svc := upnptest.ConnectionService(d)
	f.client.AddDevice(d)
	f.client.Latest(svc).Establish()
	f.client.Latest(svc).Event(map[string]string{subscription.ExternalIPVariable: "203.0.113.5"})
	f.orch.OnChangePublicPorts(context.Background(), []igd.ForwardPort{node}, nil)

	gws := f.orch.Gateways()
	require.Len(t, gws, 1)
	assert.Equal(t, "uuid:igd", gws[0].UDN)
	assert.Equal(t, upnp.TypeWANPPPConnection, gws[0].Service)
	assert.Equal(t, "192.168.1.10", gws[0].LocalIP)
	assert.Equal(t, "203.0.113.5", gws[0].ExternalIP)
	assert.Equal(t, "ESTABLISHED", gws[0].Subscription)
	assert.Len(t, gws[0].Mappings, 1)
}

func TestTerminate(t *testing.T) {
	f := newFixture(t).booted()
	d := upnptest.NewGateway("uuid:igd", "192.168.1.10", upnp.TypeWANIPConnection)
	svc := upnptest.ConnectionService(d)
	f.client.AddDevice(d)
	sub := f.client.Latest(svc)
	f.orch.OnChangePublicPorts(context.Background(), []igd.ForwardPort{node}, nil)
	require.True(t, f.orch.sched.Pending("port-mapping"))

	require.NoError(t, f.orch.Terminate())

	assert.False(t, f.orch.sched.Pending("port-mapping"))
	assert.Len(t, f.client.Deleted(), 1, "mappings added by this process are removed")
	assert.True(t, sub.IsEnded())
	assert.True(t, f.client.IsShutdown())

	require.NoError(t, f.orch.Terminate())
	f.client.AddDevice(upnptest.NewGateway("uuid:late", "192.168.1.11", upnp.TypeWANIPConnection))
	assert.Equal(t, 1, f.orch.conns.Len())
	assert.Len(t, f.client.Deleted(), 1)
}

func TestTerminate_ReleasesBlockedCallers(t *testing.T) {
	f := newFixture(t)
	result := make(chan []igd.DetectedIP, 1)
	go func() { result <- f.orch.GetAddress(context.Background()) }()

	require.NoError(t, f.orch.Terminate())
	select {
	case ips := <-result:
		assert.Nil(t, ips)
	case <-time.After(time.Second):
		t.Fatal("GetAddress still blocked after Terminate")
	}
}
