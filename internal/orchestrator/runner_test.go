package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"igdnat/internal/igd"
	"igdnat/internal/status"
	"igdnat/internal/subscription"
	"igdnat/internal/upnp"
	"igdnat/internal/upnp/upnptest"
)

func TestRunner(t *testing.T) {
	f := newFixture(t).booted()
	d := upnptest.NewGateway("uuid:igd", "192.168.1.10", upnp.TypeWANIPConnection)
	svc := upnptest.ConnectionService(d)
	f.client.AddDevice(d)
	f.client.SetCommonRates(upnptest.CommonService(d), upnp.LinkRates{Upstream: 1000, Downstream: 8000}, nil)

	sub := f.client.Latest(svc)
	sub.Establish()
	sub.Event(map[string]string{subscription.ExternalIPVariable: "203.0.113.5"})

	sm, err := status.NewManager("", "", zap.NewNop())
	require.NoError(t, err)
	r := NewRunner(f.orch, sm, nil, []igd.ForwardPort{node}, f.mock, time.Minute, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		s := r.Status()
		return len(s.Ports) == 1 && len(s.Addresses) == 1 && s.Bandwidth != nil
	}, 2*time.Second, 5*time.Millisecond)

	s := r.Status()
	assert.Equal(t, status.PortState{Port: 51234, Protocol: "udp", Name: "node", Status: "maybe_success", ExternalPort: 51234}, s.Ports[0])
	assert.Equal(t, []string{"203.0.113.5"}, s.Addresses)
	assert.Equal(t, &status.BandwidthState{Up: 1000, Down: 8000}, s.Bandwidth)

	sub.Event(map[string]string{subscription.ExternalIPVariable: "203.0.113.77"})
	require.Eventually(t, func() bool {
		f.mock.Add(time.Minute)
		a := r.Status().Addresses
		return len(a) == 1 && a[0] == "203.0.113.77"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunner_SetPorts(t *testing.T) {
	f := newFixture(t).booted()
	d := upnptest.NewGateway("uuid:igd", "192.168.1.10", upnp.TypeWANIPConnection)
	f.client.AddDevice(d)

	sm, err := status.NewManager("", "", zap.NewNop())
	require.NoError(t, err)
	r := NewRunner(f.orch, sm, nil, nil, f.mock, time.Minute, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	web := igd.ForwardPort{Name: "web", Protocol: igd.TCP, Port: 8080}
	r.SetPorts(ctx, []igd.ForwardPort{web})
	assert.Equal(t, []igd.ForwardPort{web}, r.Ports())
	assert.Equal(t, []igd.ForwardPort{web}, f.orch.DesiredPorts())

	require.Eventually(t, func() bool {
		ports := r.Status().Ports
		return len(ports) == 1 && ports[0].Port == 8080 && ports[0].Protocol == "tcp"
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, f.client.Added(), 1)
	assert.Equal(t, uint16(8080), f.client.Added()[0].ExternalPort)
}
