package bandwidth

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"igdnat/internal/igd"
	"igdnat/internal/upnp"
	"igdnat/internal/upnp/upnptest"
)

type gateway struct {
	conn   *upnp.Service
	common *upnp.Service
}

type fixture struct {
	client  *upnptest.Client
	conns   *igd.ServiceSet
	commons *igd.ServiceSet
	ips     *igd.DetectedIPMap
	agg     *Aggregator
}

func newFixture() *fixture {
	f := &fixture{
		client:  upnptest.NewClient(),
		conns:   igd.NewServiceSet(),
		commons: igd.NewServiceSet(),
		ips:     igd.NewDetectedIPMap(),
	}
	f.agg = NewAggregator(f.client, f.conns, f.commons, f.ips, nil, zap.NewNop())
	return f
}

// add registers a gateway; a non-empty external address marks it as not
// double-NATted.
func (f *fixture) add(udn, connType, external string) gateway {
	d := upnptest.NewGateway(udn, "192.168.1.1", connType)
	gw := gateway{conn: upnptest.ConnectionService(d), common: upnptest.CommonService(d)}
	f.conns.Add(gw.conn)
	f.commons.Add(gw.common)
	if external != "" {
		f.ips.Set(udn, igd.DetectedIP{IP: net.ParseIP(external)})
	}
	return gw
}

func TestRates_SumsPPPServices(t *testing.T) {
	f := newFixture()
	a := f.add("uuid:a", upnp.TypeWANPPPConnection, "203.0.113.1")
	b := f.add("uuid:b", upnp.TypeWANPPPConnection, "203.0.113.2")
	f.client.SetLinkRates(a.conn, upnp.LinkRates{Upstream: 1_000_000, Downstream: 8_000_000}, nil)
	f.client.SetLinkRates(b.conn, upnp.LinkRates{Upstream: 4_000_000_000, Downstream: 4_000_000_000}, nil)

	r, ok := f.agg.Rates(context.Background())
	assert.True(t, ok)
	assert.Equal(t, Rates{Up: 4_001_000_000, Down: 4_008_000_000}, r, "sums do not overflow 32 bits")
	assert.Zero(t, f.client.Calls("GetCommonLinkProperties"))
}

func TestRates_DoubleNATExcluded(t *testing.T) {
	f := newFixture()
	a := f.add("uuid:a", upnp.TypeWANPPPConnection, "203.0.113.1")
	nat := f.add("uuid:nat", upnp.TypeWANPPPConnection, "")
	f.client.SetLinkRates(a.conn, upnp.LinkRates{Upstream: 10, Downstream: 20}, nil)
	f.client.SetLinkRates(nat.conn, upnp.LinkRates{Upstream: 1000, Downstream: 2000}, nil)
	f.client.SetCommonRates(nat.common, upnp.LinkRates{Upstream: 1000, Downstream: 2000}, nil)

	r, ok := f.agg.Rates(context.Background())
	assert.True(t, ok)
	assert.Equal(t, Rates{Up: 10, Down: 20}, r)
	assert.Equal(t, 1, f.client.Calls("GetLinkLayerMaxBitRates"))
}

func TestRates_FallbackToCommonInterface(t *testing.T) {
	f := newFixture()
	ip := f.add("uuid:a", upnp.TypeWANIPConnection, "203.0.113.1")
	nat := f.add("uuid:nat", upnp.TypeWANIPConnection, "")
	f.client.SetCommonRates(ip.common, upnp.LinkRates{Upstream: 5, Downstream: 50}, nil)
	f.client.SetCommonRates(nat.common, upnp.LinkRates{Upstream: 1000, Downstream: 2000}, nil)

	r, ok := f.agg.Rates(context.Background())
	assert.True(t, ok)
	assert.Equal(t, Rates{Up: 5, Down: 50}, r)
	assert.Zero(t, f.client.Calls("GetLinkLayerMaxBitRates"), "WANIPConnection has no link-layer rates")
}

func TestRates_PPPFailureFallsBack(t *testing.T) {
	f := newFixture()
	a := f.add("uuid:a", upnp.TypeWANPPPConnection, "203.0.113.1")
	f.client.SetCommonRates(a.common, upnp.LinkRates{Upstream: 7, Downstream: 70}, nil)

	r, ok := f.agg.Rates(context.Background())
	assert.True(t, ok)
	assert.Equal(t, Rates{Up: 7, Down: 70}, r)
	assert.Equal(t, 1, f.client.Calls("GetLinkLayerMaxBitRates"))
}

func TestRates_ZeroIsNotUnavailable(t *testing.T) {
	f := newFixture()
	a := f.add("uuid:a", upnp.TypeWANPPPConnection, "203.0.113.1")
	f.client.SetLinkRates(a.conn, upnp.LinkRates{}, nil)

	r, ok := f.agg.Rates(context.Background())
	assert.True(t, ok)
	assert.Equal(t, Rates{}, r)
}

func TestRates_Unavailable(t *testing.T) {
	t.Run("no gateway", func(t *testing.T) {
		f := newFixture()
		_, ok := f.agg.Rates(context.Background())
		assert.False(t, ok)
	})
	t.Run("only double NAT", func(t *testing.T) {
		f := newFixture()
		nat := f.add("uuid:nat", upnp.TypeWANPPPConnection, "")
		f.client.SetLinkRates(nat.conn, upnp.LinkRates{Upstream: 1, Downstream: 1}, nil)
		_, ok := f.agg.Rates(context.Background())
		assert.False(t, ok)
		assert.Zero(t, f.client.Calls("GetLinkLayerMaxBitRates"))
		assert.Zero(t, f.client.Calls("GetCommonLinkProperties"))
	})
	t.Run("all queries fail", func(t *testing.T) {
		f := newFixture()
		f.add("uuid:a", upnp.TypeWANPPPConnection, "203.0.113.1")
		_, ok := f.agg.Rates(context.Background())
		assert.False(t, ok)
	})
}
