package ipdetect

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// BootGate holds back the first host calls until discovery had a chance to
// find a gateway. The first Wait starts a bounded wait: up to maxWait for a
// connection service to appear, then grace for further devices to register.
// Once booted the gate stays open.
type BootGate struct {
	clock   clock.Clock
	maxWait time.Duration
	grace   time.Duration

	discovered chan struct{}
	booted     chan struct{}

	discoverOnce sync.Once
	bootOnce     sync.Once
	startOnce    sync.Once
}

func NewBootGate(clk clock.Clock, maxWait, grace time.Duration) *BootGate {
	return &BootGate{
		clock:      clk,
		maxWait:    maxWait,
		grace:      grace,
		discovered: make(chan struct{}),
		booted:     make(chan struct{}),
	}
}

// MarkDiscovered records that a connection service is known.
func (g *BootGate) MarkDiscovered() {
	g.discoverOnce.Do(func() { close(g.discovered) })
}

// MarkBooted opens the gate immediately.
func (g *BootGate) MarkBooted() {
	g.bootOnce.Do(func() { close(g.booted) })
}

func (g *BootGate) Booted() bool {
	select {
	case <-g.booted:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate is open or ctx is done.
func (g *BootGate) Wait(ctx context.Context) error {
	if g.Booted() {
		return nil
	}
	g.startOnce.Do(func() {
		deadline := g.clock.Timer(g.maxWait)
		go g.run(deadline)
	})
	select {
	case <-g.booted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *BootGate) run(deadline *clock.Timer) {
	defer deadline.Stop()
	select {
	case <-g.booted:
		return
	case <-deadline.C:
		g.MarkBooted()
		return
	case <-g.discovered:
	}

	grace := g.clock.Timer(g.grace)
	defer grace.Stop()
	select {
	case <-g.booted:
	case <-grace.C:
		g.MarkBooted()
	}
}
