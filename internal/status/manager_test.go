package status

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readStatus(t *testing.T, path string) Snapshot {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var s Snapshot
	require.NoError(t, json.Unmarshal(data, &s))
	return s
}

func TestHandleEvent_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	m, err := NewManager(path, "", zap.NewNop())
	require.NoError(t, err)

	m.handleEvent(UpdateEvent{Kind: KindAddress, Addresses: []string{"203.0.113.5"}})
	m.handleEvent(UpdateEvent{Kind: KindPort, Port: 51234, Protocol: "UDP", Name: "node", Status: "maybe_success", ExternalPort: 51234})
	m.handleEvent(UpdateEvent{Kind: KindPort, Port: 8080, Protocol: "TCP", Status: "definite_failure", ExternalPort: 8080, Reason: "ConflictInMappingEntry"})
	m.handleEvent(UpdateEvent{Kind: KindBandwidth, Up: 1000, Down: 8000})
	m.handleEvent(UpdateEvent{Kind: KindSTUN, Address: "203.0.113.5:40000"})

	s := readStatus(t, path)
	assert.Equal(t, []string{"203.0.113.5"}, s.Addresses)
	require.Len(t, s.Ports, 2)
	assert.Equal(t, PortState{Port: 8080, Protocol: "tcp", Status: "definite_failure", ExternalPort: 8080, Reason: "ConflictInMappingEntry"}, s.Ports[0])
	assert.Equal(t, "node", s.Ports[1].Name)
	assert.Equal(t, &BandwidthState{Up: 1000, Down: 8000}, s.Bandwidth)
	assert.Equal(t, "203.0.113.5:40000", s.STUN)
	assert.Equal(t, s.Ports, m.Snapshot().Ports)
}

func TestHandleEvent_Dedupes(t *testing.T) {
	m, err := NewManager("", "", zap.NewNop())
	require.NoError(t, err)

	m.handleEvent(UpdateEvent{Kind: KindAddress, Addresses: []string{"203.0.113.5"}})
	first := m.Snapshot().UpdatedAt
	require.False(t, first.IsZero())

	time.Sleep(5 * time.Millisecond)
	m.handleEvent(UpdateEvent{Kind: KindAddress, Addresses: []string{"203.0.113.5"}})
	assert.Equal(t, first, m.Snapshot().UpdatedAt, "unchanged value is skipped")

	m.handleEvent(UpdateEvent{Kind: KindAddress, Addresses: nil})
	assert.Empty(t, m.Snapshot().Addresses)
	assert.NotEqual(t, first, m.Snapshot().UpdatedAt)
}

func TestHandleEvent_UnknownKind(t *testing.T) {
	m, err := NewManager("", "", zap.NewNop())
	require.NoError(t, err)
	m.handleEvent(UpdateEvent{Kind: "bogus"})
	assert.True(t, m.Snapshot().UpdatedAt.IsZero())
}

func TestExpandHook(t *testing.T) {
	m := &StatusManager{hookCmd: "notify {kind} {address} {port}/{protocol} {status} {external_port}"}
	got := m.expandHook(UpdateEvent{Kind: KindPort, Port: 51234, Protocol: "UDP", Status: "maybe_success", ExternalPort: 51234})
	assert.Equal(t, "notify port  51234/udp maybe_success 51234", got)

	got = m.expandHook(UpdateEvent{Kind: KindAddress, Addresses: []string{"203.0.113.5", "198.51.100.1"}})
	assert.Equal(t, "notify address 203.0.113.5,198.51.100.1 0/  0", got)
}

func TestRun_ExecutesHook(t *testing.T) {
	out := filepath.Join(t.TempDir(), "hook.out")
	m, err := NewManager("", "echo {kind} {address} >> "+out, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	m.Submit(ctx, UpdateEvent{Kind: KindAddress, Addresses: []string{"203.0.113.5"}})
	m.Submit(ctx, UpdateEvent{Kind: KindAddress, Addresses: []string{"203.0.113.5"}})

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && strings.TrimSpace(string(data)) == "address 203.0.113.5"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "address"), "hook runs once per change")
}

func TestNewManager_BadPath(t *testing.T) {
	_, err := NewManager(filepath.Join(t.TempDir(), "missing", "status.json"), "", zap.NewNop())
	assert.Error(t, err)
}
