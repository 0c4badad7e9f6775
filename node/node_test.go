package node

import (
	"testing"
	"time"

	"github.com/kadcore/kademlia/identifier"
	"github.com/kadcore/kademlia/routing"
	"github.com/kadcore/kademlia/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func contactOf(n *Node) routing.Contact {
	return routing.Contact{ID: n.ID(), Addr: n.Address(), LastSeen: time.Now()}
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 2 * time.Second
	cfg.RefreshInterval = time.Hour
	return cfg
}

func startNode(t *testing.T) *Node {
	t.Helper()
	n, err := New("127.0.0.1:0", testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Kill() })
	return n
}

func TestBootstrapDiscoversPeer(t *testing.T) {
	a := startNode(t)
	b := startNode(t)

	a.Bootstrap([]transport.NodeData{{ID: b.ID(), Addr: b.Address()}})

	require.Eventually(t, func() bool {
		return a.table.Size() > 0
	}, time.Second, 10*time.Millisecond)
}

func TestInsertAndGetAcrossNodes(t *testing.T) {
	a := startNode(t)
	b := startNode(t)

	a.Bootstrap([]transport.NodeData{{ID: b.ID(), Addr: b.Address()}})
	b.Bootstrap([]transport.NodeData{{ID: a.ID(), Addr: a.Address()}})

	key := identifier.Random()
	require.NoError(t, a.Insert(key, "hello"))

	require.Eventually(t, func() bool {
		value, ok := b.Get(key)
		return ok && value == "hello"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRpcPingSucceeds(t *testing.T) {
	a := startNode(t)
	b := startNode(t)

	err := a.rpcPing(contactOf(b))
	require.NoError(t, err)
}

func TestRpcFindNodeReturnsKnownContacts(t *testing.T) {
	a := startNode(t)
	b := startNode(t)
	c := startNode(t)

	b.Bootstrap([]transport.NodeData{{ID: c.ID(), Addr: c.Address()}})

	nodes, err := a.rpcFindNode(contactOf(b), c.ID())
	require.NoError(t, err)

	found := false
	for _, nd := range nodes {
		if nd.ID == c.ID() {
			found = true
		}
	}
	assert.True(t, found)
}

func TestGetMissingKeyReturnsFalse(t *testing.T) {
	a := startNode(t)
	_, ok := a.Get(identifier.Random())
	assert.False(t, ok)
}

func TestKillStopsMessageLoop(t *testing.T) {
	a, err := New("127.0.0.1:0", testConfig())
	require.NoError(t, err)
	require.NoError(t, a.Kill())
}
