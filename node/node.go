// Package node assembles the identifier, storage, routing, and transport
// packages into a running Kademlia participant: it answers RPCs from peers,
// performs iterative lookups on their behalf, and maintains its own routing
// table by evicting least-recently-seen contacts per the protocol's bucket
// maintenance rule.
package node

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/kadcore/kademlia/identifier"
	"github.com/kadcore/kademlia/routing"
	"github.com/kadcore/kademlia/store"
	"github.com/kadcore/kademlia/transport"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// ErrTimeout is returned by an RPC when no response arrives within the
// configured request timeout.
var ErrTimeout = errors.New("node: request timed out")

// TimeProvider abstracts time.Now for deterministic tests.
type TimeProvider interface {
	Now() time.Time
}

type realTime struct{}

func (realTime) Now() time.Time { return time.Now() }

// Node is a single participant in the network: it owns a routing table, a
// local value store, and a transport, and answers PING/STORE/FIND_NODE/
// FIND_VALUE RPCs from other nodes while performing the same RPCs against
// them on behalf of Insert and Get.
type Node struct {
	self     identifier.Identifier
	selfAddr string

	table     *routing.Table
	store     *store.Store
	transport transport.Transport
	config    *Config
	tp        TimeProvider

	mu      sync.Mutex
	pending map[identifier.Identifier]chan *transport.Response

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	registry         metrics.Registry
	requestsSent     metrics.Counter
	requestsTimedOut metrics.Counter
	lookupsStarted   metrics.Counter
}

// New binds a UDP socket on listenAddr and starts a Node with a freshly
// generated random identifier. Pass nil for config to use DefaultConfig.
func New(listenAddr string, config *Config) (*Node, error) {
	tr, err := transport.NewUDPTransport(listenAddr)
	if err != nil {
		return nil, err
	}
	return newNode(identifier.Random(), tr, config), nil
}

// NewWithIdentifier is like New but pins the node's identifier instead of
// generating a random one, for tests and reproducible deployments.
func NewWithIdentifier(self identifier.Identifier, listenAddr string, config *Config) (*Node, error) {
	tr, err := transport.NewUDPTransport(listenAddr)
	if err != nil {
		return nil, err
	}
	return newNode(self, tr, config), nil
}

func newNode(self identifier.Identifier, tr transport.Transport, config *Config) *Node {
	cfg := config.orDefault()
	registry := metrics.NewRegistry()

	n := &Node{
		self:      self,
		selfAddr:  tr.LocalAddr().String(),
		table:     routing.New(self),
		store:     store.New(cfg.StoreExpiration),
		transport: tr,
		config:    cfg,
		tp:        realTime{},
		pending:   make(map[identifier.Identifier]chan *transport.Response),
		registry:  registry,
	}
	n.requestsSent = metrics.NewRegisteredCounter("kademlia.requests.sent", registry)
	n.requestsTimedOut = metrics.NewRegisteredCounter("kademlia.requests.timedout", registry)
	n.lookupsStarted = metrics.NewRegisteredCounter("kademlia.lookups.started", registry)

	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.wg.Add(2)
	go n.messageLoop()
	go n.refreshLoop()

	logrus.WithFields(logrus.Fields{
		"function": "newNode",
		"id":       n.self.String(),
		"address":  n.selfAddr,
	}).Info("node started")

	return n
}

// ID returns the node's own identifier.
func (n *Node) ID() identifier.Identifier { return n.self }

// Address returns the address the node is listening on.
func (n *Node) Address() string { return n.selfAddr }

// Metrics exposes the node's operational counters (requests sent, timed
// out, lookups started) for callers that want to export them.
func (n *Node) Metrics() metrics.Registry { return n.registry }

// SetTimeProvider overrides the clock used for contact freshness, for
// deterministic tests. Passing nil restores the real clock.
func (n *Node) SetTimeProvider(tp TimeProvider) {
	if tp == nil {
		tp = realTime{}
	}
	n.tp = tp
}

// Bootstrap seeds the routing table with known contacts and performs a
// lookup for the node's own identifier, which populates the routing table
// with whatever the network knows about nodes near self. Seeding goes
// straight to the table rather than through updateRoutingTable: the
// self-lookup that follows needs these contacts in place immediately, and
// a brand new table has plenty of room, so the evict-and-ping dance has
// nothing to do yet.
func (n *Node) Bootstrap(contacts []transport.NodeData) {
	for _, c := range contacts {
		if c.ID == n.self || c.Addr == "" {
			continue
		}
		_ = n.table.Update(routing.Contact{ID: c.ID, Addr: c.Addr, LastSeen: n.tp.Now()})
	}
	n.lookup(n.self, false)
}

// Insert performs an iterative FIND_NODE lookup for key and issues STORE to
// the closest contacts discovered, in addition to keeping a local copy.
// A contact that does not answer within the request timeout is skipped; the
// first other STORE error is returned.
func (n *Node) Insert(key identifier.Identifier, value string) error {
	n.store.Insert(key, value)

	contacts, _, _ := n.lookup(key, false)
	var firstErr error
	for _, c := range contacts {
		if err := n.rpcStore(c, key, value); err != nil && !errors.Is(err, ErrTimeout) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Get returns the value stored under key, checking the local store first
// and falling back to an iterative FIND_VALUE lookup.
func (n *Node) Get(key identifier.Identifier) (string, bool) {
	if v, ok := n.store.Get(key); ok {
		return v, true
	}
	_, value, found := n.lookup(key, true)
	return value, found
}

// Kill stops the node's background goroutines and closes its transport.
func (n *Node) Kill() error {
	n.cancel()
	err := n.transport.Close()
	n.wg.Wait()
	return err
}

func (n *Node) messageLoop() {
	defer n.wg.Done()
	inbound := n.transport.Inbound()
	for {
		select {
		case <-n.ctx.Done():
			return
		case in, ok := <-inbound:
			if !ok {
				return
			}
			n.handleInbound(in)
		}
	}
}

func (n *Node) handleInbound(in transport.Inbound) {
	switch in.Message.Kind {
	case transport.KindRequest:
		n.handleRequest(in.Message.Request, in.Addr)
	case transport.KindResponse:
		n.handleResponse(in.Message.Response)
	case transport.KindKill:
		// Kill is a local-only signal; ignore it if it somehow arrives
		// over the wire rather than treating it as node shutdown.
	}
}

func (n *Node) handleRequest(req *transport.Request, addr net.Addr) {
	n.updateRoutingTable(routing.Contact{ID: req.Sender.ID, Addr: req.Sender.Addr, LastSeen: n.tp.Now()})

	payload := n.buildResponsePayload(req.Payload)
	resp := &transport.Response{
		RequestID: req.ID,
		Receiver:  transport.NodeData{ID: n.self, Addr: n.selfAddr},
		Payload:   payload,
	}

	if err := n.transport.Send(&transport.Message{Kind: transport.KindResponse, Response: resp}, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleRequest",
			"address":  addr.String(),
			"error":    err.Error(),
		}).Debug("failed to send response")
	}
}

func (n *Node) buildResponsePayload(req transport.RequestPayload) transport.ResponsePayload {
	switch req.Kind {
	case transport.RequestPing:
		return transport.ResponsePayload{Kind: transport.ResponsePong}
	case transport.RequestStore:
		n.store.Insert(req.Key, req.Value)
		return transport.ResponsePayload{Kind: transport.ResponsePong}
	case transport.RequestFindNode:
		return transport.ResponsePayload{Kind: transport.ResponseNodes, Nodes: n.closestNodeData(req.Key)}
	case transport.RequestFindValue:
		if v, ok := n.store.Get(req.Key); ok {
			return transport.ResponsePayload{Kind: transport.ResponseValue, Value: v}
		}
		return transport.ResponsePayload{Kind: transport.ResponseNodes, Nodes: n.closestNodeData(req.Key)}
	default:
		return transport.ResponsePayload{Kind: transport.ResponsePong}
	}
}

func (n *Node) closestNodeData(target identifier.Identifier) []transport.NodeData {
	contacts := n.table.ClosestContacts(target, n.config.Replication)
	out := make([]transport.NodeData, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, transport.NodeData{ID: c.ID, Addr: c.Addr})
	}
	return out
}

func (n *Node) handleResponse(resp *transport.Response) {
	n.mu.Lock()
	ch, ok := n.pending[resp.RequestID]
	n.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
	if resp.Receiver.ID != n.self {
		n.updateRoutingTable(routing.Contact{ID: resp.Receiver.ID, Addr: resp.Receiver.Addr, LastSeen: n.tp.Now()})
	}
}

// updateRoutingTable refreshes or inserts a contact, asynchronously so a
// caller on the message loop is never blocked by it. When the contact's
// bucket is full and cannot split, updateRoutingTableSync below evicts its
// least-recently-seen contact and pings it, and the ping must complete
// before the new contact is inserted; running it on its own goroutine is
// what keeps that synchronous wait off the message loop.
func (n *Node) updateRoutingTable(c routing.Contact) {
	go n.updateRoutingTableSync(c)
}

// updateRoutingTableSync does the actual refresh-or-insert work described
// above. When the bucket is full and cannot split, the least-recently-seen
// contact is evicted - under a single atomic pop, so a concurrent update on
// the same bucket can never race with this eviction - and pinged
// synchronously before the new contact is inserted. Deliberately deviating
// from the original Kademlia eviction rule, the ping's outcome is not acted
// on: the evicted contact is gone and the new one is inserted either way.
func (n *Node) updateRoutingTableSync(c routing.Contact) {
	if c.ID == n.self || c.Addr == "" {
		return
	}

	err := n.table.Update(c)
	if err == nil {
		return
	}

	var full *routing.FullBucketError
	if !errors.As(err, &full) {
		return
	}

	if lrs, ok := n.table.PopLeastRecentlySeen(full.BucketIndex); ok {
		_ = n.rpcPing(lrs)
	}
	_ = n.table.Update(c)
}

func resolveAddr(addr string) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", addr)
}
