package node

import (
	"time"

	"github.com/kadcore/kademlia/identifier"
	"github.com/kadcore/kademlia/routing"
	"github.com/kadcore/kademlia/transport"
)

// sendRequest sends payload to c and blocks until a matching Response
// arrives, the request times out, or the node is shutting down. On timeout,
// c is removed from the routing table since it failed to answer within the
// configured deadline. The pending entry is removed on every exit path so a
// late or duplicate reply can never be delivered twice.
func (n *Node) sendRequest(c routing.Contact, payload transport.RequestPayload) (*transport.Response, error) {
	addr, err := resolveAddr(c.Addr)
	if err != nil {
		return nil, err
	}

	token := n.newToken()
	ch := make(chan *transport.Response, 1)
	n.mu.Lock()
	n.pending[token] = ch
	n.mu.Unlock()

	removePending := func() {
		n.mu.Lock()
		delete(n.pending, token)
		n.mu.Unlock()
	}

	req := &transport.Request{
		ID:      token,
		Sender:  transport.NodeData{ID: n.self, Addr: n.selfAddr},
		Payload: payload,
	}
	if err := n.transport.Send(&transport.Message{Kind: transport.KindRequest, Request: req}, addr); err != nil {
		removePending()
		return nil, err
	}
	n.requestsSent.Inc(1)

	timer := time.NewTimer(n.config.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		removePending()
		return resp, nil
	case <-timer.C:
		removePending()
		n.requestsTimedOut.Inc(1)
		n.table.Remove(c.ID)
		return nil, ErrTimeout
	case <-n.ctx.Done():
		removePending()
		return nil, n.ctx.Err()
	}
}

// newToken generates a random identifier not already in use as a pending
// request token.
func (n *Node) newToken() identifier.Identifier {
	n.mu.Lock()
	defer n.mu.Unlock()
	for {
		token := identifier.Random()
		if _, exists := n.pending[token]; !exists {
			return token
		}
	}
}

func (n *Node) rpcPing(c routing.Contact) error {
	_, err := n.sendRequest(c, transport.RequestPayload{Kind: transport.RequestPing})
	return err
}

func (n *Node) rpcStore(c routing.Contact, key identifier.Identifier, value string) error {
	_, err := n.sendRequest(c, transport.RequestPayload{Kind: transport.RequestStore, Key: key, Value: value})
	return err
}

func (n *Node) rpcFindNode(c routing.Contact, target identifier.Identifier) ([]transport.NodeData, error) {
	resp, err := n.sendRequest(c, transport.RequestPayload{Kind: transport.RequestFindNode, Key: target})
	if err != nil {
		return nil, err
	}
	return resp.Payload.Nodes, nil
}

// rpcFindValue asks c for target. It reports found=true with the value if c
// holds it, otherwise it returns the nodes c believes are closest to target.
func (n *Node) rpcFindValue(c routing.Contact, target identifier.Identifier) (nodes []transport.NodeData, value string, found bool, err error) {
	resp, err := n.sendRequest(c, transport.RequestPayload{Kind: transport.RequestFindValue, Key: target})
	if err != nil {
		return nil, "", false, err
	}
	if resp.Payload.Kind == transport.ResponseValue {
		return nil, resp.Payload.Value, true, nil
	}
	return resp.Payload.Nodes, "", false, nil
}
