package node

import (
	"sort"

	"github.com/kadcore/kademlia/identifier"
	"github.com/kadcore/kademlia/routing"
)

// lookupReply is what one outstanding RPC reports back to the lookup loop.
type lookupReply struct {
	from  identifier.Identifier
	nodes []routing.Contact
	value string
	found bool
	ok    bool
}

// candidate tracks one node discovered during a lookup: whether it has
// already been queried, so it is never asked twice.
type candidate struct {
	contact routing.Contact
	queried bool
}

// lookup performs the iterative node lookup described by the protocol: an
// alpha-parallel search that converges on the Replication closest contacts
// to target. When findValue is true, any response carrying target's value
// short-circuits the search and is returned immediately.
//
// The search runs in two phases. Phase one repeatedly queries the alpha
// closest not-yet-queried candidates and folds their replies into the
// candidate set, continuing only as long as a round produces a contact
// closer than anything seen so far. Phase two then queries any remaining
// unqueried candidates until Replication of them have been asked or none
// are left, ensuring the final result set is as full as the network allows.
func (n *Node) lookup(target identifier.Identifier, findValue bool) ([]routing.Contact, string, bool) {
	n.lookupsStarted.Inc(1)

	seen := make(map[identifier.Identifier]*candidate)
	var order []identifier.Identifier

	add := func(c routing.Contact) {
		if c.ID == n.self || c.Addr == "" {
			return
		}
		if _, exists := seen[c.ID]; exists {
			return
		}
		seen[c.ID] = &candidate{contact: c}
		order = append(order, c.ID)
	}

	for _, c := range n.table.ClosestContacts(target, n.config.Concurrency) {
		add(c)
	}

	closest := func() (identifier.Identifier, bool) {
		var best identifier.Identifier
		found := false
		for _, id := range order {
			if !found || target.Xor(id).Less(target.Xor(best)) {
				best = id
				found = true
			}
		}
		return best, found
	}

	unqueriedByDistance := func() []identifier.Identifier {
		ids := make([]identifier.Identifier, 0, len(order))
		for _, id := range order {
			if !seen[id].queried {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool {
			return target.Xor(ids[i]).Less(target.Xor(ids[j]))
		})
		return ids
	}

	// Buffered to twice Concurrency so that no sender goroutine is ever left
	// blocked: phase one can stop waiting with up to Concurrency-1 requests
	// still outstanding (it breaks as soon as a round yields no progress,
	// same as the original), phase two adds at most Concurrency more per
	// batch, and either phase may return early on a found value.
	results := make(chan lookupReply, 2*n.config.Concurrency)
	inFlight := 0

	launch := func(id identifier.Identifier) {
		c := seen[id].contact
		seen[id].queried = true
		inFlight++
		go func() {
			if findValue {
				nodes, value, found, err := n.rpcFindValue(c, target)
				reply := lookupReply{from: id, ok: err == nil, value: value, found: found}
				for _, nd := range nodes {
					reply.nodes = append(reply.nodes, routing.Contact{ID: nd.ID, Addr: nd.Addr, LastSeen: n.tp.Now()})
				}
				results <- reply
				return
			}
			nodes, err := n.rpcFindNode(c, target)
			reply := lookupReply{from: id, ok: err == nil}
			for _, nd := range nodes {
				reply.nodes = append(reply.nodes, routing.Contact{ID: nd.ID, Addr: nd.Addr, LastSeen: n.tp.Now()})
			}
			results <- reply
		}()
	}

	launchBatch := func() {
		for _, id := range unqueriedByDistance() {
			if inFlight >= n.config.Concurrency {
				return
			}
			launch(id)
		}
	}

	// Phase 1: progress loop. Refill the pipeline to Concurrency at the top
	// of every iteration - regardless of whether the previous round made
	// progress, since a timed-out or failed reply must not starve the
	// pipeline - and keep going until a successful reply brings no contact
	// closer than the best seen so far, or nothing is left in flight. The
	// loop can stop with requests still outstanding; their replies are read
	// by phase two or left in the buffered results channel.
	prevClosest, havePrev := closest()
	launchBatch()

	for inFlight > 0 {
		launchBatch()

		reply := <-results
		inFlight--

		terminated := true
		if reply.ok {
			if reply.found {
				return nil, reply.value, true
			}
			for _, c := range reply.nodes {
				add(c)
			}
			if newClosest, ok := closest(); ok && (!havePrev || target.Xor(newClosest).Less(target.Xor(prevClosest))) {
				prevClosest, havePrev = newClosest, true
				terminated = false
			}
		} else {
			terminated = false
		}

		if terminated {
			break
		}
	}

	// Phase 2: fill to Replication by querying whatever unqueried
	// candidates remain, regardless of whether they moved the frontier.
	queriedCount := func() int {
		c := 0
		for _, id := range order {
			if seen[id].queried {
				c++
			}
		}
		return c
	}

	for queriedCount() < n.config.Replication {
		ids := unqueriedByDistance()
		if len(ids) == 0 {
			break
		}
		batch := ids
		if len(batch) > n.config.Concurrency {
			batch = batch[:n.config.Concurrency]
		}
		for _, id := range batch {
			launch(id)
		}
		for range batch {
			reply := <-results
			inFlight--
			if reply.ok {
				if reply.found {
					return nil, reply.value, true
				}
				for _, c := range reply.nodes {
					add(c)
				}
			}
		}
	}

	final := make([]routing.Contact, 0, len(order))
	for _, id := range order {
		final = append(final, seen[id].contact)
	}
	sort.Slice(final, func(i, j int) bool {
		return target.Xor(final[i].ID).Less(target.Xor(final[j].ID))
	})
	if len(final) > n.config.Replication {
		final = final[:n.config.Replication]
	}
	return final, "", false
}
