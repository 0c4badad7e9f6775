// Package node wires identifier, store, routing, and transport together
// into a runnable Kademlia participant.
//
// # Starting a node
//
//	n, err := node.New(":0", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer n.Kill()
//
//	n.Bootstrap([]transport.NodeData{{ID: seedID, Addr: "203.0.113.4:9000"}})
//
// # Storing and retrieving values
//
//	n.Insert(key, "hello")
//	value, ok := n.Get(key)
//
// # Maintenance
//
// A node refreshes idle routing table buckets on its own. Whenever a full
// bucket cannot split to make room for a newly seen peer, it evicts that
// bucket's least-recently-seen contact, pings it, and then inserts the new
// peer whatever the ping's outcome.
package node
