package node

import (
	"time"

	"github.com/kadcore/kademlia/identifier"
	"github.com/sirupsen/logrus"
)

// refreshLoop periodically looks up a random identifier within each bucket
// that has gone quiet, keeping the routing table populated with live
// contacts across the whole key space. It sleeps a full interval before its
// first pass so a freshly started node has time to populate its table via
// Bootstrap before maintenance starts churning the network.
func (n *Node) refreshLoop() {
	defer n.wg.Done()

	timer := time.NewTimer(n.config.RefreshInterval)
	defer timer.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-timer.C:
			n.refreshBuckets()
			timer.Reset(n.config.RefreshInterval)
		}
	}
}

// refreshBuckets looks up a random identifier within each stale bucket's
// range of the key space, which exercises FIND_NODE against whatever
// contacts are still known and discovers any new ones close to it.
func (n *Node) refreshBuckets() {
	stale := n.table.StaleBucketIndexes(n.config.RefreshInterval, n.tp.Now())
	if len(stale) == 0 {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "refreshBuckets",
		"buckets":  len(stale),
	}).Debug("refreshing stale routing table buckets")

	for _, idx := range stale {
		go n.lookup(identifier.RandomWithPrefixZeros(idx), false)
	}
}
