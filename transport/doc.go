// Package transport defines the wire message format (message.go) and a UDP
// implementation of the Transport interface (udp.go) used to exchange it.
//
// Transport is intentionally thin: Send writes one datagram and returns,
// and received datagrams are decoded and pushed onto an Inbound channel for
// a node to consume at its own pace. There is no retry, no acknowledgment,
// and no request/response correlation here - that belongs to whatever
// layer needs reliability semantics (see package node).
package transport
