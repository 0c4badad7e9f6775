// Package transport implements the wire encoding and UDP delivery of
// Kademlia protocol messages.
//
// Every message is one of three kinds: a Request carrying one of the four
// RPCs (PING, STORE, FIND_NODE, FIND_VALUE), a Response carrying the result
// of a prior request, or Kill, which carries no payload and which package
// node never sends and ignores on receipt. Requests and their matching
// responses are correlated by a randomly
// generated token, not by the underlying transport.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/kadcore/kademlia/identifier"
)

// MaxMessageSize bounds the serialized size of any Message. Messages larger
// than this are rejected by Serialize and never sent.
const MaxMessageSize = 8196

// Kind identifies which variant of Message is present.
type Kind byte

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindKill
)

// RequestKind identifies which RPC a Request carries.
type RequestKind byte

const (
	RequestPing RequestKind = iota + 1
	RequestStore
	RequestFindNode
	RequestFindValue
)

// ResponseKind identifies which payload a Response carries.
type ResponseKind byte

const (
	ResponseNodes ResponseKind = iota + 1
	ResponseValue
	ResponsePong
)

// NodeData identifies a contactable peer: its identifier and its dialable
// network address (host:port).
type NodeData struct {
	ID   identifier.Identifier
	Addr string
}

// RequestPayload carries the arguments of one RPC. Which fields are
// meaningful depends on Kind:
//
//	Ping:      none
//	Store:     Key, Value
//	FindNode:  Key
//	FindValue: Key
type RequestPayload struct {
	Kind  RequestKind
	Key   identifier.Identifier
	Value string
}

// Request is an RPC sent from Sender, tagged with a random ID that the
// response must echo back.
type Request struct {
	ID      identifier.Identifier
	Sender  NodeData
	Payload RequestPayload
}

// ResponsePayload carries the result of an RPC. Which fields are meaningful
// depends on Kind:
//
//	Nodes: Nodes
//	Value: Value
//	Pong:  none
type ResponsePayload struct {
	Kind  ResponseKind
	Nodes []NodeData
	Value string
}

// Response answers a prior Request. RequestID must match the Request's ID
// for the response to be accepted by the requester.
type Response struct {
	RequestID identifier.Identifier
	Receiver  NodeData
	Payload   ResponsePayload
}

// Message is the outermost envelope sent over the wire: exactly one of
// Request or Response is set, depending on Kind. Kill carries neither; it
// serializes and parses like the other kinds, but package node never sends
// it and ignores it on receipt (Node.Kill stops a node by cancelling its
// context and closing its transport).
type Message struct {
	Kind     Kind
	Request  *Request
	Response *Response
}

// Serialize encodes m into its wire representation, returning an error if
// the encoding would exceed MaxMessageSize.
func Serialize(m *Message) ([]byte, error) {
	buf := make([]byte, 0, 256)
	buf = append(buf, byte(m.Kind))

	switch m.Kind {
	case KindRequest:
		if m.Request == nil {
			return nil, errors.New("transport: request message missing payload")
		}
		buf = appendRequest(buf, m.Request)
	case KindResponse:
		if m.Response == nil {
			return nil, errors.New("transport: response message missing payload")
		}
		buf = appendResponse(buf, m.Response)
	case KindKill:
		// no payload
	default:
		return nil, fmt.Errorf("transport: unknown message kind %d", m.Kind)
	}

	if len(buf) > MaxMessageSize {
		return nil, fmt.Errorf("transport: encoded message of %d bytes exceeds limit of %d", len(buf), MaxMessageSize)
	}
	return buf, nil
}

// Parse decodes a wire-format Message. It does not itself enforce
// MaxMessageSize since an oversized datagram could never have been produced
// by Serialize; the transport layer bounds datagram size on read instead.
func Parse(data []byte) (*Message, error) {
	if len(data) < 1 {
		return nil, errors.New("transport: message too short")
	}
	m := &Message{Kind: Kind(data[0])}
	rest := data[1:]

	var err error
	switch m.Kind {
	case KindRequest:
		m.Request, _, err = parseRequest(rest)
	case KindResponse:
		m.Response, _, err = parseResponse(rest)
	case KindKill:
		// no payload
	default:
		return nil, fmt.Errorf("transport: unknown message kind %d", m.Kind)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func appendIdentifier(buf []byte, id identifier.Identifier) []byte {
	return append(buf, id[:]...)
}

func readIdentifier(data []byte) (identifier.Identifier, []byte, error) {
	if len(data) < identifier.Length {
		return identifier.Identifier{}, nil, errors.New("transport: truncated identifier")
	}
	var id identifier.Identifier
	copy(id[:], data[:identifier.Length])
	return id, data[identifier.Length:], nil
}

func appendString(buf []byte, s string) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 2 {
		return "", nil, errors.New("transport: truncated string length")
	}
	n := int(binary.BigEndian.Uint16(data[:2]))
	data = data[2:]
	if len(data) < n {
		return "", nil, errors.New("transport: truncated string data")
	}
	return string(data[:n]), data[n:], nil
}

func appendNodeData(buf []byte, nd NodeData) []byte {
	buf = appendIdentifier(buf, nd.ID)
	return appendString(buf, nd.Addr)
}

func readNodeData(data []byte) (NodeData, []byte, error) {
	id, rest, err := readIdentifier(data)
	if err != nil {
		return NodeData{}, nil, err
	}
	addr, rest, err := readString(rest)
	if err != nil {
		return NodeData{}, nil, err
	}
	return NodeData{ID: id, Addr: addr}, rest, nil
}

func appendRequest(buf []byte, r *Request) []byte {
	buf = appendIdentifier(buf, r.ID)
	buf = appendNodeData(buf, r.Sender)
	buf = append(buf, byte(r.Payload.Kind))
	switch r.Payload.Kind {
	case RequestPing:
	case RequestStore:
		buf = appendIdentifier(buf, r.Payload.Key)
		buf = appendString(buf, r.Payload.Value)
	case RequestFindNode, RequestFindValue:
		buf = appendIdentifier(buf, r.Payload.Key)
	}
	return buf
}

func parseRequest(data []byte) (*Request, []byte, error) {
	id, rest, err := readIdentifier(data)
	if err != nil {
		return nil, nil, err
	}
	sender, rest, err := readNodeData(rest)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) < 1 {
		return nil, nil, errors.New("transport: truncated request payload kind")
	}
	kind := RequestKind(rest[0])
	rest = rest[1:]

	payload := RequestPayload{Kind: kind}
	switch kind {
	case RequestPing:
	case RequestStore:
		payload.Key, rest, err = readIdentifier(rest)
		if err != nil {
			return nil, nil, err
		}
		payload.Value, rest, err = readString(rest)
		if err != nil {
			return nil, nil, err
		}
	case RequestFindNode, RequestFindValue:
		payload.Key, rest, err = readIdentifier(rest)
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("transport: unknown request kind %d", kind)
	}

	return &Request{ID: id, Sender: sender, Payload: payload}, rest, nil
}

func appendResponse(buf []byte, r *Response) []byte {
	buf = appendIdentifier(buf, r.RequestID)
	buf = appendNodeData(buf, r.Receiver)
	buf = append(buf, byte(r.Payload.Kind))
	switch r.Payload.Kind {
	case ResponseNodes:
		buf = append(buf, byte(len(r.Payload.Nodes)))
		for _, nd := range r.Payload.Nodes {
			buf = appendNodeData(buf, nd)
		}
	case ResponseValue:
		buf = appendString(buf, r.Payload.Value)
	case ResponsePong:
	}
	return buf
}

func parseResponse(data []byte) (*Response, []byte, error) {
	requestID, rest, err := readIdentifier(data)
	if err != nil {
		return nil, nil, err
	}
	receiver, rest, err := readNodeData(rest)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) < 1 {
		return nil, nil, errors.New("transport: truncated response payload kind")
	}
	kind := ResponseKind(rest[0])
	rest = rest[1:]

	payload := ResponsePayload{Kind: kind}
	switch kind {
	case ResponseNodes:
		if len(rest) < 1 {
			return nil, nil, errors.New("transport: truncated node count")
		}
		count := int(rest[0])
		rest = rest[1:]
		payload.Nodes = make([]NodeData, 0, count)
		for i := 0; i < count; i++ {
			var nd NodeData
			nd, rest, err = readNodeData(rest)
			if err != nil {
				return nil, nil, err
			}
			payload.Nodes = append(payload.Nodes, nd)
		}
	case ResponseValue:
		payload.Value, rest, err = readString(rest)
		if err != nil {
			return nil, nil, err
		}
	case ResponsePong:
	default:
		return nil, nil, fmt.Errorf("transport: unknown response kind %d", kind)
	}

	return &Response{RequestID: requestID, Receiver: receiver, Payload: payload}, rest, nil
}
