package transport

import (
	"testing"

	"github.com/kadcore/kademlia/identifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeParsePingRequest(t *testing.T) {
	req := &Message{
		Kind: KindRequest,
		Request: &Request{
			ID:     identifier.Random(),
			Sender: NodeData{ID: identifier.Random(), Addr: "127.0.0.1:9000"},
			Payload: RequestPayload{
				Kind: RequestPing,
			},
		},
	}

	data, err := Serialize(req)
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, req.Request.ID, parsed.Request.ID)
	assert.Equal(t, req.Request.Sender, parsed.Request.Sender)
	assert.Equal(t, RequestPing, parsed.Request.Payload.Kind)
}

func TestSerializeParseStoreRequest(t *testing.T) {
	req := &Message{
		Kind: KindRequest,
		Request: &Request{
			ID:     identifier.Random(),
			Sender: NodeData{ID: identifier.Random(), Addr: "127.0.0.1:9000"},
			Payload: RequestPayload{
				Kind:  RequestStore,
				Key:   identifier.Random(),
				Value: "hello world",
			},
		},
	}

	data, err := Serialize(req)
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, req.Request.Payload.Key, parsed.Request.Payload.Key)
	assert.Equal(t, "hello world", parsed.Request.Payload.Value)
}

func TestSerializeParseNodesResponse(t *testing.T) {
	resp := &Message{
		Kind: KindResponse,
		Response: &Response{
			RequestID: identifier.Random(),
			Receiver:  NodeData{ID: identifier.Random(), Addr: "10.0.0.1:1"},
			Payload: ResponsePayload{
				Kind: ResponseNodes,
				Nodes: []NodeData{
					{ID: identifier.Random(), Addr: "10.0.0.2:2"},
					{ID: identifier.Random(), Addr: "10.0.0.3:3"},
				},
			},
		},
	}

	data, err := Serialize(resp)
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, parsed.Response.Payload.Nodes, 2)
	assert.Equal(t, resp.Response.Payload.Nodes[1].Addr, parsed.Response.Payload.Nodes[1].Addr)
}

func TestSerializeKill(t *testing.T) {
	data, err := Serialize(&Message{Kind: KindKill})
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, KindKill, parsed.Kind)
}

func TestSerializeRejectsOversizedValue(t *testing.T) {
	req := &Message{
		Kind: KindRequest,
		Request: &Request{
			ID:     identifier.Random(),
			Sender: NodeData{ID: identifier.Random(), Addr: "127.0.0.1:9000"},
			Payload: RequestPayload{
				Kind:  RequestStore,
				Key:   identifier.Random(),
				Value: string(make([]byte, MaxMessageSize)),
			},
		},
	}

	_, err := Serialize(req)
	assert.Error(t, err)
}

func TestParseTooShort(t *testing.T) {
	_, err := Parse(nil)
	assert.Error(t, err)
}
