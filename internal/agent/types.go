// Package agent implements the Vesper agent core: the single-goroutine actor
// that owns peer and subscriber state, the local/remote facade over the agent
// protocol, and the per-peer remote client cache.
package agent

import (
	"encoding/json"
	"time"
)

// ProtocolID identifies the agent RPC protocol on the transport.
const ProtocolID = "vesper/agent/1"

// Method names for the agent protocol.
const (
	MethodSendMsg   = "send_msg"
	MethodGetStatus = "get_status"
	MethodSubscribe = "subscribe"
)

// Event kinds emitted by the actor.
const (
	EventMessageReceived = "message_received"
	EventPeerJoined      = "peer_joined"
	EventPeerLeft        = "peer_left"
)

// Message is a text message sent between agents.
type Message struct {
	From      string `json:"from"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"` // RFC 3339 UTC
}

// SendMsgRequest asks an agent to accept a message.
type SendMsgRequest struct {
	Message Message `json:"message"`
}

// SendMsgResponse acknowledges a delivered message.
type SendMsgResponse struct {
	Ack     bool   `json:"ack"`
	AgentID string `json:"agent_id"`
}

// GetStatusRequest asks an agent for its status.
type GetStatusRequest struct{}

// StatusResponse reports an agent's identity, known peers, and uptime.
type StatusResponse struct {
	AgentID    string   `json:"agent_id"`
	Peers      []string `json:"peers"`
	UptimeSecs uint64   `json:"uptime_secs"`
}

// SubscribeRequest opens an event stream from an agent.
type SubscribeRequest struct{}

// Event is a state-change notification fanned out to subscribers and the
// process-wide event sink. Data is a structured JSON payload whose shape
// depends on Kind.
type Event struct {
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// PeerRecord tracks one known peer. Created the first time an identity is
// observed and never updated or removed after that.
type PeerRecord struct {
	Identity    string `json:"identity"`
	ConnectedAt string `json:"connected_at"`
}

// Timestamp returns the RFC 3339 UTC form used everywhere a time surfaces.
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
