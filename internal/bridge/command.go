// Package bridge implements the local command bridge: line-delimited JSON
// commands read from stdin, dispatched to the agent facade, peer client
// cache, and blob store, with uniform response envelopes and asynchronous
// event envelopes written to stdout.
package bridge

import (
	"encoding/json"
	"fmt"
)

// Command types accepted on stdin.
const (
	CmdStatus     = "status"
	CmdConnect    = "connect"
	CmdSend       = "send"
	CmdBroadcast  = "broadcast"
	CmdPeers      = "peers"
	CmdShareBytes = "share_bytes"
	CmdShareFiles = "share_files"
	CmdFetch      = "fetch"
	CmdShutdown   = "shutdown"
)

// Command is the closed union of bridge commands. Which fields are required
// depends on Type; ParseCommand enforces that at decode time so handlers
// only ever see validated commands. Message and Data are pointers so that a
// present-but-empty string is accepted (an empty message is sendable) while
// an absent field is still a validation error.
type Command struct {
	Type       string   `json:"type"`
	ID         string   `json:"id"`
	EndpointID string   `json:"endpoint_id,omitempty"`
	Message    *string  `json:"message,omitempty"`
	Data       *string  `json:"data,omitempty"` // base64 for share_bytes
	Paths      []string `json:"paths,omitempty"`
	Ticket     string   `json:"ticket,omitempty"`
}

// ParseCommand decodes one command line and validates its required fields.
// Any failure here is reported with the "unknown" correlation ID, since the
// line as a whole could not be trusted.
func ParseCommand(line []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return Command{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if cmd.ID == "" {
		return Command{}, fmt.Errorf("missing required field: id")
	}

	switch cmd.Type {
	case CmdStatus, CmdPeers, CmdShutdown:
		// No further fields.
	case CmdConnect:
		if cmd.EndpointID == "" {
			return Command{}, fmt.Errorf("connect: missing required field: endpoint_id")
		}
	case CmdSend:
		if cmd.EndpointID == "" {
			return Command{}, fmt.Errorf("send: missing required field: endpoint_id")
		}
		if cmd.Message == nil {
			return Command{}, fmt.Errorf("send: missing required field: message")
		}
	case CmdBroadcast:
		if cmd.Message == nil {
			return Command{}, fmt.Errorf("broadcast: missing required field: message")
		}
	case CmdShareBytes:
		if cmd.Data == nil {
			return Command{}, fmt.Errorf("share_bytes: missing required field: data")
		}
	case CmdShareFiles:
		if len(cmd.Paths) == 0 {
			return Command{}, fmt.Errorf("share_files: missing required field: paths")
		}
	case CmdFetch:
		if cmd.Ticket == "" {
			return Command{}, fmt.Errorf("fetch: missing required field: ticket")
		}
	case "":
		return Command{}, fmt.Errorf("missing required field: type")
	default:
		return Command{}, fmt.Errorf("unknown command type: %q", cmd.Type)
	}
	return cmd, nil
}
