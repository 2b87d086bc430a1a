package agent

import (
	"context"
	"encoding/json"
	"log"

	"github.com/ssd-technologies/vesper/internal/identity"
	"github.com/ssd-technologies/vesper/internal/transport"
)

// newProtocolHandler returns the server side of the agent protocol: it
// decodes typed requests off an accepted connection, forwards them to the
// actor, and writes replies or stream items back.
func newProtocolHandler(actor *Actor) transport.Handler {
	return func(ctx context.Context, conn *transport.Conn, frame *transport.Frame) {
		switch frame.Method {
		case MethodSendMsg:
			var req SendMsgRequest
			if err := json.Unmarshal(frame.Payload, &req); err != nil {
				conn.ReplyError(frame, "invalid send_msg request: "+err.Error())
				return
			}
			resp, err := actor.sendMsg(ctx, req.Message)
			if err != nil {
				conn.ReplyError(frame, err.Error())
				return
			}
			if err := conn.Reply(frame, resp); err != nil {
				log.Printf("[agent] failed to send ack to %s: %v", identity.Short(frame.Sender.AgentID), err)
			}

		case MethodGetStatus:
			resp, err := actor.getStatus(ctx)
			if err != nil {
				conn.ReplyError(frame, err.Error())
				return
			}
			if err := conn.Reply(frame, resp); err != nil {
				log.Printf("[agent] failed to send status to %s: %v", identity.Short(frame.Sender.AgentID), err)
			}

		case MethodSubscribe:
			// The stream stays open until the connection drops; a failed
			// write fails the subscriber and the actor prunes it.
			deliver := func(ev Event) error {
				return conn.StreamItem(frame, ev)
			}
			if err := actor.subscribe(ctx, deliver); err != nil {
				conn.ReplyError(frame, err.Error())
				return
			}
			log.Printf("[agent] subscriber added: %s", identity.Short(frame.Sender.AgentID))

		default:
			conn.ReplyError(frame, "unknown method: "+frame.Method)
		}
	}
}
