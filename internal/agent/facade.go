package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ssd-technologies/vesper/internal/transport"
)

// ErrNoLocalEndpoint is returned when an operation that requires an
// in-process actor is invoked on a remote-bound facade.
var ErrNoLocalEndpoint = errors.New("no local endpoint")

// Facade is a uniform handle over the three agent operations, bound either
// to an in-process actor (local) or to a remote peer reached through the
// endpoint. Callers do not need to know which binding they hold.
type Facade struct {
	// Local binding. cancel is held only by the facade returned from
	// NewLocalFacade, which owns the actor goroutine's lifetime.
	actor  *Actor
	cancel context.CancelFunc

	// Remote binding. The connection is established lazily on first use.
	endpoint *transport.Endpoint
	peerID   string
}

// NewLocalFacade spawns an agent actor for the given identity and returns
// the facade that owns its running goroutine. Close stops the actor.
func NewLocalFacade(id string, sink EventSink) *Facade {
	actor := newActor(id, sink)
	ctx, cancel := context.WithCancel(context.Background())
	go actor.run(ctx)
	return &Facade{actor: actor, cancel: cancel}
}

// NewRemoteFacade returns a facade bound to a remote peer identity. It is
// cheap: no connection is opened until the first call.
func NewRemoteFacade(endpoint *transport.Endpoint, peerID string) *Facade {
	return &Facade{endpoint: endpoint, peerID: peerID}
}

// IsLocal reports whether this facade drives an in-process actor.
func (f *Facade) IsLocal() bool { return f.actor != nil }

// Close stops the owned actor goroutine. Closing a remote facade or a
// non-owning local handle is a no-op.
func (f *Facade) Close() {
	if f.cancel != nil {
		f.cancel()
	}
}

// SendMsg delivers a message to the agent and returns its acknowledgement.
func (f *Facade) SendMsg(ctx context.Context, msg Message) (SendMsgResponse, error) {
	if f.actor != nil {
		return f.actor.sendMsg(ctx, msg)
	}
	conn, err := f.endpoint.Connect(f.peerID)
	if err != nil {
		return SendMsgResponse{}, err
	}
	var resp SendMsgResponse
	if err := conn.Call(ctx, ProtocolID, MethodSendMsg, SendMsgRequest{Message: msg}, &resp); err != nil {
		return SendMsgResponse{}, err
	}
	return resp, nil
}

// GetStatus returns the agent's identity, known peers, and uptime.
func (f *Facade) GetStatus(ctx context.Context) (StatusResponse, error) {
	if f.actor != nil {
		return f.actor.getStatus(ctx)
	}
	conn, err := f.endpoint.Connect(f.peerID)
	if err != nil {
		return StatusResponse{}, err
	}
	var resp StatusResponse
	if err := conn.Call(ctx, ProtocolID, MethodGetStatus, GetStatusRequest{}, &resp); err != nil {
		return StatusResponse{}, err
	}
	return resp, nil
}

// Subscribe opens an event stream. The returned channel receives every
// event emitted after subscription, in emission order, and is closed when
// ctx is cancelled or the underlying connection drops.
func (f *Facade) Subscribe(ctx context.Context) (<-chan Event, error) {
	if f.actor != nil {
		out := make(chan Event, subscriberQueueSize)
		deliver := func(ev Event) error {
			select {
			case out <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := f.actor.subscribe(ctx, deliver); err != nil {
			return nil, err
		}
		return out, nil
	}

	conn, err := f.endpoint.Connect(f.peerID)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStream(ctx, ProtocolID, MethodSubscribe, SubscribeRequest{})
	if err != nil {
		return nil, err
	}

	out := make(chan Event, subscriberQueueSize)
	go func() {
		defer close(out)
		for payload := range stream.C {
			var ev Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RecordPeer registers an identity as a known peer of the local actor.
// Only the local binding supports this; a successful outbound connect uses
// it so that connecting is itself an act of peer discovery.
func (f *Facade) RecordPeer(ctx context.Context, identity string) error {
	if f.actor == nil {
		return fmt.Errorf("record peer: %w", ErrNoLocalEndpoint)
	}
	return f.actor.addPeer(ctx, identity)
}

// ProtocolHandler returns the transport handler that serves this agent's
// protocol to remote peers. It fails with ErrNoLocalEndpoint on a
// remote-bound facade: only an in-process actor can be listened on.
func (f *Facade) ProtocolHandler() (transport.Handler, error) {
	if f.actor == nil {
		return nil, fmt.Errorf("cannot listen on remote agent: %w", ErrNoLocalEndpoint)
	}
	return newProtocolHandler(f.actor), nil
}
