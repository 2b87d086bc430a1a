package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/ssd-technologies/vesper/internal/identity"
)

// EventSink receives every event the actor emits, independently of any
// subscribers. The daemon wires this to the stdout event envelope.
type EventSink func(Event)

// subscriberQueueSize bounds the number of undelivered events buffered per
// subscriber. When the queue is full the oldest pending event is dropped for
// that subscriber only; a slow subscriber never blocks the actor.
const subscriberQueueSize = 64

// requestQueueSize is the actor's inbound request buffer. Enqueueing blocks
// when full rather than dropping, preserving FIFO processing.
const requestQueueSize = 64

type sendRequest struct {
	msg   Message
	reply chan SendMsgResponse
}

type statusRequest struct {
	reply chan StatusResponse
}

type subscribeRequest struct {
	deliver func(Event) error
	reply   chan struct{}
}

type recordPeerRequest struct {
	identity string
	reply    chan struct{}
}

// subscriber is one open event channel toward a receiver. A pump goroutine
// drains the queue so delivery never runs on the actor goroutine.
type subscriber struct {
	queue   chan Event
	deliver func(Event) error
	failed  chan struct{}
}

func newSubscriber(deliver func(Event) error) *subscriber {
	s := &subscriber{
		queue:   make(chan Event, subscriberQueueSize),
		deliver: deliver,
		failed:  make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *subscriber) pump() {
	for ev := range s.queue {
		if err := s.deliver(ev); err != nil {
			close(s.failed)
			return
		}
	}
}

func (s *subscriber) isFailed() bool {
	select {
	case <-s.failed:
		return true
	default:
		return false
	}
}

// push enqueues an event for delivery, dropping the oldest pending event if
// the subscriber has fallen subscriberQueueSize events behind.
func (s *subscriber) push(ev Event) {
	select {
	case s.queue <- ev:
		return
	default:
	}
	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- ev:
	default:
	}
}

// Actor is the single serialization point for all registry mutation. It
// processes requests strictly in arrival order on one goroutine; no other
// goroutine reads or writes the registry or subscriber list.
type Actor struct {
	id       string
	requests chan any
	sink     EventSink

	// Owned exclusively by the run goroutine.
	registry    map[string]PeerRecord
	subscribers []*subscriber
	startTime   time.Time
}

func newActor(id string, sink EventSink) *Actor {
	if sink == nil {
		sink = func(Event) {}
	}
	return &Actor{
		id:       id,
		requests: make(chan any, requestQueueSize),
		sink:     sink,
		registry: make(map[string]PeerRecord),
	}
}

// run drains the request queue until ctx is cancelled.
func (a *Actor) run(ctx context.Context) {
	log.Printf("[actor] started, agent %s", identity.Short(a.id))
	a.startTime = time.Now()

	for {
		select {
		case <-ctx.Done():
			for _, s := range a.subscribers {
				close(s.queue)
			}
			log.Printf("[actor] stopped")
			return
		case req := <-a.requests:
			a.handle(req)
		}
	}
}

func (a *Actor) handle(req any) {
	switch r := req.(type) {
	case sendRequest:
		a.recordPeer(r.msg.From)
		a.emit(EventMessageReceived, map[string]any{
			"from":      r.msg.From,
			"content":   r.msg.Content,
			"timestamp": r.msg.Timestamp,
		})
		select {
		case r.reply <- SendMsgResponse{Ack: true, AgentID: a.id}:
		default:
			log.Printf("[actor] dropping ack: reply channel gone")
		}

	case statusRequest:
		peers := make([]string, 0, len(a.registry))
		for id := range a.registry {
			peers = append(peers, id)
		}
		sort.Strings(peers)
		select {
		case r.reply <- StatusResponse{
			AgentID:    a.id,
			Peers:      peers,
			UptimeSecs: uint64(time.Since(a.startTime).Seconds()),
		}:
		default:
			log.Printf("[actor] dropping status: reply channel gone")
		}

	case subscribeRequest:
		a.subscribers = append(a.subscribers, newSubscriber(r.deliver))
		close(r.reply)

	case recordPeerRequest:
		a.recordPeer(r.identity)
		close(r.reply)
	}
}

// recordPeer inserts a peer record if the identity has not been seen before,
// emitting peer_joined exactly once per newly seen identity.
func (a *Actor) recordPeer(identity string) {
	if identity == "" || identity == a.id {
		return
	}
	if _, known := a.registry[identity]; known {
		return
	}
	rec := PeerRecord{Identity: identity, ConnectedAt: Timestamp()}
	a.registry[identity] = rec
	a.emit(EventPeerJoined, map[string]any{
		"endpoint_id": identity,
		"timestamp":   rec.ConnectedAt,
	})
}

// emit builds an event, writes it to the process-wide sink, and fans it out
// to every live subscriber. Failed subscribers are pruned here.
func (a *Actor) emit(kind string, data map[string]any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("[actor] marshal event data: %v", err)
		return
	}
	ev := Event{Kind: kind, Data: payload, Timestamp: Timestamp()}

	a.sink(ev)

	live := a.subscribers[:0]
	for _, s := range a.subscribers {
		if s.isFailed() {
			close(s.queue)
			continue
		}
		s.push(ev)
		live = append(live, s)
	}
	a.subscribers = live
}

// enqueue submits a request to the actor, failing only if the actor has
// stopped (ctx cancelled at the caller).
func (a *Actor) enqueue(ctx context.Context, req any) error {
	select {
	case a.requests <- req:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("agent actor unavailable: %w", ctx.Err())
	}
}

func (a *Actor) sendMsg(ctx context.Context, msg Message) (SendMsgResponse, error) {
	reply := make(chan SendMsgResponse, 1)
	if err := a.enqueue(ctx, sendRequest{msg: msg, reply: reply}); err != nil {
		return SendMsgResponse{}, err
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return SendMsgResponse{}, ctx.Err()
	}
}

func (a *Actor) getStatus(ctx context.Context) (StatusResponse, error) {
	reply := make(chan StatusResponse, 1)
	if err := a.enqueue(ctx, statusRequest{reply: reply}); err != nil {
		return StatusResponse{}, err
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return StatusResponse{}, ctx.Err()
	}
}

func (a *Actor) subscribe(ctx context.Context, deliver func(Event) error) error {
	reply := make(chan struct{})
	if err := a.enqueue(ctx, subscribeRequest{deliver: deliver, reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) addPeer(ctx context.Context, identity string) error {
	reply := make(chan struct{})
	if err := a.enqueue(ctx, recordPeerRequest{identity: identity, reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
