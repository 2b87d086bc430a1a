package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/vesper/internal/ratelimit"
)

// inboundRequestRate bounds REQ frames accepted per connection per second.
// Response-side frames (RES, ITEM, END, ERR) are not limited.
const inboundRequestRate = 128

// waiter receives the response frames for one in-flight call or stream.
type waiter struct {
	ch     chan *Frame
	stream bool
}

// Conn wraps a WebSocket connection to one peer. gorilla/websocket
// connections do not support concurrent writers, so every write is
// serialized through wmu. In-flight calls and streams are tracked in the
// pending map keyed by frame ID.
type Conn struct {
	ep *Endpoint
	ws *websocket.Conn

	wmu sync.Mutex // guards writes

	mu      sync.Mutex
	pending map[string]*waiter
	closed  chan struct{}
	once    sync.Once

	peerID  string // set on dial, or by the first inbound frame
	limiter *ratelimit.Limiter
}

func newConn(e *Endpoint, ws *websocket.Conn) *Conn {
	return &Conn{
		ep:      e,
		ws:      ws,
		pending: make(map[string]*waiter),
		closed:  make(chan struct{}),
		limiter: ratelimit.New(inboundRequestRate, time.Second),
	}
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// close tears down the connection, fails all in-flight calls, and
// unregisters from the endpoint. Waiters observe the closed channel; their
// frame channels are never closed, so deliver can never send on a closed
// channel.
func (c *Conn) close() {
	c.once.Do(func() {
		close(c.closed)
		c.ws.Close()
		c.ep.drop(c)

		c.mu.Lock()
		c.pending = make(map[string]*waiter)
		c.mu.Unlock()
	})
}

// send signs and writes a frame. The Sender and Timestamp fields are
// stamped automatically.
func (c *Conn) send(f *Frame) error {
	f.Sender = c.ep.sender()
	f.Timestamp = time.Now().Unix()
	f.Sign(c.ep.priv)

	c.wmu.Lock()
	err := c.ws.WriteJSON(f)
	c.wmu.Unlock()
	if err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readLoop reads frames until the connection errors or closes. Frames that
// fail signature verification are dropped. The first verified frame
// identifies the peer and registers the connection with the endpoint.
func (c *Conn) readLoop() {
	defer c.close()

	identified := c.peerID != "" // outbound connections already know the peer

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}
		if err := f.Verify(); err != nil {
			log.Printf("[transport] dropping frame from %s: %v", f.Sender.AgentID, err)
			continue
		}

		if !identified {
			c.peerID = f.Sender.AgentID
			identified = true
		}
		c.ep.register(c, f.Sender)

		switch f.Type {
		case FrameHello:
			// Identification only.
		case FrameRequest:
			if !c.limiter.Allow() {
				log.Printf("[transport] rate limiting %s", f.Sender.AgentID)
				c.replyError(&f, "rate limited")
				continue
			}
			go c.ep.dispatch(c, &f)
		case FrameResponse, FrameItem, FrameEnd, FrameError:
			c.deliver(&f)
		}
	}
}

// deliver routes a response-side frame to the waiting caller. Call waiters
// are removed after one frame; stream waiters persist until END or ERR.
// Stream frames must not be dropped: a lagging stream consumer exerts
// backpressure on this connection's read loop instead.
func (c *Conn) deliver(f *Frame) {
	c.mu.Lock()
	w, ok := c.pending[f.ID]
	if ok && (!w.stream || f.Type == FrameEnd || f.Type == FrameError) {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if w.stream {
		select {
		case w.ch <- f:
		case <-c.closed:
		}
		return
	}

	// A call expects exactly one frame and its channel has room for it.
	select {
	case w.ch <- f:
	default:
	}
}

// Call issues a request on the connection and waits for the typed response.
// There is no internal timeout: the call resolves when the peer responds,
// the connection drops, or ctx is cancelled.
func (c *Conn) Call(ctx context.Context, proto, method string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	f := &Frame{
		Proto:   proto,
		Type:    FrameRequest,
		ID:      uuid.New().String(),
		Method:  method,
		Payload: payload,
	}

	w := &waiter{ch: make(chan *Frame, 1)}
	c.mu.Lock()
	c.pending[f.ID] = w
	c.mu.Unlock()

	if err := c.send(f); err != nil {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return err
	}

	decode := func(reply *Frame) error {
		if reply.Type == FrameError {
			var ep ErrorPayload
			if err := json.Unmarshal(reply.Payload, &ep); err == nil && ep.Error != "" {
				return fmt.Errorf("remote error: %s", ep.Error)
			}
			return fmt.Errorf("remote error")
		}
		if resp != nil {
			if err := json.Unmarshal(reply.Payload, resp); err != nil {
				return fmt.Errorf("unmarshal %s response: %w", method, err)
			}
		}
		return nil
	}

	select {
	case reply := <-w.ch:
		return decode(reply)
	case <-c.closed:
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		// A response that arrived just before the drop is still honored.
		select {
		case reply := <-w.ch:
			return decode(reply)
		default:
		}
		return fmt.Errorf("connection closed awaiting %s response", method)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Stream is the receiving side of a server stream. C yields each item
// payload in arrival order and is closed on END, ERR, or connection loss;
// after C closes, Err reports whether the stream terminated with a remote
// error (ERR) or truncation (connection loss) rather than a clean END.
type Stream struct {
	C <-chan json.RawMessage

	mu  sync.Mutex
	err error
}

// Err returns the stream's terminal error, if any. Valid after C is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// OpenStream issues a request whose response is a stream of items.
func (c *Conn) OpenStream(ctx context.Context, proto, method string, req any) (*Stream, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	f := &Frame{
		Proto:   proto,
		Type:    FrameRequest,
		ID:      uuid.New().String(),
		Method:  method,
		Payload: payload,
	}

	w := &waiter{ch: make(chan *Frame, 64), stream: true}
	c.mu.Lock()
	c.pending[f.ID] = w
	c.mu.Unlock()

	if err := c.send(f); err != nil {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return nil, err
	}

	out := make(chan json.RawMessage, 64)
	stream := &Stream{C: out}
	go func() {
		defer close(out)
		clean := false
		defer func() {
			if !clean && stream.Err() == nil {
				stream.setErr(fmt.Errorf("stream %s interrupted", method))
			}
		}()

		// process forwards one frame, reporting true when the stream is done.
		process := func(frame *Frame) bool {
			switch frame.Type {
			case FrameItem:
				select {
				case out <- frame.Payload:
					return false
				case <-ctx.Done():
					stream.setErr(ctx.Err())
					return true
				}
			case FrameEnd:
				clean = true
				return true
			case FrameError:
				var ep ErrorPayload
				if err := json.Unmarshal(frame.Payload, &ep); err == nil && ep.Error != "" {
					stream.setErr(fmt.Errorf("remote error: %s", ep.Error))
				} else {
					stream.setErr(fmt.Errorf("remote error"))
				}
				return true
			default:
				return true
			}
		}

		for {
			select {
			case frame := <-w.ch:
				if process(frame) {
					return
				}
			case <-c.closed:
				// Frames delivered before the drop are still queued; drain
				// them so a clean END that raced the close is honored.
				for {
					select {
					case frame := <-w.ch:
						if process(frame) {
							return
						}
					default:
						return
					}
				}
			case <-ctx.Done():
				stream.setErr(ctx.Err())
				return
			}
		}
	}()
	return stream, nil
}

// Reply sends the single response to a request frame.
func (c *Conn) Reply(req *Frame, resp any) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return c.send(&Frame{Proto: req.Proto, Type: FrameResponse, ID: req.ID, Payload: payload})
}

// ReplyError sends an error response to a request frame.
func (c *Conn) ReplyError(req *Frame, msg string) error {
	return c.replyError(req, msg)
}

func (c *Conn) replyError(req *Frame, msg string) error {
	payload, _ := json.Marshal(ErrorPayload{Error: msg})
	return c.send(&Frame{Proto: req.Proto, Type: FrameError, ID: req.ID, Payload: payload})
}

// StreamItem sends one stream item in response to a request frame.
func (c *Conn) StreamItem(req *Frame, item any) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal stream item: %w", err)
	}
	return c.send(&Frame{Proto: req.Proto, Type: FrameItem, ID: req.ID, Payload: payload})
}

// EndStream terminates a stream opened by the request frame.
func (c *Conn) EndStream(req *Frame) error {
	return c.send(&Frame{Proto: req.Proto, Type: FrameEnd, ID: req.ID})
}
