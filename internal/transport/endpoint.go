// Package transport provides the Vesper network endpoint: a WebSocket
// listener bound to the local agent identity, outbound dialing by peer
// identity, Ed25519-signed frame exchange, and request/response correlation
// with server streaming on top of it.
package transport

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrUnknownPeer is returned by Connect when no dial address is known for
// the requested identity.
var ErrUnknownPeer = errors.New("no known address for peer")

// Handler processes one inbound request frame for a registered protocol.
// Replies are written through the Conn; a handler may reply once (Reply /
// ReplyError) or stream many items (StreamItem then EndStream).
type Handler func(ctx context.Context, conn *Conn, frame *Frame)

// upgrader allows any origin (suitable for a P2P mesh where there is no
// browser same-origin policy to enforce).
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const maxFrameSize = 1 << 22 // 4 MB

// Endpoint is the local network identity. It owns the listener, the set of
// live peer connections, the learned address book, and the protocol handler
// table. It is safe for concurrent use.
type Endpoint struct {
	id   string
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey

	mu       sync.RWMutex
	conns    map[string]*Conn
	addrs    map[string]string
	handlers map[string]Handler
	dialing  map[string]*sync.Mutex

	listener net.Listener
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEndpoint creates an endpoint for the given identity and keypair.
// Call Listen to accept inbound connections.
func NewEndpoint(id string, pub ed25519.PublicKey, priv ed25519.PrivateKey) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		id:       id,
		pub:      pub,
		priv:     priv,
		conns:    make(map[string]*Conn),
		addrs:    make(map[string]string),
		handlers: make(map[string]Handler),
		dialing:  make(map[string]*sync.Mutex),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ID returns the local agent identity.
func (e *Endpoint) ID() string { return e.id }

// Handle registers the handler for a protocol ID. Must be called before
// frames for that protocol arrive; later registrations replace earlier ones.
func (e *Endpoint) Handle(proto string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[proto] = h
}

// Listen starts the WebSocket server on 127.0.0.1:port (0 = random port).
// Inbound connections on /ws are upgraded and identified by their first frame.
func (e *Endpoint) Listen(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	e.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", e.handleWS)
	e.server = &http.Server{Handler: mux}
	go e.server.Serve(ln) //nolint:errcheck
	return nil
}

// Addr returns the listener's network address, or "" before Listen.
func (e *Endpoint) Addr() string {
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

// handleWS upgrades an inbound HTTP connection to WebSocket and starts its
// read loop. The remote identity is learned from the first verified frame.
func (e *Endpoint) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxFrameSize)
	c := newConn(e, ws)
	go c.readLoop()
}

// SetAddr records a dial address for a peer identity.
func (e *Endpoint) SetAddr(id, addr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addrs[id] = addr
}

// Connect returns a live connection to the peer, reusing an existing one or
// dialing the address known for that identity. Dial-on-miss is serialized
// per identity so concurrent connects converge on one connection instead of
// leaking the losing socket. Establishing a connection to an identity with
// no known address fails with ErrUnknownPeer.
func (e *Endpoint) Connect(id string) (*Conn, error) {
	if c := e.liveConn(id); c != nil {
		return c, nil
	}

	lock := e.dialLock(id)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have finished dialing while we waited.
	if c := e.liveConn(id); c != nil {
		return c, nil
	}

	e.mu.RLock()
	addr := e.addrs[id]
	e.mu.RUnlock()
	if addr == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, id)
	}
	return e.Dial(id, addr)
}

// liveConn returns the registered connection for id if it is still open.
func (e *Endpoint) liveConn(id string) *Conn {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if c, ok := e.conns[id]; ok && !c.isClosed() {
		return c
	}
	return nil
}

// dialLock returns the per-identity mutex guarding dial-on-miss.
func (e *Endpoint) dialLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.dialing[id]
	if !ok {
		lock = &sync.Mutex{}
		e.dialing[id] = lock
	}
	return lock
}

// Dial opens an outbound connection to addr, identifies this endpoint with a
// signed HELLO frame, and registers the connection under the peer identity.
func (e *Endpoint) Dial(id, addr string) (*Conn, error) {
	url := fmt.Sprintf("ws://%s/ws", addr)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	ws.SetReadLimit(maxFrameSize)

	c := newConn(e, ws)
	c.peerID = id

	e.mu.Lock()
	e.conns[id] = c
	e.addrs[id] = addr
	e.mu.Unlock()

	hello := &Frame{Type: FrameHello, ID: "hello"}
	if err := c.send(hello); err != nil {
		c.close()
		return nil, fmt.Errorf("send hello: %w", err)
	}

	go c.readLoop()
	return c, nil
}

// dispatch routes a verified request frame to the protocol handler.
func (e *Endpoint) dispatch(c *Conn, f *Frame) {
	e.mu.RLock()
	h := e.handlers[f.Proto]
	e.mu.RUnlock()

	if h == nil {
		log.Printf("[transport] no handler for protocol %q", f.Proto)
		c.replyError(f, fmt.Sprintf("unknown protocol: %s", f.Proto))
		return
	}
	h(e.ctx, c, f)
}

// register records a connection under the peer identity learned from its
// first frame and remembers the advertised dial address.
func (e *Endpoint) register(c *Conn, sender Sender) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.conns[sender.AgentID]; !ok || existing.isClosed() {
		e.conns[sender.AgentID] = c
	}
	if sender.Address != "" {
		e.addrs[sender.AgentID] = sender.Address
	}
}

// drop removes a connection from the registry if it is still the one stored
// (avoids removing a replacement connection).
func (e *Endpoint) drop(c *Conn) {
	if c.peerID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.conns[c.peerID]; ok && existing == c {
		delete(e.conns, c.peerID)
	}
}

// Close shuts down the listener and all peer connections.
func (e *Endpoint) Close() {
	e.cancel()
	if e.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.server.Shutdown(ctx) //nolint:errcheck
	}

	e.mu.Lock()
	conns := make([]*Conn, 0, len(e.conns))
	for id, c := range e.conns {
		conns = append(conns, c)
		delete(e.conns, id)
	}
	e.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// sender returns the Sender block stamped on every outbound frame.
func (e *Endpoint) sender() Sender {
	return Sender{
		AgentID:   e.id,
		PublicKey: hex.EncodeToString(e.pub),
		Address:   e.Addr(),
	}
}
