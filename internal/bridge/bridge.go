package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"unicode/utf8"

	"github.com/ssd-technologies/vesper/internal/agent"
	"github.com/ssd-technologies/vesper/internal/blob"
	"github.com/ssd-technologies/vesper/internal/identity"
	"github.com/ssd-technologies/vesper/internal/transport"
)

// maxLineSize bounds one command line.
const maxLineSize = 10 << 20 // 10 MB

// Bridge routes external JSON commands onto the agent facade, the peer
// client cache, and the content store.
type Bridge struct {
	local    *agent.Facade
	cache    *agent.ClientCache
	endpoint *transport.Endpoint
	store    blob.Store
	emitter  *Emitter
}

// New creates a bridge. The local facade must be local-bound; the emitter
// is shared with the actor's event sink.
func New(local *agent.Facade, cache *agent.ClientCache, endpoint *transport.Endpoint, store blob.Store, emitter *Emitter) *Bridge {
	return &Bridge{
		local:    local,
		cache:    cache,
		endpoint: endpoint,
		store:    store,
		emitter:  emitter,
	}
}

// errLineTooLong marks a command line that exceeded maxLineSize; the rest of
// the line has already been discarded when it is returned.
var errLineTooLong = errors.New("command line too long")

// Run reads one JSON command per line from r until EOF, ctx cancellation,
// or a shutdown command. Malformed and over-long lines are answered with the
// "unknown" correlation ID and the loop continues; shutdown is the only
// command that terminates it, after its response is emitted.
func (b *Bridge) Run(ctx context.Context, r io.Reader) error {
	reader := bufio.NewReaderSize(r, 64*1024)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line, err := readCommandLine(reader)
		if errors.Is(err, errLineTooLong) {
			log.Printf("[bridge] discarding command line over %d bytes", maxLineSize)
			b.emitter.Respond("unknown", false, nil,
				fmt.Sprintf("invalid command: line exceeds %d bytes", maxLineSize))
			continue
		}

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if stop := b.dispatch(ctx, trimmed); stop {
				return nil
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read command: %w", err)
		}
	}
}

// readCommandLine assembles one line, bounding it at maxLineSize. An
// over-long line is drained to its newline and reported as errLineTooLong so
// the caller can answer and keep reading.
func readCommandLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return line, err
		}
		if len(line)+len(chunk) > maxLineSize {
			for isPrefix {
				if _, isPrefix, err = r.ReadLine(); err != nil {
					return nil, errLineTooLong
				}
			}
			return nil, errLineTooLong
		}
		line = append(line, chunk...)
		if !isPrefix {
			return line, nil
		}
	}
}

// dispatch handles one complete command line, reporting true on shutdown.
func (b *Bridge) dispatch(ctx context.Context, line []byte) bool {
	cmd, err := ParseCommand(line)
	if err != nil {
		log.Printf("[bridge] bad command line: %v", err)
		b.emitter.Respond("unknown", false, nil, "invalid command: "+err.Error())
		return false
	}

	if cmd.Type == CmdShutdown {
		log.Printf("[bridge] shutdown requested")
		b.emitter.Respond(cmd.ID, true, map[string]any{"shutdown": true}, "")
		return true
	}

	data, err := b.handle(ctx, cmd)
	if err != nil {
		b.emitter.Respond(cmd.ID, false, nil, err.Error())
	} else {
		b.emitter.Respond(cmd.ID, true, data, "")
	}
	return false
}

// handle dispatches one validated command. Every handler failure is
// returned here and normalized into the response envelope by Run; no error
// terminates the loop.
func (b *Bridge) handle(ctx context.Context, cmd Command) (any, error) {
	switch cmd.Type {
	case CmdStatus:
		return b.handleStatus(ctx)
	case CmdConnect:
		return b.handleConnect(ctx, cmd.EndpointID)
	case CmdSend:
		return b.handleSend(ctx, cmd.EndpointID, *cmd.Message)
	case CmdBroadcast:
		return b.handleBroadcast(ctx, *cmd.Message)
	case CmdPeers:
		return b.handlePeers(ctx)
	case CmdShareBytes:
		return b.handleShareBytes(*cmd.Data)
	case CmdShareFiles:
		return b.handleShareFiles(cmd.Paths)
	case CmdFetch:
		return b.handleFetch(ctx, cmd.Ticket)
	default:
		return nil, fmt.Errorf("unknown command type: %q", cmd.Type)
	}
}

func (b *Bridge) handleStatus(ctx context.Context) (any, error) {
	st, err := b.local.GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	relay := "none"
	if addr := b.endpoint.Addr(); addr != "" {
		relay = "ws://" + addr
	}
	return map[string]any{
		"endpoint_id": st.AgentID,
		"relay_url":   relay,
		"peers":       len(st.Peers),
		"uptime_secs": st.UptimeSecs,
	}, nil
}

func (b *Bridge) handleConnect(ctx context.Context, target string) (any, error) {
	id, _, err := identity.ParseAddr(target)
	if err != nil {
		return nil, err
	}
	remote, err := b.cache.Get(target)
	if err != nil {
		return nil, err
	}

	// A greeting from us makes the remote record this agent as a peer;
	// connecting is itself an act of mutual discovery.
	hello := agent.Message{
		From:      b.endpoint.ID(),
		Content:   "hello",
		Timestamp: agent.Timestamp(),
	}
	resp, err := remote.SendMsg(ctx, hello)
	if err != nil {
		return nil, err
	}

	if err := b.local.RecordPeer(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{
		"endpoint_id": id,
		"connected":   true,
		"ack":         resp.Ack,
	}, nil
}

func (b *Bridge) handleSend(ctx context.Context, target, message string) (any, error) {
	id, _, err := identity.ParseAddr(target)
	if err != nil {
		return nil, err
	}
	remote, err := b.cache.Get(target)
	if err != nil {
		return nil, err
	}

	msg := agent.Message{
		From:      b.endpoint.ID(),
		Content:   message,
		Timestamp: agent.Timestamp(),
	}
	resp, err := remote.SendMsg(ctx, msg)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"endpoint_id": id,
		"sent":        true,
		"ack":         resp.Ack,
	}, nil
}

// broadcastResult is one per-peer outcome of a broadcast.
type broadcastResult struct {
	EndpointID string `json:"endpoint_id"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// handleBroadcast sends the message to every peer known at call time. Sends
// run concurrently; each peer's failure is captured in its own result entry
// and never aborts delivery to the others.
func (b *Bridge) handleBroadcast(ctx context.Context, message string) (any, error) {
	st, err := b.local.GetStatus(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]broadcastResult, len(st.Peers))
	var wg sync.WaitGroup
	for i, peer := range st.Peers {
		wg.Add(1)
		go func(i int, peer string) {
			defer wg.Done()
			if _, err := b.handleSend(ctx, peer, message); err != nil {
				log.Printf("[bridge] broadcast to %s failed: %v", identity.Short(peer), err)
				results[i] = broadcastResult{EndpointID: peer, Success: false, Error: err.Error()}
				return
			}
			results[i] = broadcastResult{EndpointID: peer, Success: true}
		}(i, peer)
	}
	wg.Wait()

	return map[string]any{
		"broadcast": true,
		"results":   results,
	}, nil
}

func (b *Bridge) handlePeers(ctx context.Context) (any, error) {
	st, err := b.local.GetStatus(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"peers": st.Peers,
		"count": len(st.Peers),
	}, nil
}

func (b *Bridge) handleShareBytes(dataB64 string) (any, error) {
	data, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 data: %w", err)
	}
	handle, err := b.store.Put(data)
	if err != nil {
		return nil, fmt.Errorf("store bytes: %w", err)
	}
	ticket := blob.NewTicket(handle, b.endpoint.ID(), b.endpoint.Addr())
	return map[string]any{
		"ticket": ticket.String(),
		"hash":   handle.Hash,
		"format": handle.Format,
	}, nil
}

// shareResult is one per-path outcome of share_files.
type shareResult struct {
	Path   string `json:"path"`
	Ticket string `json:"ticket,omitempty"`
	Hash   string `json:"hash,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleShareFiles stores each path independently; a missing or unreadable
// file yields a per-item error entry, not a whole-command failure.
func (b *Bridge) handleShareFiles(paths []string) (any, error) {
	results := make([]shareResult, 0, len(paths))
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			results = append(results, shareResult{Path: path, Error: "file not found"})
			continue
		}
		handle, err := b.store.PutFile(path)
		if err != nil {
			results = append(results, shareResult{Path: path, Error: err.Error()})
			continue
		}
		ticket := blob.NewTicket(handle, b.endpoint.ID(), b.endpoint.Addr())
		results = append(results, shareResult{Path: path, Ticket: ticket.String(), Hash: handle.Hash})
	}
	return map[string]any{"shared": results}, nil
}

func (b *Bridge) handleFetch(ctx context.Context, ticketStr string) (any, error) {
	ticket, err := blob.ParseTicket(ticketStr)
	if err != nil {
		return nil, err
	}

	if ticket.Address != "" {
		b.endpoint.SetAddr(ticket.Provider, ticket.Address)
	}
	conn, err := b.endpoint.Connect(ticket.Provider)
	if err != nil {
		return nil, fmt.Errorf("connect to blob provider: %w", err)
	}

	data, err := blob.Fetch(ctx, conn, ticket, b.store)
	if err != nil {
		return nil, err
	}

	var text any
	if utf8.Valid(data) {
		text = string(data)
	}
	return map[string]any{
		"hash":     ticket.Hash,
		"size":     len(data),
		"data_b64": base64.StdEncoding.EncodeToString(data),
		"text":     text,
	}, nil
}
