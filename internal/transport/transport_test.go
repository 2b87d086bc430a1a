package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ssd-technologies/vesper/internal/identity"
)

const testProto = "vesper/test/1"

type echoRequest struct {
	Value string `json:"value"`
}

type echoResponse struct {
	Value string `json:"value"`
}

func newTestEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	e := NewEndpoint(identity.FromPublicKey(pub), pub, priv)
	if err := e.Listen(0); err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestCallRoundTrip(t *testing.T) {
	a := newTestEndpoint(t)
	b := newTestEndpoint(t)

	b.Handle(testProto, func(ctx context.Context, conn *Conn, frame *Frame) {
		var req echoRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			conn.ReplyError(frame, err.Error())
			return
		}
		conn.Reply(frame, echoResponse{Value: req.Value + "!"})
	})

	a.SetAddr(b.ID(), b.Addr())
	conn, err := a.Connect(b.ID())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var resp echoResponse
	if err := conn.Call(ctx, testProto, "echo", echoRequest{Value: "ping"}, &resp); err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Value != "ping!" {
		t.Fatalf("expected ping!, got %q", resp.Value)
	}

	// The connection is reused for the next call on the same peer.
	again, err := a.Connect(b.ID())
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if again != conn {
		t.Fatal("expected the live connection to be reused")
	}
}

func TestCallRemoteError(t *testing.T) {
	a := newTestEndpoint(t)
	b := newTestEndpoint(t)

	b.Handle(testProto, func(ctx context.Context, conn *Conn, frame *Frame) {
		conn.ReplyError(frame, "boom")
	})

	a.SetAddr(b.ID(), b.Addr())
	conn, err := a.Connect(b.ID())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = conn.Call(ctx, testProto, "echo", echoRequest{}, nil)
	if err == nil {
		t.Fatal("expected remote error")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected error to carry remote message, got %v", err)
	}
}

func TestConnectUnknownPeer(t *testing.T) {
	a := newTestEndpoint(t)
	b := newTestEndpoint(t)

	if _, err := a.Connect(b.ID()); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
}

func TestStream(t *testing.T) {
	a := newTestEndpoint(t)
	b := newTestEndpoint(t)

	const n = 5
	b.Handle(testProto, func(ctx context.Context, conn *Conn, frame *Frame) {
		for i := 0; i < n; i++ {
			if err := conn.StreamItem(frame, echoResponse{Value: "item"}); err != nil {
				return
			}
		}
		conn.EndStream(frame)
	})

	a.SetAddr(b.ID(), b.Addr())
	conn, err := a.Connect(b.ID())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := conn.OpenStream(ctx, testProto, "list", echoRequest{})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	count := 0
	for range stream.C {
		count++
	}
	if count != n {
		t.Fatalf("expected %d items, got %d", n, count)
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("clean end reported error: %v", err)
	}
}

func TestStreamRemoteError(t *testing.T) {
	a := newTestEndpoint(t)
	b := newTestEndpoint(t)

	b.Handle(testProto, func(ctx context.Context, conn *Conn, frame *Frame) {
		conn.StreamItem(frame, echoResponse{Value: "one"})
		conn.ReplyError(frame, "stream failed")
	})

	a.SetAddr(b.ID(), b.Addr())
	conn, err := a.Connect(b.ID())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := conn.OpenStream(ctx, testProto, "list", echoRequest{})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	for range stream.C {
	}
	if err := stream.Err(); err == nil || !strings.Contains(err.Error(), "stream failed") {
		t.Fatalf("expected remote stream error, got %v", err)
	}
}

func TestStreamSlowConsumerLosesNothing(t *testing.T) {
	a := newTestEndpoint(t)
	b := newTestEndpoint(t)

	const n = 300
	b.Handle(testProto, func(ctx context.Context, conn *Conn, frame *Frame) {
		for i := 0; i < n; i++ {
			if err := conn.StreamItem(frame, echoResponse{Value: "item"}); err != nil {
				return
			}
		}
		conn.EndStream(frame)
	})

	a.SetAddr(b.ID(), b.Addr())
	conn, err := a.Connect(b.ID())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stream, err := conn.OpenStream(ctx, testProto, "list", echoRequest{})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	// Let the producer run far ahead before draining a single item: a
	// lagging consumer must stall delivery, never lose frames.
	time.Sleep(500 * time.Millisecond)

	count := 0
	for range stream.C {
		count++
	}
	if err := stream.Err(); err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if count != n {
		t.Fatalf("expected %d items, got %d", n, count)
	}
}

func TestConnectConcurrentSingleConnection(t *testing.T) {
	a := newTestEndpoint(t)
	b := newTestEndpoint(t)

	a.SetAddr(b.ID(), b.Addr())

	conns := make([]*Conn, 8)
	var wg sync.WaitGroup
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := a.Connect(b.ID())
			if err != nil {
				t.Errorf("connect: %v", err)
				return
			}
			conns[i] = c
		}(i)
	}
	wg.Wait()

	for _, c := range conns {
		if c != conns[0] {
			t.Fatal("concurrent connects produced distinct connections")
		}
	}
}

func TestFrameSignVerify(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id := identity.FromPublicKey(pub)

	newFrame := func() *Frame {
		return &Frame{
			Proto:     testProto,
			Type:      FrameRequest,
			ID:        "frame-1",
			Method:    "echo",
			Sender:    Sender{AgentID: id, PublicKey: hex.EncodeToString(pub)},
			Timestamp: time.Now().Unix(),
			Payload:   json.RawMessage(`{"value":"ping"}`),
		}
	}

	f := newFrame()
	f.Sign(priv)
	if err := f.Verify(); err != nil {
		t.Fatalf("valid frame rejected: %v", err)
	}

	// Tampered payload.
	f = newFrame()
	f.Sign(priv)
	f.Payload = json.RawMessage(`{"value":"pong"}`)
	if err := f.Verify(); err == nil {
		t.Fatal("tampered payload accepted")
	}

	// Claimed identity does not match the public key.
	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	f = newFrame()
	f.Sender.AgentID = identity.FromPublicKey(otherPub)
	f.Sign(priv)
	if err := f.Verify(); err == nil {
		t.Fatal("mismatched identity accepted")
	}

	// Missing signature.
	f = newFrame()
	if err := f.Verify(); err == nil {
		t.Fatal("unsigned frame accepted")
	}
}

func TestFrameSigningRejectsFieldSplice(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sender := Sender{
		AgentID:   identity.FromPublicKey(pub),
		PublicKey: hex.EncodeToString(pub),
	}

	signed := &Frame{
		Proto:  testProto,
		Type:   FrameRequest,
		ID:     "ab",
		Method: "c",
		Sender: sender,
	}
	signed.Sign(priv)

	// Same concatenated bytes, split differently across adjacent fields.
	spliced := &Frame{
		Proto:     testProto,
		Type:      FrameRequest,
		ID:        "a",
		Method:    "bc",
		Sender:    sender,
		Signature: signed.Signature,
	}
	if err := spliced.Verify(); err == nil {
		t.Fatal("spliced frame accepted")
	}
}
