package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/ssd-technologies/vesper/internal/transport"
)

// ProtocolID identifies the blob fetch protocol on the transport, distinct
// from the agent protocol ID.
const ProtocolID = "vesper/blob/1"

// MethodFetch is the only blob protocol method.
const MethodFetch = "fetch"

// chunkSize is the maximum content bytes per stream item.
const chunkSize = 64 * 1024

type fetchRequest struct {
	Hash string `json:"hash"`
}

type fetchChunk struct {
	Data []byte `json:"data"` // base64 in the JSON frame
}

// NewProtocolHandler returns the provider side of the fetch protocol: it
// looks up the requested hash and streams the content in chunks.
func NewProtocolHandler(store Store) transport.Handler {
	return func(ctx context.Context, conn *transport.Conn, frame *transport.Frame) {
		if frame.Method != MethodFetch {
			conn.ReplyError(frame, "unknown method: "+frame.Method)
			return
		}
		var req fetchRequest
		if err := json.Unmarshal(frame.Payload, &req); err != nil {
			conn.ReplyError(frame, "invalid fetch request: "+err.Error())
			return
		}

		data, err := store.Get(req.Hash)
		if err != nil {
			conn.ReplyError(frame, err.Error())
			return
		}

		for off := 0; off < len(data); off += chunkSize {
			end := off + chunkSize
			if end > len(data) {
				end = len(data)
			}
			if err := conn.StreamItem(frame, fetchChunk{Data: data[off:end]}); err != nil {
				log.Printf("[blob] fetch stream aborted: %v", err)
				return
			}
		}
		if err := conn.EndStream(frame); err != nil {
			log.Printf("[blob] fetch stream end failed: %v", err)
		}
	}
}

// Fetch pulls the content referenced by the ticket over an established
// connection, verifies its hash, stores it locally, and returns the bytes.
// A hash mismatch (corruption or truncation) is an error.
func Fetch(ctx context.Context, conn *transport.Conn, t Ticket, store Store) ([]byte, error) {
	stream, err := conn.OpenStream(ctx, ProtocolID, MethodFetch, fetchRequest{Hash: t.Hash})
	if err != nil {
		return nil, fmt.Errorf("open fetch stream: %w", err)
	}

	var data []byte
	for payload := range stream.C {
		var c fetchChunk
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, fmt.Errorf("decode fetch chunk: %w", err)
		}
		data = append(data, c.Data...)
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", t.Hash, err)
	}

	if HashBytes(data) != t.Hash {
		return nil, fmt.Errorf("fetch %s: content hash mismatch", t.Hash)
	}
	if _, err := store.Put(data); err != nil {
		return nil, fmt.Errorf("store fetched blob: %w", err)
	}
	return data, nil
}
