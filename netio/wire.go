// Package netio implements the UDP transport: JSON+deflate datagram framing,
// request/reply correlation by sequence id, and chunked bulk transfer for
// payloads too large to fit a single datagram.
package netio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// MaxUDPPacketSize is the largest datagram this layer will send or accept,
// matching the practical IPv4 UDP payload ceiling used by the reference
// network layer.
const MaxUDPPacketSize = 65507

// Envelope is the wire-level message exchanged over UDP. Every request and
// reply is one Envelope; Payload carries the RPC-specific JSON body.
//
// Compression uses zlib (RFC 1950), not raw DEFLATE: the original
// implementation calls Python's zlib.compress/decompress, which wrap the
// DEFLATE stream in a zlib header and Adler-32 trailer, so this layer uses
// klauspost/compress's zlib (a faster drop-in for the standard library's)
// rather than compress/flate to stay wire-compatible with that framing
// choice.
type Envelope struct {
	NetworkID string          `json:"netid"`
	SeqID     string          `json:"seqid"`
	ReplyID   string          `json:"replyid,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	XferID    string          `json:"xferid,omitempty"`
	XferData  []byte          `json:"xferdata,omitempty"`
	XferSize  int             `json:"xfersize,omitempty"`
}

// Pack serializes env to JSON and compresses it with zlib, returning the
// bytes ready to send as a single UDP datagram. Returns an error if the
// compressed result would exceed MaxUDPPacketSize.
func Pack(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("netio: marshal envelope: %w", err)
	}

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("netio: compress envelope: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("netio: compress envelope: %w", err)
	}

	if buf.Len() > MaxUDPPacketSize {
		return nil, fmt.Errorf("netio: packed envelope %d bytes exceeds max datagram size %d", buf.Len(), MaxUDPPacketSize)
	}

	return buf.Bytes(), nil
}

// Unpack decompresses and decodes a datagram produced by Pack.
func Unpack(data []byte) (*Envelope, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("netio: decompress datagram: %w", err)
	}
	defer r.Close()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("netio: decompress datagram: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("netio: unmarshal envelope: %w", err)
	}
	return &env, nil
}
