package netio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// StreamDataSize is the chunk size used for a chunked bulk transfer.
const StreamDataSize = 1024

// SpoolThreshold is the in-memory size above which a Download spills its
// buffered chunks to a temporary file, matching the reference download's
// SpooledTemporaryFile behavior.
const SpoolThreshold = 1 << 20 // 1 MiB

// TransferInactivityTimeout is how long a Download waits between chunks
// before it fails the transfer.
const TransferInactivityTimeout = 30 * time.Second

// Download accumulates the chunks of an inbound chunked transfer, spilling
// to disk once SpoolThreshold bytes have been buffered. A nil/empty final
// chunk ends the transfer.
type Download struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	spillFile *os.File
	size      int
	maxSize   int
	done      chan struct{}
	failed    error
	finished  bool
	touched   chan struct{}
}

// NewDownload creates a Download that rejects transfers larger than maxSize
// bytes (0 means unlimited).
func NewDownload(maxSize int) *Download {
	return &Download{
		maxSize: maxSize,
		done:    make(chan struct{}),
		touched: make(chan struct{}, 1),
	}
}

func (d *Download) poke() {
	select {
	case d.touched <- struct{}{}:
	default:
	}
}

// Write appends a chunk. An empty chunk signals end-of-transfer.
func (d *Download) Write(chunk []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.finished {
		return fmt.Errorf("netio: write to finished download")
	}

	if len(chunk) == 0 {
		d.finished = true
		close(d.done)
		return nil
	}

	d.size += len(chunk)
	if d.maxSize > 0 && d.size > d.maxSize {
		d.failed = fmt.Errorf("netio: download exceeds max size %d", d.maxSize)
		d.finished = true
		close(d.done)
		return d.failed
	}

	if d.spillFile == nil && d.buf.Len()+len(chunk) > SpoolThreshold {
		f, err := os.CreateTemp("", "bytestag-xfer-*")
		if err != nil {
			return fmt.Errorf("netio: spool to disk: %w", err)
		}
		if _, err := f.Write(d.buf.Bytes()); err != nil {
			f.Close()
			return fmt.Errorf("netio: spool to disk: %w", err)
		}
		d.buf.Reset()
		d.spillFile = f
	}

	var err error
	if d.spillFile != nil {
		_, err = d.spillFile.Write(chunk)
	} else {
		_, err = d.buf.Write(chunk)
	}
	d.poke()
	return err
}

// Fail aborts the download with err.
func (d *Download) Fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finished {
		return
	}
	d.failed = err
	d.finished = true
	close(d.done)
}

// Wait blocks until the download completes (successfully or not), or ctx is
// canceled, or no chunk arrives for TransferInactivityTimeout. It returns the
// assembled bytes.
func (d *Download) Wait(ctx context.Context) ([]byte, error) {
	timer := time.NewTimer(TransferInactivityTimeout)
	defer timer.Stop()

	for {
		select {
		case <-d.done:
			return d.bytes()
		case <-d.touched:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(TransferInactivityTimeout)
		case <-timer.C:
			d.Fail(fmt.Errorf("netio: transfer inactivity timeout"))
			return nil, d.failed
		case <-ctx.Done():
			d.Fail(ctx.Err())
			return nil, ctx.Err()
		}
	}
}

func (d *Download) bytes() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failed != nil {
		return nil, d.failed
	}

	if d.spillFile != nil {
		if _, err := d.spillFile.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		data, err := io.ReadAll(d.spillFile)
		d.spillFile.Close()
		os.Remove(d.spillFile.Name())
		return data, err
	}

	out := make([]byte, d.buf.Len())
	copy(out, d.buf.Bytes())
	return out, nil
}

// Transfers manages inbound chunked transfers keyed by transfer id, and
// drives outbound chunked sends. It sits on top of a Server.
type Transfers struct {
	server *Server
	log    *logrus.Entry

	mu        sync.Mutex
	downloads map[string]*Download
}

// NewTransfers creates a Transfers manager bound to server. The returned
// manager's HandleChunk must be wired into the server's request handler for
// the transfer RPC.
func NewTransfers(server *Server) *Transfers {
	return &Transfers{
		server:    server,
		log:       logrus.WithField("component", "netio.transfers"),
		downloads: make(map[string]*Download),
	}
}

// Expect registers a Download to receive chunks for xferID and returns it.
// Call this before the sender could plausibly deliver chunks.
func (t *Transfers) Expect(xferID string, maxSize int) *Download {
	d := NewDownload(maxSize)
	t.mu.Lock()
	t.downloads[xferID] = d
	t.mu.Unlock()
	return d
}

// HandleChunk routes an inbound chunk to its registered Download. Returns an
// ack payload for the sender's pacing, or an error if the transfer is
// unknown.
func (t *Transfers) HandleChunk(xferID string, data []byte) (interface{}, error) {
	t.mu.Lock()
	d, ok := t.downloads[xferID]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("netio: unknown transfer %s", xferID)
	}

	if err := d.Write(data); err != nil {
		t.mu.Lock()
		delete(t.downloads, xferID)
		t.mu.Unlock()
		return nil, err
	}
	if len(data) == 0 {
		t.mu.Lock()
		delete(t.downloads, xferID)
		t.mu.Unlock()
	}
	return struct{}{}, nil
}

// Send splits data into StreamDataSize chunks and sends each to addr tagged
// with a fresh transfer id, waiting for a pacing ack between chunks except
// the final (empty) chunk, which is sent as a fire-and-forget notification —
// matching the reference UploadTask's handling of its terminating chunk.
func (t *Transfers) Send(ctx context.Context, addr string, data []byte, rpc string) (string, error) {
	return t.SendWithID(ctx, addr, data, uuid.NewString())
}

// SendWithID is like Send but uses a caller-supplied transfer id instead of
// generating one — needed when the receiver pre-registered a Download under
// an id agreed on out-of-band (e.g. derived from a STORE RPC's key/index).
func (t *Transfers) SendWithID(ctx context.Context, addr string, data []byte, xferID string) (string, error) {
	for offset := 0; offset < len(data); offset += StreamDataSize {
		end := offset + StreamDataSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]

		payload := chunkPayload{XferID: xferID, Data: chunk}
		if _, err := t.server.SendRequest(ctx, addr, payload, DefaultTimeout); err != nil {
			return xferID, fmt.Errorf("netio: send chunk at offset %d: %w", offset, err)
		}
	}

	final := chunkPayload{XferID: xferID, Data: nil}
	if err := t.server.SendNotification(addr, final); err != nil {
		return xferID, fmt.Errorf("netio: send final chunk: %w", err)
	}

	return xferID, nil
}

type chunkPayload struct {
	XferID string `json:"xferid"`
	Data   []byte `json:"xferdata,omitempty"`
}
