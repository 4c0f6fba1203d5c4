package netio

import (
	"context"
	"encoding/json"
	"time"

	"bytestag/events"
)

// SendPacketTask drives a single SendRequest round trip as an events.Task, so
// a caller holding the task (or a parent task it has been Hooked onto via
// Task.Hook) can Stop it to abandon the request independent of ctx, mirroring
// the reference network layer's SendPacketTask.
type SendPacketTask struct {
	task    *events.Task
	server  *Server
	addr    string
	payload interface{}
	timeout time.Duration
}

// NewSendPacketTask builds a SendPacketTask that has not yet been started.
func NewSendPacketTask(s *Server, addr string, payload interface{}, timeout time.Duration) *SendPacketTask {
	return &SendPacketTask{server: s, addr: addr, payload: payload, timeout: timeout, task: events.NewTask()}
}

// Task returns the underlying Task for hooking and cancellation.
func (t *SendPacketTask) Task() *events.Task { return t.task }

// Run starts the request on a new goroutine.
func (t *SendPacketTask) Run(ctx context.Context) {
	runCtx, cancel := events.ContextWithStop(ctx, t.task)
	t.task.Run(func(_ *events.Task) (interface{}, error) {
		defer cancel()
		return t.server.SendRequest(runCtx, t.addr, t.payload, t.timeout)
	})
}

// Wait blocks until the request completes and returns its reply payload.
func (t *SendPacketTask) Wait() (json.RawMessage, error) {
	result, err := t.task.Wait()
	if err != nil {
		return nil, err
	}
	raw, _ := result.(json.RawMessage)
	return raw, nil
}

// DownloadTask drives a Download's Wait as an events.Task, for the same
// Hook-based cancellation as SendPacketTask, matching the reference
// DownloadTask.
type DownloadTask struct {
	task     *events.Task
	download *Download
}

// NewDownloadTask builds a DownloadTask over an already-registered Download.
func NewDownloadTask(d *Download) *DownloadTask {
	return &DownloadTask{download: d, task: events.NewTask()}
}

// Task returns the underlying Task for hooking and cancellation.
func (t *DownloadTask) Task() *events.Task { return t.task }

// Run starts waiting for the download's chunks on a new goroutine.
func (t *DownloadTask) Run(ctx context.Context) {
	runCtx, cancel := events.ContextWithStop(ctx, t.task)
	t.task.Run(func(_ *events.Task) (interface{}, error) {
		defer cancel()
		return t.download.Wait(runCtx)
	})
}

// Wait blocks until the download finishes and returns the assembled bytes.
func (t *DownloadTask) Wait() ([]byte, error) {
	result, err := t.task.Wait()
	if err != nil {
		return nil, err
	}
	data, _ := result.([]byte)
	return data, nil
}

// UploadTask drives a chunked SendWithID upload as an events.Task, matching
// the reference UploadTask.
type UploadTask struct {
	task      *events.Task
	transfers *Transfers
	addr      string
	data      []byte
	xferID    string
}

// NewUploadTask builds an UploadTask that sends data to addr under xferID.
func NewUploadTask(t *Transfers, addr string, data []byte, xferID string) *UploadTask {
	return &UploadTask{transfers: t, addr: addr, data: data, xferID: xferID, task: events.NewTask()}
}

// Task returns the underlying Task for hooking and cancellation.
func (t *UploadTask) Task() *events.Task { return t.task }

// Run starts the chunked upload on a new goroutine.
func (t *UploadTask) Run(ctx context.Context) {
	runCtx, cancel := events.ContextWithStop(ctx, t.task)
	t.task.Run(func(_ *events.Task) (interface{}, error) {
		defer cancel()
		return t.transfers.SendWithID(runCtx, t.addr, t.data, t.xferID)
	})
}

// Wait blocks until the upload completes and returns its transfer id.
func (t *UploadTask) Wait() (string, error) {
	result, err := t.task.Wait()
	if err != nil {
		return "", err
	}
	id, _ := result.(string)
	return id, nil
}
