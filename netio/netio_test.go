package netio

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"bytestag/events"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	payload, _ := json.Marshal(map[string]string{"hello": "world"})
	env := &Envelope{NetworkID: "BYTESTAG", SeqID: "abc123", Payload: payload}

	data, err := Pack(env)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	got, err := Unpack(data)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if got.NetworkID != env.NetworkID || got.SeqID != env.SeqID {
		t.Fatalf("round-trip mismatch: %+v != %+v", got, env)
	}
}

func TestServerPingRoundTrip(t *testing.T) {
	type pingMsg struct {
		Nonce int `json:"nonce"`
	}

	var gotNonce int
	server, err := NewServer("BYTESTAG", "127.0.0.1:0", func(from *net.UDPAddr, payload json.RawMessage) (interface{}, error) {
		var p pingMsg
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		gotNonce = p.Nonce
		return pingMsg{Nonce: p.Nonce + 1}, nil
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	server.Start()
	defer server.Close()

	client, err := NewServer("BYTESTAG", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewServer client: %v", err)
	}
	client.Start()
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := client.SendRequest(ctx, server.LocalAddr().String(), pingMsg{Nonce: 41}, 0)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	var p pingMsg
	if err := json.Unmarshal(reply, &p); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if p.Nonce != 42 {
		t.Fatalf("reply nonce = %d, want 42", p.Nonce)
	}
	if gotNonce != 41 {
		t.Fatalf("server saw nonce = %d, want 41", gotNonce)
	}
}

func TestServerTimeout(t *testing.T) {
	client, err := NewServer("BYTESTAG", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	client.Start()
	defer client.Close()

	unreachable, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := unreachable.LocalAddr().String()
	unreachable.Close() // nobody listening now

	ctx := context.Background()
	_, err = client.SendRequest(ctx, addr, map[string]int{"x": 1}, 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestDownloadSpoolsToDisk(t *testing.T) {
	d := NewDownload(0)
	big := make([]byte, SpoolThreshold+10)
	if err := d.Write(big); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.Write(nil); err != nil {
		t.Fatalf("Write EOF: %v", err)
	}

	data, err := d.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(data) != len(big) {
		t.Fatalf("got %d bytes, want %d", len(data), len(big))
	}
}

func TestDownloadMaxSizeExceeded(t *testing.T) {
	d := NewDownload(10)
	if err := d.Write(make([]byte, 20)); err == nil {
		t.Fatal("expected error exceeding max size")
	}
}

func TestSendPacketTaskStopsOnParentTaskStop(t *testing.T) {
	unreachable, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := unreachable.LocalAddr().String()
	unreachable.Close() // nobody listening, so the request would otherwise block until it times out

	client, err := NewServer("BYTESTAG", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	client.Start()
	defer client.Close()

	parent := events.NewTask()
	pt := NewSendPacketTask(client, addr, map[string]int{"x": 1}, 10*time.Second)
	parent.Hook(pt.Task())

	pt.Run(context.Background())

	// Stopping the parent must cascade to the hooked child and unblock its
	// Wait well before the request's own (much longer) timeout would.
	go func() {
		time.Sleep(20 * time.Millisecond)
		parent.Stop()
	}()

	start := time.Now()
	if _, err := pt.Wait(); err == nil {
		t.Fatalf("expected send to be cancelled by parent Stop")
	}
	if elapsed := time.Since(start); elapsed >= 5*time.Second {
		t.Fatalf("expected cancellation well before the request timeout, took %v", elapsed)
	}
}

func TestTransfersSendAndReceive(t *testing.T) {
	var transfers *Transfers

	server, err := NewServer("BYTESTAG", "127.0.0.1:0", func(from *net.UDPAddr, payload json.RawMessage) (interface{}, error) {
		var p struct {
			XferID string `json:"xferid"`
			Data   []byte `json:"xferdata"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		return transfers.HandleChunk(p.XferID, p.Data)
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	transfers = NewTransfers(server)
	server.Start()
	defer server.Close()

	client, err := NewServer("BYTESTAG", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewServer client: %v", err)
	}
	clientTransfers := NewTransfers(client)
	client.Start()
	defer client.Close()

	payload := make([]byte, StreamDataSize*3+7)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	xferID := "fixed-test-id"
	d := transfers.Expect(xferID, 0)

	go func() {
		for offset := 0; offset < len(payload); offset += StreamDataSize {
			end := offset + StreamDataSize
			if end > len(payload) {
				end = len(payload)
			}
			chunk := payload[offset:end]
			req := struct {
				XferID string `json:"xferid"`
				Data   []byte `json:"xferdata"`
			}{xferID, chunk}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_, err := client.SendRequest(ctx, server.LocalAddr().String(), req, 0)
			cancel()
			if err != nil {
				t.Errorf("send chunk: %v", err)
				return
			}
		}
		final := struct {
			XferID string `json:"xferid"`
			Data   []byte `json:"xferdata"`
		}{xferID, nil}
		client.SendNotification(server.LocalAddr().String(), final)
	}()
	_ = clientTransfers

	got, err := d.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("got %d bytes, want %d", len(got), len(payload))
	}
	for i := range got {
		if got[i] != payload[i] {
			t.Fatalf("byte mismatch at %d", i)
		}
	}
}
