package routing

import (
	"errors"
	"testing"

	"bytestag/keys"
)

func randKey(t *testing.T) keys.KeyBytes {
	t.Helper()
	k, err := keys.Random()
	if err != nil {
		t.Fatalf("keys.Random: %v", err)
	}
	return k
}

func TestBucketFullProbationKeepOld(t *testing.T) {
	b := newBucket(0)
	var nodes []Node
	for i := 0; i < K; i++ {
		n := Node{Key: randKey(t), Addr: "a"}
		nodes = append(nodes, n)
		if err := b.Update(n); err != nil {
			t.Fatalf("unexpected error filling bucket: %v", err)
		}
	}

	candidate := Node{Key: randKey(t), Addr: "b"}
	err := b.Update(candidate)
	var full *BucketFullError
	if !errors.As(err, &full) {
		t.Fatalf("expected BucketFullError, got %v", err)
	}
	if !full.Node.Equal(nodes[0]) {
		t.Fatalf("expected oldest node %v as probation candidate, got %v", nodes[0], full.Node)
	}

	b.KeepOld()

	if !b.Contains(nodes[0]) {
		t.Fatal("oldest node should remain after KeepOld")
	}
	if b.Contains(candidate) {
		t.Fatal("candidate should not be added after KeepOld")
	}
	if b.Len() != K {
		t.Fatalf("bucket length = %d, want %d", b.Len(), K)
	}
}

func TestBucketFullProbationKeepNew(t *testing.T) {
	b := newBucket(0)
	var nodes []Node
	for i := 0; i < K; i++ {
		n := Node{Key: randKey(t), Addr: "a"}
		nodes = append(nodes, n)
		_ = b.Update(n)
	}

	candidate := Node{Key: randKey(t), Addr: "b"}
	_ = b.Update(candidate)
	b.KeepNew()

	if b.Contains(nodes[0]) {
		t.Fatal("oldest node should be evicted after KeepNew")
	}
	if !b.Contains(candidate) {
		t.Fatal("candidate should be present after KeepNew")
	}
	if b.Len() != K {
		t.Fatalf("bucket length = %d, want %d", b.Len(), K)
	}
}

func TestTableRejectsSelf(t *testing.T) {
	local := randKey(t)
	tbl := NewTable(local)

	if err := tbl.Update(Node{Key: local, Addr: "x"}); err == nil {
		t.Fatal("expected error adding self to routing table")
	}
}

func TestTableCloseNodes(t *testing.T) {
	local := randKey(t)
	tbl := NewTable(local)

	var added []Node
	for i := 0; i < 50; i++ {
		n := Node{Key: randKey(t), Addr: "addr"}
		if err := tbl.Update(n); err == nil {
			added = append(added, n)
		}
	}

	close5 := tbl.CloseNodes(randKey(t), 5)
	if len(close5) > 5 {
		t.Fatalf("CloseNodes returned %d nodes, want <= 5", len(close5))
	}
	if len(added) >= 5 && len(close5) == 0 {
		t.Fatal("expected some close nodes with a populated table")
	}
}

func TestTableNumContacts(t *testing.T) {
	local := randKey(t)
	tbl := NewTable(local)

	for i := 0; i < 10; i++ {
		_ = tbl.Update(Node{Key: randKey(t), Addr: "a"})
	}
	if tbl.NumContacts() > 10 || tbl.NumContacts() < 0 {
		t.Fatalf("NumContacts = %d", tbl.NumContacts())
	}
}
