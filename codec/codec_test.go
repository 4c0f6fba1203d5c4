package codec

import (
	"testing"

	"bytestag/keys"
)

func TestFileInfoCanonicalRoundTrip(t *testing.T) {
	fileHash, _ := keys.Random()
	p1, _ := keys.Random()
	p2, _ := keys.Random()

	fi := NewFileInfo(fileHash, []keys.KeyBytes{p1, p2})
	data, err := fi.MarshalCanonicalJSON()
	if err != nil {
		t.Fatalf("MarshalCanonicalJSON: %v", err)
	}

	got, err := FileInfoFromBytes(data)
	if err != nil {
		t.Fatalf("FileInfoFromBytes: %v", err)
	}
	if got.FileHash != fi.FileHash {
		t.Fatalf("file hash mismatch")
	}
	if len(got.PartHashes) != 2 || got.PartHashes[0] != p1 || got.PartHashes[1] != p2 {
		t.Fatalf("part hashes mismatch: %v", got.PartHashes)
	}
}

func TestFileInfoIndexDeterministic(t *testing.T) {
	fileHash, _ := keys.Random()
	fi := NewFileInfo(fileHash, nil)

	idx1, err := fi.Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	idx2, err := fi.Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if idx1 != idx2 {
		t.Fatal("Index should be deterministic for the same FileInfo")
	}
}

func TestMagnetURIParse(t *testing.T) {
	key, _ := keys.Random()
	uri := WithBytestagInfoHash(key)

	m, err := ParseMagnetURI(uri)
	if err != nil {
		t.Fatalf("ParseMagnetURI: %v", err)
	}

	got, ok, err := m.BytestagInfoHash()
	if err != nil {
		t.Fatalf("BytestagInfoHash: %v", err)
	}
	if !ok {
		t.Fatal("expected bytestag info hash to be present")
	}
	if got != key {
		t.Fatalf("got %v, want %v", got, key)
	}
}

func TestMagnetURIRejectsWrongScheme(t *testing.T) {
	if _, err := ParseMagnetURI("http://example.com"); err == nil {
		t.Fatal("expected error for non-magnet scheme")
	}
}

func TestFileInfoCanonicalJSONByteIdentical(t *testing.T) {
	const input = `{"!":"BytestagFileInfo","hash":"jbip9t8iC9lEz3jndkm5I2fTWV0=","parts":["jbip9t8iC9lEz3jndkm5I2fTWV0="]}`

	fi, err := FileInfoFromBytes([]byte(input))
	if err != nil {
		t.Fatalf("FileInfoFromBytes: %v", err)
	}

	out, err := fi.MarshalCanonicalJSON()
	if err != nil {
		t.Fatalf("MarshalCanonicalJSON: %v", err)
	}
	if string(out) != input {
		t.Fatalf("round trip not byte-identical:\n got  %s\n want %s", out, input)
	}
}

func TestCollectionInfoCanonicalRoundTrip(t *testing.T) {
	fileHash1, _ := keys.Random()
	fileHash2, _ := keys.Random()
	part, _ := keys.Random()

	f1 := NewFileInfo(fileHash1, []keys.KeyBytes{part})
	f2 := NewFileInfo(fileHash2, nil)
	ts := int64(1717000000)

	ci := &CollectionInfo{Files: []*FileInfo{f1, f2}, Comment: "two files", Timestamp: &ts}

	data, err := ci.MarshalCanonicalJSON()
	if err != nil {
		t.Fatalf("MarshalCanonicalJSON: %v", err)
	}

	got, err := CollectionInfoFromBytes(data)
	if err != nil {
		t.Fatalf("CollectionInfoFromBytes: %v", err)
	}
	if got.Comment != ci.Comment {
		t.Fatalf("comment mismatch: got %q want %q", got.Comment, ci.Comment)
	}
	if got.Timestamp == nil || *got.Timestamp != ts {
		t.Fatalf("timestamp mismatch: got %v want %d", got.Timestamp, ts)
	}
	if len(got.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(got.Files))
	}
	if got.Files[0].FileHash != fileHash1 || len(got.Files[0].PartHashes) != 1 || got.Files[0].PartHashes[0] != part {
		t.Fatalf("file 0 mismatch: %+v", got.Files[0])
	}
	if got.Files[1].FileHash != fileHash2 {
		t.Fatalf("file 1 mismatch: %+v", got.Files[1])
	}
}

func TestCollectionInfoIndexDeterministic(t *testing.T) {
	fileHash, _ := keys.Random()
	ci := &CollectionInfo{Files: []*FileInfo{NewFileInfo(fileHash, nil)}}

	idx1, err := ci.Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	idx2, err := ci.Index()
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if idx1 != idx2 {
		t.Fatal("Index should be deterministic for the same CollectionInfo")
	}
}

func TestMagnetURISuffixMerge(t *testing.T) {
	m, err := ParseMagnetURI("magnet:?dn=a&dn.1=b&dn.2=c")
	if err != nil {
		t.Fatalf("ParseMagnetURI: %v", err)
	}
	vals := m.Get("dn")
	if len(vals) != 3 {
		t.Fatalf("expected 3 merged dn values, got %v", vals)
	}
}
