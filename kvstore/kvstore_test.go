package kvstore

import (
	"os"
	"testing"
	"time"

	"bytestag/keys"
)

func randID(t *testing.T) ID {
	t.Helper()
	k1, _ := keys.Random()
	return ID{Key: k1, Index: keys.NewHash([]byte("value-for-" + k1.Hex()))}
}

func TestMemoryTableSetGetDelete(t *testing.T) {
	tbl := NewMemoryTable()
	id := randID(t)
	value := []byte("hello")

	if tbl.Contains(id) {
		t.Fatal("should not contain id before Set")
	}
	if err := tbl.Set(id, value); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !tbl.Contains(id) {
		t.Fatal("should contain id after Set")
	}

	got, err := tbl.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want hello", got)
	}

	if err := tbl.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if tbl.Contains(id) {
		t.Fatal("should not contain id after Delete")
	}
}

func TestMemoryTableRecordFields(t *testing.T) {
	tbl := NewMemoryTable()
	id := randID(t)
	_ = tbl.Set(id, []byte("x"))

	rec, err := tbl.Record(id)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	now := time.Now()
	if err := rec.SetTimestamp(now); err != nil {
		t.Fatalf("SetTimestamp: %v", err)
	}
	if !rec.Timestamp().Equal(now) {
		t.Fatalf("Timestamp = %v, want %v", rec.Timestamp(), now)
	}
}

func TestDiskCacheTableEvicts(t *testing.T) {
	dir := t.TempDir()
	tbl, err := NewDiskCacheTable(dir, 2, 0)
	if err != nil {
		t.Fatalf("NewDiskCacheTable: %v", err)
	}

	id1, id2, id3 := randID(t), randID(t), randID(t)
	_ = tbl.Set(id1, []byte("a"))
	_ = tbl.Set(id2, []byte("b"))
	_ = tbl.Set(id3, []byte("c")) // should evict id1

	if tbl.Contains(id1) {
		t.Fatal("expected id1 to be evicted")
	}
	if !tbl.Contains(id2) || !tbl.Contains(id3) {
		t.Fatal("expected id2 and id3 to remain")
	}

	entries, _ := os.ReadDir(dir)
	backing := 0
	for _, e := range entries {
		if e.Name() != indexFileName {
			backing++
		}
	}
	if backing != 2 {
		t.Fatalf("expected 2 backing files after eviction, got %d", backing)
	}
}

func TestDiskCacheTableGet(t *testing.T) {
	dir := t.TempDir()
	tbl, err := NewDiskCacheTable(dir, 10, 0)
	if err != nil {
		t.Fatalf("NewDiskCacheTable: %v", err)
	}

	id := randID(t)
	if err := tbl.Set(id, []byte("payload")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := tbl.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q, want payload", got)
	}
}

func TestDiskCacheTableSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	tbl, err := NewDiskCacheTable(dir, 10, 0)
	if err != nil {
		t.Fatalf("NewDiskCacheTable: %v", err)
	}

	id := randID(t)
	if err := tbl.Set(id, []byte("durable")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	rec, err := tbl.Record(id)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	ts := time.Now().Add(-time.Hour).Truncate(time.Second)
	if err := rec.SetTimestamp(ts); err != nil {
		t.Fatalf("SetTimestamp: %v", err)
	}
	if err := rec.SetTimeToLive(2 * time.Hour); err != nil {
		t.Fatalf("SetTimeToLive: %v", err)
	}
	if err := rec.SetIsOriginal(true); err != nil {
		t.Fatalf("SetIsOriginal: %v", err)
	}

	reopened, err := NewDiskCacheTable(dir, 10, 0)
	if err != nil {
		t.Fatalf("reopen NewDiskCacheTable: %v", err)
	}

	if !reopened.Contains(id) {
		t.Fatal("expected entry to survive reopening the same directory")
	}
	got, err := reopened.Get(id)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != "durable" {
		t.Fatalf("got %q, want durable", got)
	}

	reopenedRec, err := reopened.Record(id)
	if err != nil {
		t.Fatalf("Record after reopen: %v", err)
	}
	if !reopenedRec.Timestamp().Equal(ts) {
		t.Fatalf("timestamp after reopen = %v, want %v", reopenedRec.Timestamp(), ts)
	}
	if reopenedRec.TimeToLive() != 2*time.Hour {
		t.Fatalf("ttl after reopen = %v, want 2h", reopenedRec.TimeToLive())
	}
	if !reopenedRec.IsOriginal() {
		t.Fatal("expected is_original to survive reopening")
	}
}

func TestDiskCacheTableDropsOrphanedIndexEntries(t *testing.T) {
	dir := t.TempDir()
	tbl, err := NewDiskCacheTable(dir, 10, 0)
	if err != nil {
		t.Fatalf("NewDiskCacheTable: %v", err)
	}
	id := randID(t)
	if err := tbl.Set(id, []byte("x")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Simulate the backing value file having been removed out from under the
	// index (e.g. manual cleanup, disk corruption) between process restarts.
	path := tbl.pathFor(id)
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove backing file: %v", err)
	}

	reopened, err := NewDiskCacheTable(dir, 10, 0)
	if err != nil {
		t.Fatalf("reopen NewDiskCacheTable: %v", err)
	}
	if reopened.Contains(id) {
		t.Fatal("expected orphaned index entry (missing backing file) to be dropped on load")
	}
}

func TestAggregateTableReadsFallThrough(t *testing.T) {
	primary := NewMemoryTable()
	secondary := NewMemoryTable()
	agg := NewAggregateTable(primary, secondary)

	idOnlyInSecondary := randID(t)
	_ = secondary.Set(idOnlyInSecondary, []byte("from-secondary"))

	if !agg.Contains(idOnlyInSecondary) {
		t.Fatal("aggregate should find entries in secondary backend")
	}
	got, err := agg.Get(idOnlyInSecondary)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "from-secondary" {
		t.Fatalf("got %q", got)
	}
}

func TestAggregateTableWritesToPrimary(t *testing.T) {
	primary := NewMemoryTable()
	secondary := NewMemoryTable()
	agg := NewAggregateTable(primary, secondary)

	id := randID(t)
	if err := agg.Set(id, []byte("x")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !primary.Contains(id) {
		t.Fatal("expected write to land on primary")
	}
	if secondary.Contains(id) {
		t.Fatal("did not expect write to land on secondary")
	}
}

func TestSharedFilesTableHashAndServe(t *testing.T) {
	dir := t.TempDir()
	content := make([]byte, DefaultPartSize+100)
	for i := range content {
		content[i] = byte(i % 256)
	}
	if err := os.WriteFile(dir+"/file.bin", content, 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	tbl := NewSharedFilesTable(0, "")
	tbl.AddDirectory(dir)
	if err := tbl.HashDirectories(); err != nil {
		t.Fatalf("HashDirectories: %v", err)
	}

	ids, err := tbl.Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(ids) == 0 {
		t.Fatal("expected at least one indexed entry")
	}

	var partCount int
	for _, id := range ids {
		if id.Key == id.Index {
			partCount++
			data, err := tbl.Get(id)
			if err != nil {
				t.Fatalf("Get part: %v", err)
			}
			if !keys.ValidateValue(id.Index, data) {
				t.Fatalf("part content does not hash to its own key")
			}
		}
	}
	if partCount != 2 {
		t.Fatalf("expected 2 parts for a file spanning DefaultPartSize+100 bytes, got %d", partCount)
	}

	if err := tbl.Set(ID{}, nil); err == nil {
		t.Fatal("expected Set to be rejected on read-only table")
	}
}

func TestSharedFilesTableSkipsUnchangedFileAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	content := []byte("stable content that should only be hashed once")
	if err := os.WriteFile(dir+"/file.bin", content, 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	indexPath := t.TempDir() + "/index.json"

	tbl := NewSharedFilesTable(0, indexPath)
	tbl.AddDirectory(dir)
	if err := tbl.HashDirectories(); err != nil {
		t.Fatalf("HashDirectories: %v", err)
	}
	ids, err := tbl.Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(ids) == 0 {
		t.Fatal("expected at least one indexed entry")
	}

	if _, err := os.Stat(indexPath); err != nil {
		t.Fatalf("expected durable index to be written: %v", err)
	}

	reopened := NewSharedFilesTable(0, indexPath)
	reopened.AddDirectory(dir)
	if err := reopened.HashDirectories(); err != nil {
		t.Fatalf("reopen HashDirectories: %v", err)
	}

	reopenedIDs, err := reopened.Keys()
	if err != nil {
		t.Fatalf("Keys after reopen: %v", err)
	}
	if len(reopenedIDs) != len(ids) {
		t.Fatalf("expected reopened table to recover %d entries from the durable index, got %d", len(ids), len(reopenedIDs))
	}

	for _, id := range ids {
		if !reopened.Contains(id) {
			t.Fatalf("expected reopened table to contain %+v recovered from the index", id)
		}
	}
}

func TestDiskCacheTableCapacityRejectsOversized(t *testing.T) {
	dir := t.TempDir()
	tbl, err := NewDiskCacheTable(dir, 10, 10)
	if err != nil {
		t.Fatalf("NewDiskCacheTable: %v", err)
	}

	id := randID(t)
	if !tbl.IsAcceptable(id, 5, time.Unix(1, 0)) {
		t.Fatal("expected 5-byte store to fit under a 10-byte cap")
	}
	if err := tbl.Set(id, []byte("hello")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	other := randID(t)
	if tbl.IsAcceptable(other, 10, time.Unix(2, 0)) {
		t.Fatal("expected store exceeding remaining capacity to be rejected")
	}
}

func TestDiskCacheTableCleanExpires(t *testing.T) {
	dir := t.TempDir()
	tbl, err := NewDiskCacheTable(dir, 10, 0)
	if err != nil {
		t.Fatalf("NewDiskCacheTable: %v", err)
	}

	id := randID(t)
	_ = tbl.Set(id, []byte("stale"))
	rec, err := tbl.Record(id)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	_ = rec.SetTimestamp(time.Now().Add(-2 * time.Hour))
	_ = rec.SetTimeToLive(time.Hour)

	if err := tbl.Clean(); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if tbl.Contains(id) {
		t.Fatal("expected expired entry to be removed by Clean")
	}
}
