package kvstore

import (
	"bytes"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bytestag/codec"
	"bytestag/events"
	"bytestag/keys"
	"bytestag/pkg/xerrors"
)

// sniffCollectionType inspects the first kilobyte of path to classify it as
// a bytestag-native collection manifest (JSON prefixed with the
// BytestagCollectionInfo cookie) or a BitTorrent .torrent file (bencoded,
// containing both "info" and "pieces" in that leading window), matching the
// reference hash_directories' collection-file detection.
func sniffCollectionType(path string) codec.CollectionType {
	f, err := os.Open(path)
	if err != nil {
		return codec.CollectionDummy
	}
	defer f.Close()

	head := make([]byte, 1024)
	n, _ := io.ReadFull(f, head)
	head = head[:n]

	if bytes.HasPrefix(head, codec.BytestagCollectionCookie) {
		return codec.CollectionBytestag
	}
	if strings.HasSuffix(strings.ToLower(path), ".torrent") &&
		bytes.Contains(head, []byte("info")) && bytes.Contains(head, []byte("pieces")) {
		return codec.CollectionBitTorrent
	}
	return codec.CollectionDummy
}

// DefaultPartSize is the size of each file segment hashed and served
// independently, matching the reference SharedFilesHashTask's default.
const DefaultPartSize = 1 << 18 // 256 KiB

type partLocation struct {
	path       string
	offset     int64
	partSize   int
	lastUpdate time.Time
}

type sharedFileEntry struct {
	path       string
	size       int64
	mtime      time.Time
	partSize   int
	fileInfo   *codec.FileInfo
	lastUpdate time.Time
	collection codec.CollectionType
}

// SharedFilesTable is a read-only view over local files split into
// fixed-size, independently addressable parts. A part's key and index are
// both its own SHA-1 hash; a whole file's key is the SHA-1 of the file's
// contents and its index is the SHA-1 of its canonical FileInfo manifest —
// mirroring the reference SharedFilesKVPTable's two-tier addressing.
type SharedFilesTable struct {
	mu        sync.RWMutex
	dirs      []string
	partSize  int
	files     map[keys.KeyBytes]*sharedFileEntry // by file index
	fileByKey map[keys.KeyBytes][]keys.KeyBytes  // file hash -> indices
	parts     map[keys.KeyBytes]*partLocation    // by part hash
	changed   *events.Observer
	log       *logrus.Entry

	indexPath string
}

// sharedIndexEntry is sharedFileEntry's on-disk, JSON-serializable shape. The
// part locations and the file's whole-file index are both fully derivable
// from FileHash/PartHashes/PartSize/Size, so only those need persisting.
type sharedIndexEntry struct {
	Path       string                `json:"path"`
	Size       int64                 `json:"size"`
	Mtime      time.Time             `json:"mtime"`
	PartSize   int                   `json:"part_size"`
	FileHash   keys.KeyBytes         `json:"file_hash"`
	PartHashes []keys.KeyBytes       `json:"part_hashes"`
	LastUpdate time.Time             `json:"last_update"`
	Collection codec.CollectionType  `json:"collection"`
}

// NewSharedFilesTable creates an empty SharedFilesTable. Call AddDirectory
// and then HashDirectories to populate it. When indexPath is non-empty, the
// file/part index is loaded from it on construction and rewritten after
// every HashDirectories pass, so a restart can skip re-hashing files whose
// size and mtime are unchanged instead of starting from an empty index.
func NewSharedFilesTable(partSize int, indexPath string) *SharedFilesTable {
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	t := &SharedFilesTable{
		partSize:  partSize,
		files:     make(map[keys.KeyBytes]*sharedFileEntry),
		fileByKey: make(map[keys.KeyBytes][]keys.KeyBytes),
		parts:     make(map[keys.KeyBytes]*partLocation),
		changed:   events.NewObserver(false),
		log:       logrus.WithField("component", "kvstore.sharedfiles"),
		indexPath: indexPath,
	}
	t.loadIndex()
	return t
}

// loadIndex repopulates files/fileByKey/parts from a prior process's durable
// index, skipping any entry whose backing file is missing or whose size/mtime
// no longer match (HashDirectories will simply re-hash those on the next
// pass). A no-op when indexPath is empty.
func (t *SharedFilesTable) loadIndex() {
	if t.indexPath == "" {
		return
	}
	data, err := os.ReadFile(t.indexPath)
	if err != nil {
		if !os.IsNotExist(err) {
			t.log.Warnf("load index: %v", err)
		}
		return
	}

	var entries []sharedIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.log.Warnf("decode index %s: %v", t.indexPath, err)
		return
	}

	for _, e := range entries {
		info, err := os.Stat(e.Path)
		if err != nil || info.Size() != e.Size || !info.ModTime().Equal(e.Mtime) {
			continue
		}

		fileInfo := codec.NewFileInfo(e.FileHash, e.PartHashes)
		index, err := fileInfo.Index()
		if err != nil {
			t.log.Warnf("recompute index for %s: %v", e.Path, err)
			continue
		}

		t.files[index] = &sharedFileEntry{
			path: e.Path, size: e.Size, mtime: e.Mtime, partSize: e.PartSize,
			fileInfo: fileInfo, lastUpdate: e.LastUpdate, collection: e.Collection,
		}
		t.fileByKey[e.FileHash] = append(t.fileByKey[e.FileHash], index)

		for i, ph := range e.PartHashes {
			offset := int64(i) * int64(e.PartSize)
			size := e.PartSize
			if i == len(e.PartHashes)-1 {
				if rem := int(e.Size - offset); rem > 0 {
					size = rem
				}
			}
			t.parts[ph] = &partLocation{path: e.Path, offset: offset, partSize: size, lastUpdate: e.LastUpdate}
		}
	}
}

// persistIndexLocked rewrites the durable index from t.files' current
// contents. Callers must already hold t.mu. A no-op when indexPath is empty.
func (t *SharedFilesTable) persistIndexLocked() {
	if t.indexPath == "" {
		return
	}

	entries := make([]sharedIndexEntry, 0, len(t.files))
	for _, entry := range t.files {
		entries = append(entries, sharedIndexEntry{
			Path: entry.path, Size: entry.size, Mtime: entry.mtime, PartSize: entry.partSize,
			FileHash: entry.fileInfo.FileHash, PartHashes: entry.fileInfo.PartHashes,
			LastUpdate: entry.lastUpdate, Collection: entry.collection,
		})
	}

	data, err := json.Marshal(entries)
	if err != nil {
		t.log.Warnf("encode index: %v", err)
		return
	}
	tmp := t.indexPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		t.log.Warnf("write index: %v", err)
		return
	}
	if err := os.Rename(tmp, t.indexPath); err != nil {
		t.log.Warnf("rename index into place: %v", err)
	}
}

// AddDirectory registers a directory to be scanned by HashDirectories.
func (t *SharedFilesTable) AddDirectory(dir string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirs = append(t.dirs, dir)
}

// HashDirectories walks every registered directory in sorted order, hashing
// each file into fixed-size parts and recording a FileInfo manifest,
// matching the reference SharedFilesHashTask.run walk-then-hash sequence.
// Already-indexed files are skipped if their size and mtime are unchanged.
func (t *SharedFilesTable) HashDirectories() error {
	t.mu.Lock()
	dirs := append([]string(nil), t.dirs...)
	t.mu.Unlock()

	for _, dir := range dirs {
		if err := t.hashDirectory(dir); err != nil {
			return err
		}
	}
	t.pruneMissing()
	return nil
}

func (t *SharedFilesTable) hashDirectory(dir string) error {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("kvstore: walk %s: %w", dir, err)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := t.hashFile(path); err != nil {
			return fmt.Errorf("kvstore: hash %s: %w", path, err)
		}
	}
	return nil
}

func (t *SharedFilesTable) hashFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	t.mu.RLock()
	for _, entry := range t.files {
		if entry.path == path && entry.size == info.Size() && entry.mtime.Equal(info.ModTime()) {
			t.mu.RUnlock()
			return nil
		}
	}
	t.mu.RUnlock()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	wholeHasher := sha1.New()
	var partHashes []keys.KeyBytes
	var locations []*partLocation
	buf := make([]byte, t.partSize)
	var offset int64

	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			chunk := buf[:n]
			wholeHasher.Write(chunk)
			partHash := keys.NewHash(chunk)
			partHashes = append(partHashes, partHash)
			locations = append(locations, &partLocation{path: path, offset: offset, partSize: n})
			offset += int64(n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	var fileHash keys.KeyBytes
	copy(fileHash[:], wholeHasher.Sum(nil))

	fileInfo := codec.NewFileInfo(fileHash, partHashes)
	index, err := fileInfo.Index()
	if err != nil {
		return err
	}
	collectionType := sniffCollectionType(path)

	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.files[index] = &sharedFileEntry{
		path: path, size: info.Size(), mtime: info.ModTime(),
		partSize: t.partSize, fileInfo: fileInfo, lastUpdate: now,
		collection: collectionType,
	}
	t.fileByKey[fileHash] = append(t.fileByKey[fileHash], index)
	for i, ph := range partHashes {
		t.parts[ph] = locations[i]
		locations[i].lastUpdate = now
	}
	t.persistIndexLocked()
	t.changed.Fire(ID{Key: fileHash, Index: index})
	return nil
}

// pruneMissing removes every indexed file (and its parts) whose backing path
// is no longer present, matching the reference hash_directories' post-walk
// prune of rows whose file no longer exists.
func (t *SharedFilesTable) pruneMissing() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for index, entry := range t.files {
		if _, err := os.Stat(entry.path); err == nil {
			continue
		}
		delete(t.files, index)
		indices := t.fileByKey[entry.fileInfo.FileHash]
		for i, idx := range indices {
			if idx == index {
				t.fileByKey[entry.fileInfo.FileHash] = append(indices[:i], indices[i+1:]...)
				break
			}
		}
		if len(t.fileByKey[entry.fileInfo.FileHash]) == 0 {
			delete(t.fileByKey, entry.fileInfo.FileHash)
		}
		for _, ph := range entry.fileInfo.PartHashes {
			if loc, ok := t.parts[ph]; ok && loc.path == entry.path {
				delete(t.parts, ph)
			}
		}
	}
	t.persistIndexLocked()
}

func (t *SharedFilesTable) Contains(id ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id.Key == id.Index {
		_, ok := t.parts[id.Key]
		return ok
	}
	_, ok := t.files[id.Index]
	return ok
}

func (t *SharedFilesTable) Get(id ID) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if id.Key == id.Index {
		loc, ok := t.parts[id.Key]
		if !ok {
			return nil, xerrors.ErrNotFound
		}
		f, err := os.Open(loc.path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		buf := make([]byte, loc.partSize)
		if _, err := f.ReadAt(buf, loc.offset); err != nil && err != io.EOF {
			return nil, err
		}
		return buf, nil
	}

	entry, ok := t.files[id.Index]
	if !ok {
		return nil, xerrors.ErrNotFound
	}
	return entry.fileInfo.MarshalCanonicalJSON()
}

func (t *SharedFilesTable) Set(ID, []byte) error { return xerrors.ErrReadOnly }
func (t *SharedFilesTable) Delete(ID) error       { return xerrors.ErrReadOnly }

func (t *SharedFilesTable) Keys() ([]ID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ID, 0, len(t.parts)+len(t.files))
	for part := range t.parts {
		out = append(out, ID{Key: part, Index: part})
	}
	for index, entry := range t.files {
		for fileHash := range t.fileByKey {
			if contains(t.fileByKey[fileHash], index) {
				out = append(out, ID{Key: fileHash, Index: index})
			}
		}
		_ = entry
	}
	return out, nil
}

func contains(s []keys.KeyBytes, k keys.KeyBytes) bool {
	for _, v := range s {
		if v == k {
			return true
		}
	}
	return false
}

func (t *SharedFilesTable) Indices(key keys.KeyBytes) ([]keys.KeyBytes, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []keys.KeyBytes
	if _, ok := t.parts[key]; ok {
		out = append(out, key)
	}
	out = append(out, t.fileByKey[key]...)
	return out, nil
}

func (t *SharedFilesTable) Record(id ID) (Record, error) {
	if !t.Contains(id) {
		return nil, xerrors.ErrNotFound
	}
	return &sharedFilesRecord{table: t, id: id}, nil
}

// IsAcceptable always rejects: this table only ever serves locally hashed
// content, never accepts a remote STORE.
func (t *SharedFilesTable) IsAcceptable(ID, int, time.Time) bool { return false }

// RecordsByKey returns the Record for every index stored under key.
func (t *SharedFilesTable) RecordsByKey(key keys.KeyBytes) ([]Record, error) {
	indices, _ := t.Indices(key)
	out := make([]Record, 0, len(indices))
	for _, idx := range indices {
		rec, err := t.Record(ID{Key: key, Index: idx})
		if err == nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ValueChanged returns the observer fired with the ID whenever a new file or
// part is indexed by HashDirectories.
func (t *SharedFilesTable) ValueChanged() *events.Observer { return t.changed }

// CollectionType reports whether the file indexed under fileIndex was
// sniffed as a bytestag or BitTorrent collection manifest, or
// codec.CollectionDummy if it is an ordinary file.
func (t *SharedFilesTable) CollectionType(fileIndex keys.KeyBytes) codec.CollectionType {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if entry, ok := t.files[fileIndex]; ok {
		return entry.collection
	}
	return codec.CollectionDummy
}

type sharedFilesRecord struct {
	table *SharedFilesTable
	id    ID
}

func (r *sharedFilesRecord) ID() ID { return r.id }

func (r *sharedFilesRecord) Size() (int, error) {
	v, err := r.Value()
	if err != nil {
		return 0, err
	}
	return len(v), nil
}

func (r *sharedFilesRecord) Value() ([]byte, error) { return r.table.Get(r.id) }

func (r *sharedFilesRecord) Timestamp() time.Time { return time.Time{} }
func (r *sharedFilesRecord) SetTimestamp(time.Time) error { return xerrors.ErrReadOnly }

func (r *sharedFilesRecord) TimeToLive() time.Duration { return 0 }
func (r *sharedFilesRecord) SetTimeToLive(time.Duration) error { return xerrors.ErrReadOnly }

func (r *sharedFilesRecord) IsOriginal() bool { return true }
func (r *sharedFilesRecord) SetIsOriginal(bool) error { return xerrors.ErrReadOnly }

func (r *sharedFilesRecord) LastUpdate() time.Time {
	r.table.mu.RLock()
	defer r.table.mu.RUnlock()
	if r.id.Key == r.id.Index {
		if loc, ok := r.table.parts[r.id.Key]; ok {
			return loc.lastUpdate
		}
	}
	if entry, ok := r.table.files[r.id.Index]; ok {
		return entry.lastUpdate
	}
	return time.Time{}
}

func (r *sharedFilesRecord) SetLastUpdate(time.Time) error { return xerrors.ErrReadOnly }
