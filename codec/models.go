// Package codec implements the JSON wire models exchanged between nodes:
// node lists, KVP exchange descriptors used in FIND_VALUE negotiation, and
// file/collection hash descriptors used to address shared content.
package codec

import (
	"encoding/json"
	"fmt"

	"bytestag/keys"
)

// NodeRef is the wire representation of one routing table contact.
type NodeRef struct {
	Host string        `json:"host"`
	Port int           `json:"port"`
	ID   keys.KeyBytes `json:"id"`
}

// Validate checks that the port is in the valid TCP/UDP range, matching the
// reference NodeList decoder's validation.
func (n NodeRef) Validate() error {
	if n.Host == "" {
		return fmt.Errorf("codec: empty host")
	}
	if n.Port < 1 || n.Port > 65535 {
		return fmt.Errorf("codec: invalid port %d", n.Port)
	}
	return nil
}

// KVPExchangeInfo describes a stored value without its content, used during
// FIND_VALUE/STORE negotiation so a peer can decide whether a transfer is
// worth requesting.
type KVPExchangeInfo struct {
	Key       keys.KeyBytes `json:"key"`
	Index     keys.KeyBytes `json:"index"`
	Size      int           `json:"size"`
	Timestamp float64       `json:"time"`
}

const fileInfoCookie = "BytestagFileInfo"

// FileInfo describes a file split into fixed-size parts: the whole-file hash
// and, in order, the hash of every part, plus optional size and filename
// components. Its canonical JSON form (sorted keys, compact separators) is
// itself hashed to produce the file's index in the KVP store.
type FileInfo struct {
	FileHash   keys.KeyBytes
	PartHashes []keys.KeyBytes
	Size       *int64
	Filename   []string
}

// NewFileInfo builds a FileInfo from a whole-file hash and its ordered part
// hashes.
func NewFileInfo(fileHash keys.KeyBytes, partHashes []keys.KeyBytes) *FileInfo {
	return &FileInfo{FileHash: fileHash, PartHashes: partHashes}
}

// canonicalMap returns the field map used both for marshaling and as the
// nested representation inside a CollectionInfo. Go's encoding/json sorts
// map[string]interface{} keys alphabetically when marshaling, which places
// "!" first (it sorts below any letter) and gives a byte-stable canonical
// form without hand-rolled key ordering.
func (f *FileInfo) canonicalMap() map[string]interface{} {
	parts := make([]string, len(f.PartHashes))
	for i, h := range f.PartHashes {
		parts[i] = h.Base64()
	}
	m := map[string]interface{}{
		"!":     fileInfoCookie,
		"hash":  f.FileHash.Base64(),
		"parts": parts,
	}
	if f.Size != nil {
		m["size"] = *f.Size
	}
	if len(f.Filename) > 0 {
		m["filename"] = f.Filename
	}
	return m
}

// MarshalCanonicalJSON returns the sorted-key JSON encoding used both as the
// wire format and as the input to the content hash that becomes this file's
// store index.
func (f *FileInfo) MarshalCanonicalJSON() ([]byte, error) {
	return json.Marshal(f.canonicalMap())
}

// Index returns the SHA-1 digest of the canonical JSON form, used as this
// file's index in the KVP store.
func (f *FileInfo) Index() (keys.KeyBytes, error) {
	data, err := f.MarshalCanonicalJSON()
	if err != nil {
		return keys.KeyBytes{}, err
	}
	return keys.NewHash(data), nil
}

// FileInfoFromBytes parses the canonical JSON form produced by
// MarshalCanonicalJSON.
func FileInfoFromBytes(data []byte) (*FileInfo, error) {
	var raw struct {
		Hash     string   `json:"hash"`
		Parts    []string `json:"parts"`
		Size     *int64   `json:"size"`
		Filename []string `json:"filename"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("codec: parse FileInfo: %w", err)
	}

	fileHash, err := keys.Parse(raw.Hash)
	if err != nil {
		return nil, fmt.Errorf("codec: FileInfo hash: %w", err)
	}

	parts := make([]keys.KeyBytes, 0, len(raw.Parts))
	for _, s := range raw.Parts {
		k, err := keys.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("codec: FileInfo part hash: %w", err)
		}
		parts = append(parts, k)
	}

	return &FileInfo{FileHash: fileHash, PartHashes: parts, Size: raw.Size, Filename: raw.Filename}, nil
}

// CollectionType enumerates the known wrapper formats for a shared
// collection of files.
type CollectionType int

// Known collection types, matching the reference CollectionInfoTypes.
const (
	CollectionDummy CollectionType = iota
	CollectionBytestag
	CollectionBitTorrent
)

const collectionInfoCookie = "BytestagCollectionInfo"

// BytestagCollectionCookie is the byte prefix identifying a bytestag-native
// collection manifest, used to sniff a file's type without fully parsing it.
var BytestagCollectionCookie = []byte(`{"!":"` + collectionInfoCookie + `"`)

// CollectionInfo describes an ordered group of files shared as a unit,
// carrying each member's full FileInfo rather than just its hash, plus an
// optional human comment and publication timestamp.
type CollectionInfo struct {
	Files     []*FileInfo
	Comment   string
	Timestamp *int64
}

// MarshalCanonicalJSON returns the sorted-key JSON encoding used as both the
// wire format and the hash input for this collection's store index.
func (c *CollectionInfo) MarshalCanonicalJSON() ([]byte, error) {
	files := make([]map[string]interface{}, len(c.Files))
	for i, f := range c.Files {
		files[i] = f.canonicalMap()
	}

	m := map[string]interface{}{
		"!":     collectionInfoCookie,
		"files": files,
	}
	if c.Comment != "" {
		m["comment"] = c.Comment
	}
	if c.Timestamp != nil {
		m["timestamp"] = *c.Timestamp
	}
	return json.Marshal(m)
}

// Index returns the SHA-1 digest of the canonical JSON form.
func (c *CollectionInfo) Index() (keys.KeyBytes, error) {
	data, err := c.MarshalCanonicalJSON()
	if err != nil {
		return keys.KeyBytes{}, err
	}
	return keys.NewHash(data), nil
}

// CollectionInfoFromBytes parses the canonical JSON form produced by
// MarshalCanonicalJSON.
func CollectionInfoFromBytes(data []byte) (*CollectionInfo, error) {
	var raw struct {
		Files     []json.RawMessage `json:"files"`
		Comment   string            `json:"comment"`
		Timestamp *int64            `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("codec: parse CollectionInfo: %w", err)
	}

	files := make([]*FileInfo, 0, len(raw.Files))
	for _, f := range raw.Files {
		fi, err := FileInfoFromBytes(f)
		if err != nil {
			return nil, fmt.Errorf("codec: CollectionInfo member: %w", err)
		}
		files = append(files, fi)
	}

	return &CollectionInfo{Files: files, Comment: raw.Comment, Timestamp: raw.Timestamp}, nil
}
