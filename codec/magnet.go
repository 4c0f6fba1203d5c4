package codec

import (
	"fmt"
	"net/url"
	"strings"

	"bytestag/keys"
)

// MagnetURI is a parsed "magnet:" URI. Query parameters are merged by key,
// with dotted suffixes (e.g. "xt.1") folded into the same key's value list —
// matching the reference parser's defaultdict(list)-based merge.
type MagnetURI struct {
	params map[string][]string
}

// ParseMagnetURI parses s as a magnet URI.
func ParseMagnetURI(s string) (*MagnetURI, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("codec: parse magnet uri: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("codec: not a magnet uri: scheme %q", u.Scheme)
	}

	query := u.RawQuery
	if query == "" && u.Opaque != "" {
		if idx := strings.Index(u.Opaque, "?"); idx >= 0 {
			query = u.Opaque[idx+1:]
		}
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("codec: parse magnet query: %w", err)
	}

	merged := make(map[string][]string)
	for key, vals := range values {
		base := key
		if idx := strings.Index(key, "."); idx >= 0 {
			base = key[:idx]
		}
		merged[base] = append(merged[base], vals...)
	}

	return &MagnetURI{params: merged}, nil
}

// ExactTopic returns the first "xt" parameter value, the URN identifying the
// resource this magnet link refers to.
func (m *MagnetURI) ExactTopic() string {
	if vals := m.params["xt"]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

const (
	bittorrentInfoHashPrefix = "urn:btih:"
	bytestagInfoHashPrefix   = "urn:bstagih:"
)

// BitTorrentInfoHash returns the info hash from a "urn:btih:" exact topic, if
// present.
func (m *MagnetURI) BitTorrentInfoHash() (string, bool) {
	xt := m.ExactTopic()
	if !strings.HasPrefix(xt, bittorrentInfoHashPrefix) {
		return "", false
	}
	return xt[len(bittorrentInfoHashPrefix):], true
}

// BytestagInfoHash returns the KeyBytes encoded in a "urn:bstagih:" exact
// topic, if present.
func (m *MagnetURI) BytestagInfoHash() (keys.KeyBytes, bool, error) {
	xt := m.ExactTopic()
	if !strings.HasPrefix(xt, bytestagInfoHashPrefix) {
		return keys.KeyBytes{}, false, nil
	}
	encoded := xt[len(bytestagInfoHashPrefix):]
	k, err := keys.Parse(encoded)
	if err != nil {
		return keys.KeyBytes{}, true, fmt.Errorf("codec: bytestag info hash: %w", err)
	}
	return k, true, nil
}

// WithBytestagInfoHash returns a magnet URI string whose "xt" parameter is
// set to a "urn:bstagih:" topic encoding key, mirroring the reference
// setter's reconstruction via the key's base32 form.
func WithBytestagInfoHash(key keys.KeyBytes) string {
	v := url.Values{}
	v.Set("xt", bytestagInfoHashPrefix+key.Base32())
	return "magnet:?" + v.Encode()
}

// Get returns all values merged under the given (dot-suffix-folded) key.
func (m *MagnetURI) Get(key string) []string {
	return m.params[key]
}
