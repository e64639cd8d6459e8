package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TunnelMap holds the specs of one kind bucket, keyed by listen-port string.
// Iteration order is insertion order: the supervisor's argv construction
// depends on it, so a plain map will not do.
type TunnelMap struct {
	keys  []string
	specs map[string]TunnelSpec
}

// Put inserts or replaces the spec at key. Replacing keeps the key's
// original position.
func (m *TunnelMap) Put(key string, spec TunnelSpec) {
	if m.specs == nil {
		m.specs = make(map[string]TunnelSpec)
	}
	if _, ok := m.specs[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.specs[key] = spec
}

// Get returns the spec at key.
func (m *TunnelMap) Get(key string) (TunnelSpec, bool) {
	spec, ok := m.specs[key]
	return spec, ok
}

// Delete removes the spec at key, if any.
func (m *TunnelMap) Delete(key string) {
	if _, ok := m.specs[key]; !ok {
		return
	}
	delete(m.specs, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order. The returned slice is shared;
// callers must not modify it.
func (m *TunnelMap) Keys() []string { return m.keys }

// Len returns the number of specs in the bucket.
func (m *TunnelMap) Len() int { return len(m.keys) }

func (m *TunnelMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(m.specs[key])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *TunnelMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok != json.Delim('{') {
		return fmt.Errorf("tunnel bucket: expected object, got %v", tok)
	}
	m.keys = nil
	m.specs = make(map[string]TunnelSpec)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("tunnel bucket: expected key, got %v", tok)
		}
		var spec TunnelSpec
		if err := dec.Decode(&spec); err != nil {
			return fmt.Errorf("tunnel %q: %w", key, err)
		}
		m.Put(key, spec)
	}
	_, err = dec.Token() // closing brace
	return err
}

// TunnelTable maps tunnel kinds to their bucket of specs. Both the kind
// order and the per-bucket key order are insertion order and survive a JSON
// round trip.
type TunnelTable struct {
	kinds   []TunnelKind
	buckets map[TunnelKind]*TunnelMap
}

// Kinds returns the kinds that have a bucket, in insertion order.
func (t *TunnelTable) Kinds() []TunnelKind { return t.kinds }

// Bucket returns the bucket for kind, or nil when the kind has none.
func (t *TunnelTable) Bucket(kind TunnelKind) *TunnelMap {
	return t.buckets[kind]
}

// Put inserts or replaces a spec in the kind's bucket, creating the bucket
// on first use.
func (t *TunnelTable) Put(kind TunnelKind, key string, spec TunnelSpec) {
	if t.buckets == nil {
		t.buckets = make(map[TunnelKind]*TunnelMap)
	}
	bucket, ok := t.buckets[kind]
	if !ok {
		bucket = &TunnelMap{}
		t.buckets[kind] = bucket
		t.kinds = append(t.kinds, kind)
	}
	bucket.Put(key, spec)
}

// RemoveByName deletes every spec named name, across all kind buckets, and
// returns how many were removed. Names are not unique, so this is a bulk
// operation.
func (t *TunnelTable) RemoveByName(name string) int {
	removed := 0
	for _, kind := range t.kinds {
		bucket := t.buckets[kind]
		for _, key := range append([]string(nil), bucket.Keys()...) {
			if spec, ok := bucket.Get(key); ok && spec.Name == name {
				bucket.Delete(key)
				removed++
			}
		}
	}
	return removed
}

// Len returns the total number of specs across all buckets.
func (t *TunnelTable) Len() int {
	n := 0
	for _, kind := range t.kinds {
		n += t.buckets[kind].Len()
	}
	return n
}

func (t *TunnelTable) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kind := range t.kinds {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(kind.Token())
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(t.buckets[kind])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (t *TunnelTable) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok != json.Delim('{') {
		return fmt.Errorf("tunnels: expected object, got %v", tok)
	}
	t.kinds = nil
	t.buckets = make(map[TunnelKind]*TunnelMap)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		token, ok := tok.(string)
		if !ok {
			return fmt.Errorf("tunnels: expected kind key, got %v", tok)
		}
		kind, err := ParseTunnelKind(token)
		if err != nil {
			return err
		}
		bucket := &TunnelMap{}
		if err := dec.Decode(bucket); err != nil {
			return fmt.Errorf("tunnels %q: %w", token, err)
		}
		if _, dup := t.buckets[kind]; !dup {
			t.kinds = append(t.kinds, kind)
		}
		t.buckets[kind] = bucket
	}
	_, err = dec.Token()
	return err
}
