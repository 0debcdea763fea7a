package collab

import (
	"fmt"
	"slices"
)

// MapRef points at a map inside a document. It carries no state and
// stays valid for the lifetime of the document.
type MapRef struct {
	id string
}

// Root names a top level map. Root maps exist implicitly.
func Root(name string) MapRef {
	return MapRef{id: "@" + name}
}

func (m MapRef) ID() string { return m.id }

func (m MapRef) IsZero() bool { return m.id == "" }

func (m MapRef) reg(txn ReadTxn, key string) *op {
	o := txn.document().regs[m.id][key]
	if o == nil || o.kind == KindDeleted {
		return nil
	}
	return o
}

func (m MapRef) Contains(txn ReadTxn, key string) bool {
	return m.reg(txn, key) != nil
}

// Get returns the value at key: a scalar, []any for arrays or
// map[string]any for nested maps.
func (m MapRef) Get(txn ReadTxn, key string) (any, bool) {
	o := m.reg(txn, key)
	if o == nil {
		return nil, false
	}
	return readReg(txn, o)
}

func readReg(txn ReadTxn, o *op) (any, bool) {
	if o.kind == KindMap {
		return MapRef{id: string(o.value)}.ToJSON(txn), true
	}
	v, err := decodeValue(o.value)
	if err != nil {
		return nil, false
	}
	return v, true
}

func (m MapRef) GetString(txn ReadTxn, key string) (string, bool) {
	v, _ := m.Get(txn, key)
	s, ok := v.(string)
	return s, ok
}

func (m MapRef) GetInt64(txn ReadTxn, key string) (int64, bool) {
	v, ok := m.Get(txn, key)
	if !ok {
		return 0, false
	}
	return Int64(v)
}

func (m MapRef) GetBool(txn ReadTxn, key string) (bool, bool) {
	v, _ := m.Get(txn, key)
	b, ok := v.(bool)
	return b, ok
}

func (m MapRef) GetMap(txn ReadTxn, key string) (MapRef, bool) {
	o := m.reg(txn, key)
	if o == nil || o.kind != KindMap {
		return MapRef{}, false
	}
	return MapRef{id: string(o.value)}, true
}

func (m MapRef) GetArray(txn ReadTxn, key string) (ArrayRef, bool) {
	o := m.reg(txn, key)
	if o == nil || o.kind != KindArray {
		return ArrayRef{}, false
	}
	return ArrayRef{parent: m.id, key: key}, true
}

// Keys lists live keys in byte order.
func (m MapRef) Keys(txn ReadTxn) []string {
	regs := txn.document().regs[m.id]
	keys := make([]string, 0, len(regs))
	for k, o := range regs {
		if o.kind != KindDeleted {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func (m MapRef) Len(txn ReadTxn) int {
	n := 0
	for _, o := range txn.document().regs[m.id] {
		if o.kind != KindDeleted {
			n++
		}
	}
	return n
}

// ToJSON renders the map and everything nested in it.
func (m MapRef) ToJSON(txn ReadTxn) map[string]any {
	ret := make(map[string]any)
	for k, o := range txn.document().regs[m.id] {
		if o.kind == KindDeleted {
			continue
		}
		if v, ok := readReg(txn, o); ok {
			ret[k] = v
		}
	}
	return ret
}

// Insert writes a JSON encodable value at key. Values that do not
// encode are a programming error and panic.
func (m MapRef) Insert(txn *TxnMut, key string, value any) {
	data, err := encodeValue(value)
	if err != nil {
		panic(fmt.Sprintf("collab: value at %q does not encode: %v", key, err))
	}
	txn.write(m.id, key, KindValue, data)
}

// InsertMap puts a fresh empty map at key, replacing whatever was there.
func (m MapRef) InsertMap(txn *TxnMut, key string) MapRef {
	id := txn.nextStamp()
	txn.write(m.id, key, KindMap, []byte(id))
	return MapRef{id: id}
}

func (m MapRef) GetOrInitMap(txn *TxnMut, key string) MapRef {
	if child, ok := m.GetMap(txn, key); ok {
		return child
	}
	return m.InsertMap(txn, key)
}

func (m MapRef) InsertArray(txn *TxnMut, key string, items []any) ArrayRef {
	a := ArrayRef{parent: m.id, key: key}
	a.replace(txn, items)
	return a
}

func (m MapRef) GetOrInitArray(txn *TxnMut, key string) ArrayRef {
	if a, ok := m.GetArray(txn, key); ok {
		return a
	}
	return m.InsertArray(txn, key, nil)
}

// Remove deletes key; returns false if it was absent.
func (m MapRef) Remove(txn *TxnMut, key string) bool {
	if m.reg(txn, key) == nil {
		return false
	}
	txn.write(m.id, key, KindDeleted, nil)
	return true
}

func (m MapRef) Clear(txn *TxnMut) {
	for _, k := range m.Keys(txn) {
		txn.write(m.id, k, KindDeleted, nil)
	}
}

// Fill upserts every entry of values; nested maps of any string-keyed
// map type become nested MapRefs so their keys merge independently.
func (m MapRef) Fill(txn *TxnMut, values map[string]any) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v := values[k]
		if nested, ok := asMap(v); ok {
			m.GetOrInitMap(txn, k).Fill(txn, nested)
		} else if items, ok := asSlice(v); ok {
			m.InsertArray(txn, k, items)
		} else {
			m.Insert(txn, k, v)
		}
	}
}
