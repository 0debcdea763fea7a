package database

import (
	"maps"

	"github.com/drpcorg/collabdb/collab"
)

// PropertyBag is an open key/value set: filters, sorts, group
// settings, layout settings, cells and type options.
type PropertyBag map[string]any

// ID of a bag kept in an ordered list.
func (b PropertyBag) ID() string {
	id, _ := b["id"].(string)
	return id
}

func (b PropertyBag) String(key string) string {
	s, _ := b[key].(string)
	return s
}

func (b PropertyBag) Int64(key string) (int64, bool) {
	return collab.Int64(b[key])
}

func (b PropertyBag) Clone() PropertyBag {
	return maps.Clone(b)
}

type TypeOptionData = PropertyBag

// TypeOptions keeps one TypeOptionData per field type key.
type TypeOptions map[string]TypeOptionData

// TypeOptionsFromMap reads every bag stored under m.
func TypeOptionsFromMap(txn collab.ReadTxn, m collab.MapRef) TypeOptions {
	opts := make(TypeOptions)
	for _, k := range m.Keys(txn) {
		if bag, ok := m.GetMap(txn, k); ok {
			opts[k] = bag.ToJSON(txn)
		}
	}
	return opts
}

// Fill writes every bag into m, merging with what is there.
func (opts TypeOptions) Fill(txn *collab.TxnMut, m collab.MapRef) {
	update := NewTypeOptionsUpdate(txn, m)
	for k, v := range opts {
		update.Insert(k, v)
	}
}

// TypeOptionsUpdate edits type options in place; calls chain.
type TypeOptionsUpdate struct {
	txn *collab.TxnMut
	m   collab.MapRef
}

func NewTypeOptionsUpdate(txn *collab.TxnMut, m collab.MapRef) *TypeOptionsUpdate {
	return &TypeOptionsUpdate{txn: txn, m: m}
}

// Insert upserts the bag at key. Keys already in the bag and absent
// from data are kept.
func (u *TypeOptionsUpdate) Insert(key string, data TypeOptionData) *TypeOptionsUpdate {
	u.m.GetOrInitMap(u.txn, key).Fill(u.txn, data)
	return u
}

// Update behaves as Insert, creating the bag if it does not exist.
func (u *TypeOptionsUpdate) Update(key string, data TypeOptionData) *TypeOptionsUpdate {
	return u.Insert(key, data)
}

// Remove drops the bag at key; a missing key is fine.
func (u *TypeOptionsUpdate) Remove(key string) *TypeOptionsUpdate {
	u.m.Remove(u.txn, key)
	return u
}

// RemoveEntry drops one entry of the bag at key.
func (u *TypeOptionsUpdate) RemoveEntry(key, entry string) *TypeOptionsUpdate {
	if bag, ok := u.m.GetMap(u.txn, key); ok {
		bag.Remove(u.txn, entry)
	}
	return u
}
