package collab

import "fmt"

// ArrayRef points at an array register. Every edit rewrites the whole
// array, so concurrent edits of one array resolve last-writer-wins.
type ArrayRef struct {
	parent string
	key    string
}

func (a ArrayRef) IsZero() bool { return a.parent == "" }

// ToSlice returns a fresh copy of the items.
func (a ArrayRef) ToSlice(txn ReadTxn) []any {
	o := txn.document().regs[a.parent][a.key]
	if o == nil || o.kind != KindArray {
		return nil
	}
	v, err := decodeValue(o.value)
	if err != nil {
		return nil
	}
	items, _ := v.([]any)
	return items
}

func (a ArrayRef) Len(txn ReadTxn) int {
	return len(a.ToSlice(txn))
}

func (a ArrayRef) Get(txn ReadTxn, i int) (any, bool) {
	items := a.ToSlice(txn)
	if i < 0 || i >= len(items) {
		return nil, false
	}
	return items[i], true
}

// Index returns the position of the first item matching pred, or -1.
func (a ArrayRef) Index(txn ReadTxn, pred func(any) bool) int {
	for i, item := range a.ToSlice(txn) {
		if pred(item) {
			return i
		}
	}
	return -1
}

func (a ArrayRef) replace(txn *TxnMut, items []any) {
	if items == nil {
		items = []any{}
	}
	data, err := encodeValue(items)
	if err != nil {
		panic(fmt.Sprintf("collab: array %q does not encode: %v", a.key, err))
	}
	txn.write(a.parent, a.key, KindArray, data)
}

func (a ArrayRef) Replace(txn *TxnMut, items []any) {
	a.replace(txn, items)
}

func (a ArrayRef) Push(txn *TxnMut, items ...any) {
	a.replace(txn, append(a.ToSlice(txn), items...))
}

// InsertAt clamps i into [0, len].
func (a ArrayRef) InsertAt(txn *TxnMut, i int, item any) {
	items := a.ToSlice(txn)
	i = max(0, min(i, len(items)))
	items = append(items, nil)
	copy(items[i+1:], items[i:])
	items[i] = item
	a.replace(txn, items)
}

func (a ArrayRef) RemoveAt(txn *TxnMut, i int) bool {
	items := a.ToSlice(txn)
	if i < 0 || i >= len(items) {
		return false
	}
	a.replace(txn, append(items[:i], items[i+1:]...))
	return true
}

// RemoveWhere drops every matching item and returns how many went.
func (a ArrayRef) RemoveWhere(txn *TxnMut, pred func(any) bool) int {
	items := a.ToSlice(txn)
	kept := items[:0]
	for _, item := range items {
		if !pred(item) {
			kept = append(kept, item)
		}
	}
	removed := len(items) - len(kept)
	if removed > 0 {
		a.replace(txn, kept)
	}
	return removed
}

func (a ArrayRef) Set(txn *TxnMut, i int, item any) bool {
	items := a.ToSlice(txn)
	if i < 0 || i >= len(items) {
		return false
	}
	items[i] = item
	a.replace(txn, items)
	return true
}

// Move relocates the item at from so that it ends up at index to.
func (a ArrayRef) Move(txn *TxnMut, from, to int) bool {
	items := a.ToSlice(txn)
	if from < 0 || from >= len(items) || to < 0 || to >= len(items) {
		return false
	}
	if from == to {
		return true
	}
	item := items[from]
	items = append(items[:from], items[from+1:]...)
	items = append(items, nil)
	copy(items[to+1:], items[to:])
	items[to] = item
	a.replace(txn, items)
	return true
}

func (a ArrayRef) Clear(txn *TxnMut) {
	a.replace(txn, nil)
}
