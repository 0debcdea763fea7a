package collab

import (
	"errors"
	"testing"

	"github.com/drpcorg/collabdb/collabdb_errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoc_MapBasics(t *testing.T) {
	doc := NewDoc("obj", 0xa)
	data := Root(DataRoot)
	doc.TransactMut(func(txn *TxnMut) {
		data.Insert(txn, "name", "grid")
		data.Insert(txn, "width", 120)
		data.Insert(txn, "hidden", false)
		opts := data.InsertMap(txn, "options")
		opts.Insert(txn, "format", "usd")
		data.InsertArray(txn, "order", []any{"a", "b"})
	})
	doc.Transact(func(txn *Txn) {
		name, ok := data.GetString(txn, "name")
		assert.True(t, ok)
		assert.Equal(t, "grid", name)
		width, ok := data.GetInt64(txn, "width")
		assert.True(t, ok)
		assert.Equal(t, int64(120), width)
		hidden, ok := data.GetBool(txn, "hidden")
		assert.True(t, ok)
		assert.False(t, hidden)
		assert.Equal(t, []string{"hidden", "name", "options", "order", "width"}, data.Keys(txn))
		_, ok = data.GetMap(txn, "name")
		assert.False(t, ok)
		assert.Equal(t, map[string]any{
			"name":    "grid",
			"width":   int64(120),
			"hidden":  false,
			"options": map[string]any{"format": "usd"},
			"order":   []any{"a", "b"},
		}, data.ToJSON(txn))
	})

	doc.TransactMut(func(txn *TxnMut) {
		assert.True(t, data.Remove(txn, "width"))
		assert.False(t, data.Remove(txn, "width"))
	})
	doc.Transact(func(txn *Txn) {
		assert.False(t, data.Contains(txn, "width"))
		assert.Equal(t, 4, data.Len(txn))
	})
}

func TestDoc_Array(t *testing.T) {
	doc := NewDoc("obj", 1)
	data := Root(DataRoot)
	doc.TransactMut(func(txn *TxnMut) {
		arr := data.GetOrInitArray(txn, "rows")
		arr.Push(txn, "r1", "r2", "r3")
		arr.InsertAt(txn, 0, "r0")
		arr.InsertAt(txn, 100, "r4")
		assert.True(t, arr.Move(txn, 0, 2))
		assert.True(t, arr.RemoveAt(txn, 4))
		assert.False(t, arr.Set(txn, 9, "x"))
		assert.Equal(t, 1, arr.RemoveWhere(txn, func(v any) bool { return v == "r1" }))
	})
	doc.Transact(func(txn *Txn) {
		arr, ok := data.GetArray(txn, "rows")
		require.True(t, ok)
		assert.Equal(t, []any{"r2", "r0", "r3"}, arr.ToSlice(txn))
		assert.Equal(t, 1, arr.Index(txn, func(v any) bool { return v == "r0" }))
	})
}

func TestDoc_Converge(t *testing.T) {
	a := NewDoc("obj", 0xa)
	b := NewDoc("obj", 0xb)
	data := Root(DataRoot)

	a.TransactMut(func(txn *TxnMut) {
		data.Insert(txn, "title", "from a")
		data.GetOrInitMap(txn, "bag").Insert(txn, "x", 1)
	})
	b.TransactMut(func(txn *TxnMut) {
		data.Insert(txn, "title", "from b")
		data.Insert(txn, "only_b", true)
	})

	require.Nil(t, b.ApplyUpdate(a.EncodeStateAsUpdate(b.StateVector())))
	require.Nil(t, a.ApplyUpdate(b.EncodeStateAsUpdate(a.StateVector())))

	assert.Equal(t, a.ToJSON(), b.ToJSON())
	assert.Equal(t, a.StateVector(), b.StateVector())
	b.Transact(func(txn *Txn) {
		// equal clocks, the higher src wins
		title, _ := data.GetString(txn, "title")
		assert.Equal(t, "from b", title)
	})
}

func TestDoc_ApplyIdempotentAndOrdered(t *testing.T) {
	a := NewDoc("obj", 7)
	data := Root(DataRoot)
	var updates [][]byte
	a.Observe(func(ev UpdateEvent) {
		assert.True(t, ev.Local)
		updates = append(updates, ev.Update)
	})
	for i := 0; i < 3; i++ {
		a.TransactMut(func(txn *TxnMut) {
			data.Insert(txn, "n", i)
		})
	}
	require.Len(t, updates, 3)

	b := NewDoc("obj", 8)
	var remote int
	b.Observe(func(ev UpdateEvent) {
		assert.False(t, ev.Local)
		remote++
	})
	// out of order: held until the gap closes
	require.Nil(t, b.ApplyUpdate(updates[2]))
	assert.True(t, b.HasPending())
	assert.Equal(t, uint64(0), b.StateVector().Get(7))
	b.Transact(func(txn *Txn) {
		assert.False(t, data.Contains(txn, "n"))
	})
	require.Nil(t, b.ApplyUpdate(updates[1]))
	require.Nil(t, b.ApplyUpdate(updates[0]))
	assert.False(t, b.HasPending())
	assert.Equal(t, uint64(3), b.StateVector().Get(7))
	b.Transact(func(txn *Txn) {
		n, _ := data.GetInt64(txn, "n")
		assert.Equal(t, int64(2), n)
	})

	// redelivery changes nothing and emits nothing
	remote = 0
	require.Nil(t, b.ApplyUpdate(MergeUpdates(updates...)))
	assert.Equal(t, 0, remote)
	assert.Equal(t, a.ToJSON(), b.ToJSON())
}

func TestDoc_BadUpdate(t *testing.T) {
	doc := NewDoc("obj", 1)
	err := doc.ApplyUpdate([]byte{'O', 3, 0, 0, 0, 1, 2, 3})
	assert.True(t, errors.Is(err, ErrBadUpdate))
}

func TestEncodedCollab(t *testing.T) {
	a := NewDoc("obj", 3)
	a.TransactMut(func(txn *TxnMut) {
		Root(DataRoot).Fill(txn, map[string]any{
			"id":   "r1",
			"meta": map[string]any{"k": "v"},
			"list": []any{int64(1), "two"},
		})
	})
	enc := a.EncodeCollab()
	dec, err := UnmarshalEncodedCollab(enc.Marshal())
	require.Nil(t, err)
	assert.Equal(t, enc, dec)

	sv, err := DecodeStateVector(dec.StateVector)
	require.Nil(t, err)
	assert.Equal(t, a.StateVector(), sv)

	b := NewDoc("obj", 4)
	require.Nil(t, b.ApplyEncodedCollab(dec))
	assert.Equal(t, a.ToJSON(), b.ToJSON())
}

func TestStateVector(t *testing.T) {
	sv := StateVector{1: 5, 2: 3}
	assert.True(t, sv.Put(1, 6))
	assert.False(t, sv.Put(2, 1))
	assert.True(t, sv.Seen(StateVector{1: 6}))
	assert.False(t, sv.Seen(StateVector{3: 1}))
	assert.Equal(t, []uint64{1}, sv.Ahead(StateVector{1: 2, 2: 3}))
	assert.Equal(t, "1-6,2-3", sv.String())

	dec, err := DecodeStateVector(sv.Encode())
	assert.Nil(t, err)
	assert.Equal(t, sv, dec)

	_, err = DecodeStateVector([]byte{'v', 2, 0, 0})
	assert.ErrorIs(t, err, ErrBadStateVector)
}

func TestValidateRequireData(t *testing.T) {
	doc := NewDoc("db1", 1)
	err := TypeDatabase.ValidateRequireData(doc)
	assert.ErrorIs(t, err, collabdb_errors.ErrNoRequiredData)

	doc.TransactMut(func(txn *TxnMut) {
		Root(DataRoot).GetOrInitMap(txn, "database").Insert(txn, "id", "db1")
	})
	assert.Nil(t, TypeDatabase.ValidateRequireData(doc))
	assert.ErrorIs(t, TypeDatabaseRow.ValidateRequireData(doc), collabdb_errors.ErrNoRequiredData)
	assert.Nil(t, TypeDocument.ValidateRequireData(doc))
	assert.Equal(t, "WorkspaceDatabase", TypeWorkspaceDatabase.String())
}

func TestDoc_ValueKinds(t *testing.T) {
	doc := NewDoc("obj", 5)
	data := Root(DataRoot)
	doc.TransactMut(func(txn *TxnMut) {
		data.Insert(txn, "float", float64(1))
		data.Insert(txn, "fraction", 2.5)
		data.Insert(txn, "int", int64(3))
		data.Insert(txn, "big", 1e21)
		data.InsertArray(txn, "list", []any{float64(4), int64(4)})
	})
	doc.Transact(func(txn *Txn) {
		assert.Equal(t, map[string]any{
			"float":    float64(1),
			"fraction": 2.5,
			"int":      int64(3),
			"big":      1e21,
			"list":     []any{float64(4), int64(4)},
		}, data.ToJSON(txn))
		n, ok := data.GetInt64(txn, "float")
		assert.True(t, ok)
		assert.Equal(t, int64(1), n)
	})
}

type bag map[string]any

func TestMap_FillMergesNamedMaps(t *testing.T) {
	doc := NewDoc("obj", 6)
	data := Root(DataRoot)
	doc.TransactMut(func(txn *TxnMut) {
		data.Fill(txn, bag{"nested": bag{"a": "x", "b": "y"}, "tags": []string{"t1"}})
	})
	doc.TransactMut(func(txn *TxnMut) {
		data.Fill(txn, bag{"nested": bag{"a": "z"}})
	})
	doc.Transact(func(txn *Txn) {
		nested, ok := data.GetMap(txn, "nested")
		require.True(t, ok)
		assert.Equal(t, map[string]any{"a": "z", "b": "y"}, nested.ToJSON(txn))
		tags, ok := data.GetArray(txn, "tags")
		require.True(t, ok)
		assert.Equal(t, []any{"t1"}, tags.ToSlice(txn))
	})
}
