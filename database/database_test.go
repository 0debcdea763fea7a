package database

import (
	"context"
	"testing"

	"github.com/drpcorg/collabdb/collab"
	"github.com/drpcorg/collabdb/collabdb_errors"
	"github.com/drpcorg/collabdb/idgen"
	"github.com/drpcorg/collabdb/kvlog"
	"github.com/drpcorg/collabdb/store"
	"github.com/drpcorg/collabdb/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext(t *testing.T) (DatabaseContext, *store.CollabStore) {
	s, err := store.Open("", store.Options{
		KV:     kvlog.Options{InMemory: true},
		Logger: utils.NopLogger(),
	})
	require.Nil(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return DatabaseContext{
		Service: store.NewService(s, 0xd1),
		IDs:     idgen.NewSequence("row"),
		Logger:  utils.NopLogger(),
	}, s
}

func sampleParams() CreateDatabaseParams {
	return CreateDatabaseParams{
		DatabaseID:   "db1",
		InlineViewID: "v1",
		Views: []CreateViewParams{
			{DatabaseID: "db1", ViewID: "v1", Name: "Grid", Layout: LayoutGrid},
			{DatabaseID: "db1", ViewID: "v2", Name: "Board", Layout: LayoutBoard,
				LayoutSettings: map[DatabaseLayout]LayoutSetting{LayoutBoard: {"hide_ungrouped": true}}},
		},
		Fields: []Field{
			{ID: "f1", Name: "Name", FieldType: 0, IsPrimary: true, Visibility: true},
			{ID: "f2", Name: "Status", FieldType: 3, TypeOptions: TypeOptions{
				"3": {"options": []any{"todo", "done"}, "disable_color": false},
			}},
		},
		Rows: []CreateRowParams{
			{Cells: map[string]Cell{"f1": {"data": "first"}}},
			{Cells: map[string]Cell{"f1": {"data": "second"}, "f2": {"data": "done"}}},
		},
	}
}

func TestDatabase_CreateAndReopen(t *testing.T) {
	dctx, s := testContext(t)
	ctx := context.Background()
	db, err := CreateWithView(ctx, sampleParams(), dctx)
	require.Nil(t, err)
	assert.Equal(t, "db1", db.ID())
	assert.Nil(t, db.Validate())
	assert.True(t, db.IsInlineView("v1"))
	assert.False(t, db.IsInlineView("v2"))

	views := db.GetAllViews()
	require.Len(t, views, 2)
	assert.Equal(t, []RowOrder{{ID: "row-1", Height: DefaultRowHeight}, {ID: "row-2", Height: DefaultRowHeight}}, db.GetRowOrders("v2"))
	assert.Equal(t, []FieldOrder{{ID: "f1"}, {ID: "f2"}}, db.GetFieldOrders("v1"))
	setting, ok := db.GetLayoutSetting("v2", LayoutBoard)
	assert.True(t, ok)
	assert.Equal(t, true, setting["hide_ungrouped"])

	reopened, err := Open(ctx, "db1", DatabaseContext{Service: store.NewService(s, 0xd2), Logger: utils.NopLogger()})
	require.Nil(t, err)
	rows := reopened.GetRowsForView(ctx, "v1")
	require.Len(t, rows, 2)
	assert.Equal(t, "first", rows[0].Cells["f1"]["data"])
	assert.Equal(t, "done", rows[1].Cells["f2"]["data"])
	assert.Equal(t, "db1", rows[1].DatabaseID)

	f, ok := reopened.GetField("f2")
	require.True(t, ok)
	assert.Equal(t, []any{"todo", "done"}, f.TypeOptions["3"]["options"])
	primary, ok := reopened.GetPrimaryField()
	assert.True(t, ok)
	assert.Equal(t, "f1", primary.ID)

	_, err = Open(ctx, "nope", dctx)
	assert.ErrorIs(t, err, collabdb_errors.ErrNoRequiredData)
}

func TestDatabase_InlineViewAddedWhenMissing(t *testing.T) {
	dctx, _ := testContext(t)
	db, err := CreateWithView(context.Background(), CreateDatabaseParams{DatabaseID: "db", InlineViewID: "iv"}, dctx)
	require.Nil(t, err)
	layout, ok := db.GetViewLayout("iv")
	assert.True(t, ok)
	assert.Equal(t, LayoutGrid, layout)

	_, err = CreateWithView(context.Background(), CreateDatabaseParams{InlineViewID: "iv"}, dctx)
	assert.ErrorIs(t, err, collabdb_errors.ErrInvalidDatabaseID)
}

func TestDatabase_Rows(t *testing.T) {
	dctx, _ := testContext(t)
	ctx := context.Background()
	db, err := CreateWithView(ctx, sampleParams(), dctx)
	require.Nil(t, err)

	o, err := db.CreateRow(ctx, "v1", CreateRowParams{Position: OrderPosition{Kind: PositionStart}})
	require.Nil(t, err)
	assert.Equal(t, "row-3", o.ID)
	_, err = db.CreateRow(ctx, "", CreateRowParams{ID: "mid", Position: OrderPosition{Kind: PositionAfter, ID: "row-1"}})
	require.Nil(t, err)

	ids := func(view string) (ret []string) {
		for _, o := range db.GetRowOrders(view) {
			ret = append(ret, o.ID)
		}
		return
	}
	assert.Equal(t, []string{"row-3", "row-1", "mid", "row-2"}, ids("v1"))
	assert.Equal(t, []string{"row-1", "mid", "row-2", "row-3"}, ids("v2"))

	require.Nil(t, db.UpdateRow(ctx, "row-1", func(u *RowUpdate) {
		u.UpdateCell("f1", Cell{"extra": int64(1)}).SetHeight(90)
	}))
	row, ok := db.GetRow(ctx, "row-1")
	require.True(t, ok)
	assert.Equal(t, Cell{"data": "first", "extra": int64(1)}, row.Cells["f1"])
	assert.Equal(t, int64(90), row.Height)
	assert.ErrorIs(t, db.UpdateRow(ctx, "ghost", func(*RowUpdate) {}), collabdb_errors.ErrInvalidRowID)

	db.RemoveRow("mid")
	assert.Equal(t, []string{"row-3", "row-1", "row-2"}, ids("v1"))
	_, ok = db.GetRow(ctx, "mid")
	assert.False(t, ok)

	db.UpdateView("v1", func(u *ViewUpdate) { u.MoveRowOrder("row-2", "row-3") })
	assert.Equal(t, []string{"row-2", "row-3", "row-1"}, ids("v1"))
}

func TestDatabase_FieldsAndViews(t *testing.T) {
	dctx, _ := testContext(t)
	db, err := CreateWithView(context.Background(), sampleParams(), dctx)
	require.Nil(t, err)

	f := db.CreateField("v2", Field{Name: "Due"}, OrderPosition{Kind: PositionStart})
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, []FieldOrder{{ID: f.ID}, {ID: "f1"}, {ID: "f2"}}, db.GetFieldOrders("v2"))
	assert.Equal(t, []FieldOrder{{ID: "f1"}, {ID: "f2"}, {ID: f.ID}}, db.GetFieldOrders("v1"))

	assert.True(t, db.UpdateView("v1", func(u *ViewUpdate) {
		u.UpsertFilter(PropertyBag{"id": "flt1", "field_id": "f2", "condition": int64(0)}).
			UpsertSort(PropertyBag{"id": "s1", "field_id": "f1"}).
			UpsertGroupSetting(PropertyBag{"id": "g1", "field_id": "f2"})
	}))
	db.UpdateView("v1", func(u *ViewUpdate) {
		u.UpsertFilter(PropertyBag{"id": "flt1", "field_id": "f2", "condition": int64(2)})
	})
	filters := db.GetViewFilters("v1")
	require.Len(t, filters, 1)
	assert.Equal(t, int64(2), filters[0]["condition"])

	assert.True(t, db.UpdateField("f2", func(u *FieldUpdate) {
		u.SetName("State").UpdateTypeOptions(func(to *TypeOptionsUpdate) {
			to.Update("3", TypeOptionData{"disable_color": true})
		})
	}))
	f2, _ := db.GetField("f2")
	assert.Equal(t, "State", f2.Name)
	assert.Equal(t, true, f2.TypeOptions["3"]["disable_color"])
	assert.Equal(t, []any{"todo", "done"}, f2.TypeOptions["3"]["options"])

	assert.True(t, db.DeleteField("f2"))
	assert.Empty(t, db.GetViewFilters("v1"))
	assert.Len(t, db.GetViewSorts("v1"), 1)
	assert.Equal(t, []string{"f1", f.ID}, fieldIDs(db.GetFields("v1")))

	assert.Nil(t, db.CreateLinkedView(CreateViewParams{DatabaseID: "db1", ViewID: "v3", Name: "Cal", Layout: LayoutCalendar}))
	assert.Equal(t, db.GetRowOrders("v1"), db.GetRowOrders("v3"))
	assert.Equal(t, db.GetFieldOrders("v1"), db.GetFieldOrders("v3"))
	assert.ErrorIs(t, db.CreateLinkedView(CreateViewParams{DatabaseID: "other", ViewID: "v4"}), collabdb_errors.ErrInvalidDatabaseID)
	assert.ErrorIs(t, db.CreateLinkedView(CreateViewParams{DatabaseID: "db1"}), collabdb_errors.ErrInvalidViewID)

	assert.True(t, db.DeleteView("v3"))
	_, ok := db.GetView("v3")
	assert.False(t, ok)
	assert.False(t, db.UpdateView("v3", func(*ViewUpdate) { t.Fatal("must not run") }))
}

func fieldIDs(fields []Field) (ids []string) {
	for _, f := range fields {
		ids = append(ids, f.ID)
	}
	return
}

func TestDuplicateParams(t *testing.T) {
	dctx, _ := testContext(t)
	ctx := context.Background()
	db, err := CreateWithView(ctx, sampleParams(), dctx)
	require.Nil(t, err)

	data := db.GetDatabaseData(ctx)
	require.Len(t, data.Rows, 2)
	params := CreateDatabaseParamsFromDatabaseData(data, idgen.NewSequence("dup"))
	assert.NotEqual(t, data.DatabaseID, params.DatabaseID)
	assert.Len(t, params.Views, 2)

	dup, err := CreateWithView(ctx, params, dctx)
	require.Nil(t, err)
	dupData := dup.GetDatabaseData(ctx)

	source := map[string]bool{}
	for _, v := range data.Views {
		source[v.ID] = true
	}
	for _, r := range data.Rows {
		source[r.ID] = true
	}
	for _, v := range dupData.Views {
		assert.False(t, source[v.ID])
		assert.Equal(t, dupData.DatabaseID, v.DatabaseID)
	}
	require.Len(t, dupData.Rows, 2)
	for _, r := range dupData.Rows {
		assert.False(t, source[r.ID])
	}
	assert.Equal(t, "first", dupData.Rows[0].Cells["f1"]["data"])
	assert.True(t, dup.IsInlineView(params.InlineViewID))
}

func TestLoadFirstScreenRows(t *testing.T) {
	dctx, s := testContext(t)
	ctx := context.Background()
	params := sampleParams()
	for i := 0; i < 30; i++ {
		params.Rows = append(params.Rows, CreateRowParams{})
	}
	_, err := CreateWithView(ctx, params, dctx)
	require.Nil(t, err)

	db, err := Open(ctx, "db1", DatabaseContext{
		Service: store.NewService(s, 9),
		Logger:  utils.NopLogger(),
		Options: Options{FirstScreenRows: 5, RowCacheSize: 64},
	})
	require.Nil(t, err)
	require.Nil(t, db.LoadFirstScreenRows(ctx))
	assert.Equal(t, 5, db.rows.cache.Len())
}

func TestViewMap_Absence(t *testing.T) {
	doc := collab.NewDoc("db", 1)
	vm := ViewMap{container: collab.Root("views"), log: utils.NopLogger()}
	doc.TransactMut(func(txn *collab.TxnMut) {
		vm.InsertView(txn, DatabaseView{ID: "v", Layout: LayoutBoard})
		// a layout written by a newer replica
		m, _ := vm.container.GetMap(txn, "v")
		m.Insert(txn, viewLayout, 42)
		assert.False(t, vm.UpdateView(txn, "missing", func(*ViewUpdate) {}))
	})
	doc.Transact(func(txn *collab.Txn) {
		_, ok := vm.GetViewLayout(txn, "v")
		assert.False(t, ok)
		_, ok = vm.GetViewLayout(txn, "missing")
		assert.False(t, ok)
		assert.Empty(t, vm.GetViewFilters(txn, "missing"))
		assert.Empty(t, vm.GetViewRowOrders(txn, "missing"))
		assert.Empty(t, vm.GetViewFieldOrders(txn, "missing"))
		_, ok = vm.GetLayoutSetting(txn, "v", LayoutBoard)
		assert.False(t, ok)
		v, ok := vm.GetView(txn, "v")
		assert.True(t, ok)
		assert.Equal(t, LayoutGrid, v.Layout)
	})
	doc.TransactMut(func(txn *collab.TxnMut) {
		vm.Clear(txn)
	})
	doc.Transact(func(txn *collab.Txn) {
		assert.Empty(t, vm.GetAllViews(txn))
	})
}

func TestTypeOptions(t *testing.T) {
	doc := collab.NewDoc("db", 1)
	root := collab.Root("type_options")
	apply := func() {
		doc.TransactMut(func(txn *collab.TxnMut) {
			NewTypeOptionsUpdate(txn, root).
				Insert("0", TypeOptionData{"format": "usd", "scale": int64(2)}).
				Update("1", TypeOptionData{"date_format": "iso"})
		})
	}
	apply()
	apply()
	doc.TransactMut(func(txn *collab.TxnMut) {
		NewTypeOptionsUpdate(txn, root).
			Update("0", TypeOptionData{"scale": int64(3)}).
			Remove("1").
			Remove("missing").
			RemoveEntry("0", "format")
	})
	doc.Transact(func(txn *collab.Txn) {
		opts := TypeOptionsFromMap(txn, root)
		assert.Equal(t, TypeOptions{"0": {"scale": int64(3)}}, opts)
	})
}

func TestTypeOptions_NestedBagsMerge(t *testing.T) {
	doc := collab.NewDoc("db", 1)
	root := collab.Root("type_options")
	doc.TransactMut(func(txn *collab.TxnMut) {
		NewTypeOptionsUpdate(txn, root).
			Insert("0", TypeOptionData{"nested": PropertyBag{"a": "x", "b": "y"}, "ratio": float64(1)})
	})
	doc.TransactMut(func(txn *collab.TxnMut) {
		NewTypeOptionsUpdate(txn, root).
			Update("0", TypeOptionData{"nested": PropertyBag{"a": "z"}})
	})
	doc.Transact(func(txn *collab.Txn) {
		assert.Equal(t, TypeOptions{"0": {
			"nested": map[string]any{"a": "z", "b": "y"},
			"ratio":  float64(1),
		}}, TypeOptionsFromMap(txn, root))
	})
}
