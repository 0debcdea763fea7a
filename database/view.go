package database

import (
	"slices"
	"time"

	"github.com/drpcorg/collabdb/collab"
	"github.com/drpcorg/collabdb/utils"
)

const (
	viewID             = "id"
	viewDatabaseID     = "database_id"
	viewName           = "name"
	viewLayout         = "layout"
	viewLayoutSettings = "layout_settings"
	viewFilters        = "filters"
	viewSorts          = "sorts"
	viewGroups         = "groups"
	viewFieldOrders    = "field_orders"
	viewRowOrders      = "row_orders"
	viewCreatedAt      = "created_at"
	viewModifiedAt     = "modified_at"
)

type LayoutSetting = PropertyBag

type RowOrder struct {
	ID     string
	Height int64
}

type FieldOrder struct {
	ID string
}

type DatabaseView struct {
	ID             string
	DatabaseID     string
	Name           string
	Layout         DatabaseLayout
	LayoutSettings map[DatabaseLayout]LayoutSetting
	Filters        []PropertyBag
	Sorts          []PropertyBag
	GroupSettings  []PropertyBag
	FieldOrders    []FieldOrder
	RowOrders      []RowOrder
	CreatedAt      int64
	ModifiedAt     int64
}

type PositionKind int

const (
	PositionEnd PositionKind = iota
	PositionStart
	PositionBefore
	PositionAfter
)

// OrderPosition places an item in an order array, relative to the
// item with ID for Before/After. An unknown ID means the end.
type OrderPosition struct {
	Kind PositionKind
	ID   string
}

func (o RowOrder) value() any {
	return map[string]any{"id": o.ID, "height": o.Height}
}

func rowOrderFrom(v any) (RowOrder, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return RowOrder{}, false
	}
	id, _ := m["id"].(string)
	height, _ := collab.Int64(m["height"])
	return RowOrder{ID: id, Height: height}, id != ""
}

func (o FieldOrder) value() any {
	return map[string]any{"id": o.ID}
}

func fieldOrderFrom(v any) (FieldOrder, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return FieldOrder{}, false
	}
	id, _ := m["id"].(string)
	return FieldOrder{ID: id}, id != ""
}

func itemID(v any) string {
	m, _ := v.(map[string]any)
	id, _ := m["id"].(string)
	return id
}

func bagsFrom(items []any) []PropertyBag {
	bags := make([]PropertyBag, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			bags = append(bags, m)
		}
	}
	return bags
}

func bagsValue(bags []PropertyBag) []any {
	items := make([]any, 0, len(bags))
	for _, b := range bags {
		items = append(items, map[string]any(b))
	}
	return items
}

func viewFromMap(txn collab.ReadTxn, m collab.MapRef) (DatabaseView, bool) {
	id, ok := m.GetString(txn, viewID)
	if !ok || id == "" {
		return DatabaseView{}, false
	}
	v := DatabaseView{ID: id}
	v.DatabaseID, _ = m.GetString(txn, viewDatabaseID)
	v.Name, _ = m.GetString(txn, viewName)
	if n, ok := m.GetInt64(txn, viewLayout); ok {
		v.Layout, _ = ParseLayout(n)
	}
	v.LayoutSettings = layoutSettingsFrom(txn, m)
	v.Filters = bagArray(txn, m, viewFilters)
	v.Sorts = bagArray(txn, m, viewSorts)
	v.GroupSettings = bagArray(txn, m, viewGroups)
	v.FieldOrders = fieldOrdersFrom(txn, m)
	v.RowOrders = rowOrdersFrom(txn, m)
	v.CreatedAt, _ = m.GetInt64(txn, viewCreatedAt)
	v.ModifiedAt, _ = m.GetInt64(txn, viewModifiedAt)
	return v, true
}

func layoutSettingsFrom(txn collab.ReadTxn, m collab.MapRef) map[DatabaseLayout]LayoutSetting {
	ret := make(map[DatabaseLayout]LayoutSetting)
	settings, ok := m.GetMap(txn, viewLayoutSettings)
	if !ok {
		return ret
	}
	for _, l := range []DatabaseLayout{LayoutGrid, LayoutBoard, LayoutCalendar} {
		if s, ok := settings.GetMap(txn, l.key()); ok {
			ret[l] = s.ToJSON(txn)
		}
	}
	return ret
}

func bagArray(txn collab.ReadTxn, m collab.MapRef, key string) []PropertyBag {
	arr, ok := m.GetArray(txn, key)
	if !ok {
		return []PropertyBag{}
	}
	return bagsFrom(arr.ToSlice(txn))
}

func rowOrdersFrom(txn collab.ReadTxn, m collab.MapRef) []RowOrder {
	orders := []RowOrder{}
	if arr, ok := m.GetArray(txn, viewRowOrders); ok {
		for _, it := range arr.ToSlice(txn) {
			if o, ok := rowOrderFrom(it); ok {
				orders = append(orders, o)
			}
		}
	}
	return orders
}

func fieldOrdersFrom(txn collab.ReadTxn, m collab.MapRef) []FieldOrder {
	orders := []FieldOrder{}
	if arr, ok := m.GetArray(txn, viewFieldOrders); ok {
		for _, it := range arr.ToSlice(txn) {
			if o, ok := fieldOrderFrom(it); ok {
				orders = append(orders, o)
			}
		}
	}
	return orders
}

// ViewMap holds the views of one database keyed by view id. Absent
// views read as empty results.
type ViewMap struct {
	container collab.MapRef
	log       utils.Logger
}

func (vm ViewMap) InsertView(txn *collab.TxnMut, view DatabaseView) {
	m := vm.container.InsertMap(txn, view.ID)
	m.Insert(txn, viewID, view.ID)
	now := time.Now().Unix()
	if view.CreatedAt == 0 {
		view.CreatedAt = now
	}
	m.Insert(txn, viewCreatedAt, view.CreatedAt)
	u := &ViewUpdate{txn: txn, m: m, ViewID: view.ID}
	u.SetDatabaseID(view.DatabaseID).
		SetName(view.Name).
		SetLayout(view.Layout).
		SetFilters(view.Filters).
		SetSorts(view.Sorts).
		SetGroupSettings(view.GroupSettings).
		SetFieldOrders(view.FieldOrders).
		SetRowOrders(view.RowOrders)
	for l, s := range view.LayoutSettings {
		u.SetLayoutSetting(l, s)
	}
}

// UpdateView runs fn on an existing view. A missing view is only
// logged: another replica may have deleted it.
func (vm ViewMap) UpdateView(txn *collab.TxnMut, id string, fn func(*ViewUpdate)) bool {
	m, ok := vm.container.GetMap(txn, id)
	if !ok {
		vm.log.Warn("can't update the view, the view is not found", "view_id", id)
		return false
	}
	fn(&ViewUpdate{txn: txn, m: m, ViewID: id})
	return true
}

// UpdateAllViews runs fn on every view in one pass.
func (vm ViewMap) UpdateAllViews(txn *collab.TxnMut, fn func(*ViewUpdate)) {
	for _, id := range vm.container.Keys(txn) {
		m, ok := vm.container.GetMap(txn, id)
		if !ok {
			continue
		}
		if vid, _ := m.GetString(txn, viewID); vid != "" {
			fn(&ViewUpdate{txn: txn, m: m, ViewID: vid})
		}
	}
}

func (vm ViewMap) DeleteView(txn *collab.TxnMut, id string) bool {
	return vm.container.Remove(txn, id)
}

func (vm ViewMap) Clear(txn *collab.TxnMut) {
	vm.container.Clear(txn)
}

func (vm ViewMap) Contains(txn collab.ReadTxn, id string) bool {
	_, ok := vm.container.GetMap(txn, id)
	return ok
}

func (vm ViewMap) GetView(txn collab.ReadTxn, id string) (DatabaseView, bool) {
	m, ok := vm.container.GetMap(txn, id)
	if !ok {
		return DatabaseView{}, false
	}
	return viewFromMap(txn, m)
}

// GetAllViews lists views by creation time, then id.
func (vm ViewMap) GetAllViews(txn collab.ReadTxn) []DatabaseView {
	var views []DatabaseView
	for _, id := range vm.container.Keys(txn) {
		if v, ok := vm.GetView(txn, id); ok {
			views = append(views, v)
		}
	}
	slices.SortStableFunc(views, func(a, b DatabaseView) int {
		switch {
		case a.CreatedAt < b.CreatedAt:
			return -1
		case a.CreatedAt > b.CreatedAt:
			return 1
		}
		return 0
	})
	return views
}

func (vm ViewMap) viewMap(txn collab.ReadTxn, id string) (collab.MapRef, bool) {
	return vm.container.GetMap(txn, id)
}

func (vm ViewMap) GetViewFilters(txn collab.ReadTxn, id string) []PropertyBag {
	if m, ok := vm.viewMap(txn, id); ok {
		return bagArray(txn, m, viewFilters)
	}
	return []PropertyBag{}
}

func (vm ViewMap) GetViewSorts(txn collab.ReadTxn, id string) []PropertyBag {
	if m, ok := vm.viewMap(txn, id); ok {
		return bagArray(txn, m, viewSorts)
	}
	return []PropertyBag{}
}

func (vm ViewMap) GetViewGroupSetting(txn collab.ReadTxn, id string) []PropertyBag {
	if m, ok := vm.viewMap(txn, id); ok {
		return bagArray(txn, m, viewGroups)
	}
	return []PropertyBag{}
}

func (vm ViewMap) GetViewRowOrders(txn collab.ReadTxn, id string) []RowOrder {
	if m, ok := vm.viewMap(txn, id); ok {
		return rowOrdersFrom(txn, m)
	}
	return []RowOrder{}
}

func (vm ViewMap) GetViewFieldOrders(txn collab.ReadTxn, id string) []FieldOrder {
	if m, ok := vm.viewMap(txn, id); ok {
		return fieldOrdersFrom(txn, m)
	}
	return []FieldOrder{}
}

func (vm ViewMap) GetLayoutSetting(txn collab.ReadTxn, id string, layout DatabaseLayout) (LayoutSetting, bool) {
	m, ok := vm.viewMap(txn, id)
	if !ok {
		return nil, false
	}
	s, ok := layoutSettingsFrom(txn, m)[layout]
	return s, ok
}

// GetViewLayout reports false for a missing view and for a stored
// layout that is not a known one.
func (vm ViewMap) GetViewLayout(txn collab.ReadTxn, id string) (DatabaseLayout, bool) {
	m, ok := vm.viewMap(txn, id)
	if !ok {
		return 0, false
	}
	n, ok := m.GetInt64(txn, viewLayout)
	if !ok {
		return 0, false
	}
	return ParseLayout(n)
}

// ViewUpdate edits one view in place; setters chain.
type ViewUpdate struct {
	txn    *collab.TxnMut
	m      collab.MapRef
	ViewID string
}

func (u *ViewUpdate) touch() {
	u.m.Insert(u.txn, viewModifiedAt, time.Now().Unix())
}

func (u *ViewUpdate) SetName(name string) *ViewUpdate {
	u.m.Insert(u.txn, viewName, name)
	u.touch()
	return u
}

func (u *ViewUpdate) SetDatabaseID(id string) *ViewUpdate {
	u.m.Insert(u.txn, viewDatabaseID, id)
	return u
}

func (u *ViewUpdate) SetLayout(l DatabaseLayout) *ViewUpdate {
	u.m.Insert(u.txn, viewLayout, int64(l))
	u.touch()
	return u
}

// SetLayoutSetting merges s into the setting of layout l.
func (u *ViewUpdate) SetLayoutSetting(l DatabaseLayout, s LayoutSetting) *ViewUpdate {
	u.m.GetOrInitMap(u.txn, viewLayoutSettings).GetOrInitMap(u.txn, l.key()).Fill(u.txn, s)
	u.touch()
	return u
}

func (u *ViewUpdate) RemoveLayoutSetting(l DatabaseLayout) *ViewUpdate {
	if settings, ok := u.m.GetMap(u.txn, viewLayoutSettings); ok {
		settings.Remove(u.txn, l.key())
	}
	return u
}

func (u *ViewUpdate) setBags(key string, bags []PropertyBag) *ViewUpdate {
	u.m.InsertArray(u.txn, key, bagsValue(bags))
	u.touch()
	return u
}

func (u *ViewUpdate) SetFilters(bags []PropertyBag) *ViewUpdate { return u.setBags(viewFilters, bags) }

func (u *ViewUpdate) SetSorts(bags []PropertyBag) *ViewUpdate { return u.setBags(viewSorts, bags) }

func (u *ViewUpdate) SetGroupSettings(bags []PropertyBag) *ViewUpdate {
	return u.setBags(viewGroups, bags)
}

// upsertBag replaces the bag with the same id or appends it.
func (u *ViewUpdate) upsertBag(key string, bag PropertyBag) *ViewUpdate {
	arr := u.m.GetOrInitArray(u.txn, key)
	if i := arr.Index(u.txn, func(v any) bool { return itemID(v) == bag.ID() }); i >= 0 {
		arr.Set(u.txn, i, map[string]any(bag))
	} else {
		arr.Push(u.txn, map[string]any(bag))
	}
	u.touch()
	return u
}

func (u *ViewUpdate) removeBag(key, id string) *ViewUpdate {
	if arr, ok := u.m.GetArray(u.txn, key); ok {
		arr.RemoveWhere(u.txn, func(v any) bool { return itemID(v) == id })
		u.touch()
	}
	return u
}

func (u *ViewUpdate) UpsertFilter(bag PropertyBag) *ViewUpdate { return u.upsertBag(viewFilters, bag) }

func (u *ViewUpdate) RemoveFilter(id string) *ViewUpdate { return u.removeBag(viewFilters, id) }

func (u *ViewUpdate) UpsertSort(bag PropertyBag) *ViewUpdate { return u.upsertBag(viewSorts, bag) }

func (u *ViewUpdate) RemoveSort(id string) *ViewUpdate { return u.removeBag(viewSorts, id) }

func (u *ViewUpdate) UpsertGroupSetting(bag PropertyBag) *ViewUpdate {
	return u.upsertBag(viewGroups, bag)
}

func (u *ViewUpdate) RemoveGroupSetting(id string) *ViewUpdate { return u.removeBag(viewGroups, id) }

func (u *ViewUpdate) SetFieldOrders(orders []FieldOrder) *ViewUpdate {
	items := make([]any, 0, len(orders))
	for _, o := range orders {
		items = append(items, o.value())
	}
	u.m.InsertArray(u.txn, viewFieldOrders, items)
	return u
}

func (u *ViewUpdate) SetRowOrders(orders []RowOrder) *ViewUpdate {
	items := make([]any, 0, len(orders))
	for _, o := range orders {
		items = append(items, o.value())
	}
	u.m.InsertArray(u.txn, viewRowOrders, items)
	return u
}

func insertOrdered(txn *collab.TxnMut, arr collab.ArrayRef, item any, pos OrderPosition) {
	i := arr.Len(txn)
	switch pos.Kind {
	case PositionStart:
		i = 0
	case PositionBefore, PositionAfter:
		if at := arr.Index(txn, func(v any) bool { return itemID(v) == pos.ID }); at >= 0 {
			i = at
			if pos.Kind == PositionAfter {
				i++
			}
		}
	}
	arr.InsertAt(txn, i, item)
}

func moveOrdered(txn *collab.TxnMut, arr collab.ArrayRef, fromID, toID string) bool {
	from := arr.Index(txn, func(v any) bool { return itemID(v) == fromID })
	to := arr.Index(txn, func(v any) bool { return itemID(v) == toID })
	if from < 0 || to < 0 {
		return false
	}
	return arr.Move(txn, from, to)
}

func (u *ViewUpdate) InsertRowOrder(order RowOrder, pos OrderPosition) *ViewUpdate {
	insertOrdered(u.txn, u.m.GetOrInitArray(u.txn, viewRowOrders), order.value(), pos)
	return u
}

func (u *ViewUpdate) RemoveRowOrder(id string) *ViewUpdate {
	if arr, ok := u.m.GetArray(u.txn, viewRowOrders); ok {
		arr.RemoveWhere(u.txn, func(v any) bool { return itemID(v) == id })
	}
	return u
}

// MoveRowOrder puts row fromID at the current position of row toID.
func (u *ViewUpdate) MoveRowOrder(fromID, toID string) *ViewUpdate {
	if arr, ok := u.m.GetArray(u.txn, viewRowOrders); ok {
		moveOrdered(u.txn, arr, fromID, toID)
	}
	return u
}

func (u *ViewUpdate) UpdateRowHeight(id string, height int64) *ViewUpdate {
	if arr, ok := u.m.GetArray(u.txn, viewRowOrders); ok {
		if i := arr.Index(u.txn, func(v any) bool { return itemID(v) == id }); i >= 0 {
			arr.Set(u.txn, i, RowOrder{ID: id, Height: height}.value())
		}
	}
	return u
}

func (u *ViewUpdate) InsertFieldOrder(order FieldOrder, pos OrderPosition) *ViewUpdate {
	insertOrdered(u.txn, u.m.GetOrInitArray(u.txn, viewFieldOrders), order.value(), pos)
	return u
}

func (u *ViewUpdate) RemoveFieldOrder(id string) *ViewUpdate {
	if arr, ok := u.m.GetArray(u.txn, viewFieldOrders); ok {
		arr.RemoveWhere(u.txn, func(v any) bool { return itemID(v) == id })
	}
	return u
}

func (u *ViewUpdate) MoveFieldOrder(fromID, toID string) *ViewUpdate {
	if arr, ok := u.m.GetArray(u.txn, viewFieldOrders); ok {
		moveOrdered(u.txn, arr, fromID, toID)
	}
	return u
}
