package database

import (
	"slices"

	"github.com/drpcorg/collabdb/collab"
)

const (
	fieldID          = "id"
	fieldName        = "name"
	fieldType        = "ty"
	fieldVisibility  = "visibility"
	fieldWidth       = "width"
	fieldIsPrimary   = "is_primary"
	fieldTypeOptions = "type_options"
)

type Field struct {
	ID          string
	Name        string
	FieldType   int64
	Visibility  bool
	Width       int64
	IsPrimary   bool
	TypeOptions TypeOptions
}

func fieldFromMap(txn collab.ReadTxn, m collab.MapRef) (Field, bool) {
	id, ok := m.GetString(txn, fieldID)
	if !ok || id == "" {
		return Field{}, false
	}
	f := Field{ID: id, TypeOptions: TypeOptions{}}
	f.Name, _ = m.GetString(txn, fieldName)
	f.FieldType, _ = m.GetInt64(txn, fieldType)
	f.Visibility, _ = m.GetBool(txn, fieldVisibility)
	f.Width, _ = m.GetInt64(txn, fieldWidth)
	f.IsPrimary, _ = m.GetBool(txn, fieldIsPrimary)
	if opts, ok := m.GetMap(txn, fieldTypeOptions); ok {
		f.TypeOptions = TypeOptionsFromMap(txn, opts)
	}
	return f, true
}

// FieldMap is the fields container of a database, keyed by field id.
type FieldMap struct {
	container collab.MapRef
}

func (fm FieldMap) InsertField(txn *collab.TxnMut, f Field) {
	m := fm.container.InsertMap(txn, f.ID)
	m.Insert(txn, fieldID, f.ID)
	m.Insert(txn, fieldName, f.Name)
	m.Insert(txn, fieldType, f.FieldType)
	m.Insert(txn, fieldVisibility, f.Visibility)
	m.Insert(txn, fieldWidth, f.Width)
	m.Insert(txn, fieldIsPrimary, f.IsPrimary)
	f.TypeOptions.Fill(txn, m.GetOrInitMap(txn, fieldTypeOptions))
}

func (fm FieldMap) GetField(txn collab.ReadTxn, id string) (Field, bool) {
	m, ok := fm.container.GetMap(txn, id)
	if !ok {
		return Field{}, false
	}
	return fieldFromMap(txn, m)
}

func (fm FieldMap) GetAllFields(txn collab.ReadTxn) []Field {
	var fields []Field
	for _, id := range fm.container.Keys(txn) {
		if f, ok := fm.GetField(txn, id); ok {
			fields = append(fields, f)
		}
	}
	return fields
}

// GetFields returns the fields listed in ids, in that order.
func (fm FieldMap) GetFields(txn collab.ReadTxn, ids []string) []Field {
	fields := make([]Field, 0, len(ids))
	for _, id := range ids {
		if f, ok := fm.GetField(txn, id); ok {
			fields = append(fields, f)
		}
	}
	return fields
}

func (fm FieldMap) GetPrimaryField(txn collab.ReadTxn) (Field, bool) {
	fields := fm.GetAllFields(txn)
	i := slices.IndexFunc(fields, func(f Field) bool { return f.IsPrimary })
	if i < 0 {
		return Field{}, false
	}
	return fields[i], true
}

// UpdateField runs fn if the field exists.
func (fm FieldMap) UpdateField(txn *collab.TxnMut, id string, fn func(*FieldUpdate)) bool {
	m, ok := fm.container.GetMap(txn, id)
	if !ok {
		return false
	}
	fn(&FieldUpdate{txn: txn, m: m})
	return true
}

func (fm FieldMap) DeleteField(txn *collab.TxnMut, id string) bool {
	return fm.container.Remove(txn, id)
}

type FieldUpdate struct {
	txn *collab.TxnMut
	m   collab.MapRef
}

func (u *FieldUpdate) SetName(name string) *FieldUpdate {
	u.m.Insert(u.txn, fieldName, name)
	return u
}

func (u *FieldUpdate) SetFieldType(ty int64) *FieldUpdate {
	u.m.Insert(u.txn, fieldType, ty)
	return u
}

func (u *FieldUpdate) SetVisibility(visible bool) *FieldUpdate {
	u.m.Insert(u.txn, fieldVisibility, visible)
	return u
}

func (u *FieldUpdate) SetWidth(width int64) *FieldUpdate {
	u.m.Insert(u.txn, fieldWidth, width)
	return u
}

func (u *FieldUpdate) SetPrimary(primary bool) *FieldUpdate {
	u.m.Insert(u.txn, fieldIsPrimary, primary)
	return u
}

func (u *FieldUpdate) UpdateTypeOptions(fn func(*TypeOptionsUpdate)) *FieldUpdate {
	fn(NewTypeOptionsUpdate(u.txn, u.m.GetOrInitMap(u.txn, fieldTypeOptions)))
	return u
}
