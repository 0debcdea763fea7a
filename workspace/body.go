package workspace

import (
	"slices"
	"time"

	"github.com/drpcorg/collabdb/collab"
)

const (
	bodyDatabases   = "databases"
	metaDatabaseID  = "database_id"
	metaCreatedAt   = "created_at"
	metaLinkedViews = "views"
)

// DatabaseMeta is the index record of one database. LinkedViews keeps
// the order views were linked in; the inline view comes first.
type DatabaseMeta struct {
	DatabaseID  string
	CreatedAt   int64
	LinkedViews []string
}

// Body is the index document content:
//
//	data.databases.<database id>.database_id
//	data.databases.<database id>.created_at
//	data.databases.<database id>.views.<view id> = link number
type Body struct {
	databases collab.MapRef
}

func newBody(doc *collab.Doc) (b Body) {
	doc.TransactMut(func(txn *collab.TxnMut) {
		b.databases = collab.Root(collab.DataRoot).GetOrInitMap(txn, bodyDatabases)
	})
	return
}

func (b Body) Contains(txn collab.ReadTxn, databaseID string) bool {
	_, ok := b.databases.GetMap(txn, databaseID)
	return ok
}

// AddDatabase registers meta, replacing a record with the same id.
func (b Body) AddDatabase(txn *collab.TxnMut, meta DatabaseMeta) {
	m := b.databases.InsertMap(txn, meta.DatabaseID)
	m.Insert(txn, metaDatabaseID, meta.DatabaseID)
	if meta.CreatedAt == 0 {
		meta.CreatedAt = time.Now().Unix()
	}
	m.Insert(txn, metaCreatedAt, meta.CreatedAt)
	views := m.InsertMap(txn, metaLinkedViews)
	n := int64(0)
	for _, id := range meta.LinkedViews {
		if id == "" || views.Contains(txn, id) {
			continue
		}
		views.Insert(txn, id, n)
		n++
	}
}

func (b Body) DeleteDatabase(txn *collab.TxnMut, databaseID string) bool {
	return b.databases.Remove(txn, databaseID)
}

// LinkView appends viewID to the database's linked views. It reports
// false when the database is unknown or the view is linked already.
func (b Body) LinkView(txn *collab.TxnMut, databaseID, viewID string) bool {
	m, ok := b.databases.GetMap(txn, databaseID)
	if !ok {
		return false
	}
	views := m.GetOrInitMap(txn, metaLinkedViews)
	if views.Contains(txn, viewID) {
		return false
	}
	next := int64(0)
	for _, id := range views.Keys(txn) {
		if n, ok := views.GetInt64(txn, id); ok && n >= next {
			next = n + 1
		}
	}
	views.Insert(txn, viewID, next)
	return true
}

func (b Body) UnlinkView(txn *collab.TxnMut, databaseID, viewID string) bool {
	m, ok := b.databases.GetMap(txn, databaseID)
	if !ok {
		return false
	}
	views, ok := m.GetMap(txn, metaLinkedViews)
	if !ok {
		return false
	}
	return views.Remove(txn, viewID)
}

func (b Body) GetDatabaseMeta(txn collab.ReadTxn, databaseID string) (DatabaseMeta, bool) {
	m, ok := b.databases.GetMap(txn, databaseID)
	if !ok {
		return DatabaseMeta{}, false
	}
	meta := DatabaseMeta{DatabaseID: databaseID, LinkedViews: []string{}}
	meta.CreatedAt, _ = m.GetInt64(txn, metaCreatedAt)
	views, ok := m.GetMap(txn, metaLinkedViews)
	if !ok {
		return meta, true
	}
	type link struct {
		id string
		n  int64
	}
	var links []link
	for _, id := range views.Keys(txn) {
		n, _ := views.GetInt64(txn, id)
		links = append(links, link{id, n})
	}
	slices.SortStableFunc(links, func(a, b link) int {
		switch {
		case a.n < b.n:
			return -1
		case a.n > b.n:
			return 1
		}
		return 0
	})
	for _, l := range links {
		meta.LinkedViews = append(meta.LinkedViews, l.id)
	}
	return meta, true
}

// GetAllDatabaseMeta lists records by creation time, then id.
func (b Body) GetAllDatabaseMeta(txn collab.ReadTxn) []DatabaseMeta {
	var metas []DatabaseMeta
	for _, id := range b.databases.Keys(txn) {
		if meta, ok := b.GetDatabaseMeta(txn, id); ok {
			metas = append(metas, meta)
		}
	}
	slices.SortStableFunc(metas, func(a, b DatabaseMeta) int {
		switch {
		case a.CreatedAt < b.CreatedAt:
			return -1
		case a.CreatedAt > b.CreatedAt:
			return 1
		}
		return 0
	})
	return metas
}

// GetDatabaseMetaWithViewID finds the database a view is linked to.
func (b Body) GetDatabaseMetaWithViewID(txn collab.ReadTxn, viewID string) (DatabaseMeta, bool) {
	for _, id := range b.databases.Keys(txn) {
		m, ok := b.databases.GetMap(txn, id)
		if !ok {
			continue
		}
		if views, ok := m.GetMap(txn, metaLinkedViews); ok && views.Contains(txn, viewID) {
			return b.GetDatabaseMeta(txn, id)
		}
	}
	return DatabaseMeta{}, false
}

// LinkedElsewhere finds the first of viewIDs linked to a database
// other than databaseID.
func (b Body) LinkedElsewhere(txn collab.ReadTxn, databaseID string, viewIDs []string) (viewID, owner string, found bool) {
	for _, id := range viewIDs {
		if meta, ok := b.GetDatabaseMetaWithViewID(txn, id); ok && meta.DatabaseID != databaseID {
			return id, meta.DatabaseID, true
		}
	}
	return "", "", false
}
