package database

import (
	"context"
	"errors"
	"time"

	"github.com/drpcorg/collabdb/collab"
	"github.com/drpcorg/collabdb/collabdb_errors"
	"github.com/drpcorg/collabdb/utils"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

const (
	rowRoot         = "row"
	rowID           = "id"
	rowDatabaseID   = "database_id"
	rowHeight       = "height"
	rowVisibility   = "visibility"
	rowCreatedAt    = "created_at"
	rowLastModified = "last_modified"
	rowCells        = "cells"
)

const DefaultRowHeight = 60

// Cell is the content of one field in a row.
type Cell = PropertyBag

// Row lives in a document of its own, one per row id.
type Row struct {
	ID           string
	DatabaseID   string
	Cells        map[string]Cell
	Height       int64
	Visibility   bool
	CreatedAt    int64
	LastModified int64
}

type CreateRowParams struct {
	ID         string
	Cells      map[string]Cell
	Height     int64
	Visibility bool
	CreatedAt  int64
	Position   OrderPosition
}

func rowFromDoc(doc *collab.Doc) (row Row, ok bool) {
	doc.Transact(func(txn *collab.Txn) {
		m, found := collab.Root(collab.DataRoot).GetMap(txn, rowRoot)
		if !found {
			return
		}
		row.ID, _ = m.GetString(txn, rowID)
		if row.ID == "" {
			return
		}
		ok = true
		row.DatabaseID, _ = m.GetString(txn, rowDatabaseID)
		row.Height, _ = m.GetInt64(txn, rowHeight)
		row.Visibility, _ = m.GetBool(txn, rowVisibility)
		row.CreatedAt, _ = m.GetInt64(txn, rowCreatedAt)
		row.LastModified, _ = m.GetInt64(txn, rowLastModified)
		row.Cells = make(map[string]Cell)
		if cells, found := m.GetMap(txn, rowCells); found {
			for _, fid := range cells.Keys(txn) {
				if c, found := cells.GetMap(txn, fid); found {
					row.Cells[fid] = c.ToJSON(txn)
				}
			}
		}
	})
	return
}

func fillRow(txn *collab.TxnMut, databaseID string, p CreateRowParams) {
	m := collab.Root(collab.DataRoot).GetOrInitMap(txn, rowRoot)
	now := time.Now().Unix()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	if p.Height == 0 {
		p.Height = DefaultRowHeight
	}
	m.Insert(txn, rowID, p.ID)
	m.Insert(txn, rowDatabaseID, databaseID)
	m.Insert(txn, rowHeight, p.Height)
	m.Insert(txn, rowVisibility, p.Visibility)
	m.Insert(txn, rowCreatedAt, p.CreatedAt)
	m.Insert(txn, rowLastModified, now)
	cells := m.GetOrInitMap(txn, rowCells)
	for fid, c := range p.Cells {
		cells.GetOrInitMap(txn, fid).Fill(txn, c)
	}
}

// RowUpdate edits one row document; setters chain.
type RowUpdate struct {
	txn *collab.TxnMut
	m   collab.MapRef
}

func (u *RowUpdate) touch() {
	u.m.Insert(u.txn, rowLastModified, time.Now().Unix())
}

func (u *RowUpdate) SetHeight(h int64) *RowUpdate {
	u.m.Insert(u.txn, rowHeight, h)
	u.touch()
	return u
}

func (u *RowUpdate) SetVisibility(v bool) *RowUpdate {
	u.m.Insert(u.txn, rowVisibility, v)
	u.touch()
	return u
}

// UpdateCell merges cell into the cell of field fid.
func (u *RowUpdate) UpdateCell(fid string, cell Cell) *RowUpdate {
	u.m.GetOrInitMap(u.txn, rowCells).GetOrInitMap(u.txn, fid).Fill(u.txn, cell)
	u.touch()
	return u
}

func (u *RowUpdate) RemoveCell(fid string) *RowUpdate {
	if cells, ok := u.m.GetMap(u.txn, rowCells); ok {
		cells.Remove(u.txn, fid)
		u.touch()
	}
	return u
}

// rowBlock caches row documents. A row id maps to at most one live
// document: loads of the same id share one flight.
type rowBlock struct {
	databaseID string
	service    collab.Service
	cache      *lru.Cache[string, *collab.Doc]
	flight     singleflight.Group
	log        utils.Logger
}

func newRowBlock(databaseID string, service collab.Service, size int, log utils.Logger) *rowBlock {
	cache, err := lru.New[string, *collab.Doc](size)
	if err != nil {
		panic(err) // size is validated by Options.SetDefaults
	}
	return &rowBlock{databaseID: databaseID, service: service, cache: cache, log: log}
}

var errRowNotFound = errors.New("row not found")

// get returns the row document, loading it when needed. Rows without
// stored data report errRowNotFound.
func (rb *rowBlock) get(ctx context.Context, id string) (*collab.Doc, error) {
	if doc, ok := rb.cache.Get(id); ok {
		return doc, nil
	}
	v, err, _ := rb.flight.Do(id, func() (any, error) {
		if doc, ok := rb.cache.Get(id); ok {
			return doc, nil
		}
		doc, err := rb.service.BuildCollab(ctx, id, collab.TypeDatabaseRow, false)
		if err != nil {
			return nil, collabdb_errors.Internal(err)
		}
		if err = collab.TypeDatabaseRow.ValidateRequireData(doc); err != nil {
			return nil, errRowNotFound
		}
		rb.cache.Add(id, doc)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*collab.Doc), nil
}

func (rb *rowBlock) create(ctx context.Context, p CreateRowParams) (*collab.Doc, error) {
	doc, err := rb.service.BuildCollab(ctx, p.ID, collab.TypeDatabaseRow, true)
	if err != nil {
		return nil, collabdb_errors.Internal(err)
	}
	doc.TransactMut(func(txn *collab.TxnMut) {
		fillRow(txn, rb.databaseID, p)
	})
	rb.cache.Add(p.ID, doc)
	return doc, nil
}

func (rb *rowBlock) remove(id string) {
	rb.cache.Remove(id)
	if p := rb.service.Persistence(); p != nil {
		if err := p.DeleteCollab(id); err != nil {
			rb.log.Error("row delete failed", "row_id", id, "err", err)
		}
	}
}

func (rb *rowBlock) update(ctx context.Context, id string, fn func(*RowUpdate)) error {
	doc, err := rb.get(ctx, id)
	if err != nil {
		return err
	}
	doc.TransactMut(func(txn *collab.TxnMut) {
		if m, ok := collab.Root(collab.DataRoot).GetMap(txn, rowRoot); ok {
			fn(&RowUpdate{txn: txn, m: m})
		}
	})
	return nil
}
