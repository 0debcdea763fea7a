/*
Package database maps one database (fields, views, rows) onto
replicated documents.

The database document keeps everything but rows:

	data.database.id
	data.database.metas.iid          inline view id
	data.database.fields.<field id>  field record with type_options
	data.database.views.<view id>    view record with order arrays

Each row is a document of its own, data.row, loaded on demand.
*/
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/drpcorg/collabdb/collab"
	"github.com/drpcorg/collabdb/collabdb_errors"
	"github.com/drpcorg/collabdb/idgen"
	"github.com/drpcorg/collabdb/utils"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	databaseRoot   = "database"
	databaseID     = "id"
	databaseFields = "fields"
	databaseViews  = "views"
	databaseMetas  = "metas"
	metaInlineView = "iid"
)

type Options struct {
	// FirstScreenRows is how many rows of the inline view a fresh
	// open loads up front.
	FirstScreenRows int
	RowCacheSize    int
	// Loaders bounds concurrent row loads.
	Loaders int
}

func (o *Options) SetDefaults() {
	if o.FirstScreenRows <= 0 {
		o.FirstScreenRows = 20
	}
	if o.RowCacheSize <= 0 {
		o.RowCacheSize = 1024
	}
	if o.Loaders <= 0 {
		o.Loaders = 8
	}
}

// DatabaseContext carries what every database needs to build docs.
type DatabaseContext struct {
	Service collab.Service
	IDs     idgen.Source
	Options Options
	Logger  utils.Logger
}

func (c *DatabaseContext) setDefaults() {
	c.Options.SetDefaults()
	if c.Logger == nil {
		c.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if c.IDs == nil {
		c.IDs = idgen.NewGenerator(0)
	}
}

// Database is a handle on one open database. Reads may run
// concurrently; structural changes are exclusive.
type Database struct {
	lock   sync.RWMutex
	id     string
	doc    *collab.Doc
	body   collab.MapRef
	views  ViewMap
	fields FieldMap
	rows   *rowBlock
	dctx   DatabaseContext
	log    utils.Logger
}

func newDatabase(id string, doc *collab.Doc, dctx DatabaseContext) *Database {
	d := &Database{
		id:   id,
		doc:  doc,
		dctx: dctx,
		log:  dctx.Logger,
		rows: newRowBlock(id, dctx.Service, dctx.Options.RowCacheSize, dctx.Logger),
	}
	doc.TransactMut(func(txn *collab.TxnMut) {
		d.body = collab.Root(collab.DataRoot).GetOrInitMap(txn, databaseRoot)
		d.views = ViewMap{container: d.body.GetOrInitMap(txn, databaseViews), log: dctx.Logger}
		d.fields = FieldMap{container: d.body.GetOrInitMap(txn, databaseFields)}
	})
	return d
}

// Open loads an existing database. A document without database data
// fails with ErrNoRequiredData.
func Open(ctx context.Context, id string, dctx DatabaseContext) (*Database, error) {
	dctx.setDefaults()
	if id == "" {
		return nil, collabdb_errors.ErrInvalidDatabaseID
	}
	doc, err := dctx.Service.BuildCollab(ctx, id, collab.TypeDatabase, false)
	if err != nil {
		return nil, collabdb_errors.Internal(err)
	}
	if err = collab.TypeDatabase.ValidateRequireData(doc); err != nil {
		return nil, err
	}
	return newDatabase(id, doc, dctx), nil
}

// CreateWithView builds a new database with its inline view, the other
// views, the fields and the rows of params.
func CreateWithView(ctx context.Context, params CreateDatabaseParams, dctx DatabaseContext) (*Database, error) {
	dctx.setDefaults()
	if err := params.Validate(); err != nil {
		return nil, err
	}
	doc, err := dctx.Service.BuildCollab(ctx, params.DatabaseID, collab.TypeDatabase, true)
	if err != nil {
		return nil, collabdb_errors.Internal(err)
	}
	d := newDatabase(params.DatabaseID, doc, dctx)

	rowOrders := make([]RowOrder, 0, len(params.Rows))
	for _, p := range params.Rows {
		if p.ID == "" {
			p.ID = dctx.IDs.Next()
		}
		if _, err = d.rows.create(ctx, p); err != nil {
			return nil, err
		}
		height := p.Height
		if height == 0 {
			height = DefaultRowHeight
		}
		rowOrders = append(rowOrders, RowOrder{ID: p.ID, Height: height})
	}
	fieldOrders := make([]FieldOrder, 0, len(params.Fields))
	for _, f := range params.Fields {
		fieldOrders = append(fieldOrders, FieldOrder{ID: f.ID})
	}

	views := params.Views
	hasInline := false
	for _, v := range views {
		hasInline = hasInline || v.ViewID == params.InlineViewID
	}
	if !hasInline {
		views = append([]CreateViewParams{{ViewID: params.InlineViewID, Name: "Grid", Layout: LayoutGrid}}, views...)
	}

	doc.TransactMut(func(txn *collab.TxnMut) {
		d.body.Insert(txn, databaseID, params.DatabaseID)
		d.body.GetOrInitMap(txn, databaseMetas).Insert(txn, metaInlineView, params.InlineViewID)
		for _, f := range params.Fields {
			if f.TypeOptions == nil {
				f.TypeOptions = TypeOptions{}
			}
			d.fields.InsertField(txn, f)
		}
		for _, v := range views {
			if v.ViewID == "" {
				continue
			}
			v.DatabaseID = params.DatabaseID
			d.views.InsertView(txn, v.view(fieldOrders, rowOrders))
		}
	})
	return d, nil
}

func (d *Database) ID() string { return d.id }

// Doc is the database document, for flushing and syncing.
func (d *Database) Doc() *collab.Doc { return d.doc }

func (d *Database) Validate() error {
	return collab.TypeDatabase.ValidateRequireData(d.doc)
}

func (d *Database) inlineViewID(txn collab.ReadTxn) string {
	metas, ok := d.body.GetMap(txn, databaseMetas)
	if !ok {
		return ""
	}
	id, _ := metas.GetString(txn, metaInlineView)
	return id
}

func (d *Database) InlineViewID() (id string) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	d.doc.Transact(func(txn *collab.Txn) {
		id = d.inlineViewID(txn)
	})
	return
}

// IsInlineView still answers after the view itself was deleted.
func (d *Database) IsInlineView(viewID string) bool {
	return viewID != "" && d.InlineViewID() == viewID
}

// CreateLinkedView adds a view sharing this database's rows and fields.
// Orders not given in params are copied from the inline view. Linking
// an existing view id leaves the view as it is.
func (d *Database) CreateLinkedView(params CreateViewParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	if params.DatabaseID != d.id {
		return fmt.Errorf("%w: view %s targets %s, not %s", collabdb_errors.ErrInvalidDatabaseID, params.ViewID, params.DatabaseID, d.id)
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	d.doc.TransactMut(func(txn *collab.TxnMut) {
		if d.views.Contains(txn, params.ViewID) {
			d.log.Warn("the view already exists", "database_id", d.id, "view_id", params.ViewID)
			return
		}
		inline := d.inlineViewID(txn)
		fieldOrders := d.views.GetViewFieldOrders(txn, inline)
		if len(fieldOrders) == 0 {
			for _, f := range d.fields.GetAllFields(txn) {
				fieldOrders = append(fieldOrders, FieldOrder{ID: f.ID})
			}
		}
		d.views.InsertView(txn, params.view(fieldOrders, d.views.GetViewRowOrders(txn, inline)))
	})
	return nil
}

func (d *Database) DeleteView(viewID string) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	var ok bool
	d.doc.TransactMut(func(txn *collab.TxnMut) {
		ok = d.views.DeleteView(txn, viewID)
	})
	return ok
}

func (d *Database) read(fn func(txn *collab.Txn)) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	d.doc.Transact(fn)
}

func (d *Database) write(fn func(txn *collab.TxnMut)) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.doc.TransactMut(fn)
}

func (d *Database) GetView(viewID string) (v DatabaseView, ok bool) {
	d.read(func(txn *collab.Txn) { v, ok = d.views.GetView(txn, viewID) })
	return
}

func (d *Database) GetAllViews() (views []DatabaseView) {
	d.read(func(txn *collab.Txn) { views = d.views.GetAllViews(txn) })
	return
}

func (d *Database) GetViewLayout(viewID string) (l DatabaseLayout, ok bool) {
	d.read(func(txn *collab.Txn) { l, ok = d.views.GetViewLayout(txn, viewID) })
	return
}

func (d *Database) GetLayoutSetting(viewID string, layout DatabaseLayout) (s LayoutSetting, ok bool) {
	d.read(func(txn *collab.Txn) { s, ok = d.views.GetLayoutSetting(txn, viewID, layout) })
	return
}

func (d *Database) GetViewFilters(viewID string) (bags []PropertyBag) {
	d.read(func(txn *collab.Txn) { bags = d.views.GetViewFilters(txn, viewID) })
	return
}

func (d *Database) GetViewSorts(viewID string) (bags []PropertyBag) {
	d.read(func(txn *collab.Txn) { bags = d.views.GetViewSorts(txn, viewID) })
	return
}

func (d *Database) GetViewGroupSetting(viewID string) (bags []PropertyBag) {
	d.read(func(txn *collab.Txn) { bags = d.views.GetViewGroupSetting(txn, viewID) })
	return
}

func (d *Database) GetRowOrders(viewID string) (orders []RowOrder) {
	d.read(func(txn *collab.Txn) { orders = d.views.GetViewRowOrders(txn, viewID) })
	return
}

func (d *Database) GetFieldOrders(viewID string) (orders []FieldOrder) {
	d.read(func(txn *collab.Txn) { orders = d.views.GetViewFieldOrders(txn, viewID) })
	return
}

// UpdateView edits one view; false if it does not exist.
func (d *Database) UpdateView(viewID string, fn func(*ViewUpdate)) (ok bool) {
	d.write(func(txn *collab.TxnMut) { ok = d.views.UpdateView(txn, viewID, fn) })
	return
}

func (d *Database) UpdateAllViews(fn func(*ViewUpdate)) {
	d.write(func(txn *collab.TxnMut) { d.views.UpdateAllViews(txn, fn) })
}

// CreateField adds a field. In view viewID its order follows pos, other
// views get it at the end. An empty field id gets a fresh one.
func (d *Database) CreateField(viewID string, f Field, pos OrderPosition) Field {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.TypeOptions == nil {
		f.TypeOptions = TypeOptions{}
	}
	d.write(func(txn *collab.TxnMut) {
		d.fields.InsertField(txn, f)
		d.views.UpdateAllViews(txn, func(u *ViewUpdate) {
			p := OrderPosition{}
			if viewID == "" || u.ViewID == viewID {
				p = pos
			}
			u.InsertFieldOrder(FieldOrder{ID: f.ID}, p)
		})
	})
	return f
}

func (d *Database) GetField(id string) (f Field, ok bool) {
	d.read(func(txn *collab.Txn) { f, ok = d.fields.GetField(txn, id) })
	return
}

// GetFields lists the fields of a view in view order; an empty view id
// lists all fields.
func (d *Database) GetFields(viewID string) (fields []Field) {
	d.read(func(txn *collab.Txn) {
		if viewID == "" {
			fields = d.fields.GetAllFields(txn)
			return
		}
		orders := d.views.GetViewFieldOrders(txn, viewID)
		ids := make([]string, 0, len(orders))
		for _, o := range orders {
			ids = append(ids, o.ID)
		}
		fields = d.fields.GetFields(txn, ids)
	})
	return
}

func (d *Database) GetPrimaryField() (f Field, ok bool) {
	d.read(func(txn *collab.Txn) { f, ok = d.fields.GetPrimaryField(txn) })
	return
}

func (d *Database) UpdateField(id string, fn func(*FieldUpdate)) (ok bool) {
	d.write(func(txn *collab.TxnMut) { ok = d.fields.UpdateField(txn, id, fn) })
	return
}

// DeleteField drops the field, its orders and the filters and sorts
// that point at it.
func (d *Database) DeleteField(id string) (ok bool) {
	d.write(func(txn *collab.TxnMut) {
		ok = d.fields.DeleteField(txn, id)
		d.views.UpdateAllViews(txn, func(u *ViewUpdate) {
			u.RemoveFieldOrder(id)
			for _, b := range d.views.GetViewFilters(txn, u.ViewID) {
				if b.String("field_id") == id {
					u.RemoveFilter(b.ID())
				}
			}
			for _, b := range d.views.GetViewSorts(txn, u.ViewID) {
				if b.String("field_id") == id {
					u.RemoveSort(b.ID())
				}
			}
		})
	})
	return
}

// CreateRow makes the row document and lists the row in every view: in
// view viewID at pos, elsewhere at the end. An empty view id applies
// pos everywhere.
func (d *Database) CreateRow(ctx context.Context, viewID string, p CreateRowParams) (RowOrder, error) {
	if p.ID == "" {
		p.ID = d.dctx.IDs.Next()
	}
	if p.Height == 0 {
		p.Height = DefaultRowHeight
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, err := d.rows.create(ctx, p); err != nil {
		return RowOrder{}, err
	}
	order := RowOrder{ID: p.ID, Height: p.Height}
	d.doc.TransactMut(func(txn *collab.TxnMut) {
		d.views.UpdateAllViews(txn, func(u *ViewUpdate) {
			pos := OrderPosition{}
			if viewID == "" || u.ViewID == viewID {
				pos = p.Position
			}
			u.InsertRowOrder(order, pos)
		})
	})
	return order, nil
}

func (d *Database) getRow(ctx context.Context, id string) (Row, bool) {
	doc, err := d.rows.get(ctx, id)
	if err != nil {
		if !errors.Is(err, errRowNotFound) {
			d.log.ErrorCtx(ctx, "row load failed", "database_id", d.id, "row_id", id, "err", err)
		}
		return Row{}, false
	}
	return rowFromDoc(doc)
}

func (d *Database) GetRow(ctx context.Context, id string) (Row, bool) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.getRow(ctx, id)
}

// GetRowsForView returns the loadable rows of a view in view order.
func (d *Database) GetRowsForView(ctx context.Context, viewID string) []Row {
	d.lock.RLock()
	defer d.lock.RUnlock()
	var orders []RowOrder
	d.doc.Transact(func(txn *collab.Txn) {
		orders = d.views.GetViewRowOrders(txn, viewID)
	})
	rows := make([]Row, 0, len(orders))
	for _, o := range orders {
		if row, ok := d.getRow(ctx, o.ID); ok {
			rows = append(rows, row)
		}
	}
	return rows
}

func (d *Database) UpdateRow(ctx context.Context, id string, fn func(*RowUpdate)) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	err := d.rows.update(ctx, id, fn)
	if errors.Is(err, errRowNotFound) {
		return fmt.Errorf("%w: %s", collabdb_errors.ErrInvalidRowID, id)
	}
	return err
}

// RemoveRow unlists the row everywhere and deletes its document.
func (d *Database) RemoveRow(id string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.doc.TransactMut(func(txn *collab.TxnMut) {
		d.views.UpdateAllViews(txn, func(u *ViewUpdate) {
			u.RemoveRowOrder(id)
		})
	})
	d.rows.remove(id)
}

// LoadFirstScreenRows warms the row cache with the first rows of the
// inline view, a few at a time.
func (d *Database) LoadFirstScreenRows(ctx context.Context) error {
	d.lock.RLock()
	defer d.lock.RUnlock()
	var orders []RowOrder
	d.doc.Transact(func(txn *collab.Txn) {
		orders = d.views.GetViewRowOrders(txn, d.inlineViewID(txn))
	})
	if len(orders) > d.dctx.Options.FirstScreenRows {
		orders = orders[:d.dctx.Options.FirstScreenRows]
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.dctx.Options.Loaders)
	for _, o := range orders {
		g.Go(func() error {
			_, err := d.rows.get(gctx, o.ID)
			if errors.Is(err, errRowNotFound) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// GetDatabaseData collects views, fields and every row listed by any
// view, inline view order first.
func (d *Database) GetDatabaseData(ctx context.Context) DatabaseData {
	d.lock.RLock()
	defer d.lock.RUnlock()
	data := DatabaseData{DatabaseID: d.id}
	var rowIDs []string
	d.doc.Transact(func(txn *collab.Txn) {
		data.InlineViewID = d.inlineViewID(txn)
		data.Views = d.views.GetAllViews(txn)
		data.Fields = d.fields.GetAllFields(txn)
		seen := make(map[string]bool)
		collect := func(orders []RowOrder) {
			for _, o := range orders {
				if !seen[o.ID] {
					seen[o.ID] = true
					rowIDs = append(rowIDs, o.ID)
				}
			}
		}
		collect(d.views.GetViewRowOrders(txn, data.InlineViewID))
		for _, v := range data.Views {
			collect(v.RowOrders)
		}
	})
	for _, id := range rowIDs {
		if row, ok := d.getRow(ctx, id); ok {
			data.Rows = append(data.Rows, row)
		}
	}
	return data
}
