/*
Package workspace keeps the index of all databases of a workspace and
the handles of the ones that are open.

The index is a replicated document of its own. A database listed there
may not have a handle yet; handles are built on first use and at most
one exists per database id.
*/
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/drpcorg/collabdb/collab"
	"github.com/drpcorg/collabdb/collabdb_errors"
	"github.com/drpcorg/collabdb/database"
	"github.com/drpcorg/collabdb/idgen"
	"github.com/drpcorg/collabdb/utils"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"
)

type Options struct {
	// Bootstrap is merged into the index document after it is loaded,
	// e.g. a state fetched from the server.
	Bootstrap *collab.EncodedCollab
	// FlushOnClose writes the index snapshot when the manager closes.
	FlushOnClose bool
}

type Manager struct {
	objectID string
	doc      *collab.Doc
	body     Body
	dctx     database.DatabaseContext
	opts     Options
	handles  *xsync.MapOf[string, *database.Database]
	flight   singleflight.Group
	// indexMx serializes the check-then-write changes of the index
	indexMx sync.Mutex
	log     utils.Logger
	closed  atomic.Bool
}

// Open attaches to the index document objectID, creating it when the
// persistence does not know it.
func Open(ctx context.Context, objectID string, dctx database.DatabaseContext, opts Options) (*Manager, error) {
	if dctx.Logger == nil {
		dctx.Logger = utils.NewDefaultLogger(slog.LevelWarn)
	}
	if dctx.IDs == nil {
		dctx.IDs = idgen.NewGenerator(0)
	}
	exists := false
	if p := dctx.Service.Persistence(); p != nil {
		exists = p.IsCollabExist(objectID)
	}
	doc, err := dctx.Service.BuildCollab(ctx, objectID, collab.TypeWorkspaceDatabase, !exists)
	if err != nil {
		return nil, collabdb_errors.Internal(err)
	}
	if opts.Bootstrap != nil {
		if err = doc.ApplyEncodedCollab(*opts.Bootstrap); err != nil {
			return nil, collabdb_errors.Internal(err)
		}
	}
	m := &Manager{
		objectID: objectID,
		doc:      doc,
		body:     newBody(doc),
		dctx:     dctx,
		opts:     opts,
		handles:  xsync.NewMapOf[string, *database.Database](),
		log:      dctx.Logger,
	}
	return m, nil
}

func (m *Manager) ObjectID() string { return m.objectID }

// Doc is the index document, for syncing.
func (m *Manager) Doc() *collab.Doc { return m.doc }

func (m *Manager) contains(databaseID string) (ok bool) {
	m.doc.Transact(func(txn *collab.Txn) { ok = m.body.Contains(txn, databaseID) })
	return
}

// GetOrCreateDatabase returns the handle of a database in the index,
// opening it on first use. A database that was not on disk gets its
// first screen of rows loaded. Concurrent callers share one handle.
func (m *Manager) GetOrCreateDatabase(ctx context.Context, databaseID string) (*database.Database, bool) {
	if m.closed.Load() || !m.contains(databaseID) {
		return nil, false
	}
	if db, ok := m.handles.Load(databaseID); ok {
		return db, true
	}
	v, err, _ := m.flight.Do(databaseID, func() (any, error) {
		if db, ok := m.handles.Load(databaseID); ok {
			return db, nil
		}
		exists := false
		if p := m.dctx.Service.Persistence(); p != nil {
			exists = p.IsCollabExist(databaseID)
		}
		db, err := database.Open(ctx, databaseID, m.dctx)
		if err != nil {
			return nil, err
		}
		if !exists {
			if err := db.LoadFirstScreenRows(ctx); err != nil {
				m.log.WarnCtx(ctx, "first screen rows not loaded", "database_id", databaseID, "err", err)
			}
		}
		actual, loaded := m.handles.LoadOrStore(databaseID, db)
		if !loaded {
			handlesConstructed.Inc()
			openHandles.Inc()
		}
		return actual, nil
	})
	if err != nil {
		m.log.ErrorCtx(ctx, "database open failed", "database_id", databaseID, "err", err)
		return nil, false
	}
	return v.(*database.Database), true
}

// GetDatabaseWithViewID opens the database viewID is linked to.
func (m *Manager) GetDatabaseWithViewID(ctx context.Context, viewID string) (*database.Database, bool) {
	id, ok := m.GetDatabaseIDWithViewID(viewID)
	if !ok {
		return nil, false
	}
	return m.GetOrCreateDatabase(ctx, id)
}

func (m *Manager) GetDatabaseIDWithViewID(viewID string) (id string, ok bool) {
	m.doc.Transact(func(txn *collab.Txn) {
		var meta DatabaseMeta
		meta, ok = m.body.GetDatabaseMetaWithViewID(txn, viewID)
		id = meta.DatabaseID
	})
	return
}

// CreateDatabase builds the database with its inline view and lists it
// in the index with the inline view and the other views of params. It
// blocks until the database and its rows are written. A database id
// that is listed or stored already, or a view id linked to another
// database, is refused.
func (m *Manager) CreateDatabase(ctx context.Context, params database.CreateDatabaseParams) (*database.Database, error) {
	if m.closed.Load() {
		return nil, collabdb_errors.ErrClosed
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	m.indexMx.Lock()
	defer m.indexMx.Unlock()
	if err := m.checkNew(params); err != nil {
		return nil, err
	}
	db, err := database.CreateWithView(ctx, params, m.dctx)
	if err != nil {
		return nil, err
	}
	// the handle goes first so that readers of the new index entry
	// never build a second one
	if _, loaded := m.handles.LoadOrStore(params.DatabaseID, db); !loaded {
		openHandles.Inc()
	}
	handlesConstructed.Inc()
	m.doc.TransactMut(func(txn *collab.TxnMut) {
		m.body.AddDatabase(txn, DatabaseMeta{
			DatabaseID:  params.DatabaseID,
			LinkedViews: params.ViewIDs(),
		})
	})
	databaseOps.WithLabelValues("create").Inc()
	return db, nil
}

// checkNew is called with indexMx held.
func (m *Manager) checkNew(params database.CreateDatabaseParams) (err error) {
	id := params.DatabaseID
	m.doc.Transact(func(txn *collab.Txn) {
		if m.body.Contains(txn, id) {
			err = fmt.Errorf("%w: database %s exists", collabdb_errors.ErrInvalidDatabaseID, id)
			return
		}
		if view, owner, found := m.body.LinkedElsewhere(txn, id, params.ViewIDs()); found {
			err = fmt.Errorf("%w: view %s is linked to database %s", collabdb_errors.ErrInvalidViewID, view, owner)
		}
	})
	if err != nil {
		return err
	}
	if _, ok := m.handles.Load(id); ok {
		return fmt.Errorf("%w: database %s is open", collabdb_errors.ErrInvalidDatabaseID, id)
	}
	if p := m.dctx.Service.Persistence(); p != nil && p.IsCollabExist(id) {
		return fmt.Errorf("%w: database %s is stored", collabdb_errors.ErrInvalidDatabaseID, id)
	}
	return nil
}

// CreateDatabaseLinkedView adds a view to an existing database. Linking
// a view twice is tolerated; a view of another database is refused.
func (m *Manager) CreateDatabaseLinkedView(ctx context.Context, params database.CreateViewParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	db, ok := m.GetOrCreateDatabase(ctx, params.DatabaseID)
	if !ok {
		return fmt.Errorf("%w: %s", collabdb_errors.ErrDatabaseNotExist, params.DatabaseID)
	}
	m.indexMx.Lock()
	defer m.indexMx.Unlock()
	var err error
	m.doc.TransactMut(func(txn *collab.TxnMut) {
		if view, owner, found := m.body.LinkedElsewhere(txn, params.DatabaseID, []string{params.ViewID}); found {
			err = fmt.Errorf("%w: view %s is linked to database %s", collabdb_errors.ErrInvalidViewID, view, owner)
			return
		}
		if !m.body.LinkView(txn, params.DatabaseID, params.ViewID) {
			m.log.WarnCtx(ctx, "the view is already linked", "database_id", params.DatabaseID, "view_id", params.ViewID)
		}
	})
	if err != nil {
		return err
	}
	if err = db.CreateLinkedView(params); err != nil {
		return err
	}
	databaseOps.WithLabelValues("link").Inc()
	return nil
}

// TrackDatabase lists a database that was created elsewhere, or links
// more views to one already listed. View ids linked to another
// database are skipped.
func (m *Manager) TrackDatabase(databaseID string, viewIDs []string) {
	m.indexMx.Lock()
	defer m.indexMx.Unlock()
	m.doc.TransactMut(func(txn *collab.TxnMut) {
		views := make([]string, 0, len(viewIDs))
		for _, id := range viewIDs {
			if _, owner, found := m.body.LinkedElsewhere(txn, databaseID, []string{id}); found {
				m.log.Warn("the view is linked to another database", "database_id", databaseID, "view_id", id, "owner", owner)
				continue
			}
			views = append(views, id)
		}
		if !m.body.Contains(txn, databaseID) {
			m.body.AddDatabase(txn, DatabaseMeta{DatabaseID: databaseID, LinkedViews: views})
			return
		}
		for _, id := range views {
			m.body.LinkView(txn, databaseID, id)
		}
	})
}

// DeleteDatabase drops the index entry, then the stored document and
// the handle. Failing to delete the stored document is only logged.
func (m *Manager) DeleteDatabase(databaseID string) {
	m.doc.TransactMut(func(txn *collab.TxnMut) {
		m.body.DeleteDatabase(txn, databaseID)
	})
	if p := m.dctx.Service.Persistence(); p != nil {
		if err := p.DeleteCollab(databaseID); err != nil {
			m.log.Error("database delete failed", "database_id", databaseID, "err", err)
		}
	}
	m.CloseDatabase(databaseID)
	databaseOps.WithLabelValues("delete").Inc()
}

// CloseDatabase drops the cached handle only.
func (m *Manager) CloseDatabase(databaseID string) {
	if _, ok := m.handles.LoadAndDelete(databaseID); ok {
		openHandles.Dec()
	}
}

// DeleteView removes a view. Deleting the inline view deletes the whole
// database.
func (m *Manager) DeleteView(ctx context.Context, databaseID, viewID string) {
	db, ok := m.GetOrCreateDatabase(ctx, databaseID)
	if !ok {
		return
	}
	inline := db.IsInlineView(viewID)
	db.DeleteView(viewID)
	if inline {
		m.DeleteDatabase(databaseID)
		return
	}
	m.doc.TransactMut(func(txn *collab.TxnMut) {
		m.body.UnlinkView(txn, databaseID, viewID)
	})
}

// GetDatabaseData collects the data of the database viewID belongs to.
func (m *Manager) GetDatabaseData(ctx context.Context, viewID string) (database.DatabaseData, error) {
	db, ok := m.GetDatabaseWithViewID(ctx, viewID)
	if !ok {
		return database.DatabaseData{}, fmt.Errorf("%w: view %s", collabdb_errors.ErrDatabaseNotExist, viewID)
	}
	return db.GetDatabaseData(ctx), nil
}

// DuplicateDatabase copies the database viewID belongs to under fresh
// database, view and row ids.
func (m *Manager) DuplicateDatabase(ctx context.Context, viewID string) (*database.Database, error) {
	data, err := m.GetDatabaseData(ctx, viewID)
	if err != nil {
		return nil, err
	}
	params := database.CreateDatabaseParamsFromDatabaseData(data, m.dctx.IDs)
	db, err := m.CreateDatabase(ctx, params)
	if err == nil {
		databaseOps.WithLabelValues("duplicate").Inc()
	}
	return db, err
}

func (m *Manager) GetAllDatabaseMeta() (metas []DatabaseMeta) {
	m.doc.Transact(func(txn *collab.Txn) { metas = m.body.GetAllDatabaseMeta(txn) })
	return
}

func (m *Manager) GetDatabaseMeta(databaseID string) (meta DatabaseMeta, ok bool) {
	m.doc.Transact(func(txn *collab.Txn) { meta, ok = m.body.GetDatabaseMeta(txn, databaseID) })
	return
}

func (m *Manager) Validate() error {
	return collab.TypeWorkspaceDatabase.ValidateRequireData(m.doc)
}

// FlushWorkspaceDatabase writes a snapshot of the index document.
func (m *Manager) FlushWorkspaceDatabase() error {
	if err := m.Validate(); err != nil {
		return err
	}
	p := m.dctx.Service.Persistence()
	if p == nil {
		return collabdb_errors.Internalf("collab persistence is not found")
	}
	err := p.FlushCollabs([]collab.CollabEntry{{
		ObjectID: m.objectID,
		Type:     collab.TypeWorkspaceDatabase,
		Encoded:  m.doc.EncodeCollab(),
	}})
	return collabdb_errors.Internal(err)
}

// Close drops every handle. Later lookups find nothing.
func (m *Manager) Close() (err error) {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if m.opts.FlushOnClose {
		err = m.FlushWorkspaceDatabase()
	}
	m.handles.Range(func(id string, _ *database.Database) bool {
		m.CloseDatabase(id)
		return true
	})
	return err
}
