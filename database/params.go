package database

import (
	"fmt"
	"maps"

	"github.com/drpcorg/collabdb/collabdb_errors"
	"github.com/drpcorg/collabdb/idgen"
	"github.com/google/uuid"
)

type CreateViewParams struct {
	DatabaseID     string
	ViewID         string
	Name           string
	Layout         DatabaseLayout
	LayoutSettings map[DatabaseLayout]LayoutSetting
	Filters        []PropertyBag
	Sorts          []PropertyBag
	GroupSettings  []PropertyBag
	// nil orders are derived from the database
	FieldOrders []FieldOrder
	RowOrders   []RowOrder
}

// Validate checks the ids a view needs.
func (p CreateViewParams) Validate() error {
	if p.DatabaseID == "" {
		return fmt.Errorf("%w: empty database id", collabdb_errors.ErrInvalidDatabaseID)
	}
	if p.ViewID == "" {
		return fmt.Errorf("%w: empty view id", collabdb_errors.ErrInvalidViewID)
	}
	return nil
}

func (p CreateViewParams) view(fieldOrders []FieldOrder, rowOrders []RowOrder) DatabaseView {
	if p.FieldOrders != nil {
		fieldOrders = p.FieldOrders
	}
	if p.RowOrders != nil {
		rowOrders = p.RowOrders
	}
	return DatabaseView{
		ID:             p.ViewID,
		DatabaseID:     p.DatabaseID,
		Name:           p.Name,
		Layout:         p.Layout,
		LayoutSettings: p.LayoutSettings,
		Filters:        p.Filters,
		Sorts:          p.Sorts,
		GroupSettings:  p.GroupSettings,
		FieldOrders:    fieldOrders,
		RowOrders:      rowOrders,
	}
}

type CreateDatabaseParams struct {
	DatabaseID   string
	InlineViewID string
	// Views may include the inline view; it is added as a grid
	// otherwise.
	Views  []CreateViewParams
	Fields []Field
	Rows   []CreateRowParams
}

func (p CreateDatabaseParams) Validate() error {
	if p.DatabaseID == "" {
		return fmt.Errorf("%w: empty database id", collabdb_errors.ErrInvalidDatabaseID)
	}
	if p.InlineViewID == "" {
		return fmt.Errorf("%w: empty inline view id", collabdb_errors.ErrInvalidViewID)
	}
	return nil
}

// ViewIDs lists the inline view first, then the other views once each.
func (p CreateDatabaseParams) ViewIDs() []string {
	ids := []string{p.InlineViewID}
	seen := map[string]bool{p.InlineViewID: true}
	for _, v := range p.Views {
		if v.ViewID != "" && !seen[v.ViewID] {
			seen[v.ViewID] = true
			ids = append(ids, v.ViewID)
		}
	}
	return ids
}

// DatabaseData is everything a database holds.
type DatabaseData struct {
	DatabaseID   string
	InlineViewID string
	Views        []DatabaseView
	Fields       []Field
	Rows         []Row
}

// CreateDatabaseParamsFromDatabaseData seeds an independent copy of
// data: the database and view ids are fresh uuids and the row ids come
// from ids. Field ids are kept, they are scoped by the database.
func CreateDatabaseParamsFromDatabaseData(data DatabaseData, ids idgen.Source) CreateDatabaseParams {
	databaseID := uuid.NewString()
	viewIDs := make(map[string]string, len(data.Views))
	for _, v := range data.Views {
		viewIDs[v.ID] = uuid.NewString()
	}
	inline, ok := viewIDs[data.InlineViewID]
	if !ok {
		inline = uuid.NewString()
	}
	rowIDs := make(map[string]string, len(data.Rows))
	rows := make([]CreateRowParams, 0, len(data.Rows))
	for _, r := range data.Rows {
		id := ids.Next()
		rowIDs[r.ID] = id
		cells := make(map[string]Cell, len(r.Cells))
		for fid, c := range r.Cells {
			cells[fid] = maps.Clone(c)
		}
		rows = append(rows, CreateRowParams{
			ID:         id,
			Cells:      cells,
			Height:     r.Height,
			Visibility: r.Visibility,
			CreatedAt:  r.CreatedAt,
		})
	}
	views := make([]CreateViewParams, 0, len(data.Views))
	for _, v := range data.Views {
		rowOrders := make([]RowOrder, 0, len(v.RowOrders))
		for _, o := range v.RowOrders {
			if id, ok := rowIDs[o.ID]; ok {
				rowOrders = append(rowOrders, RowOrder{ID: id, Height: o.Height})
			}
		}
		views = append(views, CreateViewParams{
			DatabaseID:     databaseID,
			ViewID:         viewIDs[v.ID],
			Name:           v.Name,
			Layout:         v.Layout,
			LayoutSettings: maps.Clone(v.LayoutSettings),
			Filters:        cloneBags(v.Filters),
			Sorts:          cloneBags(v.Sorts),
			GroupSettings:  cloneBags(v.GroupSettings),
			FieldOrders:    append([]FieldOrder{}, v.FieldOrders...),
			RowOrders:      rowOrders,
		})
	}
	return CreateDatabaseParams{
		DatabaseID:   databaseID,
		InlineViewID: inline,
		Views:        views,
		Fields:       append([]Field(nil), data.Fields...),
		Rows:         rows,
	}
}

func cloneBags(bags []PropertyBag) []PropertyBag {
	ret := make([]PropertyBag, 0, len(bags))
	for _, b := range bags {
		ret = append(ret, b.Clone())
	}
	return ret
}
