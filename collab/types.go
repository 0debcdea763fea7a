package collab

import (
	"fmt"

	"github.com/drpcorg/collabdb/collabdb_errors"
)

// CollabType numbers are shared with the wire protocol.
type CollabType int32

const (
	TypeUnknown           CollabType = 0
	TypeDocument          CollabType = 1
	TypeDatabase          CollabType = 2
	TypeWorkspaceDatabase CollabType = 3
	TypeFolder            CollabType = 4
	TypeDatabaseRow       CollabType = 5
	TypeUserAwareness     CollabType = 6
)

// DataRoot is the root map every typed document keeps its body in.
const DataRoot = "data"

func (t CollabType) String() string {
	switch t {
	case TypeDocument:
		return "Document"
	case TypeDatabase:
		return "Database"
	case TypeWorkspaceDatabase:
		return "WorkspaceDatabase"
	case TypeFolder:
		return "Folder"
	case TypeDatabaseRow:
		return "DatabaseRow"
	case TypeUserAwareness:
		return "UserAwareness"
	case TypeUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("CollabType(%d)", int32(t))
	}
}

// ValidateRequireData checks that doc carries the structure its type
// needs. Returns an error matching ErrNoRequiredData otherwise.
func (t CollabType) ValidateRequireData(doc *Doc) (err error) {
	data := Root(DataRoot)
	doc.Transact(func(txn *Txn) {
		switch t {
		case TypeDatabase:
			err = requireMapWithID(txn, data, "database")
		case TypeDatabaseRow:
			err = requireMapWithID(txn, data, "row")
		case TypeWorkspaceDatabase:
			if _, ok := data.GetMap(txn, "databases"); !ok {
				err = fmt.Errorf("%w: %s has no databases", collabdb_errors.ErrNoRequiredData, doc.ObjectID())
			}
		}
	})
	return
}

func requireMapWithID(txn ReadTxn, data MapRef, name string) error {
	m, ok := data.GetMap(txn, name)
	if !ok {
		return fmt.Errorf("%w: no %s map", collabdb_errors.ErrNoRequiredData, name)
	}
	if id, _ := m.GetString(txn, "id"); id == "" {
		return fmt.Errorf("%w: %s has no id", collabdb_errors.ErrNoRequiredData, name)
	}
	return nil
}
