package collab

import "context"

// Service builds documents and knows where they persist.
type Service interface {
	// BuildCollab returns a document for objectID. Unless isNew is
	// set, durable state is loaded into it first.
	BuildCollab(ctx context.Context, objectID string, ty CollabType, isNew bool) (*Doc, error)
	// Persistence may be nil for services without durable storage.
	Persistence() Persistence
}

// Fetcher gets the state of an object that is not stored locally,
// e.g. from a hub. A nil state with a nil error means the object is
// unknown there too.
type Fetcher interface {
	FetchCollab(ctx context.Context, objectID string, ty CollabType) (*EncodedCollab, error)
}

// CollabEntry is one document state handed over for a flush.
type CollabEntry struct {
	ObjectID string
	Type     CollabType
	Encoded  EncodedCollab
}

// Persistence is the durable storage of documents.
type Persistence interface {
	LoadCollab(doc *Doc) error
	DeleteCollab(objectID string) error
	IsCollabExist(objectID string) bool
	FlushCollabs(entries []CollabEntry) error
	// IsRowExistPartition splits ids into stored and missing ones,
	// each keeping the input order.
	IsRowExistPartition(rowIDs []string) (existing, missing []string)
}
