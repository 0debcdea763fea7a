package store

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/drpcorg/collabdb/collab"
	"github.com/drpcorg/collabdb/utils"
	"github.com/google/uuid"
)

// Service builds documents backed by a CollabStore: durable state is
// loaded first, then every committed update is appended to the log.
type Service struct {
	store    *CollabStore
	clientID uint64
	fetcher  collab.Fetcher
	log      utils.Logger
}

var _ collab.Service = (*Service)(nil)

// NewService uses clientID for local edits; zero picks a random one.
func NewService(store *CollabStore, clientID uint64) *Service {
	if clientID == 0 {
		clientID = RandomClientID()
	}
	return &Service{store: store, clientID: clientID, log: store.log}
}

func RandomClientID() uint64 {
	u := uuid.New()
	id := binary.BigEndian.Uint64(u[:8])
	if id == 0 {
		id = 1
	}
	return id
}

func (s *Service) ClientID() uint64 {
	return s.clientID
}

// SetFetcher makes documents missing from the store load their state
// through f; the fetched state is stored. Call it before first use.
func (s *Service) SetFetcher(f collab.Fetcher) {
	s.fetcher = f
}

func (s *Service) BuildCollab(ctx context.Context, objectID string, ty collab.CollabType, isNew bool) (*collab.Doc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc := collab.NewDoc(objectID, s.clientID)
	if !isNew {
		if err := s.load(ctx, doc, ty); err != nil {
			return nil, err
		}
	}
	logCtx := context.WithoutCancel(ctx)
	doc.Observe(func(ev collab.UpdateEvent) {
		if err := s.store.PushUpdate(objectID, ev.Update); err != nil {
			s.log.ErrorCtx(logCtx, "update not persisted", "object_id", objectID, "type", ty.String(), "err", err)
		}
	})
	return doc, nil
}

func (s *Service) Persistence() collab.Persistence {
	return s.store
}

func (s *Service) load(ctx context.Context, doc *collab.Doc, ty collab.CollabType) error {
	objectID := doc.ObjectID()
	if s.fetcher == nil || s.store.IsCollabExist(objectID) {
		return s.store.LoadCollab(doc)
	}
	enc, err := s.fetcher.FetchCollab(ctx, objectID, ty)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", objectID, err)
	}
	if enc == nil || len(enc.DocState) == 0 {
		return nil
	}
	if err = doc.ApplyEncodedCollab(*enc); err != nil {
		return err
	}
	collabsFetched.Inc()
	s.log.DebugCtx(ctx, "document fetched", "object_id", objectID, "type", ty.String())
	return s.store.FlushCollabs([]collab.CollabEntry{{ObjectID: objectID, Type: ty, Encoded: doc.EncodeCollab()}})
}
