package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/drpcorg/collabdb/collab"
	"github.com/drpcorg/collabdb/realtime"
	"github.com/drpcorg/collabdb/transport"
	"github.com/drpcorg/collabdb/utils"
)

const fetchTimeout = 5 * time.Second

var ErrNotConnected = errors.New("not connected to the hub")

type boundDoc struct {
	doc *collab.Doc
	ty  collab.CollabType
}

// syncer makes a fresh session for every connection to the hub and
// binds every document the shell has touched so far.
type syncer struct {
	mx      sync.Mutex
	opts    realtime.SessionOptions
	log     utils.Logger
	session *realtime.Session
	docs    map[string]boundDoc
}

func newSyncer(opts realtime.SessionOptions) *syncer {
	return &syncer{opts: opts, log: opts.Logger, docs: make(map[string]boundDoc)}
}

func (s *syncer) install(name string) transport.FeedDrainCloserTraced {
	s.mx.Lock()
	defer s.mx.Unlock()
	session := realtime.NewSession(s.opts)
	for _, d := range s.docs {
		if err := session.Bind(d.doc, d.ty); err != nil {
			s.log.Error("sync: bind failed", "object_id", d.doc.ObjectID(), "err", err)
		}
	}
	s.session = session
	return session
}

func (s *syncer) destroy(name string, _ transport.Traced) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.session != nil {
		s.log.Warn("sync: connection closed", "name", name, "err", s.session.Err())
		s.session = nil
	}
}

func (s *syncer) bind(doc *collab.Doc, ty collab.CollabType) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.docs[doc.ObjectID()]; ok {
		return
	}
	s.docs[doc.ObjectID()] = boundDoc{doc: doc, ty: ty}
	if s.session == nil {
		return
	}
	if err := s.session.Bind(doc, ty); err != nil && !errors.Is(err, realtime.ErrAlreadyBound) {
		s.log.Error("sync: bind failed", "object_id", doc.ObjectID(), "err", err)
	}
}

func (s *syncer) status() (connected bool, pending int) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.session == nil {
		return false, 0
	}
	return true, s.session.Pending()
}

// FetchCollab asks the hub for a document the local store lacks.
func (s *syncer) FetchCollab(ctx context.Context, objectID string, ty collab.CollabType) (*collab.EncodedCollab, error) {
	s.mx.Lock()
	session := s.session
	s.mx.Unlock()
	if session == nil {
		return nil, ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	return session.Fetch(ctx, objectID, ty)
}
