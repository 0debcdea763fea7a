package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drpcorg/collabdb/collab"
	"github.com/drpcorg/collabdb/transport"
	"github.com/drpcorg/collabdb/utils"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var (
	ErrKickedOff           = errors.New("realtime: kicked off by the hub")
	ErrDuplicateConnection = errors.New("realtime: replaced by a newer connection")
	ErrNotBound            = errors.New("realtime: object is not bound")
	ErrAlreadyBound        = errors.New("realtime: object is already bound")
)

type SessionOptions struct {
	// Origin must be a client origin; a random device is made up when
	// it is unset.
	Origin      Origin
	WorkspaceID string
	OutboxLimit int
	FeedTimeout time.Duration
	BatchSize   int
	// OnAwareness gets presence data of other clients.
	OnAwareness func(objectID string, from Origin, payload []byte)
	Logger      utils.Logger
}

func (o *SessionOptions) SetDefaults() {
	if o.Origin.Kind == OriginUnset {
		o.Origin = ClientOrigin(0, uuid.NewString())
	}
	if o.OutboxLimit <= 0 {
		o.OutboxLimit = 8 << 20
	}
	if o.FeedTimeout <= 0 {
		o.FeedTimeout = 50 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 1
	}
	if o.Logger == nil {
		o.Logger = utils.NopLogger()
	}
}

// Session is the client end of a connection. Bound documents send their
// local updates to the hub and take in what other clients wrote.
type Session struct {
	opts SessionOptions
	log  utils.Logger
	out  *utils.FDQueue[transport.Records]

	msgID   atomic.Uint64
	limiter atomic.Pointer[rate.Limiter]

	mx      sync.Mutex
	objects map[string]*binding
	pending map[uint64]pendingMsg
	err     error

	ended   chan struct{}
	endOnce sync.Once
}

type binding struct {
	doc    *collab.Doc
	ty     collab.CollabType
	cancel func()
	// lastSeq is the last broadcast sequence taken in
	lastSeq uint32
	synced  bool
	// initMsg is the id of the init sync in flight, zero if none
	initMsg uint64
	// ready is closed at the first successful init sync
	ready chan struct{}
}

type pendingMsg struct {
	objectID string
	kind     Kind
	sent     time.Time
}

var _ transport.FeedDrainCloserTraced = (*Session)(nil)

func NewSession(opts SessionOptions) *Session {
	opts.SetDefaults()
	return &Session{
		opts:    opts,
		log:     opts.Logger,
		out:     utils.NewFDQueue[transport.Records](opts.OutboxLimit, opts.FeedTimeout, opts.BatchSize),
		objects: make(map[string]*binding),
		pending: make(map[uint64]pendingMsg),
		ended:   make(chan struct{}),
	}
}

func (s *Session) Origin() Origin { return s.opts.Origin }

func (s *Session) GetTraceId() string { return s.opts.Origin.String() }

// Bind starts syncing doc. Local updates go out as they are committed.
func (s *Session) Bind(doc *collab.Doc, ty collab.CollabType) error {
	objectID := doc.ObjectID()
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.objects[objectID]; ok {
		return ErrAlreadyBound
	}
	b := &binding{doc: doc, ty: ty}
	b.cancel = doc.Observe(func(ev collab.UpdateEvent) {
		if ev.Local {
			s.localUpdate(objectID, ev.Update)
		}
	})
	s.objects[objectID] = b
	s.initSync(objectID, b)
	return nil
}

// Fetch returns the hub's state of objectID. Unless the object is
// bound, it is bound for the time of the call only.
func (s *Session) Fetch(ctx context.Context, objectID string, ty collab.CollabType) (*collab.EncodedCollab, error) {
	s.mx.Lock()
	if s.err != nil {
		defer s.mx.Unlock()
		return nil, s.err
	}
	if b, ok := s.objects[objectID]; ok {
		s.mx.Unlock()
		enc := b.doc.EncodeCollab()
		return &enc, nil
	}
	b := &binding{doc: collab.NewDoc(objectID, 0), ty: ty, cancel: func() {}, ready: make(chan struct{})}
	s.objects[objectID] = b
	s.initSync(objectID, b)
	ready := b.ready
	s.mx.Unlock()
	defer s.unbind(objectID, b)

	select {
	case <-ready:
		enc := b.doc.EncodeCollab()
		return &enc, nil
	case <-s.ended:
		if err := s.Err(); err != nil {
			return nil, err
		}
		return nil, utils.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// unbind drops b unless the object was bound anew meanwhile.
func (s *Session) unbind(objectID string, b *binding) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.objects[objectID] == b {
		b.cancel()
		delete(s.objects, objectID)
	}
}

func (s *Session) Unbind(objectID string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if b, ok := s.objects[objectID]; ok {
		b.cancel()
		delete(s.objects, objectID)
	}
}

// SetAwareness publishes presence data for a bound object.
func (s *Session) SetAwareness(objectID string, payload []byte) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.objects[objectID]; !ok {
		return ErrNotBound
	}
	s.send(&AwarenessSync{Origin: s.opts.Origin, ObjectID: objectID, MsgID: s.nextID(), Payload: payload})
	return nil
}

// CheckState asks the hub for its state of the object; the session
// resyncs if it is behind.
func (s *Session) CheckState(objectID string) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.objects[objectID]; !ok {
		return ErrNotBound
	}
	id := s.nextID()
	s.pending[id] = pendingMsg{objectID: objectID, kind: KindStateCheck, sent: time.Now()}
	s.send(&StateCheck{Origin: s.opts.Origin, ObjectID: objectID, MsgID: id})
	return nil
}

// Synced reports whether the first init sync of the object completed
// and no resync is under way.
func (s *Session) Synced(objectID string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	b, ok := s.objects[objectID]
	return ok && b.synced
}

func (s *Session) LastSeq(objectID string) uint32 {
	s.mx.Lock()
	defer s.mx.Unlock()
	if b, ok := s.objects[objectID]; ok {
		return b.lastSeq
	}
	return 0
}

// Pending is the number of messages waiting for an ack.
func (s *Session) Pending() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.pending)
}

// Err is the reason the hub ended the session, if it did.
func (s *Session) Err() error {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.err
}

// Feed hands out queued frames, paced by the hub's rate limit once
// the hub asked for one.
func (s *Session) Feed(ctx context.Context) (transport.Records, error) {
	recs, err := s.out.Feed(ctx)
	if l := s.limiter.Load(); l != nil {
		for range recs {
			_ = l.Wait(ctx)
		}
	}
	return recs, err
}

func (s *Session) Drain(ctx context.Context, recs transport.Records) error {
	for _, rec := range recs {
		env, err := Unframe(rec)
		if err != nil {
			s.log.WarnCtx(ctx, "session: bad frame", "origin", s.GetTraceId(), "err", err)
			continue
		}
		switch e := env.(type) {
		case CollabEnvelope:
			s.receive(ctx, e.Message)
		case ServerEnvelope:
			for _, m := range e.Messages {
				s.receive(ctx, m)
			}
		case SystemEnvelope:
			if err := s.system(ctx, e.System); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) Close() error {
	s.mx.Lock()
	for _, b := range s.objects {
		b.cancel()
	}
	s.objects = make(map[string]*binding)
	s.mx.Unlock()
	s.endOnce.Do(func() { close(s.ended) })
	return s.out.Close()
}

func (s *Session) nextID() uint64 {
	return s.msgID.Add(1)
}

// send is called with s.mx held.
func (s *Session) send(m Message) {
	frame, err := Frame(ClientMapEnvelope{Messages: map[string]Message{m.Object(): m}})
	if err != nil {
		s.log.Error("session: frame not encoded", "object_id", m.Object(), "err", err)
		return
	}
	if err := s.out.Drain(context.Background(), transport.Records{frame}); err != nil {
		s.log.Warn("session: message not queued", "object_id", m.Object(), "kind", m.Kind().String(), "err", err)
	}
}

func (s *Session) sendUpdate(objectID string, update []byte) {
	id := s.nextID()
	s.pending[id] = pendingMsg{objectID: objectID, kind: KindUpdateSync, sent: time.Now()}
	s.send(&UpdateSync{Origin: s.opts.Origin, ObjectID: objectID, MsgID: id, Payload: update})
}

func (s *Session) localUpdate(objectID string, update []byte) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.err != nil {
		return
	}
	if _, ok := s.objects[objectID]; ok {
		s.sendUpdate(objectID, update)
	}
}

// initSync is called with s.mx held.
func (s *Session) initSync(objectID string, b *binding) {
	if b.initMsg != 0 {
		return
	}
	id := s.nextID()
	b.initMsg = id
	b.synced = false
	s.pending[id] = pendingMsg{objectID: objectID, kind: KindInitSync, sent: time.Now()}
	s.send(&InitSync{
		Origin:      s.opts.Origin,
		ObjectID:    objectID,
		CollabType:  b.ty,
		WorkspaceID: s.opts.WorkspaceID,
		MsgID:       id,
		Payload:     b.doc.StateVector().Encode(),
	})
}

// resync is called with s.mx held.
func (s *Session) resync(ctx context.Context, objectID string, b *binding, reason string) {
	if b.initMsg != 0 {
		return
	}
	resyncs.Inc()
	s.log.WarnCtx(ctx, "session: resync", "origin", s.GetTraceId(), "object_id", objectID, "reason", reason)
	s.initSync(objectID, b)
}

func (s *Session) receive(ctx context.Context, m Message) {
	if a, ok := m.(*AwarenessSync); ok {
		if s.opts.OnAwareness != nil {
			s.opts.OnAwareness(a.ObjectID, a.Origin, a.Payload)
		}
		return
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	b, ok := s.objects[m.Object()]
	if ack, isAck := m.(*CollabAck); isAck {
		s.ack(ctx, ack, b)
		return
	}
	if !ok {
		s.log.DebugCtx(ctx, "session: message for an unbound object", "object_id", m.Object(), "kind", m.Kind().String())
		return
	}
	switch m := m.(type) {
	case *ServerInit:
		if err := b.doc.ApplyUpdate(m.Payload); err != nil {
			s.resync(ctx, m.ObjectID, b, err.Error())
		}
	case *BroadcastSync:
		switch {
		case m.SeqNum <= b.lastSeq:
			// already taken in through a resync
		case m.SeqNum > b.lastSeq+1:
			seqGaps.Inc()
			s.resync(ctx, m.ObjectID, b, "broadcast gap")
		default:
			if err := b.doc.ApplyUpdate(m.Payload); err != nil {
				s.resync(ctx, m.ObjectID, b, err.Error())
				return
			}
			b.lastSeq = m.SeqNum
		}
	}
}

// ack is called with s.mx held; b is nil for an unbound object.
func (s *Session) ack(ctx context.Context, m *CollabAck, b *binding) {
	p, ok := s.pending[m.MsgID]
	if !ok {
		s.log.WarnCtx(ctx, "session: stale ack", "object_id", m.ObjectID, "msg_id", m.MsgID)
		return
	}
	delete(s.pending, m.MsgID)
	if b == nil {
		return
	}
	if p.kind == KindInitSync && b.initMsg == m.MsgID {
		b.initMsg = 0
	}
	if m.Code != AckSuccess {
		s.resync(ctx, m.ObjectID, b, "ack "+m.Code.String())
		return
	}

	switch p.kind {
	case KindInitSync:
		b.lastSeq = m.SeqNum
		b.synced = true
		if b.ready != nil {
			close(b.ready)
			b.ready = nil
		}
		s.pushMissing(ctx, m, b)
	case KindUpdateSync:
		if m.SeqNum > b.lastSeq+1 {
			seqGaps.Inc()
			s.resync(ctx, m.ObjectID, b, "ack gap")
			return
		}
		b.lastSeq = max(b.lastSeq, m.SeqNum)
	case KindStateCheck:
		sv, err := collab.DecodeStateVector(m.Payload)
		if err != nil {
			s.resync(ctx, m.ObjectID, b, err.Error())
			return
		}
		if m.SeqNum > b.lastSeq || !b.doc.StateVector().Seen(sv) {
			s.resync(ctx, m.ObjectID, b, "behind the hub")
			return
		}
		s.pushMissing(ctx, m, b)
	}
}

// pushMissing sends what the hub lacks according to the state vector
// in the ack payload; an empty payload is an empty hub.
func (s *Session) pushMissing(ctx context.Context, m *CollabAck, b *binding) {
	sv, err := collab.DecodeStateVector(m.Payload)
	if err != nil {
		s.log.WarnCtx(ctx, "session: bad state vector in ack", "object_id", m.ObjectID, "err", err)
		return
	}
	if update := b.doc.EncodeStateAsUpdate(sv); len(update) > 0 {
		s.sendUpdate(m.ObjectID, update)
	}
}

func (s *Session) system(ctx context.Context, sys SystemMessage) error {
	switch sys := sys.(type) {
	case RateLimit:
		limit := max(1, sys.Limit)
		s.limiter.Store(rate.NewLimiter(rate.Limit(limit), int(limit)))
		s.log.WarnCtx(ctx, "session: rate limited", "origin", s.GetTraceId(), "limit", limit)
		s.mx.Lock()
		defer s.mx.Unlock()
		// dropped envelopes are unknown, every object starts over
		for id, b := range s.objects {
			s.resync(ctx, id, b, "rate limit")
		}
		return nil
	case KickOff:
		return s.terminate(ctx, ErrKickedOff)
	case DuplicateConnection:
		return s.terminate(ctx, ErrDuplicateConnection)
	}
	return nil
}

func (s *Session) terminate(ctx context.Context, err error) error {
	s.mx.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mx.Unlock()
	s.log.WarnCtx(ctx, "session: ended by the hub", "origin", s.GetTraceId(), "err", err)
	s.endOnce.Do(func() { close(s.ended) })
	_ = s.out.Close()
	return err
}
