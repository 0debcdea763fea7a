package realtime

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/drpcorg/collabdb/collab"
	"github.com/drpcorg/collabdb/transport"
	"github.com/drpcorg/collabdb/utils"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

type HubOptions struct {
	// RateLimit is how many envelopes a second one connection may
	// send; Burst is how many of them may come at once.
	RateLimit rate.Limit
	Burst     int
	// OutboxLimit bounds the bytes queued for one connection.
	OutboxLimit int
	FeedTimeout time.Duration
	BatchSize   int
	Logger      utils.Logger
}

func (o *HubOptions) SetDefaults() {
	if o.RateLimit <= 0 {
		o.RateLimit = 200
	}
	if o.Burst <= 0 {
		o.Burst = max(1, int(o.RateLimit)*2)
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

// Hub is the server side of the protocol. It keeps one document per
// object, applies client updates and broadcasts them to the other
// subscribers of the object, numbered by a per-object sequence.
type Hub struct {
	svc  collab.Service
	opts HubOptions
	log  utils.Logger

	objects *xsync.MapOf[string, *object]
	flight  singleflight.Group

	conns   *xsync.MapOf[string, *Conn]
	origins *xsync.MapOf[string, *Conn]
	closed  atomic.Bool
}

type lastMsg struct {
	msgID   uint64
	digest  uint64
	applied bool
}

type object struct {
	id  string
	ty  collab.CollabType
	doc *collab.Doc

	mx   sync.Mutex
	seq  uint32
	subs map[*Conn]struct{}
	// last update taken from each origin
	last      map[string]lastMsg
	awareness map[string]*AwarenessSync
}

func NewHub(svc collab.Service, opts HubOptions) *Hub {
	opts.SetDefaults()
	return &Hub{
		svc:     svc,
		opts:    opts,
		log:     opts.Logger,
		objects: xsync.NewMapOf[string, *object](),
		conns:   xsync.NewMapOf[string, *Conn](),
		origins: xsync.NewMapOf[string, *Conn](),
	}
}

// Connect attaches a connection; it serves as transport.InstallCallback.
func (h *Hub) Connect(name string) transport.FeedDrainCloserTraced {
	c := newConn(h, name)
	connections.Inc()
	if h.closed.Load() {
		_ = c.Close()
		return c
	}
	if old, loaded := h.conns.LoadAndStore(name, c); loaded {
		_ = old.Close()
	}
	return c
}

// Disconnect serves as transport.DestroyCallback.
func (h *Hub) Disconnect(name string, _ transport.Traced) {
	if c, ok := h.conns.Load(name); ok {
		_ = c.Close()
	}
}

// Kick ends the session of origin with a KickOff notice.
func (h *Hub) Kick(origin Origin) bool {
	c, ok := h.origins.Load(origin.String())
	if !ok {
		return false
	}
	c.terminate(KickOff{})
	return true
}

func (h *Hub) Close() error {
	h.closed.Store(true)
	h.conns.Range(func(_ string, c *Conn) bool {
		_ = c.Close()
		return true
	})
	h.objects.Clear()
	return nil
}

// Doc returns the hub copy of a loaded object.
func (h *Hub) Doc(objectID string) (*collab.Doc, bool) {
	obj, ok := h.objects.Load(objectID)
	if !ok {
		return nil, false
	}
	return obj.doc, true
}

// Seq is the last broadcast sequence number of an object.
func (h *Hub) Seq(objectID string) uint32 {
	obj, ok := h.objects.Load(objectID)
	if !ok {
		return 0
	}
	obj.mx.Lock()
	defer obj.mx.Unlock()
	return obj.seq
}

func (h *Hub) Subscribers(objectID string) int {
	obj, ok := h.objects.Load(objectID)
	if !ok {
		return 0
	}
	obj.mx.Lock()
	defer obj.mx.Unlock()
	return len(obj.subs)
}

func (h *Hub) rateLimit() uint32 {
	return max(1, uint32(h.opts.RateLimit))
}

// object loads a document once, however many connections ask for it.
func (h *Hub) object(ctx context.Context, objectID string, ty collab.CollabType) (*object, error) {
	if obj, ok := h.objects.Load(objectID); ok {
		return obj, nil
	}
	v, err, _ := h.flight.Do(objectID, func() (any, error) {
		if obj, ok := h.objects.Load(objectID); ok {
			return obj, nil
		}
		isNew := true
		if p := h.svc.Persistence(); p != nil {
			isNew = !p.IsCollabExist(objectID)
		}
		doc, err := h.svc.BuildCollab(ctx, objectID, ty, isNew)
		if err != nil {
			return nil, err
		}
		obj := &object{
			id:        objectID,
			ty:        ty,
			doc:       doc,
			subs:      make(map[*Conn]struct{}),
			last:      make(map[string]lastMsg),
			awareness: make(map[string]*AwarenessSync),
		}
		h.objects.Store(objectID, obj)
		h.log.DebugCtx(ctx, "hub: object loaded", "object_id", objectID, "type", ty.String(), "new", isNew)
		return obj, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*object), nil
}

func (h *Hub) dispatch(ctx context.Context, c *Conn, env Envelope) {
	switch e := env.(type) {
	case CollabEnvelope:
		h.handle(ctx, c, e.Message)
	case ClientListEnvelope:
		for _, m := range e.Messages {
			h.handle(ctx, c, m)
		}
	case ClientMapEnvelope:
		keys := make([]string, 0, len(e.Messages))
		for k := range e.Messages {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			m := e.Messages[k]
			if m.Object() != k {
				h.log.WarnCtx(ctx, "hub: batch key does not match the object", "conn", c.name, "key", k, "object_id", m.Object())
				continue
			}
			h.handle(ctx, c, m)
		}
	default:
		h.log.DebugCtx(ctx, "hub: envelope ignored", "conn", c.name, "type", fmt.Sprintf("%T", env))
	}
}

func (h *Hub) handle(ctx context.Context, c *Conn, m Message) {
	messagesReceived.WithLabelValues(m.Kind().String()).Inc()
	if !h.claim(c, m.From()) {
		return
	}
	switch m := m.(type) {
	case *InitSync:
		h.initSync(ctx, c, m)
	case *UpdateSync:
		h.update(ctx, c, m.Origin, m.ObjectID, m.MsgID, m.Payload)
	case *ServerInit:
		h.update(ctx, c, m.Origin, m.ObjectID, m.MsgID, m.Payload)
	case *AwarenessSync:
		h.awareness(ctx, c, m)
	case *StateCheck:
		h.stateCheck(c, m)
	default:
		h.log.DebugCtx(ctx, "hub: message ignored", "conn", c.name, "kind", m.Kind().String())
	}
}

// claim binds the first client origin seen on c to it. A newer
// connection of the same origin replaces the older one.
func (h *Hub) claim(c *Conn, origin Origin) bool {
	if origin.Kind != OriginClient {
		return true
	}
	key := origin.String()
	c.mx.Lock()
	if c.detached {
		c.mx.Unlock()
		return false
	}
	fresh := c.origin == ""
	if fresh {
		c.origin = key
	}
	c.mx.Unlock()
	if !fresh {
		return true
	}
	if old, loaded := h.origins.LoadAndStore(key, c); loaded && old != c {
		h.log.Warn("hub: duplicate connection", "origin", key, "old", old.name, "new", c.name)
		old.terminate(DuplicateConnection{})
	}
	return true
}

func newAck(objectID string, msgID uint64, code AckCode, seq uint32, payload []byte) *CollabAck {
	acksSent.WithLabelValues(code.String()).Inc()
	return &CollabAck{
		Origin:   ServerOrigin,
		ObjectID: objectID,
		Payload:  payload,
		Code:     code,
		MsgID:    msgID,
		SeqNum:   seq,
	}
}

func (h *Hub) initSync(ctx context.Context, c *Conn, m *InitSync) {
	obj, err := h.object(ctx, m.ObjectID, m.CollabType)
	if err != nil {
		h.log.ErrorCtx(ctx, "hub: object not loaded", "object_id", m.ObjectID, "err", err)
		c.send(CollabEnvelope{Message: newAck(m.ObjectID, m.MsgID, AckInternal, 0, nil)})
		return
	}
	sv, err := collab.DecodeStateVector(m.Payload)
	if err != nil {
		h.log.WarnCtx(ctx, "hub: bad state vector", "conn", c.name, "object_id", m.ObjectID, "err", err)
		c.send(CollabEnvelope{Message: newAck(m.ObjectID, m.MsgID, AckCannotApplyUpdate, 0, nil)})
		return
	}
	key := c.keyOf(m.Origin)

	obj.mx.Lock()
	defer obj.mx.Unlock()
	if !c.track(obj) {
		return
	}
	obj.subs[c] = struct{}{}
	// message ids are per connection, a new session starts over
	obj.last[key] = lastMsg{msgID: m.MsgID}

	msgs := []Message{
		&ServerInit{
			Origin:   ServerOrigin,
			ObjectID: m.ObjectID,
			MsgID:    m.MsgID,
			Payload:  obj.doc.EncodeStateAsUpdate(sv),
		},
		newAck(m.ObjectID, m.MsgID, AckSuccess, obj.seq, obj.doc.StateVector().Encode()),
	}
	others := make([]string, 0, len(obj.awareness))
	for k := range obj.awareness {
		if k != key {
			others = append(others, k)
		}
	}
	slices.Sort(others)
	for _, k := range others {
		msgs = append(msgs, obj.awareness[k])
	}
	c.send(ServerEnvelope{Messages: msgs})
}

// update applies an update in message id order per origin. A repeated
// delivery of the last message is acked again without being applied.
func (h *Hub) update(ctx context.Context, c *Conn, origin Origin, objectID string, msgID uint64, payload []byte) {
	obj, ok := c.subscribed(objectID)
	if !ok {
		h.log.DebugCtx(ctx, "hub: update before init sync", "conn", c.name, "object_id", objectID)
		c.send(CollabEnvelope{Message: newAck(objectID, msgID, AckMissUpdate, 0, nil)})
		return
	}
	key := c.keyOf(origin)
	digest := xxhash.Sum64(payload)

	obj.mx.Lock()
	defer obj.mx.Unlock()
	last := obj.last[key]
	switch {
	case last.applied && msgID == last.msgID && digest == last.digest:
		c.send(CollabEnvelope{Message: newAck(objectID, msgID, AckSuccess, obj.seq, nil)})
		return
	case msgID <= last.msgID:
		h.log.WarnCtx(ctx, "hub: update out of order", "origin", key, "object_id", objectID, "msg_id", msgID, "last", last.msgID)
		c.send(CollabEnvelope{Message: newAck(objectID, msgID, AckRetry, obj.seq, nil)})
		return
	}
	if err := obj.doc.ApplyUpdate(payload); err != nil {
		h.log.WarnCtx(ctx, "hub: update not applied", "origin", key, "object_id", objectID, "msg_id", msgID, "err", err)
		c.send(CollabEnvelope{Message: newAck(objectID, msgID, AckCannotApplyUpdate, obj.seq, nil)})
		return
	}
	obj.last[key] = lastMsg{msgID: msgID, digest: digest, applied: true}
	obj.seq++
	bc := &BroadcastSync{Origin: origin, ObjectID: objectID, Payload: payload, SeqNum: obj.seq}
	for sub := range obj.subs {
		if sub != c {
			sub.send(CollabEnvelope{Message: bc})
		}
	}
	c.send(CollabEnvelope{Message: newAck(objectID, msgID, AckSuccess, obj.seq, nil)})
}

func (h *Hub) awareness(ctx context.Context, c *Conn, m *AwarenessSync) {
	obj, ok := c.subscribed(m.ObjectID)
	if !ok {
		h.log.DebugCtx(ctx, "hub: awareness before init sync", "conn", c.name, "object_id", m.ObjectID)
		return
	}
	a := &AwarenessSync{Origin: m.Origin, ObjectID: m.ObjectID, Payload: m.Payload}
	obj.mx.Lock()
	defer obj.mx.Unlock()
	obj.awareness[c.keyOf(m.Origin)] = a
	for sub := range obj.subs {
		if sub != c {
			sub.send(CollabEnvelope{Message: a})
		}
	}
}

func (h *Hub) stateCheck(c *Conn, m *StateCheck) {
	obj, ok := c.subscribed(m.ObjectID)
	if !ok {
		c.send(CollabEnvelope{Message: newAck(m.ObjectID, m.MsgID, AckMissUpdate, 0, nil)})
		return
	}
	obj.mx.Lock()
	defer obj.mx.Unlock()
	c.send(CollabEnvelope{Message: newAck(m.ObjectID, m.MsgID, AckSuccess, obj.seq, obj.doc.StateVector().Encode())})
}

// detach drops c from every object and from the hub maps. Idempotent.
func (h *Hub) detach(c *Conn) {
	c.mx.Lock()
	if c.detached {
		c.mx.Unlock()
		return
	}
	c.detached = true
	objs := c.objects
	c.objects = nil
	origin := c.origin
	c.mx.Unlock()

	key := origin
	if key == "" {
		key = c.name
	}
	for _, obj := range objs {
		obj.mx.Lock()
		delete(obj.subs, c)
		delete(obj.awareness, key)
		obj.mx.Unlock()
	}
	same := func(old *Conn, loaded bool) (*Conn, bool) {
		return old, !loaded || old == c
	}
	if origin != "" {
		h.origins.Compute(origin, same)
	}
	h.conns.Compute(c.name, same)
	connections.Dec()
}
