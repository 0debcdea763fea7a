package realtime

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/drpcorg/collabdb/collab"
	"github.com/drpcorg/collabdb/kvlog"
	"github.com/drpcorg/collabdb/store"
	"github.com/drpcorg/collabdb/transport"
	"github.com/drpcorg/collabdb/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tick = 5 * time.Millisecond

var data = collab.Root(collab.DataRoot)

func newHub(t *testing.T, opts HubOptions) (*Hub, *store.Service) {
	st, err := store.Open("", store.Options{KV: kvlog.Options{InMemory: true}, Logger: utils.NopLogger()})
	require.Nil(t, err)
	svc := store.NewService(st, 0xffee)
	opts.FeedTimeout = tick
	h := NewHub(svc, opts)
	t.Cleanup(func() {
		_ = h.Close()
		_ = st.Close()
	})
	return h, svc
}

func newSession(origin Origin) *Session {
	return NewSession(SessionOptions{Origin: origin, WorkspaceID: "w1", FeedTimeout: tick})
}

// link pumps frames both ways between a session and its hub end.
func link(t *testing.T, h *Hub, s *Session, name string) *Conn {
	c := h.Connect(name).(*Conn)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = transport.Pump(ctx, s, c)
	}()
	go func() {
		defer wg.Done()
		_ = transport.Pump(ctx, c, s)
	}()
	t.Cleanup(func() {
		cancel()
		_ = c.Close()
		_ = s.Close()
		wg.Wait()
	})
	return c
}

func put(doc *collab.Doc, key string, value any) {
	doc.TransactMut(func(txn *collab.TxnMut) {
		data.Insert(txn, key, value)
	})
}

func get(doc *collab.Doc, key string) (s string) {
	doc.Transact(func(txn *collab.Txn) {
		s, _ = data.GetString(txn, key)
	})
	return
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	assert.Eventually(t, cond, 5*time.Second, tick)
}

// writer produces updates the way a client document does.
type writer struct {
	doc  *collab.Doc
	last []byte
}

func newWriter(src uint64) *writer {
	w := &writer{doc: collab.NewDoc("doc", src)}
	w.doc.Observe(func(ev collab.UpdateEvent) { w.last = ev.Update })
	return w
}

func (w *writer) update(key, value string) []byte {
	put(w.doc, key, value)
	return w.last
}

func push(t *testing.T, c *Conn, msgs ...Message) {
	for _, m := range msgs {
		frame, err := Frame(ClientMapEnvelope{Messages: map[string]Message{m.Object(): m}})
		require.Nil(t, err)
		require.Nil(t, c.Drain(context.Background(), transport.Records{frame}))
	}
}

// pull returns every envelope queued in f by now.
func pull(t *testing.T, f transport.Feeder) (envs []Envelope) {
	recs, err := f.Feed(context.Background())
	require.Nil(t, err)
	for _, rec := range recs {
		env, err := Unframe(rec)
		require.Nil(t, err)
		envs = append(envs, env)
	}
	return
}

func messages(envs []Envelope) (msgs []Message) {
	for _, env := range envs {
		switch e := env.(type) {
		case CollabEnvelope:
			msgs = append(msgs, e.Message)
		case ServerEnvelope:
			msgs = append(msgs, e.Messages...)
		case ClientMapEnvelope:
			keys := make([]string, 0, len(e.Messages))
			for k := range e.Messages {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				msgs = append(msgs, e.Messages[k])
			}
		}
	}
	return
}

func lastAck(t *testing.T, c *Conn) *CollabAck {
	msgs := messages(pull(t, c))
	require.NotEmpty(t, msgs)
	ack, ok := msgs[len(msgs)-1].(*CollabAck)
	require.True(t, ok)
	return ack
}

func TestHub_TwoSessionsConverge(t *testing.T) {
	h, svc := newHub(t, HubOptions{})
	docA, docB := collab.NewDoc("doc-1", 1), collab.NewDoc("doc-1", 2)
	a, b := newSession(ClientOrigin(1, "a")), newSession(ClientOrigin(2, "b"))
	link(t, h, a, "conn-a")
	link(t, h, b, "conn-b")

	put(docA, "title", "draft")
	require.Nil(t, a.Bind(docA, collab.TypeDocument))
	assert.ErrorIs(t, a.Bind(docA, collab.TypeDocument), ErrAlreadyBound)
	eventually(t, func() bool {
		doc, ok := h.Doc("doc-1")
		return ok && get(doc, "title") == "draft"
	})

	require.Nil(t, b.Bind(docB, collab.TypeDocument))
	eventually(t, func() bool { return get(docB, "title") == "draft" })

	put(docB, "owner", "bob")
	put(docA, "title", "final")
	eventually(t, func() bool {
		return get(docA, "owner") == "bob" && get(docB, "title") == "final"
	})
	eventually(t, func() bool {
		return a.Pending() == 0 && b.Pending() == 0 &&
			a.LastSeq("doc-1") == h.Seq("doc-1") && b.LastSeq("doc-1") == h.Seq("doc-1")
	})
	assert.True(t, a.Synced("doc-1"))
	assert.Equal(t, 2, h.Subscribers("doc-1"))
	assert.True(t, svc.Persistence().IsCollabExist("doc-1"))
}

func TestHub_UpdateOrdering(t *testing.T) {
	h, _ := newHub(t, HubOptions{})
	c := h.Connect("raw").(*Conn)
	w := newWriter(9)
	origin := ClientOrigin(9, "raw")

	push(t, c, &InitSync{Origin: origin, ObjectID: "doc", CollabType: collab.TypeDocument, MsgID: 5})
	msgs := messages(pull(t, c))
	require.Len(t, msgs, 2)
	assert.IsType(t, &ServerInit{}, msgs[0])
	assert.Equal(t, AckSuccess, msgs[1].(*CollabAck).Code)

	first := w.update("k", "v1")
	push(t, c, &UpdateSync{Origin: origin, ObjectID: "doc", MsgID: 6, Payload: first})
	ack := lastAck(t, c)
	assert.Equal(t, AckSuccess, ack.Code)
	assert.Equal(t, uint64(6), ack.MsgID)
	assert.Equal(t, uint32(1), ack.SeqNum)

	// redelivery is acked again but not counted
	push(t, c, &UpdateSync{Origin: origin, ObjectID: "doc", MsgID: 6, Payload: first})
	ack = lastAck(t, c)
	assert.Equal(t, AckSuccess, ack.Code)
	assert.Equal(t, uint32(1), ack.SeqNum)

	second := w.update("k", "v2")
	push(t, c, &UpdateSync{Origin: origin, ObjectID: "doc", MsgID: 6, Payload: second})
	assert.Equal(t, AckRetry, lastAck(t, c).Code)
	push(t, c, &UpdateSync{Origin: origin, ObjectID: "doc", MsgID: 4, Payload: second})
	assert.Equal(t, AckRetry, lastAck(t, c).Code)
	push(t, c, &UpdateSync{Origin: origin, ObjectID: "doc", MsgID: 7, Payload: []byte("junk")})
	assert.Equal(t, AckCannotApplyUpdate, lastAck(t, c).Code)

	push(t, c, &UpdateSync{Origin: origin, ObjectID: "doc", MsgID: 8, Payload: second})
	ack = lastAck(t, c)
	assert.Equal(t, AckSuccess, ack.Code)
	assert.Equal(t, uint32(2), ack.SeqNum)
	assert.Equal(t, uint32(2), h.Seq("doc"))
	doc, _ := h.Doc("doc")
	assert.Equal(t, "v2", get(doc, "k"))

	// a new session of the origin starts its ids over
	push(t, c, &InitSync{Origin: origin, ObjectID: "doc", MsgID: 1, Payload: w.doc.StateVector().Encode()})
	msgs = messages(pull(t, c))
	require.Len(t, msgs, 2)
	assert.Empty(t, msgs[0].(*ServerInit).Payload)
	push(t, c, &UpdateSync{Origin: origin, ObjectID: "doc", MsgID: 2, Payload: w.update("k", "v3")})
	assert.Equal(t, AckSuccess, lastAck(t, c).Code)
}

func TestHub_RequiresInitSync(t *testing.T) {
	h, _ := newHub(t, HubOptions{})
	c := h.Connect("raw").(*Conn)
	origin := ClientOrigin(3, "raw")

	push(t, c, &UpdateSync{Origin: origin, ObjectID: "doc", MsgID: 1, Payload: newWriter(3).update("k", "v")})
	assert.Equal(t, AckMissUpdate, lastAck(t, c).Code)
	push(t, c, &StateCheck{Origin: origin, ObjectID: "doc", MsgID: 2})
	assert.Equal(t, AckMissUpdate, lastAck(t, c).Code)

	push(t, c, &InitSync{Origin: origin, ObjectID: "doc", MsgID: 3, Payload: []byte("junk")})
	assert.Equal(t, AckCannotApplyUpdate, lastAck(t, c).Code)
	assert.Equal(t, 0, h.Subscribers("doc"))
}

func TestHub_Broadcast(t *testing.T) {
	h, _ := newHub(t, HubOptions{})
	c1, c2 := h.Connect("one").(*Conn), h.Connect("two").(*Conn)
	o1, o2 := ClientOrigin(1, "one"), ClientOrigin(2, "two")
	push(t, c1, &InitSync{Origin: o1, ObjectID: "doc", MsgID: 1})
	push(t, c2, &InitSync{Origin: o2, ObjectID: "doc", MsgID: 1})
	pull(t, c1)
	pull(t, c2)

	upd := newWriter(1).update("k", "v")
	push(t, c1, &UpdateSync{Origin: o1, ObjectID: "doc", MsgID: 2, Payload: upd})
	msgs := messages(pull(t, c2))
	require.Len(t, msgs, 1)
	assert.Equal(t, &BroadcastSync{Origin: o1, ObjectID: "doc", Payload: upd, SeqNum: 1}, msgs[0])
	assert.Equal(t, AckSuccess, lastAck(t, c1).Code)

	// awareness is fanned out and handed to late joiners
	push(t, c2, &AwarenessSync{Origin: o2, ObjectID: "doc", MsgID: 2, Payload: []byte("cursor")})
	msgs = messages(pull(t, c1))
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("cursor"), msgs[0].(*AwarenessSync).Payload)

	c3 := h.Connect("three").(*Conn)
	push(t, c3, &InitSync{Origin: ClientOrigin(3, "three"), ObjectID: "doc", MsgID: 1})
	msgs = messages(pull(t, c3))
	require.Len(t, msgs, 3)
	assert.Equal(t, o2, msgs[2].(*AwarenessSync).Origin)

	// awareness of a closed connection is forgotten
	require.Nil(t, c2.Close())
	assert.Equal(t, 2, h.Subscribers("doc"))
	c4 := h.Connect("four").(*Conn)
	push(t, c4, &InitSync{Origin: ClientOrigin(4, "four"), ObjectID: "doc", MsgID: 1})
	assert.Len(t, messages(pull(t, c4)), 2)
}

func TestHub_RateLimit(t *testing.T) {
	h, _ := newHub(t, HubOptions{RateLimit: 1, Burst: 1})
	c := h.Connect("raw").(*Conn)
	origin := ClientOrigin(1, "raw")

	push(t, c,
		&InitSync{Origin: origin, ObjectID: "doc", MsgID: 1},
		&UpdateSync{Origin: origin, ObjectID: "doc", MsgID: 2, Payload: newWriter(1).update("k", "v")},
	)
	envs := pull(t, c)
	require.Len(t, envs, 2)
	assert.Equal(t, SystemEnvelope{System: RateLimit{Limit: 1}}, envs[1])
	assert.Equal(t, uint32(0), h.Seq("doc"))
}

func TestHub_OutboxOverflow(t *testing.T) {
	h, _ := newHub(t, HubOptions{OutboxLimit: 8})
	c := h.Connect("raw").(*Conn)
	push(t, c, &InitSync{Origin: ClientOrigin(1, "raw"), ObjectID: "doc", MsgID: 1})
	_, err := c.Feed(context.Background())
	assert.ErrorIs(t, err, utils.ErrOverflow)
}

func TestHub_DuplicateConnection(t *testing.T) {
	h, _ := newHub(t, HubOptions{})
	origin := ClientOrigin(5, "phone")
	s1, s2 := newSession(origin), newSession(origin)
	link(t, h, s1, "first")
	require.Nil(t, s1.Bind(collab.NewDoc("doc", 5), collab.TypeDocument))
	eventually(t, func() bool { return s1.Synced("doc") })

	link(t, h, s2, "second")
	doc := collab.NewDoc("doc", 5)
	require.Nil(t, s2.Bind(doc, collab.TypeDocument))
	eventually(t, func() bool { return s1.Err() != nil })
	assert.ErrorIs(t, s1.Err(), ErrDuplicateConnection)
	eventually(t, func() bool { return s2.Synced("doc") && h.Subscribers("doc") == 1 })
	assert.Nil(t, s2.Err())

	assert.True(t, h.Kick(origin))
	eventually(t, func() bool { return s2.Err() != nil })
	assert.ErrorIs(t, s2.Err(), ErrKickedOff)
	assert.ErrorIs(t, s2.Bind(collab.NewDoc("other", 5), collab.TypeDocument), ErrKickedOff)
	assert.False(t, h.Kick(ClientOrigin(6, "nobody")))
}

func TestSession_Fetch(t *testing.T) {
	h, _ := newHub(t, HubOptions{})
	a, b := newSession(ClientOrigin(1, "a")), newSession(ClientOrigin(2, "b"))
	link(t, h, a, "conn-a")
	link(t, h, b, "conn-b")

	docA := collab.NewDoc("doc-1", 1)
	put(docA, "title", "draft")
	require.Nil(t, a.Bind(docA, collab.TypeDocument))
	eventually(t, func() bool { return a.Synced("doc-1") })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	enc, err := b.Fetch(ctx, "doc-1", collab.TypeDocument)
	require.Nil(t, err)
	fetched := collab.NewDoc("doc-1", 3)
	require.Nil(t, fetched.ApplyEncodedCollab(*enc))
	assert.Equal(t, "draft", get(fetched, "title"))
	assert.False(t, b.Synced("doc-1"))

	// a bound object is answered from the local document
	enc, err = a.Fetch(ctx, "doc-1", collab.TypeDocument)
	require.Nil(t, err)
	assert.Equal(t, docA.EncodeCollab(), *enc)

	enc, err = b.Fetch(ctx, "nothing", collab.TypeDocument)
	require.Nil(t, err)
	assert.Empty(t, enc.DocState)
}

func TestSession_FetchEnds(t *testing.T) {
	s := newSession(alice)
	ctx, cancel := context.WithTimeout(context.Background(), 3*tick)
	defer cancel()
	_, err := s.Fetch(ctx, "doc", collab.TypeDocument)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, s.objects)

	done := make(chan error, 1)
	go func() {
		_, err := s.Fetch(context.Background(), "doc", collab.TypeDocument)
		done <- err
	}()
	eventually(t, func() bool { return s.Pending() == 2 })
	assert.ErrorIs(t, deliver(t, s, SystemEnvelope{System: KickOff{}}), ErrKickedOff)
	assert.ErrorIs(t, <-done, ErrKickedOff)
	_, err = s.Fetch(context.Background(), "doc", collab.TypeDocument)
	assert.ErrorIs(t, err, ErrKickedOff)
}
