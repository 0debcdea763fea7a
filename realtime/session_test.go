package realtime

import (
	"context"
	"sync"
	"testing"

	"github.com/drpcorg/collabdb/collab"
	"github.com/drpcorg/collabdb/transport"
	"github.com/drpcorg/collabdb/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deliver(t *testing.T, s *Session, env Envelope) error {
	frame, err := Frame(env)
	require.Nil(t, err)
	return s.Drain(context.Background(), transport.Records{frame})
}

func fromHub(t *testing.T, s *Session, msgs ...Message) {
	require.Nil(t, deliver(t, s, ServerEnvelope{Messages: msgs}))
}

func sent(t *testing.T, s *Session) []Message {
	return messages(pull(t, s))
}

func bound(t *testing.T, s *Session, doc *collab.Doc) *InitSync {
	require.Nil(t, s.Bind(doc, collab.TypeDatabase))
	msgs := sent(t, s)
	require.Len(t, msgs, 1)
	init, ok := msgs[0].(*InitSync)
	require.True(t, ok)
	return init
}

func TestSession_SequenceGaps(t *testing.T) {
	s := newSession(alice)
	doc := collab.NewDoc("doc", 7)
	init := bound(t, s, doc)
	assert.Equal(t, uint64(1), init.MsgID)
	assert.Equal(t, "w1", init.WorkspaceID)
	assert.Equal(t, collab.TypeDatabase, init.CollabType)
	assert.Equal(t, alice, init.Origin)
	assert.Equal(t, 1, s.Pending())

	fromHub(t, s, &ServerInit{ObjectID: "doc", MsgID: 1}, &CollabAck{ObjectID: "doc", MsgID: 1, SeqNum: 3})
	assert.True(t, s.Synced("doc"))
	assert.Equal(t, uint32(3), s.LastSeq("doc"))
	assert.Equal(t, 0, s.Pending())
	assert.Empty(t, sent(t, s))

	other := newWriter(8)
	fromHub(t, s, &BroadcastSync{ObjectID: "doc", Payload: other.update("k", "v"), SeqNum: 4})
	assert.Equal(t, "v", get(doc, "k"))
	assert.Equal(t, uint32(4), s.LastSeq("doc"))

	// a gap is not applied, the session starts over instead
	gapped := other.update("k", "v2")
	fromHub(t, s, &BroadcastSync{ObjectID: "doc", Payload: gapped, SeqNum: 6})
	assert.Equal(t, "v", get(doc, "k"))
	assert.False(t, s.Synced("doc"))
	msgs := sent(t, s)
	require.Len(t, msgs, 1)
	again := msgs[0].(*InitSync)
	assert.Equal(t, uint64(2), again.MsgID)
	assert.Equal(t, doc.StateVector().Encode(), again.Payload)

	// one resync at a time
	fromHub(t, s, &BroadcastSync{ObjectID: "doc", Payload: gapped, SeqNum: 7})
	assert.Empty(t, sent(t, s))

	fromHub(t, s,
		&ServerInit{ObjectID: "doc", MsgID: 2, Payload: gapped},
		&CollabAck{ObjectID: "doc", MsgID: 2, SeqNum: 7, Payload: other.doc.StateVector().Encode()},
	)
	assert.Equal(t, "v2", get(doc, "k"))
	assert.True(t, s.Synced("doc"))
	assert.Equal(t, uint32(7), s.LastSeq("doc"))
	assert.Empty(t, sent(t, s))

	// local edits go out and are acked in sequence
	put(doc, "mine", "x")
	msgs = sent(t, s)
	require.Len(t, msgs, 1)
	upd := msgs[0].(*UpdateSync)
	assert.Equal(t, uint64(3), upd.MsgID)
	fromHub(t, s, &CollabAck{ObjectID: "doc", MsgID: 3, SeqNum: 8})
	assert.Equal(t, uint32(8), s.LastSeq("doc"))
	assert.Equal(t, 0, s.Pending())

	// unknown acks are ignored, failed ones resync
	fromHub(t, s, &CollabAck{ObjectID: "doc", MsgID: 99, SeqNum: 50})
	assert.Equal(t, uint32(8), s.LastSeq("doc"))
	put(doc, "mine", "y")
	require.Len(t, sent(t, s), 1)
	fromHub(t, s, &CollabAck{ObjectID: "doc", MsgID: 4, Code: AckRetry, SeqNum: 8})
	msgs = sent(t, s)
	require.Len(t, msgs, 1)
	assert.IsType(t, &InitSync{}, msgs[0])
}

func TestSession_StateCheck(t *testing.T) {
	s := newSession(alice)
	doc := collab.NewDoc("doc", 7)
	assert.ErrorIs(t, s.CheckState("doc"), ErrNotBound)
	bound(t, s, doc)
	fromHub(t, s, &ServerInit{ObjectID: "doc", MsgID: 1}, &CollabAck{ObjectID: "doc", MsgID: 1})

	// the hub knows more: resync
	other := newWriter(8)
	missed := other.update("k", "v")
	require.Nil(t, s.CheckState("doc"))
	check := sent(t, s)[0].(*StateCheck)
	fromHub(t, s, &CollabAck{ObjectID: "doc", MsgID: check.MsgID, Payload: other.doc.StateVector().Encode()})
	init := sent(t, s)[0].(*InitSync)
	fromHub(t, s,
		&ServerInit{ObjectID: "doc", MsgID: init.MsgID, Payload: missed},
		&CollabAck{ObjectID: "doc", MsgID: init.MsgID, Payload: other.doc.StateVector().Encode()},
	)
	assert.Equal(t, "v", get(doc, "k"))

	// the hub knows less: push what it lacks
	put(doc, "mine", "x")
	upd := sent(t, s)[0].(*UpdateSync)
	fromHub(t, s, &CollabAck{ObjectID: "doc", MsgID: upd.MsgID, Code: AckSuccess, SeqNum: 1})
	require.Nil(t, s.CheckState("doc"))
	check = sent(t, s)[0].(*StateCheck)
	fromHub(t, s, &CollabAck{ObjectID: "doc", MsgID: check.MsgID, SeqNum: 1, Payload: other.doc.StateVector().Encode()})
	msgs := sent(t, s)
	require.Len(t, msgs, 1)
	assert.Equal(t, upd.Payload, msgs[0].(*UpdateSync).Payload)
}

func TestSession_System(t *testing.T) {
	var mx sync.Mutex
	var seen []string
	s := NewSession(SessionOptions{
		Origin:      alice,
		FeedTimeout: tick,
		OnAwareness: func(objectID string, from Origin, payload []byte) {
			mx.Lock()
			defer mx.Unlock()
			seen = append(seen, objectID+"@"+from.String()+":"+string(payload))
		},
	})
	doc := collab.NewDoc("doc", 7)
	assert.ErrorIs(t, s.SetAwareness("doc", []byte("x")), ErrNotBound)
	bound(t, s, doc)
	fromHub(t, s, &CollabAck{ObjectID: "doc", MsgID: 1})

	require.Nil(t, s.SetAwareness("doc", []byte("here")))
	aw := sent(t, s)[0].(*AwarenessSync)
	assert.Equal(t, []byte("here"), aw.Payload)
	require.Nil(t, deliver(t, s, CollabEnvelope{Message: &AwarenessSync{Origin: ClientOrigin(8, "b"), ObjectID: "doc", Payload: []byte("there")}}))
	mx.Lock()
	assert.Equal(t, []string{"doc@8|b:there"}, seen)
	mx.Unlock()

	// a rate limit notice paces the session and resyncs every object
	require.Nil(t, deliver(t, s, SystemEnvelope{System: RateLimit{Limit: 50}}))
	assert.NotNil(t, s.limiter.Load())
	msgs := sent(t, s)
	require.Len(t, msgs, 1)
	assert.IsType(t, &InitSync{}, msgs[0])

	assert.ErrorIs(t, deliver(t, s, SystemEnvelope{System: KickOff{}}), ErrKickedOff)
	assert.ErrorIs(t, s.Err(), ErrKickedOff)
	_, err := s.Feed(context.Background())
	assert.ErrorIs(t, err, utils.ErrClosed)
}
