/*
Package realtime syncs documents between clients and a hub.

A client Session binds local documents and speaks for them; the Hub
keeps one document per object, applies client updates in message id
order and broadcasts them to the other subscribers with a per-object
sequence number. Every frame on the wire is a TLV 'M' record holding
one protobuf-encoded RealtimeMessage.
*/
package realtime

import (
	"fmt"
	"strconv"

	"github.com/drpcorg/collabdb/collab"
)

type OriginKind uint8

const (
	// OriginUnset is an origin field that is absent on the wire.
	OriginUnset OriginKind = iota
	OriginEmpty
	OriginClient
	OriginServer
)

// Origin tells who produced a message.
type Origin struct {
	Kind     OriginKind
	UID      int64
	DeviceID string
}

var ServerOrigin = Origin{Kind: OriginServer}

func ClientOrigin(uid int64, deviceID string) Origin {
	return Origin{Kind: OriginClient, UID: uid, DeviceID: deviceID}
}

// String is unique per origin; clients render as uid|device.
func (o Origin) String() string {
	switch o.Kind {
	case OriginClient:
		return strconv.FormatInt(o.UID, 10) + "|" + o.DeviceID
	case OriginServer:
		return "server"
	case OriginEmpty:
		return "empty"
	default:
		return ""
	}
}

// Kind discriminates per-object messages.
type Kind uint8

const (
	KindInitSync Kind = iota + 1
	KindUpdateSync
	KindAck
	KindServerInit
	KindAwareness
	KindBroadcast
	KindStateCheck
)

func (k Kind) String() string {
	switch k {
	case KindInitSync:
		return "init_sync"
	case KindUpdateSync:
		return "update_sync"
	case KindAck:
		return "ack"
	case KindServerInit:
		return "server_init"
	case KindAwareness:
		return "awareness"
	case KindBroadcast:
		return "broadcast"
	case KindStateCheck:
		return "state_check"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is a message about one object. The set of implementations
// is closed; receivers switch on the concrete type.
type Message interface {
	Kind() Kind
	Object() string
	From() Origin
}

// InitSync opens the sync of an object; Payload is the sender's state
// vector.
type InitSync struct {
	Origin      Origin
	ObjectID    string
	CollabType  collab.CollabType
	WorkspaceID string
	MsgID       uint64
	Payload     []byte
}

type UpdateSync struct {
	Origin   Origin
	ObjectID string
	MsgID    uint64
	Payload  []byte
}

type AckMeta struct {
	Data  string
	MsgID uint64
}

type AckCode uint32

const (
	AckSuccess AckCode = iota
	// the payload could not be decoded or applied
	AckCannotApplyUpdate
	// the message id is out of order; the sender should resync
	AckRetry
	AckInternal
	// the sender lacks updates the hub has
	AckMissUpdate
)

func (c AckCode) String() string {
	switch c {
	case AckSuccess:
		return "success"
	case AckCannotApplyUpdate:
		return "cannot_apply_update"
	case AckRetry:
		return "retry"
	case AckInternal:
		return "internal"
	case AckMissUpdate:
		return "miss_update"
	default:
		return "code_" + strconv.FormatUint(uint64(c), 10)
	}
}

// CollabAck answers the message MsgID. SeqNum is the object's broadcast
// sequence the answer was made at.
type CollabAck struct {
	Origin   Origin
	ObjectID string
	Meta     *AckMeta
	Payload  []byte
	Code     AckCode
	MsgID    uint64
	SeqNum   uint32
}

// ServerInit carries the update that brings the receiver up to the
// sender's state.
type ServerInit struct {
	Origin   Origin
	ObjectID string
	MsgID    uint64
	Payload  []byte
}

// AwarenessSync is presence data. It is neither stored nor ordered.
type AwarenessSync struct {
	Origin   Origin
	ObjectID string
	MsgID    uint64
	Payload  []byte
}

type BroadcastSync struct {
	Origin   Origin
	ObjectID string
	Payload  []byte
	SeqNum   uint32
}

// StateCheck asks the hub for its state vector and sequence.
type StateCheck struct {
	Origin   Origin
	ObjectID string
	MsgID    uint64
}

func (*InitSync) Kind() Kind      { return KindInitSync }
func (*UpdateSync) Kind() Kind    { return KindUpdateSync }
func (*CollabAck) Kind() Kind     { return KindAck }
func (*ServerInit) Kind() Kind    { return KindServerInit }
func (*AwarenessSync) Kind() Kind { return KindAwareness }
func (*BroadcastSync) Kind() Kind { return KindBroadcast }
func (*StateCheck) Kind() Kind    { return KindStateCheck }

func (m *InitSync) Object() string      { return m.ObjectID }
func (m *UpdateSync) Object() string    { return m.ObjectID }
func (m *CollabAck) Object() string     { return m.ObjectID }
func (m *ServerInit) Object() string    { return m.ObjectID }
func (m *AwarenessSync) Object() string { return m.ObjectID }
func (m *BroadcastSync) Object() string { return m.ObjectID }
func (m *StateCheck) Object() string    { return m.ObjectID }

func (m *InitSync) From() Origin      { return m.Origin }
func (m *UpdateSync) From() Origin    { return m.Origin }
func (m *CollabAck) From() Origin     { return m.Origin }
func (m *ServerInit) From() Origin    { return m.Origin }
func (m *AwarenessSync) From() Origin { return m.Origin }
func (m *BroadcastSync) From() Origin { return m.Origin }
func (m *StateCheck) From() Origin    { return m.Origin }

// SystemMessage is a hub notice to one connection.
type SystemMessage interface {
	isSystem()
}

// RateLimit asks the client to send at most Limit messages a second.
type RateLimit struct {
	Limit uint32
}

// KickOff ends the session.
type KickOff struct{}

// DuplicateConnection ends a session replaced by a newer one of the
// same origin.
type DuplicateConnection struct{}

func (RateLimit) isSystem()           {}
func (KickOff) isSystem()             {}
func (DuplicateConnection) isSystem() {}

// Envelope is the top level of a frame.
type Envelope interface {
	isEnvelope()
}

// CollabEnvelope holds a single message.
type CollabEnvelope struct {
	Message Message
}

// UserEnvelope is account news; its content is not read here.
type UserEnvelope struct{}

type SystemEnvelope struct {
	System SystemMessage
}

// ClientListEnvelope is the older client batch; object ids may repeat
// and then precedence among them is undefined.
type ClientListEnvelope struct {
	Messages []Message
}

// ClientMapEnvelope is the client batch keyed by object id.
type ClientMapEnvelope struct {
	Messages map[string]Message
}

type ServerEnvelope struct {
	Messages []Message
}

func (CollabEnvelope) isEnvelope()     {}
func (UserEnvelope) isEnvelope()       {}
func (SystemEnvelope) isEnvelope()     {}
func (ClientListEnvelope) isEnvelope() {}
func (ClientMapEnvelope) isEnvelope()  {}
func (ServerEnvelope) isEnvelope()     {}
