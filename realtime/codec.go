package realtime

import (
	"errors"
	"fmt"
	"slices"

	"github.com/drpcorg/collabdb/collab"
	"github.com/drpcorg/collabdb/tlv"
	"google.golang.org/protobuf/encoding/protowire"
)

// FrameLit marks realtime records on the transport.
const FrameLit = 'M'

var (
	ErrBadMessage = errors.New("realtime: malformed message")
	// ErrUnencodable is a message placed where its side of the
	// protocol can not carry it, e.g. an ack in a client batch.
	ErrUnencodable = errors.New("realtime: message can not be encoded here")
)

// field numbers of RealtimeMessage
const (
	envCollab   = 1
	envUser     = 2
	envSystem   = 3
	envClientV1 = 4
	envClientV2 = 5
	envServer   = 6
)

// field numbers of the per-object oneofs
const (
	collabInitSync   = 1
	collabUpdateSync = 2
	collabAck        = 3
	collabServerInit = 4
	collabAwareness  = 5
	collabBroadcast  = 6

	clientInitSync   = 1
	clientUpdateSync = 2
	clientServerInit = 3
	clientAwareness  = 4
	clientStateCheck = 5
)

// Frame encodes env as one transport record.
func Frame(env Envelope) ([]byte, error) {
	body, err := Marshal(env)
	if err != nil {
		return nil, err
	}
	return tlv.Record(FrameLit, body), nil
}

// Unframe decodes a transport record. A nil envelope with a nil error
// is a variant this version does not know.
func Unframe(rec []byte) (Envelope, error) {
	body, rest, err := tlv.TakeWary(FrameLit, rec)
	if err != nil {
		return nil, errors.Join(ErrBadMessage, err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrBadMessage)
	}
	return Unmarshal(body)
}

func Marshal(env Envelope) (b []byte, err error) {
	switch e := env.(type) {
	case CollabEnvelope:
		inner, err := appendCollabMessage(nil, e.Message)
		if err != nil {
			return nil, err
		}
		b = appendMessageField(b, envCollab, inner)
	case UserEnvelope:
		b = appendMessageField(b, envUser, nil)
	case SystemEnvelope:
		inner, err := appendSystem(nil, e.System)
		if err != nil {
			return nil, err
		}
		b = appendMessageField(b, envSystem, inner)
	case ClientListEnvelope:
		var inner []byte
		for _, m := range e.Messages {
			msg, err := appendClientMessage(nil, m)
			if err != nil {
				return nil, err
			}
			inner = appendMessageField(inner, 1, msg)
		}
		b = appendMessageField(b, envClientV1, inner)
	case ClientMapEnvelope:
		var inner []byte
		keys := make([]string, 0, len(e.Messages))
		for k := range e.Messages {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			msg, err := appendClientMessage(nil, e.Messages[k])
			if err != nil {
				return nil, err
			}
			entry := appendStringField(nil, 1, k)
			entry = appendMessageField(entry, 2, msg)
			inner = appendMessageField(inner, 1, entry)
		}
		b = appendMessageField(b, envClientV2, inner)
	case ServerEnvelope:
		var inner []byte
		for _, m := range e.Messages {
			msg, err := appendCollabMessage(nil, m)
			if err != nil {
				return nil, err
			}
			inner = appendMessageField(inner, 1, msg)
		}
		b = appendMessageField(b, envServer, inner)
	default:
		return nil, fmt.Errorf("%w: envelope %T", ErrUnencodable, env)
	}
	return b, nil
}

func Unmarshal(b []byte) (env Envelope, err error) {
	err = walk(b, func(f field) error {
		var err error
		switch f.num {
		case envCollab:
			var m Message
			if m, err = decodeCollabMessage(f.bytes()); err == nil && m != nil {
				env = CollabEnvelope{Message: m}
			}
		case envUser:
			env = UserEnvelope{}
		case envSystem:
			var s SystemMessage
			if s, err = decodeSystem(f.bytes()); err == nil && s != nil {
				env = SystemEnvelope{System: s}
			}
		case envClientV1:
			e := ClientListEnvelope{}
			err = walk(f.bytes(), func(item field) error {
				if item.num != 1 {
					return nil
				}
				m, err := decodeClientMessage(item.bytes())
				if m != nil {
					e.Messages = append(e.Messages, m)
				}
				return err
			})
			env = e
		case envClientV2:
			e := ClientMapEnvelope{Messages: make(map[string]Message)}
			err = walk(f.bytes(), func(item field) error {
				if item.num != 1 {
					return nil
				}
				var key string
				var m Message
				err := walk(item.bytes(), func(kv field) (err error) {
					switch kv.num {
					case 1:
						key = kv.string()
					case 2:
						m, err = decodeClientMessage(kv.bytes())
					}
					return
				})
				if m != nil {
					e.Messages[key] = m
				}
				return err
			})
			env = e
		case envServer:
			e := ServerEnvelope{}
			err = walk(f.bytes(), func(item field) error {
				if item.num != 1 {
					return nil
				}
				m, err := decodeCollabMessage(item.bytes())
				if m != nil {
					e.Messages = append(e.Messages, m)
				}
				return err
			})
			env = e
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return env, nil
}

func appendCollabMessage(b []byte, m Message) ([]byte, error) {
	switch m := m.(type) {
	case *InitSync:
		return appendMessageField(b, collabInitSync, appendInitSync(nil, m)), nil
	case *UpdateSync:
		return appendMessageField(b, collabUpdateSync, appendUpdateSync(nil, m.Origin, m.ObjectID, m.MsgID, m.Payload)), nil
	case *CollabAck:
		return appendMessageField(b, collabAck, appendAck(nil, m)), nil
	case *ServerInit:
		return appendMessageField(b, collabServerInit, appendServerInit(nil, m)), nil
	case *AwarenessSync:
		inner := appendOrigin(nil, m.Origin)
		inner = appendStringField(inner, 2, m.ObjectID)
		inner = appendBytesField(inner, 3, m.Payload)
		return appendMessageField(b, collabAwareness, inner), nil
	case *BroadcastSync:
		inner := appendOrigin(nil, m.Origin)
		inner = appendStringField(inner, 2, m.ObjectID)
		inner = appendBytesField(inner, 3, m.Payload)
		inner = appendVarintField(inner, 4, uint64(m.SeqNum))
		return appendMessageField(b, collabBroadcast, inner), nil
	default:
		return nil, fmt.Errorf("%w: %T from the hub", ErrUnencodable, m)
	}
}

func appendClientMessage(b []byte, m Message) ([]byte, error) {
	switch m := m.(type) {
	case *InitSync:
		wrapped := appendMessageField(nil, 1, appendInitSync(nil, m))
		return appendMessageField(b, clientInitSync, wrapped), nil
	case *UpdateSync:
		wrapped := appendMessageField(nil, 1, appendUpdateSync(nil, m.Origin, m.ObjectID, m.MsgID, m.Payload))
		return appendMessageField(b, clientUpdateSync, wrapped), nil
	case *ServerInit:
		return appendMessageField(b, clientServerInit, appendServerInit(nil, m)), nil
	case *AwarenessSync:
		return appendMessageField(b, clientAwareness, appendUpdateSync(nil, m.Origin, m.ObjectID, m.MsgID, m.Payload)), nil
	case *StateCheck:
		inner := appendOrigin(nil, m.Origin)
		inner = appendStringField(inner, 2, m.ObjectID)
		inner = appendVarintField(inner, 3, m.MsgID)
		return appendMessageField(b, clientStateCheck, inner), nil
	default:
		return nil, fmt.Errorf("%w: %T from a client", ErrUnencodable, m)
	}
}

func appendInitSync(b []byte, m *InitSync) []byte {
	b = appendOrigin(b, m.Origin)
	b = appendStringField(b, 2, m.ObjectID)
	b = appendVarintField(b, 3, uint64(m.CollabType))
	b = appendStringField(b, 4, m.WorkspaceID)
	b = appendVarintField(b, 5, m.MsgID)
	return appendBytesField(b, 6, m.Payload)
}

func appendUpdateSync(b []byte, o Origin, objectID string, msgID uint64, payload []byte) []byte {
	b = appendOrigin(b, o)
	b = appendStringField(b, 2, objectID)
	b = appendVarintField(b, 3, msgID)
	return appendBytesField(b, 4, payload)
}

func appendServerInit(b []byte, m *ServerInit) []byte {
	return appendUpdateSync(b, m.Origin, m.ObjectID, m.MsgID, m.Payload)
}

func appendAck(b []byte, m *CollabAck) []byte {
	b = appendOrigin(b, m.Origin)
	b = appendStringField(b, 2, m.ObjectID)
	if m.Meta != nil {
		meta := appendStringField(nil, 1, m.Meta.Data)
		meta = appendVarintField(meta, 2, m.Meta.MsgID)
		b = appendMessageField(b, 3, meta)
	}
	b = appendBytesField(b, 4, m.Payload)
	b = appendVarintField(b, 5, uint64(m.Code))
	b = appendVarintField(b, 6, m.MsgID)
	return appendVarintField(b, 7, uint64(m.SeqNum))
}

func appendOrigin(b []byte, o Origin) []byte {
	var inner []byte
	switch o.Kind {
	case OriginEmpty:
		inner = appendMessageField(nil, 1, nil)
	case OriginClient:
		client := appendVarintField(nil, 1, uint64(o.UID))
		client = appendStringField(client, 2, o.DeviceID)
		inner = appendMessageField(nil, 2, client)
	case OriginServer:
		inner = appendMessageField(nil, 3, nil)
	default:
		return b
	}
	return appendMessageField(b, 1, inner)
}

func appendSystem(b []byte, s SystemMessage) ([]byte, error) {
	switch s := s.(type) {
	case RateLimit:
		return appendMessageField(b, 1, appendVarintField(nil, 1, uint64(s.Limit))), nil
	case KickOff:
		return appendMessageField(b, 2, nil), nil
	case DuplicateConnection:
		return appendMessageField(b, 3, nil), nil
	default:
		return nil, fmt.Errorf("%w: system %T", ErrUnencodable, s)
	}
}

func decodeOrigin(b []byte) (o Origin, err error) {
	err = walk(b, func(f field) error {
		switch f.num {
		case 1:
			o = Origin{Kind: OriginEmpty}
		case 2:
			o = Origin{Kind: OriginClient}
			return walk(f.bytes(), func(c field) error {
				switch c.num {
				case 1:
					o.UID = int64(c.uint())
				case 2:
					o.DeviceID = c.string()
				}
				return nil
			})
		case 3:
			o = ServerOrigin
		}
		return nil
	})
	return
}

// decodeCollabMessage returns nil for an unknown variant.
func decodeCollabMessage(b []byte) (m Message, err error) {
	err = walk(b, func(f field) (err error) {
		switch f.num {
		case collabInitSync:
			m, err = decodeInitSync(f.bytes())
		case collabUpdateSync:
			m, err = decodeUpdateSync(f.bytes())
		case collabAck:
			m, err = decodeAck(f.bytes())
		case collabServerInit:
			m, err = decodeServerInit(f.bytes())
		case collabAwareness:
			a := &AwarenessSync{}
			err = walk(f.bytes(), func(g field) (err error) {
				switch g.num {
				case 1:
					a.Origin, err = decodeOrigin(g.bytes())
				case 2:
					a.ObjectID = g.string()
				case 3:
					a.Payload = g.bytesCopy()
				}
				return
			})
			m = a
		case collabBroadcast:
			bc := &BroadcastSync{}
			err = walk(f.bytes(), func(g field) (err error) {
				switch g.num {
				case 1:
					bc.Origin, err = decodeOrigin(g.bytes())
				case 2:
					bc.ObjectID = g.string()
				case 3:
					bc.Payload = g.bytesCopy()
				case 4:
					bc.SeqNum = uint32(g.uint())
				}
				return
			})
			m = bc
		}
		return
	})
	return
}

// decodeClientMessage returns nil for an unknown variant.
func decodeClientMessage(b []byte) (m Message, err error) {
	// ClientInitSync and ClientUpdateSync wrap their message in field 1
	unwrap := func(b []byte) (inner []byte) {
		_ = walk(b, func(f field) error {
			if f.num == 1 {
				inner = f.bytes()
			}
			return nil
		})
		return
	}
	err = walk(b, func(f field) (err error) {
		switch f.num {
		case clientInitSync:
			m, err = decodeInitSync(unwrap(f.bytes()))
		case clientUpdateSync:
			m, err = decodeUpdateSync(unwrap(f.bytes()))
		case clientServerInit:
			m, err = decodeServerInit(f.bytes())
		case clientAwareness:
			var u *UpdateSync
			if u, err = decodeUpdateSync(f.bytes()); err == nil {
				m = &AwarenessSync{Origin: u.Origin, ObjectID: u.ObjectID, MsgID: u.MsgID, Payload: u.Payload}
			}
		case clientStateCheck:
			s := &StateCheck{}
			err = walk(f.bytes(), func(g field) (err error) {
				switch g.num {
				case 1:
					s.Origin, err = decodeOrigin(g.bytes())
				case 2:
					s.ObjectID = g.string()
				case 3:
					s.MsgID = g.uint()
				}
				return
			})
			m = s
		}
		return
	})
	return
}

func decodeInitSync(b []byte) (*InitSync, error) {
	m := &InitSync{}
	err := walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Origin, err = decodeOrigin(f.bytes())
		case 2:
			m.ObjectID = f.string()
		case 3:
			m.CollabType = collab.CollabType(f.uint())
		case 4:
			m.WorkspaceID = f.string()
		case 5:
			m.MsgID = f.uint()
		case 6:
			m.Payload = f.bytesCopy()
		}
		return
	})
	return m, err
}

func decodeUpdateSync(b []byte) (*UpdateSync, error) {
	m := &UpdateSync{}
	err := walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Origin, err = decodeOrigin(f.bytes())
		case 2:
			m.ObjectID = f.string()
		case 3:
			m.MsgID = f.uint()
		case 4:
			m.Payload = f.bytesCopy()
		}
		return
	})
	return m, err
}

func decodeServerInit(b []byte) (*ServerInit, error) {
	u, err := decodeUpdateSync(b)
	if err != nil {
		return nil, err
	}
	return &ServerInit{Origin: u.Origin, ObjectID: u.ObjectID, MsgID: u.MsgID, Payload: u.Payload}, nil
}

func decodeAck(b []byte) (*CollabAck, error) {
	m := &CollabAck{}
	err := walk(b, func(f field) (err error) {
		switch f.num {
		case 1:
			m.Origin, err = decodeOrigin(f.bytes())
		case 2:
			m.ObjectID = f.string()
		case 3:
			meta := &AckMeta{}
			err = walk(f.bytes(), func(g field) error {
				switch g.num {
				case 1:
					meta.Data = g.string()
				case 2:
					meta.MsgID = g.uint()
				}
				return nil
			})
			m.Meta = meta
		case 4:
			m.Payload = f.bytesCopy()
		case 5:
			m.Code = AckCode(f.uint())
		case 6:
			m.MsgID = f.uint()
		case 7:
			m.SeqNum = uint32(f.uint())
		}
		return
	})
	return m, err
}

// decodeSystem returns nil for an unknown variant.
func decodeSystem(b []byte) (s SystemMessage, err error) {
	err = walk(b, func(f field) error {
		switch f.num {
		case 1:
			rl := RateLimit{}
			err := walk(f.bytes(), func(g field) error {
				if g.num == 1 {
					rl.Limit = uint32(g.uint())
				}
				return nil
			})
			s = rl
			return err
		case 2:
			s = KickOff{}
		case 3:
			s = DuplicateConnection{}
		}
		return nil
	})
	return
}

// field is one decoded protobuf field. Accessors of the wrong wire type
// read as the zero value.
type field struct {
	num protowire.Number
	typ protowire.Type
	v   uint64
	p   []byte
}

func (f field) uint() uint64 {
	if f.typ != protowire.VarintType {
		return 0
	}
	return f.v
}

func (f field) bytes() []byte {
	if f.typ != protowire.BytesType {
		return nil
	}
	return f.p
}

func (f field) bytesCopy() []byte {
	if b := f.bytes(); len(b) > 0 {
		return append([]byte(nil), b...)
	}
	return nil
}

func (f field) string() string {
	return string(f.bytes())
}

func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Join(ErrBadMessage, protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.p, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errors.Join(ErrBadMessage, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytesField(b []byte, num protowire.Number, p []byte) []byte {
	if len(p) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, p)
}

// appendMessageField writes a sub-message even when it is empty: its
// presence selects a oneof variant.
func appendMessageField(b []byte, num protowire.Number, inner []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}
