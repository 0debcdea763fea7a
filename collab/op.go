package collab

import (
	"errors"
	"fmt"

	"github.com/drpcorg/collabdb/tlv"
)

// Register kinds.
const (
	KindValue   = 'V' // JSON scalar or bag
	KindArray   = 'A' // JSON array, replaced as a whole
	KindMap     = 'M' // nested map, the value is the child map id
	KindDeleted = 'X'
)

var ErrBadUpdate = errors.New("collab: malformed update")

// op is one register write. Ops of one src are numbered 1, 2, 3...
// and are integrated strictly in that order.
type op struct {
	src    uint64
	seq    uint64
	clock  uint64
	kind   byte
	parent string
	key    string
	value  []byte
}

// wins reports whether o overrides a register last written by x.
func (o *op) wins(x *op) bool {
	if o.clock != x.clock {
		return o.clock > x.clock
	}
	return o.src > x.src
}

// O record: src, seq, clock (8 bytes each), kind, then P, K, V records.
func (o *op) appendTo(into []byte) []byte {
	bm, into := tlv.OpenHeader(into, 'O')
	into = tlv.AppendUint64(into, o.src)
	into = tlv.AppendUint64(into, o.seq)
	into = tlv.AppendUint64(into, o.clock)
	into = append(into, o.kind)
	into = tlv.Append(into, 'P', []byte(o.parent))
	into = tlv.Append(into, 'K', []byte(o.key))
	into = tlv.Append(into, 'V', o.value)
	tlv.CloseHeader(into, bm)
	return into
}

func encodeOps(ops []*op) (update []byte) {
	for _, o := range ops {
		update = o.appendTo(update)
	}
	return
}

func decodeOps(update []byte) (ops []*op, err error) {
	rest := update
	for len(rest) > 0 {
		var body []byte
		body, rest, err = tlv.TakeWary('O', rest)
		if err != nil {
			return nil, errors.Join(ErrBadUpdate, err)
		}
		if len(body) < 25 {
			return nil, ErrBadUpdate
		}
		o := &op{kind: body[24]}
		o.src, _ = tlv.Uint64(body[0:8])
		o.seq, _ = tlv.Uint64(body[8:16])
		o.clock, _ = tlv.Uint64(body[16:24])
		switch o.kind {
		case KindValue, KindArray, KindMap, KindDeleted:
		default:
			return nil, fmt.Errorf("%w: register kind %q", ErrBadUpdate, o.kind)
		}
		if o.seq == 0 {
			return nil, fmt.Errorf("%w: zero seq", ErrBadUpdate)
		}
		fields := body[25:]
		var parent, key, value []byte
		if parent, fields, err = tlv.TakeWary('P', fields); err == nil {
			if key, fields, err = tlv.TakeWary('K', fields); err == nil {
				value, fields, err = tlv.TakeWary('V', fields)
			}
		}
		if err != nil || len(fields) != 0 {
			return nil, ErrBadUpdate
		}
		o.parent, o.key = string(parent), string(key)
		o.value = append([]byte(nil), value...)
		ops = append(ops, o)
	}
	return ops, nil
}

// MergeUpdates concatenates updates into one; ops keep their order.
func MergeUpdates(updates ...[]byte) []byte {
	return tlv.Concat(updates...)
}
