package collab

import (
	"errors"

	"google.golang.org/protobuf/encoding/protowire"
)

const EncoderV1 = 1

// EncodedCollab is the full state of a document as stored on disk and
// shipped in snapshots.
type EncodedCollab struct {
	StateVector    []byte
	DocState       []byte
	EncoderVersion int32
}

var ErrBadEncodedCollab = errors.New("collab: bad encoded collab")

// Field numbers: state_vector=1, doc_state=2, encoder_version=3.
func (e EncodedCollab) Marshal() []byte {
	var b []byte
	if len(e.StateVector) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, e.StateVector)
	}
	if len(e.DocState) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, e.DocState)
	}
	if e.EncoderVersion != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.EncoderVersion))
	}
	return b
}

func UnmarshalEncodedCollab(b []byte) (e EncodedCollab, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, errors.Join(ErrBadEncodedCollab, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			e.StateVector = append([]byte(nil), v...)
		case num == 2 && typ == protowire.BytesType:
			var v []byte
			v, n = protowire.ConsumeBytes(b)
			e.DocState = append([]byte(nil), v...)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			e.EncoderVersion = int32(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return e, errors.Join(ErrBadEncodedCollab, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return e, nil
}

// ApplyEncodedCollab merges a full state into doc.
func (d *Doc) ApplyEncodedCollab(e EncodedCollab) error {
	if len(e.DocState) == 0 {
		return nil
	}
	return d.ApplyUpdate(e.DocState)
}
