package collab

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/drpcorg/collabdb/tlv"
)

// StateVector holds the highest contiguous op seq seen from each client.
type StateVector map[uint64]uint64

var ErrBadStateVector = errors.New("collab: bad state vector record")

func (sv StateVector) Get(src uint64) uint64 {
	return sv[src]
}

// Put the src-seq pair, returns whether it made any difference
func (sv StateVector) Put(src, seq uint64) bool {
	if pre, ok := sv[src]; ok && pre >= seq {
		return false
	}
	sv[src] = seq
	return true
}

// Seen reports whether every op covered by b is covered by sv.
func (sv StateVector) Seen(b StateVector) bool {
	for src, seq := range b {
		if seq > sv[src] {
			return false
		}
	}
	return true
}

// Ahead lists the sources where sv knows more than b.
func (sv StateVector) Ahead(b StateVector) []uint64 {
	var srcs []uint64
	for src, seq := range sv {
		if seq > b[src] {
			srcs = append(srcs, src)
		}
	}
	slices.Sort(srcs)
	return srcs
}

func (sv StateVector) Clone() StateVector {
	c := make(StateVector, len(sv))
	for src, seq := range sv {
		c[src] = seq
	}
	return c
}

func (sv StateVector) sources() []uint64 {
	srcs := make([]uint64, 0, len(sv))
	for src := range sv {
		srcs = append(srcs, src)
	}
	slices.Sort(srcs)
	return srcs
}

// Encode makes a run of V records, nil for an empty vector.
func (sv StateVector) Encode() (ret []byte) {
	for _, src := range sv.sources() {
		body := tlv.AppendUint64(nil, src)
		body = tlv.AppendUint64(body, sv[src])
		ret = tlv.Append(ret, 'V', body)
	}
	return
}

func DecodeStateVector(data []byte) (StateVector, error) {
	sv := make(StateVector)
	rest := data
	for len(rest) > 0 {
		var body []byte
		var err error
		body, rest, err = tlv.TakeWary('V', rest)
		if err != nil {
			return nil, errors.Join(ErrBadStateVector, err)
		}
		if len(body) != 16 {
			return nil, ErrBadStateVector
		}
		src, _ := tlv.Uint64(body[:8])
		seq, _ := tlv.Uint64(body[8:])
		sv.Put(src, seq)
	}
	return sv, nil
}

func (sv StateVector) String() string {
	var b strings.Builder
	for i, src := range sv.sources() {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%x-%x", src, sv[src])
	}
	return b.String()
}
