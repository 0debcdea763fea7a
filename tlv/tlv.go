/*
Package tlv implements the compact type-length-value framing used for
document updates and state vectors.

A record is a letter 'A'..'Z' followed by its body length and the body:

  - tiny, body 0..9 bytes: one byte '0'+len (only for lowercase lits, the type is lost)
  - short, body up to 255 bytes: lowercase lit, 1 byte length
  - long, body up to 2GB: uppercase lit, 4 byte little-endian length

Take/TakeAny trust their input; TakeWary/TakeAnyWary return explicit errors
and are meant for data that came over the wire or from disk.
*/
package tlv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const CaseBit uint8 = 'a' - 'A'

var (
	ErrIncomplete = errors.New("tlv: incomplete data")
	ErrBadRecord  = errors.New("tlv: bad record format")
)

// Records is a batch of serialized records.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}

// ProbeHeader returns the record lit ('0' for tiny, '-' for garbage,
// 0 for an incomplete header), the header length and the body length.
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	dlit := data[0]
	switch {
	case dlit >= '0' && dlit <= '9':
		return '0', 1, int(dlit - '0')
	case dlit >= 'a' && dlit <= 'z':
		if len(data) < 2 {
			return 0, 0, 0
		}
		return dlit - CaseBit, 2, int(data[1])
	case dlit >= 'A' && dlit <= 'Z':
		if len(data) < 5 {
			return 0, 0, 0
		}
		bl := binary.LittleEndian.Uint32(data[1:5])
		if bl > 0x7fffffff {
			return '-', 0, 0
		}
		return dlit, 5, int(bl)
	default:
		return '-', 0, 0
	}
}

// Split consumes all complete records from the buffer.
func Split(data *bytes.Buffer) (recs Records, err error) {
	for data.Len() > 0 {
		lit, hlen, blen := ProbeHeader(data.Bytes())
		if lit == '-' {
			if len(recs) == 0 {
				err = ErrBadRecord
			}
			return
		}
		if lit == 0 {
			return
		}
		if hlen+blen > data.Len() {
			err = errors.Join(ErrIncomplete, fmt.Errorf("record size %d, have %d", hlen+blen, data.Len()))
			return
		}
		record := make([]byte, hlen+blen)
		_, _ = data.Read(record)
		recs = append(recs, record)
	}
	return
}

// AppendHeader appends a record header picking the shortest format.
// A lowercase lit enables the tiny format.
func AppendHeader(into []byte, lit byte, bodylen int) []byte {
	biglit := lit &^ CaseBit
	if biglit < 'A' || biglit > 'Z' {
		panic("TLV record type is A..Z")
	}
	switch {
	case bodylen < 10 && (lit&CaseBit) != 0:
		return append(into, byte('0'+bodylen))
	case bodylen > 0xff:
		if bodylen > 0x7fffffff {
			panic("oversized TLV record")
		}
		into = append(into, biglit)
		return binary.LittleEndian.AppendUint32(into, uint32(bodylen))
	default:
		return append(into, biglit|CaseBit, byte(bodylen))
	}
}

func totalLen(inputs [][]byte) (sum int) {
	for _, input := range inputs {
		sum += len(input)
	}
	return
}

// Append appends a complete record to the buffer.
func Append(into []byte, lit byte, body ...[]byte) []byte {
	into = AppendHeader(into, lit, totalLen(body))
	for _, b := range body {
		into = append(into, b...)
	}
	return into
}

// Record makes a standalone record; the type is always preserved.
func Record(lit byte, body ...[]byte) []byte {
	return Append(make([]byte, 0, totalLen(body)+5), lit&^CaseBit, body...)
}

// TinyRecord makes a record that may use the tiny format; use it only
// where the reader knows which lit to expect.
func TinyRecord(lit byte, body []byte) []byte {
	return Append(make([]byte, 0, len(body)+2), lit|CaseBit, body)
}

func Concat(msg ...[]byte) []byte {
	ret := make([]byte, 0, totalLen(msg))
	for _, b := range msg {
		ret = append(ret, b...)
	}
	return ret
}

// Take extracts a record of the given type. Returns nil, data when
// the record is incomplete and nil, nil when the type differs.
func Take(lit byte, data []byte) (body, rest []byte) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data
	}
	if flit != lit && flit != '0' {
		return nil, nil
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:]
}

func TakeAny(data []byte) (lit byte, body, rest []byte) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	lit = data[0] &^ CaseBit
	body, rest = Take(lit, data)
	return
}

func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data, ErrIncomplete
	}
	if flit != lit && flit != '0' {
		return nil, nil, ErrBadRecord
	}
	return data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

func TakeAnyWary(data []byte) (lit byte, body, rest []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil, ErrIncomplete
	}
	flit, hdrlen, bodylen := ProbeHeader(data)
	switch {
	case flit == '-':
		return 0, nil, nil, ErrBadRecord
	case flit == 0 || hdrlen+bodylen > len(data):
		return 0, nil, data, ErrIncomplete
	}
	return flit, data[hdrlen : hdrlen+bodylen], data[hdrlen+bodylen:], nil
}

// Lit returns the canonical record type of a serialized record.
func Lit(rec []byte) byte {
	b := rec[0]
	switch {
	case b >= 'a' && b <= 'z':
		return b - CaseBit
	case b >= 'A' && b <= 'Z':
		return b
	case b >= '0' && b <= '9':
		return '0'
	default:
		return '-'
	}
}

// OpenHeader starts a streamed record with a placeholder length.
// Always uses the long format; finish with CloseHeader.
func OpenHeader(buf []byte, lit byte) (bookmark int, res []byte) {
	lit &= ^CaseBit
	if lit < 'A' || lit > 'Z' {
		panic("TLV lits are uppercase A-Z")
	}
	res = append(buf, lit, 0, 0, 0, 0)
	return len(res), res
}

func CloseHeader(buf []byte, bookmark int) {
	if bookmark < 5 || len(buf) < bookmark {
		panic("CloseHeader: bad bookmark")
	}
	binary.LittleEndian.PutUint32(buf[bookmark-4:bookmark], uint32(len(buf)-bookmark))
}

// AppendUint64 and Uint64 encode fixed-width big-endian integers,
// the form used for ids and clocks inside records.
func AppendUint64(into []byte, n uint64) []byte {
	return binary.BigEndian.AppendUint64(into, n)
}

func Uint64(body []byte) (uint64, error) {
	if len(body) != 8 {
		return 0, ErrBadRecord
	}
	return binary.BigEndian.Uint64(body), nil
}
