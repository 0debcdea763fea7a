package kvlog

import (
	"encoding/binary"
	"fmt"
)

// Object keys are a one-letter key space, a fixed-width big-endian
// object number and, for log entries, a fixed-width big-endian clock:
//
//	space(1) | object(8) [| clock(8)]
//
// All entries of one object share a 9 byte prefix, so a prefix scan
// never strays into another object and byte order equals clock order.
const (
	PrefixLen = 1 + 8
	KeyLen    = PrefixLen + 8
)

func ObjectPrefix(space byte, object uint64) []byte {
	var ret = [KeyLen]byte{space}
	return binary.BigEndian.AppendUint64(ret[:1], object)
}

func ObjectKey(space byte, object, clock uint64) []byte {
	var ret = [KeyLen]byte{space}
	key := binary.BigEndian.AppendUint64(ret[:1], object)
	return binary.BigEndian.AppendUint64(key, clock)
}

// ParseObjectKey is the inverse of ObjectKey.
func ParseObjectKey(key []byte) (space byte, object, clock uint64, err error) {
	if len(key) != KeyLen {
		return 0, 0, 0, fmt.Errorf("kvlog: key length %d, want %d", len(key), KeyLen)
	}
	return key[0], binary.BigEndian.Uint64(key[1:PrefixLen]), binary.BigEndian.Uint64(key[PrefixLen:]), nil
}

// ObjectRange bounds all entries of an object: [fro, til).
func ObjectRange(space byte, object uint64) (fro, til []byte) {
	fro = ObjectPrefix(space, object)
	return fro, PrefixSuccessor(fro)
}

// PrefixSuccessor returns the smallest key greater than every key
// starting with prefix, or nil if there is none.
func PrefixSuccessor(prefix []byte) []byte {
	succ := append([]byte(nil), prefix...)
	for i := len(succ) - 1; i >= 0; i-- {
		if succ[i] != 0xff {
			succ[i]++
			return succ[:i+1]
		}
	}
	return nil
}
