package participant

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/tinytxn/kv/hlc"
	"github.com/pingcap/errors"
)

// Intent is a provisional write parked in the intent CF at its user key. It
// carries enough of the owner's metadata for any later reader or writer to
// resolve the owner's status and to run conflict resolution without a
// round-trip to the owner itself.
type Intent struct {
	TxnID           uuid.UUID
	Priority        uint64
	StatusPartition uint64
	WriteTime       hlc.Timestamp
	Tombstone       bool
	Value           []byte
}

// 16 id + 8 priority + 8 status partition + 12 write time + 1 tombstone.
const intentTailLen = 45

// ToBytes serializes the intent as value bytes followed by a fixed tail, so
// the variable-length value needs no length prefix.
func (in *Intent) ToBytes() []byte {
	buf := append([]byte{}, in.Value...)
	tail := make([]byte, intentTailLen)
	copy(tail, in.TxnID[:])
	binary.BigEndian.PutUint64(tail[16:], in.Priority)
	binary.BigEndian.PutUint64(tail[24:], in.StatusPartition)
	binary.BigEndian.PutUint64(tail[32:], uint64(in.WriteTime.WallTime))
	binary.BigEndian.PutUint32(tail[40:], uint32(in.WriteTime.Logical))
	if in.Tombstone {
		tail[44] = 1
	}
	return append(buf, tail...)
}

// ParseIntent attempts to parse a byte string into an Intent object.
func ParseIntent(input []byte) (*Intent, error) {
	if len(input) < intentTailLen {
		return nil, errors.Errorf("error parsing intent, not enough input, found %d bytes", len(input))
	}
	valueLen := len(input) - intentTailLen
	tail := input[valueLen:]

	in := &Intent{
		Priority:        binary.BigEndian.Uint64(tail[16:]),
		StatusPartition: binary.BigEndian.Uint64(tail[24:]),
		WriteTime: hlc.Timestamp{
			WallTime: int64(binary.BigEndian.Uint64(tail[32:])),
			Logical:  int32(binary.BigEndian.Uint32(tail[40:])),
		},
		Tombstone: tail[44] == 1,
	}
	copy(in.TxnID[:], tail[:16])
	if valueLen > 0 {
		in.Value = append([]byte{}, input[:valueLen]...)
	}
	return in, nil
}

// Committed versions in the default CF are a tombstone marker byte followed
// by the value.

func versionBytes(tombstone bool, value []byte) []byte {
	buf := make([]byte, 1, 1+len(value))
	if tombstone {
		buf[0] = 1
	}
	return append(buf, value...)
}

func parseVersion(input []byte) (tombstone bool, value []byte, err error) {
	if len(input) < 1 {
		return false, nil, errors.New("error parsing version, empty input")
	}
	return input[0] == 1, input[1:], nil
}
