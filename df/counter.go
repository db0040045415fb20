package df

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

func Int64ToByte(val int64) []byte {
	buf := make([]byte, CounterSize)
	binary.LittleEndian.PutUint64(buf, uint64(val))
	return buf
}

func ByteToInt64(d []byte) int64 {
	return int64(binary.LittleEndian.Uint64(d))
}

// DecodeCounter decodes a stored counter. A missing value reads as 0; any
// value that is not exactly CounterSize bytes is a type mismatch.
func DecodeCounter(d []byte, found bool) (int64, error) {
	if !found {
		return 0, nil
	}
	if len(d) != CounterSize {
		return 0, errors.Wrapf(ErrTypeMismatch, "got %d bytes", len(d))
	}
	return ByteToInt64(d), nil
}
