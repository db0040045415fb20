package df

import "encoding/binary"

// Prefix|Key
func DataKey(key []byte) []byte {
	return compID(DataPrefix, key)
}

// Prefix|Name
func QueueMetaKey(name []byte) []byte {
	return compID(QueueMetaPrefix, name)
}

// Prefix|len(Name)|Name|Seq
// Names are opaque and may contain any byte, so the name is length
// prefixed instead of 0 delimited. Seq is big endian, which keeps the
// entries of one queue sorted by position.
func QueueMsgKey(name []byte, seq int64) []byte {
	b := make([]byte, 0, 1+4+len(name)+8)
	b = append(b, QueueMsgPrefix)
	b = binary.BigEndian.AppendUint32(b, uint32(len(name)))
	b = append(b, name...)
	b = binary.BigEndian.AppendUint64(b, uint64(seq))
	return b
}

func compID(prefix byte, id []byte) []byte {
	b := make([]byte, 0, len(id)+1)
	b = append(b, prefix)
	b = append(b, id...)
	return b
}
