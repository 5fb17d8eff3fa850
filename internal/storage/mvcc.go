package storage

import (
	"bytes"
	"encoding/binary"
	"math"
)

// keySep terminates the user key inside an encoded key. Valid keys never
// contain 0x00, so every version of a key sorts contiguously and before any
// longer key sharing its prefix.
const keySep = 0x00

// EncodeKey appends a separator and the inverted timestamp to the key.
// Format: Key + 0x00 + (MaxUint64 - ts)
// Newer versions of the same key sort first.
func EncodeKey(key []byte, ts uint64) []byte {
	buf := make([]byte, len(key)+9)
	copy(buf, key)
	buf[len(key)] = keySep

	invTs := math.MaxUint64 - ts
	binary.BigEndian.PutUint64(buf[len(key)+1:], invTs)

	return buf
}

// DecodeKey splits an encoded key into the user key and timestamp.
func DecodeKey(joined []byte) ([]byte, uint64) {
	if len(joined) < 9 {
		return joined, 0
	}

	keyLen := len(joined) - 9
	key := joined[:keyLen]
	invTs := binary.BigEndian.Uint64(joined[keyLen+1:])
	ts := math.MaxUint64 - invTs

	return key, ts
}

// sameKey reports whether an encoded key belongs to key.
func sameKey(encoded, key []byte) bool {
	k, _ := DecodeKey(encoded)
	return bytes.Equal(k, key)
}
