package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
)

func TestVersionKey(t *testing.T) {
	name := versionKey("a.b-c_9", 1440568980)
	assert.Equal(t, "YS5iLWNfOQ.00000000001440568980", name)

	enc, ts, ok := parseVersionKey(name)
	assert.True(t, ok)
	assert.Equal(t, encodeSubjectKey("a.b-c_9"), enc)
	assert.Equal(t, int64(1440568980), ts)

	_, _, ok = parseVersionKey("no-separator")
	assert.False(t, ok)
	_, _, ok = parseVersionKey("abc.notanumber")
	assert.False(t, ok)
}

func TestEncodeSubjectKey_ValidTokens(t *testing.T) {
	for _, key := range []string{".", "..", "a..b", "-", "_x_", "A.B.C"} {
		enc := encodeSubjectKey(key)
		assert.NotEmpty(t, enc)
		assert.NotContains(t, enc, ".", key)
		assert.NotContains(t, enc, "=", key)
	}
}

func TestIndexKey(t *testing.T) {
	assert.Equal(t, "YS5iLWNfOQ.index", indexKey("a.b-c_9"))
	_, _, ok := parseVersionKey(indexKey("k"))
	assert.False(t, ok, "index entries are not versions")
}

func TestInsertTimestamp(t *testing.T) {
	var list []int64
	var changed bool
	for _, ts := range []int64{30, 10, 20, 10, 40, 30} {
		list, _ = insertTimestamp(list, ts)
	}
	assert.Equal(t, []int64{10, 20, 30, 40}, list)

	list, changed = insertTimestamp(list, 20)
	assert.False(t, changed)
	list, changed = insertTimestamp(list, 5)
	assert.True(t, changed)
	assert.Equal(t, []int64{5, 10, 20, 30, 40}, list)
}

func TestFloorTimestamp(t *testing.T) {
	list := []int64{100, 200, 300}
	tests := []struct {
		ts   int64
		want int
	}{
		{99, -1},
		{100, 0},
		{150, 0},
		{200, 1},
		{299, 1},
		{300, 2},
		{maxTimestamp, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, floorTimestamp(list, tt.ts), "ts=%d", tt.ts)
	}
	assert.Equal(t, -1, floorTimestamp(nil, 100))
}

func TestIsConflict(t *testing.T) {
	wrongSeq := &jetstream.APIError{Code: 400, ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence, Description: "wrong last sequence: 7"}
	assert.True(t, isConflict(fmt.Errorf("nats: %w", wrongSeq)))
	assert.True(t, isConflict(jetstream.ErrKeyExists))
	assert.False(t, isConflict(jetstream.ErrKeyNotFound))
	assert.False(t, isConflict(errors.New("timeout")))
}
