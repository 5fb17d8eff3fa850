package validate

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myuser/chronokv/internal/kverrors"
)

func TestKey(t *testing.T) {
	tests := []struct {
		key   string
		valid bool
	}{
		{"a.b-c_9", true},
		{"mykey", true},
		{"A", true},
		{strings.Repeat("k", 255), true},
		{"", false},
		{strings.Repeat("k", 256), false},
		{"invalid key!", false},
		{"slash/key", false},
		{"ümlaut", false},
		{"tab\tkey", false},
	}

	for _, tt := range tests {
		err := Key(tt.key)
		if tt.valid {
			assert.NoError(t, err, "key %q", tt.key)
			continue
		}
		require.Error(t, err, "key %q", tt.key)
		assert.Equal(t, kverrors.KindInvalidKey, kverrors.KindOf(err), "key %q", tt.key)
	}
}

func TestWriteBody(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantKey   string
		wantValue string
		wantErr   bool
	}{
		{name: "string value", body: `{"mykey":"value1"}`, wantKey: "mykey", wantValue: `"value1"`},
		{name: "object value compacted", body: `{ "k" : { "a" : [1, 2] } }`, wantKey: "k", wantValue: `{"a":[1,2]}`},
		{name: "null value", body: `{"k":null}`, wantKey: "k", wantValue: `null`},
		{name: "number value", body: "\n{\"k\": 42}\n", wantKey: "k", wantValue: `42`},
		{name: "empty object", body: `{}`, wantErr: true},
		{name: "two properties", body: `{"a":1,"b":2}`, wantErr: true},
		{name: "array", body: `[{"a":1}]`, wantErr: true},
		{name: "scalar", body: `"hello"`, wantErr: true},
		{name: "empty", body: ``, wantErr: true},
		{name: "malformed", body: `{"a":`, wantErr: true},
		{name: "trailing garbage", body: `{"a":1} x`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, value, err := WriteBody([]byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, kverrors.KindInvalidBody, kverrors.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, key)
			assert.Equal(t, tt.wantValue, string(value))
		})
	}
}

func TestTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limit := now.Add(MaxFutureSkew).Unix()

	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{raw: "0", want: 0},
		{raw: "1440568980", want: 1440568980},
		{raw: strconv.FormatInt(limit, 10), want: limit},
		{raw: strconv.FormatInt(limit+1, 10), wantErr: true},
		{raw: "", wantErr: true},
		{raw: "-1", wantErr: true},
		{raw: "+5", wantErr: true},
		{raw: "12a", wantErr: true},
		{raw: "1.5", wantErr: true},
		{raw: "99999999999999999999999", wantErr: true},
	}

	for _, tt := range tests {
		got, err := Timestamp(tt.raw, now)
		if tt.wantErr {
			require.Error(t, err, "raw %q", tt.raw)
			assert.Equal(t, kverrors.KindInvalidTimestamp, kverrors.KindOf(err), "raw %q", tt.raw)
			continue
		}
		require.NoError(t, err, "raw %q", tt.raw)
		assert.Equal(t, tt.want, got)
	}
}
