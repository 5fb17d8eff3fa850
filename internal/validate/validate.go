// Package validate enforces the syntactic rules on keys, write bodies and
// timestamp parameters before anything reaches storage. All functions are pure.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/myuser/chronokv/internal/kverrors"
)

const (
	// MaxKeyLen is the longest accepted key, in bytes.
	MaxKeyLen = 255

	// MaxFutureSkew bounds how far past now a query timestamp may reach.
	MaxFutureSkew = 24 * time.Hour
)

// Key checks length and charset [A-Za-z0-9_.-].
func Key(key string) error {
	if len(key) == 0 {
		return kverrors.Invalid(kverrors.KindInvalidKey, "key must not be empty")
	}
	if len(key) > MaxKeyLen {
		return kverrors.Invalid(kverrors.KindInvalidKey,
			fmt.Sprintf("key length %d exceeds %d", len(key), MaxKeyLen))
	}
	for i := 0; i < len(key); i++ {
		if !keyChar(key[i]) {
			return kverrors.Invalid(kverrors.KindInvalidKey,
				fmt.Sprintf("key contains invalid character %q at %d", key[i], i))
		}
	}
	return nil
}

func keyChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_', c == '.', c == '-':
		return true
	}
	return false
}

// WriteBody parses a write request body. It must be a JSON object with exactly
// one property; the property name is returned as the key and its value in
// compacted form. The key itself is not validated here.
func WriteBody(body []byte) (string, json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", nil, kverrors.Invalid(kverrors.KindInvalidBody, "body must be a JSON object")
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return "", nil, kverrors.Invalid(kverrors.KindInvalidBody, "body is not valid JSON")
	}
	switch len(obj) {
	case 0:
		return "", nil, kverrors.Invalid(kverrors.KindInvalidBody, "body must contain one key-value pair")
	case 1:
	default:
		return "", nil, kverrors.Invalid(kverrors.KindInvalidBody,
			fmt.Sprintf("body must contain exactly one key-value pair, got %d", len(obj)))
	}

	var key string
	var raw json.RawMessage
	for k, v := range obj {
		key, raw = k, v
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", nil, kverrors.Invalid(kverrors.KindInvalidBody, "value is not valid JSON")
	}
	return key, json.RawMessage(buf.Bytes()), nil
}

// Timestamp parses a point-in-time query parameter. raw must be a non-negative
// decimal integer no greater than now + MaxFutureSkew.
func Timestamp(raw string, now time.Time) (int64, error) {
	if raw == "" {
		return 0, kverrors.Invalid(kverrors.KindInvalidTimestamp, "timestamp must not be empty")
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < '0' || raw[i] > '9' {
			return 0, kverrors.Invalid(kverrors.KindInvalidTimestamp,
				fmt.Sprintf("timestamp %q is not a non-negative integer", raw))
		}
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, kverrors.Invalid(kverrors.KindInvalidTimestamp,
			fmt.Sprintf("timestamp %q out of range", raw))
	}
	if limit := now.Add(MaxFutureSkew).Unix(); ts > limit {
		return 0, kverrors.Invalid(kverrors.KindInvalidTimestamp,
			fmt.Sprintf("timestamp %d is more than a day in the future", ts))
	}
	return ts, nil
}
