package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamConfig configures the networked backend.
type JetStreamConfig struct {
	URL            string
	Bucket         string
	Replicas       int
	ConnectTimeout time.Duration
}

// JetStreamStore implements Backend on a NATS JetStream KV bucket.
//
// Each version is its own KV entry named <base64url(key)>.<timestamp>. The
// bucket keeps one revision per entry, so a second write in the same tick
// overwrites the first on the server. A per-key index entry,
// <base64url(key)>.index, holds the sorted timestamps of every version and is
// updated with compare-and-set, so a point-in-time read costs two gets.
type JetStreamStore struct {
	nc    *nats.Conn
	kv    jetstream.KeyValue
	clock Clock

	closeOnce sync.Once
}

// NewJetStreamStore connects to NATS and creates or binds the bucket.
func NewJetStreamStore(ctx context.Context, cfg JetStreamConfig, clock Clock) (*JetStreamStore, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = "kv_store"
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("chronokv"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(false),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %q: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.Bucket,
		Description: "versioned key-value records",
		History:     1,
		Replicas:    cfg.Replicas,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create bucket %q: %w", cfg.Bucket, err)
	}

	return &JetStreamStore{nc: nc, kv: kv, clock: clock}, nil
}

// Name implements Backend.
func (s *JetStreamStore) Name() string { return "jetstream" }

// maxIndexAttempts bounds the compare-and-set retries on a contended index.
const maxIndexAttempts = 16

const indexSuffix = "index"

func encodeSubjectKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func versionKey(key string, ts int64) string {
	return fmt.Sprintf("%s.%020d", encodeSubjectKey(key), ts)
}

func indexKey(key string) string {
	return encodeSubjectKey(key) + "." + indexSuffix
}

func parseVersionKey(entry string) (string, int64, bool) {
	i := strings.LastIndexByte(entry, '.')
	if i < 0 {
		return "", 0, false
	}
	ts, err := strconv.ParseInt(entry[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return entry[:i], ts, true
}

// insertTimestamp adds ts to the sorted list, keeping it free of duplicates.
// It reports whether the list changed.
func insertTimestamp(list []int64, ts int64) ([]int64, bool) {
	i, found := slices.BinarySearch(list, ts)
	if found {
		return list, false
	}
	return slices.Insert(list, i, ts), true
}

// floorTimestamp returns the position of the largest entry not after ts, or
// -1 if every entry is newer.
func floorTimestamp(list []int64, ts int64) int {
	i, found := slices.BinarySearch(list, ts)
	if found {
		return i
	}
	return i - 1
}

func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// Put implements Backend. The version entry is written before the index, so
// an indexed timestamp always has data behind it.
func (s *JetStreamStore) Put(ctx context.Context, key string, value json.RawMessage) (Record, error) {
	if s.nc.IsClosed() {
		return Record{}, ErrClosed
	}

	now := s.clock.Now()
	rec := Record{
		Key:       key,
		Value:     cloneRaw(value),
		Timestamp: now.Unix(),
		CreatedAt: now.UTC(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("encode %q: %w", key, err)
	}

	if _, err := s.kv.Put(ctx, versionKey(key, rec.Timestamp), payload); err != nil {
		return Record{}, fmt.Errorf("kv put %q: %w", key, err)
	}
	if err := s.addToIndex(ctx, key, rec.Timestamp); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *JetStreamStore) loadIndex(ctx context.Context, key string) ([]int64, uint64, error) {
	entry, err := s.kv.Get(ctx, indexKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("kv get index %q: %w", key, err)
	}
	var list []int64
	if err := json.Unmarshal(entry.Value(), &list); err != nil {
		return nil, 0, fmt.Errorf("decode index %q: %w", key, err)
	}
	return list, entry.Revision(), nil
}

func (s *JetStreamStore) addToIndex(ctx context.Context, key string, ts int64) error {
	for attempt := 0; attempt < maxIndexAttempts; attempt++ {
		list, rev, err := s.loadIndex(ctx, key)
		if err != nil {
			return err
		}
		list, changed := insertTimestamp(list, ts)
		if !changed {
			return nil
		}
		data, err := json.Marshal(list)
		if err != nil {
			return fmt.Errorf("encode index %q: %w", key, err)
		}

		if rev == 0 {
			_, err = s.kv.Create(ctx, indexKey(key), data)
		} else {
			_, err = s.kv.Update(ctx, indexKey(key), data, rev)
		}
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return fmt.Errorf("kv update index %q: %w", key, err)
		}
	}
	return fmt.Errorf("kv update index %q: gave up after %d conflicts", key, maxIndexAttempts)
}

// GetLatest implements Backend.
func (s *JetStreamStore) GetLatest(ctx context.Context, key string) (Record, error) {
	return s.GetAsOf(ctx, key, maxTimestamp)
}

// GetAsOf implements Backend. The floor of ts is found in the key's index and
// its version entry fetched.
func (s *JetStreamStore) GetAsOf(ctx context.Context, key string, ts int64) (Record, error) {
	if s.nc.IsClosed() {
		return Record{}, ErrClosed
	}

	list, _, err := s.loadIndex(ctx, key)
	if err != nil {
		return Record{}, err
	}
	i := floorTimestamp(list, ts)
	if i < 0 {
		return Record{}, ErrNotFound
	}

	vts := list[i]
	entry, err := s.kv.Get(ctx, versionKey(key, vts))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("kv get %q: %w", key, err)
	}

	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return Record{}, fmt.Errorf("decode %q@%d: %w", key, vts, err)
	}
	return rec, nil
}

// Health implements Backend.
func (s *JetStreamStore) Health(ctx context.Context) (Stats, error) {
	if s.nc.IsClosed() {
		return Stats{}, ErrClosed
	}
	if status := s.nc.Status(); status != nats.CONNECTED {
		return Stats{}, fmt.Errorf("nats connection %s", status)
	}

	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("kv list: %w", err)
	}
	defer lister.Stop()

	var st Stats
	keys := make(map[string]struct{})
	for name := range lister.Keys() {
		if enc, ok := strings.CutSuffix(name, "."+indexSuffix); ok {
			keys[enc] = struct{}{}
			continue
		}
		if _, _, ok := parseVersionKey(name); ok {
			st.Records++
		}
	}
	if err := ctx.Err(); err != nil {
		return Stats{}, fmt.Errorf("kv list: %w", err)
	}
	st.Keys = int64(len(keys))
	return st, nil
}

// Close implements Backend. Pending publishes are flushed before the
// connection closes.
func (s *JetStreamStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.nc.FlushTimeout(2 * time.Second)
		s.nc.Close()
		if errors.Is(err, nats.ErrConnectionClosed) {
			err = nil
		}
	})
	return err
}
