// Package redis provides a store backend on Redis. Records are JSON values
// keyed by event id, with a ZSET time index and SET indexes per type, source,
// and correlation id; the change feed rides a pub/sub channel, so every
// instance connected to the same server sees every insert, including its own.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentbus-dev/agentbus/store"
)

// Config holds Redis connection configuration.
type Config struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix for all event keys (default: "agentbus:event:").
	Prefix string
	// PoolSize is the connection pool size (default: 10).
	PoolSize int
}

// Backend implements store.Backend on Redis.
type Backend struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

var _ store.Backend = (*Backend)(nil)

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Backend, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromClient(client, cfg.Prefix), nil
}

// NewFromClient wraps an existing client. Useful for testing with miniredis.
func NewFromClient(client *redis.Client, prefix string) *Backend {
	if prefix == "" {
		prefix = "agentbus:event:"
	}
	return &Backend{client: client, prefix: prefix}
}

// Key helpers
func (b *Backend) recordKey(id string) string   { return b.prefix + "rec:" + id }
func (b *Backend) timeIndexKey() string         { return b.prefix + "by-time" }
func (b *Backend) typeIndexKey(t string) string { return b.prefix + "type:" + t }
func (b *Backend) sourceIndexKey(s string) string {
	return b.prefix + "source:" + s
}
func (b *Backend) corrIndexKey(c string) string { return b.prefix + "corr:" + c }
func (b *Backend) feedChannel() string          { return b.prefix + "feed" }

// feedMessage is the change-feed wire format on the pub/sub channel.
type feedMessage struct {
	Op  store.Op      `json:"op"`
	New *store.Record `json:"new,omitempty"`
	Old *store.Record `json:"old,omitempty"`
}

func (b *Backend) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

func (b *Backend) Insert(ctx context.Context, rec *store.Record) error {
	if b.isClosed() {
		return store.ErrBackendClosed
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	ok, err := b.client.SetNX(ctx, b.recordKey(rec.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrDuplicateID, rec.ID)
	}

	pipe := b.client.Pipeline()
	pipe.ZAdd(ctx, b.timeIndexKey(), redis.Z{
		Score:  float64(rec.Timestamp.UnixNano()),
		Member: rec.ID,
	})
	pipe.SAdd(ctx, b.typeIndexKey(rec.Type), rec.ID)
	pipe.SAdd(ctx, b.sourceIndexKey(rec.Source), rec.ID)
	if rec.CorrelationID != "" {
		pipe.SAdd(ctx, b.corrIndexKey(rec.CorrelationID), rec.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index record: %w", err)
	}

	b.publishChange(ctx, feedMessage{Op: store.OpInsert, New: rec})
	return nil
}

func (b *Backend) publishChange(ctx context.Context, msg feedMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[RedisBackend] marshal feed message: %v", err)
		return
	}
	if err := b.client.Publish(ctx, b.feedChannel(), data).Err(); err != nil {
		log.Printf("[RedisBackend] publish feed message: %v", err)
	}
}

func (b *Backend) Query(ctx context.Context, f store.QueryFilter) ([]*store.Record, error) {
	if b.isClosed() {
		return nil, store.ErrBackendClosed
	}

	ids, err := b.candidateIDs(ctx, f)
	if err != nil {
		return nil, err
	}

	var out []*store.Record
	for _, id := range ids {
		rec, err := b.load(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				continue // index entry outlived the record
			}
			return nil, err
		}
		if matches(rec, f) {
			out = append(out, rec)
		}
	}

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// candidateIDs narrows by one index set when the filter names one, falling
// back to the time index (which also bounds the range server-side).
func (b *Backend) candidateIDs(ctx context.Context, f store.QueryFilter) ([]string, error) {
	var indexKeys []string
	switch {
	case len(f.CorrelationIDs) > 0:
		for _, c := range f.CorrelationIDs {
			indexKeys = append(indexKeys, b.corrIndexKey(c))
		}
	case len(f.Sources) > 0:
		for _, s := range f.Sources {
			indexKeys = append(indexKeys, b.sourceIndexKey(s))
		}
	case len(f.Types) > 0:
		for _, t := range f.Types {
			indexKeys = append(indexKeys, b.typeIndexKey(t))
		}
	}

	if len(indexKeys) > 0 {
		ids, err := b.client.SUnion(ctx, indexKeys...).Result()
		if err != nil {
			return nil, fmt.Errorf("read index: %w", err)
		}
		return ids, nil
	}

	min, max := "-inf", "+inf"
	if !f.Since.IsZero() {
		min = strconv.FormatInt(f.Since.UnixNano(), 10)
	}
	if !f.Until.IsZero() {
		max = strconv.FormatInt(f.Until.UnixNano(), 10)
	}
	ids, err := b.client.ZRangeByScore(ctx, b.timeIndexKey(), &redis.ZRangeBy{
		Min: min, Max: max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read time index: %w", err)
	}
	return ids, nil
}

func (b *Backend) load(ctx context.Context, id string) (*store.Record, error) {
	data, err := b.client.Get(ctx, b.recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", store.ErrRecordNotFound, id)
		}
		return nil, fmt.Errorf("load record: %w", err)
	}
	var rec store.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", id, err)
	}
	return &rec, nil
}

func matches(rec *store.Record, f store.QueryFilter) bool {
	if len(f.Types) > 0 && !contains(f.Types, rec.Type) {
		return false
	}
	if len(f.Sources) > 0 && !contains(f.Sources, rec.Source) {
		return false
	}
	if len(f.CorrelationIDs) > 0 && !contains(f.CorrelationIDs, rec.CorrelationID) {
		return false
	}
	if len(f.Targets) > 0 {
		found := false
		for _, t := range f.Targets {
			if contains(rec.Targets, t) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.Timestamp.After(f.Until) {
		return false
	}
	if f.Processed != nil && rec.Processed != *f.Processed {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (b *Backend) Update(ctx context.Context, id string, p store.Patch) error {
	if b.isClosed() {
		return store.ErrBackendClosed
	}

	rec, err := b.load(ctx, id)
	if err != nil {
		return err
	}
	old := rec.Clone()
	if p.Processed != nil {
		rec.Processed = *p.Processed
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := b.client.Set(ctx, b.recordKey(id), data, 0).Err(); err != nil {
		return fmt.Errorf("update record: %w", err)
	}

	b.publishChange(ctx, feedMessage{Op: store.OpUpdate, New: rec, Old: old})
	return nil
}

func (b *Backend) Delete(ctx context.Context, f store.DeleteFilter) (int, error) {
	if b.isClosed() {
		return 0, store.ErrBackendClosed
	}

	max := "+inf"
	if !f.OlderThan.IsZero() {
		// ZRangeByScore max is inclusive; records at exactly the cutoff stay.
		max = "(" + strconv.FormatInt(f.OlderThan.UnixNano(), 10)
	}
	ids, err := b.client.ZRangeByScore(ctx, b.timeIndexKey(), &redis.ZRangeBy{
		Min: "-inf", Max: max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("read time index: %w", err)
	}

	removed := 0
	for _, id := range ids {
		rec, err := b.load(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				b.client.ZRem(ctx, b.timeIndexKey(), id)
				continue
			}
			return removed, err
		}
		if f.Processed != nil && rec.Processed != *f.Processed {
			continue
		}

		pipe := b.client.Pipeline()
		pipe.Del(ctx, b.recordKey(id))
		pipe.ZRem(ctx, b.timeIndexKey(), id)
		pipe.SRem(ctx, b.typeIndexKey(rec.Type), id)
		pipe.SRem(ctx, b.sourceIndexKey(rec.Source), id)
		if rec.CorrelationID != "" {
			pipe.SRem(ctx, b.corrIndexKey(rec.CorrelationID), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("delete record %s: %w", id, err)
		}
		removed++
		b.publishChange(ctx, feedMessage{Op: store.OpDelete, Old: rec})
	}
	return removed, nil
}

// Stats counts records client-side after a time-index scan. Grouped counting
// has no native Redis shape, and event volumes within a retention window stay
// small enough for a scan.
func (b *Backend) Stats(ctx context.Context, q store.StatsQuery) ([]store.StatsBucket, error) {
	if b.isClosed() {
		return nil, store.ErrBackendClosed
	}

	recs, err := b.Query(ctx, store.QueryFilter{Since: q.Since, Until: q.Until})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64)
	for _, rec := range recs {
		counts[statsKey(rec, q.GroupBy)]++
	}
	out := make([]store.StatsBucket, 0, len(counts))
	for k, n := range counts {
		out = append(out, store.StatsBucket{Key: k, Count: n})
	}
	sortBuckets(out)
	return out, nil
}

func statsKey(rec *store.Record, g store.StatsGroup) string {
	switch g {
	case store.GroupBySource:
		return rec.Source
	case store.GroupByDay:
		return rec.Timestamp.UTC().Format("2006-01-02")
	case store.GroupByHour:
		return rec.Timestamp.UTC().Format("2006-01-02T15")
	default:
		return rec.Type
	}
}

func sortBuckets(buckets []store.StatsBucket) {
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Count != buckets[j].Count {
			return buckets[i].Count > buckets[j].Count
		}
		return buckets[i].Key < buckets[j].Key
	})
}

// Watch subscribes to the pub/sub feed channel and decodes messages into
// change notifications. The returned channel closes when the context is
// cancelled.
func (b *Backend) Watch(ctx context.Context) (<-chan store.Change, error) {
	if b.isClosed() {
		return nil, store.ErrBackendClosed
	}

	sub := b.client.Subscribe(ctx, b.feedChannel())
	// Force the subscription to be established before returning so callers
	// never miss changes published right after Watch.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe feed: %w", err)
	}

	out := make(chan store.Change, 256)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var fm feedMessage
				if err := json.Unmarshal([]byte(msg.Payload), &fm); err != nil {
					log.Printf("[RedisBackend] bad feed message: %v", err)
					continue
				}
				select {
				case out <- store.Change{Op: fm.Op, New: fm.New, Old: fm.Old}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.client.Close()
}
