// Package store adapts Redis into the hierarchical key-path store the
// coordination services are written against. Keys are slash-separated paths
// ("lobbies/AB3F9", "queue/u42"); values are JSON documents. Every mutation
// publishes a change notification so subscribers can react to writes made by
// other instances.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when no document exists at the key.
var ErrNotFound = errors.New("store: key not found")

type ChangeKind string

const (
	ChangeSet     ChangeKind = "set"
	ChangeRemoved ChangeKind = "removed"
)

// Change notifies subscribers that the document at Key was written or removed.
type Change struct {
	Key  string     `json:"key"`
	Kind ChangeKind `json:"kind"`
}

// Entry is one key/document pair returned by List.
type Entry struct {
	Key   string
	Value json.RawMessage
}

// Decode unmarshals the entry's document into dest.
func (e Entry) Decode(dest any) error {
	return json.Unmarshal(e.Value, dest)
}

// Store is the storage boundary of the coordination engine. Update applies a
// multi-path write atomically: map values are written as JSON, nil values
// delete the path.
type Store interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any) error
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Update(ctx context.Context, values map[string]any) error
	Remove(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Entry, error)
	Subscribe(ctx context.Context, prefix string) (<-chan Change, error)
	// ServerTime returns the store server's clock, the authority for every
	// persisted timestamp.
	ServerTime(ctx context.Context) (time.Time, error)
}

type Config struct {
	Redis  redis.UniversalClient
	Prefix string
}

// Redis implements Store on a go-redis client.
type Redis struct {
	rc     redis.UniversalClient
	prefix string
}

func NewRedis(c Config) *Redis {
	return &Redis{
		rc:     c.Redis,
		prefix: c.Prefix,
	}
}

func (s *Redis) Get(ctx context.Context, key string, dest any) error {
	raw, err := s.rc.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: get %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("store: decode %s: %w", key, err)
	}

	return nil
}

func (s *Redis) Set(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}

	if err := s.rc.Set(ctx, s.key(key), b, 0).Err(); err != nil {
		return fmt.Errorf("store: set %s: %w", key, err)
	}

	s.notify(ctx, Change{Key: key, Kind: ChangeSet})
	return nil
}

// SetNX writes the document only when the key is vacant. A non-zero ttl makes
// the write a short-lived reservation.
func (s *Redis) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("store: encode %s: %w", key, err)
	}

	ok, err := s.rc.SetNX(ctx, s.key(key), b, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store: setnx %s: %w", key, err)
	}

	if ok {
		s.notify(ctx, Change{Key: key, Kind: ChangeSet})
	}
	return ok, nil
}

// Update applies every path in values within one transactional pipeline. A nil
// value removes the path; anything else replaces the document there.
func (s *Redis) Update(ctx context.Context, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}

	changes := make([]Change, 0, len(values))
	pipe := s.rc.TxPipeline()
	for key, value := range values {
		if value == nil {
			pipe.Del(ctx, s.key(key))
			changes = append(changes, Change{Key: key, Kind: ChangeRemoved})
			continue
		}

		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("store: encode %s: %w", key, err)
		}
		pipe.Set(ctx, s.key(key), b, 0)
		changes = append(changes, Change{Key: key, Kind: ChangeSet})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: update %d paths: %w", len(values), err)
	}

	for _, c := range changes {
		s.notify(ctx, c)
	}
	return nil
}

// Remove deletes the document at key. Removing an absent key is a no-op.
func (s *Redis) Remove(ctx context.Context, key string) error {
	if err := s.rc.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("store: remove %s: %w", key, err)
	}

	s.notify(ctx, Change{Key: key, Kind: ChangeRemoved})
	return nil
}

// List returns every document under prefix, ordered by key.
func (s *Redis) List(ctx context.Context, prefix string) ([]Entry, error) {
	var keys []string
	iter := s.rc.Scan(ctx, 0, s.key(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("store: scan %s: %w", prefix, err)
	}

	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	raws, err := s.rc.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("store: mget %d keys: %w", len(keys), err)
	}

	entries := make([]Entry, 0, len(keys))
	for i, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			// Deleted between SCAN and MGET.
			continue
		}
		entries = append(entries, Entry{
			Key:   strings.TrimPrefix(keys[i], s.prefix+":"),
			Value: json.RawMessage(str),
		})
	}

	return entries, nil
}

// Subscribe streams changes for keys under prefix. The channel closes when ctx
// is done.
func (s *Redis) Subscribe(ctx context.Context, prefix string) (<-chan Change, error) {
	sub := s.rc.Subscribe(ctx, s.changeChannel())
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("store: subscribe %s: %w", prefix, err)
	}

	out := make(chan Change)
	go func() {
		defer close(out)
		defer sub.Close()

		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}

				var c Change
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					continue
				}
				if !strings.HasPrefix(c.Key, prefix) {
					continue
				}

				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *Redis) ServerTime(ctx context.Context) (time.Time, error) {
	t, err := s.rc.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("store: server time: %w", err)
	}

	return t, nil
}

// notify is best effort: a missed notification only delays subscribers until
// their next full read.
func (s *Redis) notify(ctx context.Context, c Change) {
	b, err := json.Marshal(c)
	if err != nil {
		return
	}
	s.rc.Publish(ctx, s.changeChannel(), b)
}

func (s *Redis) key(path string) string {
	return s.prefix + ":" + path
}

func (s *Redis) changeChannel() string {
	return s.prefix + ":changes"
}
