// Package redisstore keeps the pending staging area in Redis.
//
// Keys, under a configurable prefix:
//
//	{prefix}:devices          SET of devices with staged work
//	{prefix}:{device}:order   LIST of message ids, oldest first
//	{prefix}:{device}:records HASH message id -> encoded message
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/avinashbhat/session-desktop/internal/outgoing"
	"github.com/avinashbhat/session-desktop/internal/pubkey"
)

// DefaultPrefix namespaces keys when none is given.
const DefaultPrefix = "session:pending"

// stageScript appends a record unless its id is already staged for the device.
var stageScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 1 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  redis.call('SADD', KEYS[3], ARGV[3])
  return 1
end
return 0
`)

// ackScript removes a record and forgets the device once nothing is left.
var ackScript = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 1 then
  redis.call('LREM', KEYS[2], 0, ARGV[1])
end
if redis.call('HLEN', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[2])
  redis.call('SREM', KEYS[3], ARGV[2])
end
return 0
`)

// Store is a PendingStore backed by Redis. Writes go through Lua scripts so
// each Stage and Acknowledge is atomic.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// New wraps an existing client. An empty prefix means DefaultPrefix.
func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Dial connects to the server named by url (redis://[:password@]host:port/db)
// and checks it answers.
func Dial(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}
	return New(rdb, prefix), nil
}

// Close closes the underlying client.
func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) devicesKey() string { return s.prefix + ":devices" }

func (s *Store) orderKey(d pubkey.DeviceID) string { return s.prefix + ":" + string(d) + ":order" }

func (s *Store) recordsKey(d pubkey.DeviceID) string { return s.prefix + ":" + string(d) + ":records" }

// Stage records msg as owed to device. Restaging an id is a no-op.
func (s *Store) Stage(ctx context.Context, device pubkey.DeviceID, msg *outgoing.Message) error {
	keys := []string{s.recordsKey(device), s.orderKey(device), s.devicesKey()}
	err := stageScript.Run(ctx, s.rdb, keys, msg.ID, outgoing.Marshal(msg), string(device)).Err()
	if err != nil {
		return fmt.Errorf("redisstore: stage %s for %s: %w", msg.ID, device.Short(), err)
	}
	return nil
}

// Drain returns the messages staged for device, oldest first.
func (s *Store) Drain(ctx context.Context, device pubkey.DeviceID) ([]*outgoing.Message, error) {
	var order *redis.StringSliceCmd
	var records *redis.MapStringStringCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		order = p.LRange(ctx, s.orderKey(device), 0, -1)
		records = p.HGetAll(ctx, s.recordsKey(device))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redisstore: drain %s: %w", device.Short(), err)
	}

	byID := records.Val()
	msgs := make([]*outgoing.Message, 0, len(byID))
	for _, id := range order.Val() {
		record, ok := byID[id]
		if !ok {
			continue
		}
		msg, err := outgoing.Unmarshal([]byte(record))
		if err != nil {
			return nil, fmt.Errorf("redisstore: decode %s: %w", id, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Acknowledge removes a delivered message. Removing an absent entry is not an error.
func (s *Store) Acknowledge(ctx context.Context, device pubkey.DeviceID, messageID string) error {
	keys := []string{s.recordsKey(device), s.orderKey(device), s.devicesKey()}
	err := ackScript.Run(ctx, s.rdb, keys, messageID, string(device)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redisstore: acknowledge %s for %s: %w", messageID, device.Short(), err)
	}
	return nil
}

// StagedDevices lists every device with at least one staged message.
func (s *Store) StagedDevices(ctx context.Context) ([]pubkey.DeviceID, error) {
	members, err := s.rdb.SMembers(ctx, s.devicesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: staged devices: %w", err)
	}
	devices := make([]pubkey.DeviceID, 0, len(members))
	for _, m := range members {
		devices = append(devices, pubkey.DeviceID(m))
	}
	slices.Sort(devices)
	return devices, nil
}

// PendingCount returns the number of staged entries across all devices.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	devices, err := s.StagedDevices(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range devices {
		c, err := s.rdb.HLen(ctx, s.recordsKey(d)).Result()
		if err != nil {
			return 0, fmt.Errorf("redisstore: count %s: %w", d.Short(), err)
		}
		n += int(c)
	}
	return n, nil
}
