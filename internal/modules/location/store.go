// README: Last-accepted sample per order, backed by Redis or process memory.
package location

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"trackline/internal/types"
)

// Store keeps only the most recent accepted sample of each order.
type Store interface {
	// SaveIfNewer stores s unless a sample with the same or a later
	// CapturedAt is already there, and reports whether it stored s.
	SaveIfNewer(ctx context.Context, s Sample) (bool, error)
	// Last returns nil, nil when the order has no sample.
	Last(ctx context.Context, orderID types.ID) (*Sample, error)
	Clear(ctx context.Context, orderID types.ID) error
}

// saveIfNewer compares capture times in microseconds so the value survives
// Lua's double-precision numbers.
var saveIfNewer = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'driver', ARGV[2], 'lat', ARGV[3], 'lng', ARGV[4], 'bearing', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1
`)

type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore keeps samples for at most ttl so abandoned deliveries do not
// leak keys.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func sampleKey(orderID types.ID) string {
	return "trackline:location:" + string(orderID)
}

func (s *RedisStore) SaveIfNewer(ctx context.Context, smp Sample) (bool, error) {
	res, err := saveIfNewer.Run(ctx, s.rdb, []string{sampleKey(smp.OrderID)},
		smp.CapturedAt.UnixMicro(),
		string(smp.DriverID),
		strconv.FormatFloat(smp.Position.Lat, 'f', -1, 64),
		strconv.FormatFloat(smp.Position.Lng, 'f', -1, 64),
		smp.Bearing,
		s.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("save sample: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) Last(ctx context.Context, orderID types.ID) (*Sample, error) {
	vals, err := s.rdb.HGetAll(ctx, sampleKey(orderID)).Result()
	if err != nil {
		return nil, fmt.Errorf("load sample: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode sample ts: %w", err)
	}
	lat, errLat := strconv.ParseFloat(vals["lat"], 64)
	lng, errLng := strconv.ParseFloat(vals["lng"], 64)
	bearing, errBearing := strconv.Atoi(vals["bearing"])
	if err := errors.Join(errLat, errLng, errBearing); err != nil {
		return nil, fmt.Errorf("decode sample: %w", err)
	}
	return &Sample{
		OrderID:    orderID,
		DriverID:   types.ID(vals["driver"]),
		Position:   types.Point{Lat: lat, Lng: lng},
		Bearing:    bearing,
		CapturedAt: time.UnixMicro(ts).UTC(),
	}, nil
}

func (s *RedisStore) Clear(ctx context.Context, orderID types.ID) error {
	return s.rdb.Del(ctx, sampleKey(orderID)).Err()
}

type MemoryStore struct {
	mu      sync.Mutex
	samples map[types.ID]Sample
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{samples: make(map[types.ID]Sample)}
}

func (s *MemoryStore) SaveIfNewer(_ context.Context, smp Sample) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.samples[smp.OrderID]; ok && !smp.CapturedAt.After(cur.CapturedAt) {
		return false, nil
	}
	s.samples[smp.OrderID] = smp
	return true, nil
}

func (s *MemoryStore) Last(_ context.Context, orderID types.ID) (*Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	smp, ok := s.samples[orderID]
	if !ok {
		return nil, nil
	}
	return &smp, nil
}

func (s *MemoryStore) Clear(_ context.Context, orderID types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.samples, orderID)
	return nil
}
