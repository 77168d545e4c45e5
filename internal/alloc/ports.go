package alloc

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Ephemeral range for target internal ports.
const (
	PortRangeStart = 40000
	PortRangeEnd   = 65535

	maxRandomAttempts = 1000

	// DefaultReservationTTL bounds how long an issued port stays reserved before it is persisted.
	DefaultReservationTTL = 10 * time.Minute
	// DefaultReservationSize bounds the in-memory reservation set.
	DefaultReservationSize = 8192
)

// ErrNoFreePort is returned when every port in the range is taken or reserved.
var ErrNoFreePort = errors.New("no free port in range")

// Reservations records recently issued ports so concurrent allocations do not collide.
type Reservations interface {
	// Reserve marks port as issued for siteID. It reports false if the port was already reserved.
	Reserve(ctx context.Context, siteID, port int) (bool, error)
}

// PortAllocator issues internal ports for site targets.
type PortAllocator struct {
	reservations Reservations
	intn         func(n int) int
}

// NewPortAllocator creates an allocator backed by the given reservation set.
func NewPortAllocator(r Reservations) *PortAllocator {
	if r == nil {
		r = NewMemoryReservations(DefaultReservationSize, DefaultReservationTTL)
	}
	return &PortAllocator{reservations: r, intn: rand.Intn}
}

// Next returns a port in [PortRangeStart, PortRangeEnd] that is neither in allocated
// nor reserved for the site. Random draws come first, then a scan from a random offset.
func (a *PortAllocator) Next(ctx context.Context, siteID int, allocated []int) (int, error) {
	taken := make(map[int]struct{}, len(allocated))
	for _, p := range allocated {
		taken[p] = struct{}{}
	}

	span := PortRangeEnd - PortRangeStart + 1
	for i := 0; i < maxRandomAttempts; i++ {
		port := PortRangeStart + a.intn(span)
		ok, err := a.try(ctx, siteID, port, taken)
		if err != nil {
			return 0, err
		}
		if ok {
			return port, nil
		}
	}

	offset := a.intn(span)
	for i := 0; i < span; i++ {
		port := PortRangeStart + (offset+i)%span
		ok, err := a.try(ctx, siteID, port, taken)
		if err != nil {
			return 0, err
		}
		if ok {
			return port, nil
		}
	}
	return 0, ErrNoFreePort
}

func (a *PortAllocator) try(ctx context.Context, siteID, port int, taken map[int]struct{}) (bool, error) {
	if _, used := taken[port]; used {
		return false, nil
	}
	ok, err := a.reservations.Reserve(ctx, siteID, port)
	if err != nil {
		return false, fmt.Errorf("reserve port %d: %w", port, err)
	}
	if !ok {
		taken[port] = struct{}{}
	}
	return ok, nil
}

// MemoryReservations is a bounded, expiring in-process reservation set.
type MemoryReservations struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

// NewMemoryReservations creates a reservation set holding at most size entries for ttl each.
func NewMemoryReservations(size int, ttl time.Duration) *MemoryReservations {
	return &MemoryReservations{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (m *MemoryReservations) Reserve(_ context.Context, siteID, port int) (bool, error) {
	key := reservationKey(siteID, port)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cache.Get(key); ok {
		return false, nil
	}
	m.cache.Add(key, struct{}{})
	return true, nil
}

// Len returns the number of live reservations.
func (m *MemoryReservations) Len() int {
	return m.cache.Len()
}

// RedisReservations shares reservations between control plane instances.
type RedisReservations struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisReservations creates a reservation set stored in Redis with the given ttl.
func NewRedisReservations(client redis.UniversalClient, ttl time.Duration) *RedisReservations {
	return &RedisReservations{client: client, ttl: ttl, prefix: "exitplane:port:"}
}

func (r *RedisReservations) Reserve(ctx context.Context, siteID, port int) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+reservationKey(siteID, port), 1, r.ttl).Result()
}

func reservationKey(siteID, port int) string {
	return fmt.Sprintf("%d:%d", siteID, port)
}
