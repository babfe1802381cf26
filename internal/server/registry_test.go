package server

import (
	"math/rand"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecord(t *testing.T, id uint64, addr string) *Record {
	t.Helper()
	return NewRecord(id, mustTCPAddr(t, addr), "trace", 4)
}

func TestRegistryReserveCapacity(t *testing.T) {
	reg := NewRegistry(2)

	require.NoError(t, reg.Reserve(newTestRecord(t, 1, "127.0.0.1:1")))
	require.NoError(t, reg.Reserve(newTestRecord(t, 2, "127.0.0.1:2")))
	assert.ErrorIs(t, reg.Reserve(newTestRecord(t, 3, "127.0.0.1:3")), ErrRegistryFull)
	assert.Equal(t, 2, reg.Len())

	assert.True(t, reg.Remove(1))
	require.NoError(t, reg.Reserve(newTestRecord(t, 3, "127.0.0.1:3")))
	assert.Equal(t, 2, reg.Len())
}

func TestRegistryDuplicateID(t *testing.T) {
	reg := NewRegistry(4)
	require.NoError(t, reg.Reserve(newTestRecord(t, 1, "127.0.0.1:1")))
	assert.ErrorIs(t, reg.Reserve(newTestRecord(t, 1, "127.0.0.1:2")), ErrDuplicateRecord)
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	reg := NewRegistry(1)
	rec := newTestRecord(t, 1, "127.0.0.1:1")
	require.NoError(t, reg.Reserve(rec))

	assert.True(t, reg.Remove(1))
	assert.False(t, reg.Remove(1))
	assert.False(t, reg.Remove(99))

	_, open := <-rec.outbox
	assert.False(t, open, "outbox should be closed")
	assert.False(t, rec.deliver([]byte("late")))
}

func TestRegistryJoinVisibility(t *testing.T) {
	reg := NewRegistry(4)
	require.NoError(t, reg.Reserve(newTestRecord(t, 1, "127.0.0.1:1")))
	require.NoError(t, reg.Reserve(newTestRecord(t, 2, "127.0.0.1:2")))

	assert.Nil(t, reg.FindByAddress("127.0.0.1:1"), "reserved records are not addressable")
	visited := 0
	reg.ForEachExcept(0, func(*Record) { visited++ })
	assert.Zero(t, visited)

	assert.True(t, reg.Join(1, "alice"))
	assert.False(t, reg.Join(1, "again"))
	assert.False(t, reg.Join(42, "ghost"))

	rec := reg.FindByAddress("127.0.0.1:1")
	require.NotNil(t, rec)
	assert.Equal(t, "alice", rec.Name())
	assert.Equal(t, 1, reg.Joined())
	assert.Equal(t, 2, reg.Len())
}

func TestRegistryForEachExcept(t *testing.T) {
	reg := NewRegistry(4)
	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, reg.Reserve(NewRecord(id, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(id)}, "", 1)))
		require.True(t, reg.Join(id, "peer"))
	}

	var seen []uint64
	reg.ForEachExcept(2, func(rec *Record) { seen = append(seen, rec.ID) })
	assert.ElementsMatch(t, []uint64{1, 3}, seen)

	reg.Remove(3)
	seen = nil
	reg.ForEachExcept(2, func(rec *Record) { seen = append(seen, rec.ID) })
	assert.Equal(t, []uint64{1}, seen)
}

func TestRegistryFindByAddressExact(t *testing.T) {
	reg := NewRegistry(2)
	require.NoError(t, reg.Reserve(newTestRecord(t, 1, "127.0.0.1:9001")))
	require.True(t, reg.Join(1, "alice"))

	assert.NotNil(t, reg.FindByAddress("127.0.0.1:9001"))
	assert.Nil(t, reg.FindByAddress("127.0.0.1:900"))
	assert.Nil(t, reg.FindByAddress("127.0.0.1:90011"))
	assert.Nil(t, reg.FindByAddress("127.0.0.2:9001"))
}

func TestRegistryRandomSequencesRespectCapacity(t *testing.T) {
	const capacity = 8
	rng := rand.New(rand.NewSource(1))
	reg := NewRegistry(capacity)
	live := map[uint64]bool{}
	next := uint64(1)

	for i := 0; i < 2000; i++ {
		if rng.Intn(2) == 0 {
			err := reg.Reserve(NewRecord(next, nil, "", 1))
			if len(live) < capacity {
				require.NoError(t, err)
				live[next] = true
			} else {
				require.ErrorIs(t, err, ErrRegistryFull)
			}
			next++
		} else {
			id := uint64(rng.Int63n(int64(next) + 1))
			removed := reg.Remove(id)
			require.Equal(t, live[id], removed)
			delete(live, id)
		}
		require.LessOrEqual(t, reg.Len(), capacity)
		require.Equal(t, len(live), reg.Len())
	}
}

func TestRegistryConcurrentReserve(t *testing.T) {
	const capacity = 10
	reg := NewRegistry(capacity)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			if reg.Reserve(NewRecord(id, nil, "", 1)) == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(uint64(i))
	}
	wg.Wait()

	assert.Equal(t, capacity, accepted)
	assert.Equal(t, capacity, reg.Len())
}
