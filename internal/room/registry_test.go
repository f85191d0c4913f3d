package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/stratsync/internal/apperr"
)

type fakeStore map[string]bool

func (f fakeStore) RoomExists(ctx context.Context, roomID string) (bool, error) {
	return f[roomID], nil
}

func newTestRegistry(rooms ...string) *Registry {
	store := fakeStore{}
	for _, id := range rooms {
		store[id] = true
	}
	return NewRegistry(store, zap.NewNop())
}

func TestJoinUnknownRoom(t *testing.T) {
	reg := newTestRegistry("r1")

	_, err := reg.Join(context.Background(), "missing", Participant{UserID: "u1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
	assert.Equal(t, 0, reg.RoomCount())
}

func TestJoinAssignsPaletteRoundRobin(t *testing.T) {
	reg := newTestRegistry("r1")
	ctx := context.Background()

	for i := 0; i < len(Palette)+2; i++ {
		res, err := reg.Join(ctx, "r1", Participant{UserID: fmt.Sprintf("u%d", i)})
		require.NoError(t, err)
		assert.Equal(t, Palette[i%len(Palette)], res.Color)
		assert.Len(t, res.Participants, i+1)
	}
}

func TestJoinReturnsRosterIncludingJoiner(t *testing.T) {
	reg := newTestRegistry("r1")
	ctx := context.Background()

	_, err := reg.Join(ctx, "r1", Participant{UserID: "alice", Name: "Alice"})
	require.NoError(t, err)
	res, err := reg.Join(ctx, "r1", Participant{UserID: "bob", Name: "Bob", Guest: true})
	require.NoError(t, err)

	require.Len(t, res.Participants, 2)
	ids := []string{res.Participants[0].UserID, res.Participants[1].UserID}
	assert.ElementsMatch(t, []string{"alice", "bob"}, ids)

	p, ok := reg.Participant("r1", "bob")
	require.True(t, ok)
	assert.True(t, p.Guest)
	assert.Equal(t, res.Color, p.Color)
}

func TestLeaveDisposesEmptyRoom(t *testing.T) {
	reg := newTestRegistry("r1")
	ctx := context.Background()

	a, err := reg.Join(ctx, "r1", Participant{UserID: "a"})
	require.NoError(t, err)
	b, err := reg.Join(ctx, "r1", Participant{UserID: "b"})
	require.NoError(t, err)

	assert.True(t, reg.Leave("r1", "a", a.Session))
	assert.Equal(t, map[string]int{"r1": 1}, reg.ActiveRooms())

	assert.True(t, reg.Leave("r1", "b", b.Session))
	assert.Eventually(t, func() bool { return reg.RoomCount() == 0 }, time.Second, time.Millisecond)
	assert.Empty(t, reg.Roster("r1"))

	// A fresh room restarts the palette.
	res, err := reg.Join(ctx, "r1", Participant{UserID: "c"})
	require.NoError(t, err)
	assert.Equal(t, Palette[0], res.Color)
}

func TestReconnectGetsFreshColorAndStaleLeaveIsIgnored(t *testing.T) {
	reg := newTestRegistry("r1")
	ctx := context.Background()

	_, err := reg.Join(ctx, "r1", Participant{UserID: "keeper"})
	require.NoError(t, err)
	first, err := reg.Join(ctx, "r1", Participant{UserID: "u"})
	require.NoError(t, err)
	second, err := reg.Join(ctx, "r1", Participant{UserID: "u"})
	require.NoError(t, err)

	assert.NotEqual(t, first.Color, second.Color)
	assert.False(t, reg.Leave("r1", "u", first.Session), "stale session must not evict")

	_, ok := reg.Participant("r1", "u")
	assert.True(t, ok)
	assert.True(t, reg.Leave("r1", "u", second.Session))
}

func TestConcurrentJoinsGetDistinctColors(t *testing.T) {
	reg := newTestRegistry("r1")
	ctx := context.Background()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		colors = make(map[string]int)
	)
	for i := 0; i < len(Palette); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := reg.Join(ctx, "r1", Participant{UserID: fmt.Sprintf("u%d", i)})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			colors[res.Color]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, colors, len(Palette))
	assert.Len(t, reg.Roster("r1"), len(Palette))
}

func TestJoinLeaveChurnAcrossDisposal(t *testing.T) {
	reg := newTestRegistry("r1")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("u%d", i)
			res, err := reg.Join(ctx, "r1", Participant{UserID: id})
			if err != nil {
				t.Errorf("join %s: %v", id, err)
				return
			}
			reg.Leave("r1", id, res.Session)
		}(i)
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return reg.RoomCount() == 0 }, time.Second, time.Millisecond)
}
