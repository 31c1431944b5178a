package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
)

type storeCall struct {
	op   string
	user domain.UserID
}

type fakeStore struct {
	mu    sync.Mutex
	calls []storeCall
	fail  bool
}

func (s *fakeStore) record(op string, id domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, storeCall{op: op, user: id})
	if s.fail {
		return errors.New("db down")
	}
	return nil
}

func (s *fakeStore) MarkOnline(_ context.Context, id domain.UserID, _ time.Time) error {
	return s.record("online", id)
}

func (s *fakeStore) MarkOffline(_ context.Context, id domain.UserID, _ time.Time) error {
	return s.record("offline", id)
}

func (s *fakeStore) ops(id domain.UserID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		if c.user == id {
			out = append(out, c.op)
		}
	}
	return out
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	snapshots [][]domain.User
}

func (b *fakeBroadcaster) BroadcastOnline(users []domain.User) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots = append(b.snapshots, users)
}

func (b *fakeBroadcaster) last() []domain.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.snapshots) == 0 {
		return nil
	}
	return b.snapshots[len(b.snapshots)-1]
}

func (b *fakeBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.snapshots)
}

type fakeDirectory struct {
	names map[domain.UserID]string
	fail  bool
}

func (d fakeDirectory) Profiles(_ context.Context, ids []domain.UserID) ([]domain.User, error) {
	if d.fail {
		return nil, errors.New("directory unavailable")
	}
	var out []domain.User
	for _, id := range ids {
		if n, ok := d.names[id]; ok {
			out = append(out, domain.User{ID: id, Name: n, Email: n + "@example.com"})
		}
	}
	return out, nil
}

func ids(users []domain.User) []domain.UserID {
	out := make([]domain.UserID, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out
}

func TestAnnounceAndDisconnect(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	out := &fakeBroadcaster{}
	r := NewRegistry(WithStore(store), WithBroadcaster(out))

	r.OnConnect("c1")
	require.NoError(t, r.Announce(ctx, "c1", "u1"))
	assert.Equal(t, []domain.UserID{"u1"}, r.CurrentOnlineUsers())
	assert.Equal(t, []domain.UserID{"u1"}, ids(out.last()))

	r.OnDisconnect(ctx, "c1")
	assert.Empty(t, r.CurrentOnlineUsers())
	assert.Empty(t, out.last())
	assert.Equal(t, []string{"online", "offline"}, store.ops("u1"))
}

func TestReannounceDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	out := &fakeBroadcaster{}
	r := NewRegistry(WithStore(store), WithBroadcaster(out))

	r.OnConnect("c1")
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Announce(ctx, "c1", "u1"))
	}
	assert.Equal(t, []domain.UserID{"u1"}, ids(out.last()))
	assert.Len(t, r.ConnectionsOf("u1"), 1)
	assert.Equal(t, []string{"online", "online", "online"}, store.ops("u1"), "each announce refreshes the stored flag")
}

func TestMultipleConnectionsKeepUserOnline(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	r := NewRegistry(WithStore(store))

	r.OnConnect("tab1")
	r.OnConnect("tab2")
	require.NoError(t, r.Announce(ctx, "tab1", "u1"))
	require.NoError(t, r.Announce(ctx, "tab2", "u1"))

	r.OnDisconnect(ctx, "tab1")
	assert.True(t, r.IsOnline("u1"))
	assert.Equal(t, []string{"online", "online"}, store.ops("u1"))

	r.OnDisconnect(ctx, "tab2")
	assert.False(t, r.IsOnline("u1"))
	assert.Equal(t, []string{"online", "online", "offline"}, store.ops("u1"))
}

func TestAnnounceMovesConnectionBetweenUsers(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	r := NewRegistry(WithStore(store))

	r.OnConnect("c1")
	require.NoError(t, r.Announce(ctx, "c1", "u1"))
	require.NoError(t, r.Announce(ctx, "c1", "u2"))

	assert.Equal(t, []domain.UserID{"u2"}, r.CurrentOnlineUsers())
	u, ok := r.UserOf("c1")
	require.True(t, ok)
	assert.Equal(t, domain.UserID("u2"), u)
	assert.Equal(t, []string{"online", "offline"}, store.ops("u1"))
	assert.Equal(t, []string{"online"}, store.ops("u2"))
}

func TestAnnounceRejectsEmptyUser(t *testing.T) {
	r := NewRegistry()
	err := r.Announce(context.Background(), "c1", "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidParticipant)
	assert.Empty(t, r.CurrentOnlineUsers())
}

func TestStoreFailureStillBroadcasts(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{fail: true}
	out := &fakeBroadcaster{}
	r := NewRegistry(WithStore(store), WithBroadcaster(out))

	r.OnConnect("c1")
	require.NoError(t, r.Announce(ctx, "c1", "u1"))
	assert.Equal(t, []domain.UserID{"u1"}, ids(out.last()))

	r.OnDisconnect(ctx, "c1")
	assert.Equal(t, 2, out.count())
	assert.Empty(t, out.last())
}

func TestSnapshotUsesDirectoryProfiles(t *testing.T) {
	ctx := context.Background()
	out := &fakeBroadcaster{}
	dir := fakeDirectory{names: map[domain.UserID]string{"u1": "alice"}}
	r := NewRegistry(WithDirectory(dir), WithBroadcaster(out))

	require.NoError(t, r.Announce(ctx, "c1", "u1"))
	require.NoError(t, r.Announce(ctx, "c2", "ghost"))

	snap := out.last()
	require.Len(t, snap, 2)
	assert.Equal(t, "ghost", string(snap[0].ID))
	assert.Empty(t, snap[0].Name)
	assert.Equal(t, "alice", snap[1].Name)
	for _, u := range snap {
		assert.True(t, u.IsOnline)
	}
}

func TestSnapshotFallsBackWhenDirectoryFails(t *testing.T) {
	out := &fakeBroadcaster{}
	r := NewRegistry(WithDirectory(fakeDirectory{fail: true}), WithBroadcaster(out))

	require.NoError(t, r.Announce(context.Background(), "c1", "u1"))
	assert.Equal(t, []domain.UserID{"u1"}, ids(out.last()))
}

func TestDisconnectUnknownIsNoop(t *testing.T) {
	out := &fakeBroadcaster{}
	r := NewRegistry(WithBroadcaster(out))
	r.OnDisconnect(context.Background(), "nope")
	assert.Equal(t, 0, out.count())
}

func TestConcurrentInterleavingsConverge(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	out := &fakeBroadcaster{}
	r := NewRegistry(WithStore(store), WithBroadcaster(out))

	const users = 8
	const connsPerUser = 6

	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		for c := 0; c < connsPerUser; c++ {
			wg.Add(1)
			go func(u, c int) {
				defer wg.Done()
				conn := core.ConnID(fmt.Sprintf("c-%d-%d", u, c))
				user := domain.UserID(fmt.Sprintf("u%d", u))
				r.OnConnect(conn)
				_ = r.Announce(ctx, conn, user)
				// odd users drop every connection, even users keep the last one
				if u%2 == 1 || c != connsPerUser-1 {
					r.OnDisconnect(ctx, conn)
				}
			}(u, c)
		}
	}
	wg.Wait()

	var want []domain.UserID
	for u := 0; u < users; u += 2 {
		want = append(want, domain.UserID(fmt.Sprintf("u%d", u)))
	}
	assert.ElementsMatch(t, want, r.CurrentOnlineUsers())
	assert.ElementsMatch(t, want, ids(out.last()))
	assert.Zero(t, r.userLocks.size())

	// every offline follows an online and the last write matches memory
	for u := 0; u < users; u++ {
		id := domain.UserID(fmt.Sprintf("u%d", u))
		ops := store.ops(id)
		require.NotEmpty(t, ops)
		assert.Equal(t, "online", ops[0])
		for i := 1; i < len(ops); i++ {
			if ops[i] == "offline" {
				assert.Equal(t, "online", ops[i-1], "user %s op %d", id, i)
			}
		}
		if u%2 == 0 {
			assert.Equal(t, "online", ops[len(ops)-1])
		} else {
			assert.Equal(t, "offline", ops[len(ops)-1])
		}
	}
}
