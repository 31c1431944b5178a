package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/Ring/internal/core"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/dkeye/Ring/internal/metrics"
)

// StatusStore persists the online flag and last seen time of a user.
type StatusStore interface {
	MarkOnline(ctx context.Context, id domain.UserID, at time.Time) error
	MarkOffline(ctx context.Context, id domain.UserID, lastSeen time.Time) error
}

// Directory resolves user ids to public profiles.
type Directory interface {
	Profiles(ctx context.Context, ids []domain.UserID) ([]domain.User, error)
}

// Broadcaster delivers an online-set snapshot to every signaling connection.
type Broadcaster interface {
	BroadcastOnline(users []domain.User)
}

type entry struct {
	user     domain.UserID
	lastSeen time.Time
}

// Entry is a read-only view of one connection.
type Entry struct {
	ConnID     core.ConnID
	UserID     domain.UserID
	LastSeenAt time.Time
}

// Registry tracks which users hold open signaling connections.
//
// Transitions for one user are decided and persisted under that user's lock;
// the registry mutex only guards the maps and is never held across I/O.
type Registry struct {
	mu    sync.RWMutex
	conns map[core.ConnID]*entry
	users map[domain.UserID]map[core.ConnID]struct{}

	userLocks *keyedLock

	store StatusStore
	dir   Directory
	out   Broadcaster
	now   func() time.Time

	// snapshot ordering
	version   uint64
	bmu       sync.Mutex
	delivered uint64
}

type Option func(*Registry)

func WithStore(s StatusStore) Option {
	return func(r *Registry) {
		if s != nil {
			r.store = s
		}
	}
}

func WithDirectory(d Directory) Option {
	return func(r *Registry) {
		if d != nil {
			r.dir = d
		}
	}
}

func WithBroadcaster(b Broadcaster) Option {
	return func(r *Registry) {
		if b != nil {
			r.out = b
		}
	}
}

// WithNow overrides the clock used for last seen timestamps.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		conns:     make(map[core.ConnID]*entry),
		users:     make(map[domain.UserID]map[core.ConnID]struct{}),
		userLocks: newKeyedLock(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetBroadcaster wires the hub after construction; the hub itself needs the registry.
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.bmu.Lock()
	defer r.bmu.Unlock()
	r.out = b
}

// OnConnect records an unannounced connection.
func (r *Registry) OnConnect(conn core.ConnID) {
	r.mu.Lock()
	if _, ok := r.conns[conn]; !ok {
		r.conns[conn] = &entry{lastSeen: r.now()}
	}
	n := len(r.conns)
	r.mu.Unlock()

	metrics.SignalConnections.Set(float64(n))
	log.Debug().Str("module", "app.presence").Str("conn", string(conn)).Msg("connection opened")
}

// Announce binds conn to user and broadcasts the new online set.
// A connection previously bound to another user is released first.
func (r *Registry) Announce(ctx context.Context, conn core.ConnID, user domain.UserID) error {
	user = domain.UserID(strings.TrimSpace(string(user)))
	if user == "" {
		return fmt.Errorf("%w: empty user id", domain.ErrInvalidParticipant)
	}

	r.mu.Lock()
	e, ok := r.conns[conn]
	if !ok {
		e = &entry{}
		r.conns[conn] = e
	}
	prev := e.user
	r.mu.Unlock()

	if prev != "" && prev != user {
		r.release(ctx, conn, prev)
	}
	r.acquire(ctx, conn, user)
	r.broadcast(ctx)
	return nil
}

// OnDisconnect forgets conn. The bound user goes offline with its last connection.
func (r *Registry) OnDisconnect(ctx context.Context, conn core.ConnID) {
	r.mu.Lock()
	e, ok := r.conns[conn]
	delete(r.conns, conn)
	n := len(r.conns)
	var user domain.UserID
	if ok {
		user = e.user
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	metrics.SignalConnections.Set(float64(n))

	if user != "" {
		r.release(ctx, conn, user)
	}
	log.Debug().Str("module", "app.presence").Str("conn", string(conn)).Str("user", string(user)).Msg("connection closed")
	r.broadcast(ctx)
}

func (r *Registry) acquire(ctx context.Context, conn core.ConnID, user domain.UserID) {
	r.userLocks.Lock(user)
	defer r.userLocks.Unlock(user)

	now := r.now()
	r.mu.Lock()
	e, ok := r.conns[conn]
	if !ok {
		// closed while announcing
		r.mu.Unlock()
		return
	}
	e.user = user
	e.lastSeen = now
	set := r.users[user]
	if set == nil {
		set = make(map[core.ConnID]struct{})
		r.users[user] = set
	}
	first := len(set) == 0
	set[conn] = struct{}{}
	online := len(r.users)
	r.mu.Unlock()

	metrics.OnlineUsers.Set(float64(online))
	if first {
		log.Info().Str("module", "app.presence").Str("user", string(user)).Msg("user online")
	}
	// every announce refreshes the stored flag, not only the first connection
	if r.store == nil {
		return
	}
	if err := r.store.MarkOnline(ctx, user, now); err != nil {
		metrics.PresenceStoreErrors.WithLabelValues("online").Inc()
		log.Error().Err(err).Str("module", "app.presence").Str("user", string(user)).Msg("mark online failed")
	}
}

func (r *Registry) release(ctx context.Context, conn core.ConnID, user domain.UserID) {
	r.userLocks.Lock(user)
	defer r.userLocks.Unlock(user)

	now := r.now()
	r.mu.Lock()
	if e, ok := r.conns[conn]; ok && e.user == user {
		e.user = ""
	}
	set := r.users[user]
	_, held := set[conn]
	last := false
	if held {
		delete(set, conn)
		if len(set) == 0 {
			delete(r.users, user)
			last = true
		}
	}
	online := len(r.users)
	r.mu.Unlock()

	metrics.OnlineUsers.Set(float64(online))
	if !last {
		return
	}
	log.Info().Str("module", "app.presence").Str("user", string(user)).Msg("user offline")
	if r.store == nil {
		return
	}
	if err := r.store.MarkOffline(ctx, user, now); err != nil {
		metrics.PresenceStoreErrors.WithLabelValues("offline").Inc()
		log.Error().Err(err).Str("module", "app.presence").Str("user", string(user)).Msg("mark offline failed")
	}
}

// broadcast sends the current online set. Snapshots are versioned under the
// registry mutex so a slower, older snapshot never overwrites a newer one.
func (r *Registry) broadcast(ctx context.Context) {
	r.mu.Lock()
	r.version++
	v := r.version
	ids := r.onlineLocked()
	r.mu.Unlock()

	users := r.profiles(ctx, ids)

	r.bmu.Lock()
	defer r.bmu.Unlock()
	if v <= r.delivered {
		metrics.PresenceBroadcasts.WithLabelValues("stale").Inc()
		return
	}
	r.delivered = v
	if r.out == nil {
		return
	}
	r.out.BroadcastOnline(users)
	metrics.PresenceBroadcasts.WithLabelValues("sent").Inc()
}

func (r *Registry) profiles(ctx context.Context, ids []domain.UserID) []domain.User {
	bare := lo.Map(ids, func(id domain.UserID, _ int) domain.User {
		return domain.User{ID: id, IsOnline: true}
	})
	if r.dir == nil || len(ids) == 0 {
		return bare
	}
	found, err := r.dir.Profiles(ctx, ids)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.presence").Msg("directory lookup failed, sending bare ids")
		return bare
	}
	byID := lo.KeyBy(found, func(u domain.User) domain.UserID { return u.ID })
	return lo.Map(ids, func(id domain.UserID, _ int) domain.User {
		u, ok := byID[id]
		if !ok {
			return domain.User{ID: id, IsOnline: true}
		}
		u.IsOnline = true
		return u
	})
}

func (r *Registry) onlineLocked() []domain.UserID {
	ids := lo.Keys(r.users)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CurrentOnlineUsers returns the sorted, de-duplicated online user ids.
func (r *Registry) CurrentOnlineUsers() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.onlineLocked()
}

func (r *Registry) IsOnline(user domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[user]) > 0
}

// ConnectionsOf returns the connections currently bound to user.
func (r *Registry) ConnectionsOf(user domain.UserID) []core.ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.users[user])
}

// UserOf returns the user conn announced as, if any.
func (r *Registry) UserOf(conn core.ConnID) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[conn]
	if !ok || e.user == "" {
		return "", false
	}
	return e.user, true
}

func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.conns))
	for id, e := range r.conns {
		out = append(out, Entry{ConnID: id, UserID: e.user, LastSeenAt: e.lastSeen})
	}
	return out
}
