// Package redisstore mirrors presence into redis so other services can read
// who is online without asking the signaling server.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dkeye/Ring/internal/domain"
)

const (
	presenceKeyPrefix = "ring:presence:"
	lastSeenKeyPrefix = "ring:lastseen:"
	// last seen survives a week
	lastSeenTTL = 7 * 24 * time.Hour
)

type Config struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// PresenceStore keeps one expiring key per online user. The reconciliation
// sweep refreshes the keys of live users, so a crashed server's users expire.
type PresenceStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewPresenceStore(client *redis.Client, ttl time.Duration) *PresenceStore {
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	return &PresenceStore{client: client, ttl: ttl}
}

func presenceKey(id domain.UserID) string { return presenceKeyPrefix + string(id) }
func lastSeenKey(id domain.UserID) string { return lastSeenKeyPrefix + string(id) }

func (r *PresenceStore) MarkOnline(ctx context.Context, id domain.UserID, at time.Time) error {
	return r.client.Set(ctx, presenceKey(id), at.Unix(), r.ttl).Err()
}

func (r *PresenceStore) MarkOffline(ctx context.Context, id domain.UserID, lastSeen time.Time) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, presenceKey(id))
		p.Set(ctx, lastSeenKey(id), lastSeen.Unix(), lastSeenTTL)
		return nil
	})
	return err
}

func (r *PresenceStore) IsOnline(ctx context.Context, id domain.UserID) (bool, error) {
	n, err := r.client.Exists(ctx, presenceKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LastSeen returns the zero time when nothing was recorded.
func (r *PresenceStore) LastSeen(ctx context.Context, id domain.UserID) (time.Time, error) {
	raw, err := r.client.Get(ctx, lastSeenKey(id)).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("last seen of %s: %w", id, err)
	}
	return time.Unix(sec, 0), nil
}

// Refresh re-arms the keys of users that are still connected.
func (r *PresenceStore) Refresh(ctx context.Context, live []domain.UserID, at time.Time) error {
	if len(live) == 0 {
		return nil
	}
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range live {
			p.Set(ctx, presenceKey(id), at.Unix(), r.ttl)
		}
		return nil
	})
	return err
}

func (r *PresenceStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
