package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/matst80/tunnelrelay/internal/config"
	"github.com/matst80/tunnelrelay/internal/obs"
)

const (
	clientKeyPrefix   = "tunnelrelay:client:"
	instanceKeyPrefix = "tunnelrelay:instance:"
)

// sessionData is the JSON form of a clientSession stored in redis.
type sessionData struct {
	ID       string    `json:"id"`
	Remote   string    `json:"remote"`
	Instance string    `json:"instance"`
	LastSeen time.Time `json:"last_seen"`
}

// redisState shares client presence between server instances through redis:
// ids are unique cluster-wide and every instance can see who is connected.
// Tunnels, pending public connections and control channels stay local, so a
// public connection is only ever served by the instance its client is on.
type redisState struct {
	client     *redis.Client
	instanceID string

	mu           sync.Mutex
	pending      map[string]*pendingInfo
	local        map[string]*clientSession
	closing      bool
	ready        bool
	totalProxies int64
	timeouts     int64

	heartbeatInterval time.Duration
	keyTTL            time.Duration
}

var _ StateStore = (*redisState)(nil)

func newRedisState(cfg config.Redis) (*redisState, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisState{
		client:            rdb,
		instanceID:        "tunnelrelay-" + uuid.NewString(),
		pending:           make(map[string]*pendingInfo),
		local:             make(map[string]*clientSession),
		heartbeatInterval: 30 * time.Second,
		keyTTL:            2 * time.Minute,
	}, nil
}

func (r *redisState) setClosing(closing bool) { r.mu.Lock(); r.closing = closing; r.mu.Unlock() }
func (r *redisState) setReady(ready bool)     { r.mu.Lock(); r.ready = ready; r.mu.Unlock() }
func (r *redisState) isClosing() bool         { r.mu.Lock(); defer r.mu.Unlock(); return r.closing }
func (r *redisState) isReady() bool           { r.mu.Lock(); defer r.mu.Unlock(); return r.ready }

func (r *redisState) registerClient(id string, sess *clientSession) error {
	ctx := context.Background()
	data, err := json.Marshal(sessionData{ID: id, Remote: sess.remote, Instance: r.instanceID, LastSeen: sess.lastSeen})
	if err != nil {
		return fmt.Errorf("marshal client session: %w", err)
	}
	ok, err := r.client.SetNX(ctx, clientKeyPrefix+id, data, r.keyTTL).Result()
	if err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("client already registered: %s", id)
	}
	if err := r.client.Set(ctx, instanceKeyPrefix+id, r.instanceID, r.keyTTL).Err(); err != nil {
		return fmt.Errorf("redis instance map failed: %w", err)
	}
	r.mu.Lock()
	r.local[id] = sess
	n := len(r.local)
	r.mu.Unlock()
	obs.ActiveClients.Set(float64(n))
	return nil
}

// getClient returns the local session, or a session without a control
// channel when another instance owns the client.
func (r *redisState) getClient(id string) *clientSession {
	r.mu.Lock()
	sess, ok := r.local[id]
	r.mu.Unlock()
	if ok {
		return sess
	}
	val, err := r.client.Get(context.Background(), clientKeyPrefix+id).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			obs.Error("redis.get_client", obs.Fields{"err": err.Error(), "id": id})
		}
		return nil
	}
	var data sessionData
	if err := json.Unmarshal([]byte(val), &data); err != nil {
		obs.Error("redis.unmarshal_client", obs.Fields{"err": err.Error(), "id": id})
		return nil
	}
	return &clientSession{id: data.ID, remote: data.Remote, lastSeen: data.LastSeen}
}

func (r *redisState) removeClient(id string) int {
	ctx := context.Background()
	pipe := r.client.Pipeline()
	pipe.Del(ctx, clientKeyPrefix+id)
	pipe.Del(ctx, instanceKeyPrefix+id)
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.remove_client", obs.Fields{"err": err.Error(), "id": id})
	}
	r.mu.Lock()
	delete(r.local, id)
	orphans := takeOwned(r.pending, id)
	obs.ActiveClients.Set(float64(len(r.local)))
	obs.PendingConnections.Set(float64(len(r.pending)))
	r.mu.Unlock()
	for _, p := range orphans {
		p.public.Close()
	}
	return len(orphans)
}

func (r *redisState) setPending(id string, p *pendingInfo) {
	r.mu.Lock()
	r.pending[id] = p
	n := len(r.pending)
	r.mu.Unlock()
	obs.PendingConnections.Set(float64(n))
}

func (r *redisState) popPending(id string) *pendingInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pending[id]
	delete(r.pending, id)
	obs.PendingConnections.Set(float64(len(r.pending)))
	return p
}

func (r *redisState) cleanupExpiredPending(maxAge time.Duration) int {
	r.mu.Lock()
	expired := takeExpired(r.pending, maxAge, r.closing)
	r.timeouts += int64(len(expired))
	obs.PendingConnections.Set(float64(len(r.pending)))
	r.mu.Unlock()
	expirePending(expired)
	return len(expired)
}

// getStats counts only the sessions and proxies of this instance.
func (r *redisState) getStats() (int, int, int64, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.local), len(r.pending), r.totalProxies, r.timeouts
}

func (r *redisState) incrementProxyCount() {
	r.mu.Lock()
	r.totalProxies++
	r.mu.Unlock()
}

// startMaintenance refreshes the keys of local sessions until ctx is done.
func (r *redisState) startMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

func (r *redisState) heartbeat(ctx context.Context) {
	now := time.Now()
	r.mu.Lock()
	sessions := make([]sessionData, 0, len(r.local))
	for id, sess := range r.local {
		sess.lastSeen = now
		sessions = append(sessions, sessionData{ID: id, Remote: sess.remote, Instance: r.instanceID, LastSeen: now})
	}
	r.mu.Unlock()
	for _, s := range sessions {
		data, err := json.Marshal(s)
		if err != nil {
			obs.Error("redis.heartbeat.marshal", obs.Fields{"err": err.Error(), "id": s.ID})
			continue
		}
		if err := r.client.Set(ctx, clientKeyPrefix+s.ID, data, r.keyTTL).Err(); err != nil {
			obs.Error("redis.heartbeat.set", obs.Fields{"err": err.Error(), "id": s.ID})
		}
		if err := r.client.Expire(ctx, instanceKeyPrefix+s.ID, r.keyTTL).Err(); err != nil {
			obs.Error("redis.heartbeat.expire_instance", obs.Fields{"err": err.Error(), "id": s.ID})
		}
	}
}

// close releases the redis connection pool.
func (r *redisState) close() error { return r.client.Close() }
