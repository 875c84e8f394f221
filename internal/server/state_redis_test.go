package server

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/matst80/tunnelrelay/internal/config"
	"github.com/matst80/tunnelrelay/internal/tunnel"
)

func redisStore(t *testing.T) *redisState {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	r, err := newRedisState(config.Redis{Address: addr})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	t.Cleanup(func() { _ = r.close() })
	return r
}

func TestRedisStateClients(t *testing.T) {
	r := redisStore(t)
	id := uuid.NewString()
	if err := r.registerClient(id, &clientSession{id: id, remote: "127.0.0.1:1", lastSeen: time.Now()}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.registerClient(id, &clientSession{id: id}); err == nil {
		t.Errorf("duplicate registration accepted")
	}

	other, err := newRedisState(config.Redis{Address: os.Getenv("REDIS_ADDR")})
	if err != nil {
		t.Fatal(err)
	}
	defer other.close()
	sess := other.getClient(id)
	if sess == nil || sess.remote != "127.0.0.1:1" || sess.control != nil {
		t.Errorf("remote view = %+v", sess)
	}

	r.removeClient(id)
	if other.getClient(id) != nil {
		t.Errorf("client still visible after removal")
	}
}

func TestRedisStatePendingIsLocal(t *testing.T) {
	r := redisStore(t)
	a, b := net.Pipe()
	defer b.Close()
	pc := newPublicConnection(a, 80, tunnel.KindTCP, nil)
	r.setPending("p1", &pendingInfo{public: pc, clientID: "c1", created: time.Now(), readyCh: make(chan struct{})})
	if r.popPending("p1") == nil || r.popPending("p1") != nil {
		t.Errorf("pending pop should succeed exactly once")
	}
}
