package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/matst80/tunnelrelay/internal/config"
	"github.com/matst80/tunnelrelay/internal/obs"
)

// StateStore holds client sessions and public connections waiting for a
// proxy connection. Pending entries are always local to the instance that
// accepted the public connection.
type StateStore interface {
	registerClient(id string, sess *clientSession) error
	getClient(id string) *clientSession
	removeClient(id string) int
	setPending(id string, p *pendingInfo)
	popPending(id string) *pendingInfo
	cleanupExpiredPending(maxAge time.Duration) int
	setClosing(closing bool)
	setReady(ready bool)
	isClosing() bool
	isReady() bool
	getStats() (clients int, pending int, totalProxies int64, timeouts int64)
	incrementProxyCount()
}

// clientSession is an authenticated control channel. control is only set on
// the instance that accepted the channel.
type clientSession struct {
	id       string
	remote   string
	control  *controlChannel
	lastSeen time.Time
}

// pendingInfo is a public connection waiting for REGISTER_PROXY.
type pendingInfo struct {
	public   *PublicConnection
	clientID string
	created  time.Time
	readyCh  chan struct{} // closed when the proxy connection paired
}

type memoryState struct {
	mu           sync.Mutex
	clients      map[string]*clientSession
	pending      map[string]*pendingInfo
	closing      bool
	ready        bool
	totalProxies int64
	timeouts     int64
}

var _ StateStore = (*memoryState)(nil)

func newMemoryState() *memoryState {
	return &memoryState{clients: make(map[string]*clientSession), pending: make(map[string]*pendingInfo)}
}

// newStateStore picks the redis store when an address is configured.
func newStateStore(cfg config.Redis) (StateStore, error) {
	if cfg.Address == "" {
		obs.Info("state.backend", obs.Fields{"type": "in-memory"})
		return newMemoryState(), nil
	}
	obs.Info("state.backend", obs.Fields{"type": "redis", "addr": cfg.Address})
	return newRedisState(cfg)
}

func (s *memoryState) setClosing(closing bool) { s.mu.Lock(); s.closing = closing; s.mu.Unlock() }
func (s *memoryState) setReady(ready bool)     { s.mu.Lock(); s.ready = ready; s.mu.Unlock() }
func (s *memoryState) isClosing() bool         { s.mu.Lock(); defer s.mu.Unlock(); return s.closing }
func (s *memoryState) isReady() bool           { s.mu.Lock(); defer s.mu.Unlock(); return s.ready }

func (s *memoryState) registerClient(id string, sess *clientSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clients[id]; exists {
		return fmt.Errorf("client already registered: %s", id)
	}
	s.clients[id] = sess
	obs.ActiveClients.Set(float64(len(s.clients)))
	return nil
}

func (s *memoryState) getClient(id string) *clientSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[id]
}

// removeClient drops a session and closes the public connections still
// waiting on it.
func (s *memoryState) removeClient(id string) int {
	s.mu.Lock()
	delete(s.clients, id)
	orphans := takeOwned(s.pending, id)
	obs.ActiveClients.Set(float64(len(s.clients)))
	obs.PendingConnections.Set(float64(len(s.pending)))
	s.mu.Unlock()
	for _, p := range orphans {
		p.public.Close()
	}
	return len(orphans)
}

func (s *memoryState) setPending(id string, p *pendingInfo) {
	s.mu.Lock()
	s.pending[id] = p
	n := len(s.pending)
	s.mu.Unlock()
	obs.PendingConnections.Set(float64(n))
}

func (s *memoryState) popPending(id string) *pendingInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending[id]
	delete(s.pending, id)
	obs.PendingConnections.Set(float64(len(s.pending)))
	return p
}

func (s *memoryState) cleanupExpiredPending(maxAge time.Duration) int {
	s.mu.Lock()
	expired := takeExpired(s.pending, maxAge, s.closing)
	s.timeouts += int64(len(expired))
	obs.PendingConnections.Set(float64(len(s.pending)))
	s.mu.Unlock()
	expirePending(expired)
	return len(expired)
}

func (s *memoryState) incrementProxyCount() {
	s.mu.Lock()
	s.totalProxies++
	s.mu.Unlock()
}

func (s *memoryState) getStats() (int, int, int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients), len(s.pending), s.totalProxies, s.timeouts
}

// takeOwned removes and returns the pending entries of clientID. The caller
// holds the lock guarding m.
func takeOwned(m map[string]*pendingInfo, clientID string) []*pendingInfo {
	var out []*pendingInfo
	for id, p := range m {
		if p.clientID == clientID {
			out = append(out, p)
			delete(m, id)
		}
	}
	return out
}

// takeExpired removes and returns entries older than maxAge, or all of them
// when the server is closing.
func takeExpired(m map[string]*pendingInfo, maxAge time.Duration, all bool) []*pendingInfo {
	var out []*pendingInfo
	cutoff := time.Now().Add(-maxAge)
	for id, p := range m {
		if all || p.created.Before(cutoff) {
			out = append(out, p)
			delete(m, id)
		}
	}
	return out
}

func expirePending(expired []*pendingInfo) {
	for _, p := range expired {
		p.public.Timeout()
		obs.ProxyTimeoutTotal.Inc()
	}
}
