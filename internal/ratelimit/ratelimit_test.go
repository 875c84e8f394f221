package ratelimit

import (
	"testing"
)

func TestRateLimiter(t *testing.T) {
	// global limits disabled; per-key: 2 conn/s, 5 req/s; burst: 3
	rl := NewRateLimiter(0, 2, 0, 5, 3)
	key := "web"

	for i := 0; i < 3; i++ {
		if !rl.AllowConnection(key) {
			t.Errorf("Expected connection %d to be allowed for %s", i, key)
		}
	}
	if rl.AllowConnection(key) {
		t.Error("Expected connection to be denied due to per-key limit")
	}

	for i := 0; i < 3; i++ {
		if !rl.AllowRequest(key) {
			t.Errorf("Expected request %d to be allowed for %s", i, key)
		}
	}
	if rl.AllowRequest(key) {
		t.Error("Expected request to be denied due to per-key limit")
	}

	other := "ssh"
	if !rl.AllowConnection(other) {
		t.Error("Expected connection to be allowed for different key")
	}
	if !rl.AllowRequest(other) {
		t.Error("Expected request to be allowed for different key")
	}
}

func TestRateLimiterWithGlobalLimits(t *testing.T) {
	rl := NewRateLimiter(2, 0, 2, 0, 2)

	if !rl.AllowConnection("a") {
		t.Error("Expected first global connection to be allowed")
	}
	if !rl.AllowConnection("b") {
		t.Error("Expected second global connection to be allowed")
	}
	if rl.AllowConnection("a") {
		t.Error("Expected connection to be denied due to global limit")
	}

	if !rl.AllowRequest("a") {
		t.Error("Expected first global request to be allowed")
	}
	if !rl.AllowRequest("b") {
		t.Error("Expected second global request to be allowed")
	}
	if rl.AllowRequest("a") {
		t.Error("Expected request to be denied due to global limit")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(0, 1, 0, 1, 1)

	rl.AllowConnection("k1")
	rl.AllowConnection("k2")
	rl.AllowRequest("k1")
	rl.AllowRequest("k2")

	if len(rl.perKeyConnLimiters) != 2 || len(rl.perKeyReqLimiters) != 2 {
		t.Fatalf("Expected 2 limiters each, got %d/%d", len(rl.perKeyConnLimiters), len(rl.perKeyReqLimiters))
	}

	rl.CleanupExpiredKeys(map[string]bool{"k1": true})
	if _, ok := rl.perKeyConnLimiters["k1"]; !ok {
		t.Error("Expected k1 connection limiter to remain")
	}
	if _, ok := rl.perKeyReqLimiters["k2"]; ok {
		t.Error("Expected k2 request limiter to be cleaned up")
	}

	rl.Forget("k1")
	if len(rl.perKeyConnLimiters) != 0 || len(rl.perKeyReqLimiters) != 0 {
		t.Errorf("Expected no limiters after Forget, got %d/%d", len(rl.perKeyConnLimiters), len(rl.perKeyReqLimiters))
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 0, 0, 0, 5)
	for i := 0; i < 100; i++ {
		if !rl.AllowConnection("k") {
			t.Errorf("Expected connection %d to be allowed when limits disabled", i)
		}
		if !rl.AllowRequest("k") {
			t.Errorf("Expected request %d to be allowed when limits disabled", i)
		}
	}
	var nilLimiter *RateLimiter
	if !nilLimiter.AllowConnection("k") {
		t.Error("nil limiter should allow")
	}
}
