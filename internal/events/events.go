// Package events is the publish point for lifecycle notifications. Publishing
// is purely observational; nothing a sink does feeds back into the caller.
package events

import "github.com/matst80/tunnelrelay/internal/obs"

// Event names published by client and server.
const (
	ClientAuthenticated = "client.authenticated"
	TunnelRegistered    = "tunnel.registered"
	TunnelMatched       = "tunnel.matched"
	RequestProxy        = "request_proxy"
	WorkerCreated       = "worker.created"
	WorkerStopped       = "worker.stopped"
	ProxyEstablished    = "proxy.established"
)

// Sink receives named events with a payload map.
type Sink interface {
	Publish(name string, payload map[string]any)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(name string, payload map[string]any)

func (f SinkFunc) Publish(name string, payload map[string]any) { f(name, payload) }

// Nop discards events.
var Nop Sink = SinkFunc(func(string, map[string]any) {})

// Log writes every event as a debug log line.
var Log Sink = SinkFunc(func(name string, payload map[string]any) {
	obs.Debug("event."+name, obs.Fields(payload))
})

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}
