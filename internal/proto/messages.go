package proto

import (
	"encoding/json"
	"fmt"
	"io"
)

// Action names the purpose of a ControlMessage.
type Action string

const (
	// ActionAuth is the first message a client sends on a control channel.
	ActionAuth         Action = "AUTH"
	ActionAuthResponse Action = "AUTH_RESPONSE"
	// ActionRegisterTunnel asks the server to bind one tunnel descriptor.
	ActionRegisterTunnel         Action = "REGISTER_TUNNEL"
	ActionRegisterTunnelResponse Action = "REGISTER_TUNNEL_RESPONSE"
	// ActionRequestProxy is sent server -> client control channel when a public
	// connection needs a fresh proxy connection.
	ActionRequestProxy Action = "REQUEST_PROXY"
	// ActionRegisterProxy is the first message on a proxy connection, client -> server.
	ActionRegisterProxy Action = "REGISTER_PROXY"
	// ActionStartProxy is sent server -> client on the proxy connection; every
	// byte after it is payload.
	ActionStartProxy Action = "START_PROXY"
	ActionPing       Action = "PING"
	ActionPong       Action = "PONG"
)

// Header keys carried in ControlMessage.Headers.
const (
	HeaderPublicConnectionID = "public-connection-id"
	HeaderClientID           = "client-id"
	HeaderTunnelName         = "tunnel-name"
)

// Response codes used by AUTH_RESPONSE and REGISTER_TUNNEL_RESPONSE bodies.
const (
	CodeOK     = 0
	CodeFailed = 1
)

// ControlMessage is the unit exchanged on control and proxy connections. It is
// serialized as a single JSON object, whose closing brace delimits it.
type ControlMessage struct {
	Action  Action            `json:"action"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// Auth is the AUTH body.
type Auth struct {
	Token   string `json:"token"`
	Version string `json:"version,omitempty"`
}

// Result is the body of AUTH_RESPONSE and REGISTER_TUNNEL_RESPONSE.
type Result struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// OK reports whether the result signals success.
func (r Result) OK() bool { return r.Code == CodeOK }

// New builds a message with body marshalled from v (nil leaves it empty).
func New(action Action, v any, headers map[string]string) (*ControlMessage, error) {
	m := &ControlMessage{Action: action, Headers: headers}
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", action, err)
		}
		m.Body = b
	}
	return m, nil
}

// Header returns the named header or empty.
func (m *ControlMessage) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// Decode unmarshals the body into v.
func (m *ControlMessage) Decode(v any) error {
	if len(m.Body) == 0 {
		return fmt.Errorf("%w: %s has no body", ErrFraming, m.Action)
	}
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrFraming, m.Action, err)
	}
	return nil
}

// Write serializes m onto w as compact JSON with no trailing delimiter, so the
// bytes that follow a START_PROXY on the same stream are payload verbatim.
func Write(w io.Writer, m *ControlMessage) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Send builds and writes a message in one step.
func Send(w io.Writer, action Action, v any, headers map[string]string) error {
	m, err := New(action, v, headers)
	if err != nil {
		return err
	}
	return Write(w, m)
}
