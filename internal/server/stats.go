package server

import (
	"sort"
	"time"
)

// Stats is the server snapshot served by /api/state and the dashboard.
type Stats struct {
	Clients      int          `json:"clients"`
	Pending      int          `json:"pending"`
	Active       int          `json:"active_connections"`
	TotalProxies int64        `json:"total_proxies"`
	Timeouts     int64        `json:"timeouts"`
	Tunnels      []TunnelStat `json:"tunnels"`
	Now          string       `json:"now"`
}

// TunnelStat describes one bound tunnel.
type TunnelStat struct {
	Name     string   `json:"name"`
	Protocol string   `json:"protocol"`
	Port     int      `json:"port"`
	Hosts    []string `json:"hosts,omitempty"`
	ClientID string   `json:"client_id"`
}

// Stats collects the current snapshot.
func (s *Server) Stats() Stats {
	c, p, total, timeouts := s.state.getStats()
	st := Stats{Clients: c, Pending: p, Active: s.ActiveConnections(), TotalProxies: total, Timeouts: timeouts, Now: time.Now().UTC().Format(time.RFC3339)}
	for _, e := range s.registry.Entries() {
		ts := TunnelStat{Name: e.Descriptor.Name, Protocol: string(e.Descriptor.Protocol), Port: e.Descriptor.ServerPort, ClientID: e.Owner}
		for _, r := range e.Descriptor.ProxyHosts {
			ts.Hosts = append(ts.Hosts, r.Host)
		}
		st.Tunnels = append(st.Tunnels, ts)
	}
	sort.SliceStable(st.Tunnels, func(i, j int) bool { return st.Tunnels[i].Port < st.Tunnels[j].Port })
	return st
}

// ToTemplateMap returns the fields the dashboard template expects.
func (st Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Clients":  st.Clients,
		"Pending":  st.Pending,
		"Active":   st.Active,
		"Total":    st.TotalProxies,
		"Timeouts": st.Timeouts,
		"Tunnels":  st.Tunnels,
	}
}
