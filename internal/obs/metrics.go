package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveClients         = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunnelrelay_active_clients", Help: "Current authenticated control channels"})
	RegisteredTunnels     = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunnelrelay_registered_tunnels", Help: "Tunnels bound on the server"})
	PendingConnections    = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunnelrelay_pending_connections", Help: "Public connections waiting for a proxy connection"})
	ActiveWorkers         = promauto.NewGauge(prometheus.GaugeOpts{Name: "tunnelrelay_active_workers", Help: "Client workers currently alive"})
	ProxyEstablishedTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnelrelay_proxy_established_total", Help: "Proxy sessions established"})
	ProxyTimeoutTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "tunnelrelay_proxy_timeout_total", Help: "Public connections timed out before a proxy connection registered"})
	ErrorsTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnelrelay_errors_total", Help: "Errors by type"}, []string{"type"})
	ProxyDurationSeconds  = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tunnelrelay_proxy_duration_seconds", Help: "Proxy session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	BytesTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tunnelrelay_bytes_total", Help: "Bytes spliced by direction"}, []string{"direction"})
)
