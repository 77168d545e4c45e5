// Package metrics provides Prometheus metrics for the exitplane control plane and exit node agent.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all exitplane metrics.
var Registry = prometheus.NewRegistry()

// Result label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics holds the Prometheus metrics of one process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Synchronizer
	SyncRuns          *prometheus.CounterVec // labels: result
	SyncFileWrites    *prometheus.CounterVec // labels: kind (cert, key, router, tls)
	SyncActiveDomains prometheus.Gauge
	SyncLastRun       prometheus.Gauge // unix seconds

	// Control channel
	ControlChannelState prometheus.Gauge // 0=disconnected, 1=connecting, 2=connected, 3=closing

	// Control plane
	SiteRegistrations *prometheus.CounterVec // labels: result
	PeerDispatch      *prometheus.CounterVec // labels: op, result
	HubConnections    *prometheus.GaugeVec   // labels: client_type
}

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics registers all metrics with the given instance name as a constant label.
func InitMetrics(instance string) *Metrics {
	constLabels := prometheus.Labels{
		"instance_name": instance,
	}

	return &Metrics{
		SyncRuns: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "exitplane_sync_runs_total",
			Help:        "Total proxy config synchronizer runs",
			ConstLabels: constLabels,
		}, []string{"result"}),
		SyncFileWrites: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "exitplane_sync_file_writes_total",
			Help:        "Files written by the proxy config synchronizer",
			ConstLabels: constLabels,
		}, []string{"kind"}),
		SyncActiveDomains: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "exitplane_sync_active_domains",
			Help:        "Number of active domains in the last routing document",
			ConstLabels: constLabels,
		}),
		SyncLastRun: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "exitplane_sync_last_run_timestamp_seconds",
			Help:        "Unix time of the last completed synchronizer run",
			ConstLabels: constLabels,
		}),
		ControlChannelState: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "exitplane_control_channel_state",
			Help:        "Control channel state (0=disconnected, 1=connecting, 2=connected, 3=closing)",
			ConstLabels: constLabels,
		}),
		SiteRegistrations: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "exitplane_site_registrations_total",
			Help:        "Site registrations handled",
			ConstLabels: constLabels,
		}, []string{"result"}),
		PeerDispatch: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "exitplane_peer_dispatch_total",
			Help:        "Peer add/remove operations pushed to exit nodes",
			ConstLabels: constLabels,
		}, []string{"op", "result"}),
		HubConnections: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "exitplane_hub_connections",
			Help:        "Open control channel connections by client type",
			ConstLabels: constLabels,
		}, []string{"client_type"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}

// ObserveSyncRun records a synchronizer run, the files it wrote and the active domain count.
func (m *Metrics) ObserveSyncRun(at time.Time, err error, writes map[string]int, activeDomains int) {
	if m == nil {
		return
	}
	m.SyncRuns.WithLabelValues(result(err)).Inc()
	for kind, n := range writes {
		m.SyncFileWrites.WithLabelValues(kind).Add(float64(n))
	}
	m.SyncActiveDomains.Set(float64(activeDomains))
	m.SyncLastRun.Set(float64(at.Unix()))
}

// ObserveSiteRegistration records the outcome of a site registration.
func (m *Metrics) ObserveSiteRegistration(err error) {
	if m == nil {
		return
	}
	m.SiteRegistrations.WithLabelValues(result(err)).Inc()
}

// ObservePeerDispatch records a peer operation pushed to an exit node.
func (m *Metrics) ObservePeerDispatch(op string, err error) {
	if m == nil {
		return
	}
	m.PeerDispatch.WithLabelValues(op, result(err)).Inc()
}

// HubConnected adjusts the open connection gauge by delta.
func (m *Metrics) HubConnected(clientType string, delta float64) {
	if m == nil {
		return
	}
	m.HubConnections.WithLabelValues(clientType).Add(delta)
}
