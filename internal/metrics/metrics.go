package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WSConnections is the number of live entries in the connection registry.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcr_ws_connections",
		Help: "Live room channel connections.",
	})

	Broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcr_broadcasts_total",
		Help: "Room broadcasts issued.",
	})

	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcr_ws_send_failures_total",
		Help: "Outbound messages dropped because a connection queue was full or closed.",
	})

	// RoomOps counts room state machine operations by outcome. result is
	// "ok", a domain error code, or "error".
	RoomOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcr_room_ops_total",
		Help: "Room operations by name and result.",
	}, []string{"op", "result"})
)

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
