package api

import (
	"net/http"

	"github.com/devghori1264/aerophoenix/serverbot/internal/telemetry"
)

// RegisterMetrics registers the Prometheus handler in provided mux.
func RegisterMetrics(mux *http.ServeMux, m *telemetry.Metrics) {
	mux.Handle("/metrics", m.Handler())
}
