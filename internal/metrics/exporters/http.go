// Package exporters provides HTTP and SSE exporters for metrics.
package exporters

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smazurov/camsession/internal/logging"
)

// HTTPHandler serves every promauto-registered session and pipeline metric.
func HTTPHandler() http.Handler {
	return NewHTTPHandler(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewHTTPHandler serves g and instruments the scrapes on reg. A collector
// that fails is logged and skipped; the rest of the scrape is still served.
func NewHTTPHandler(reg prometheus.Registerer, g prometheus.Gatherer) http.Handler {
	return promhttp.InstrumentMetricHandler(reg, promhttp.HandlerFor(g, promhttp.HandlerOpts{
		ErrorLog:          scrapeLogger{logging.GetLogger("metrics")},
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	}))
}

// scrapeLogger adapts slog to promhttp.Logger.
type scrapeLogger struct {
	logger *slog.Logger
}

func (l scrapeLogger) Println(v ...any) {
	l.logger.Warn("Metrics scrape error", "error", fmt.Sprint(v...))
}
