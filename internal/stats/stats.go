// Package stats implements the request statistics sinks fed by the server:
// an Apache-style access logger and a prometheus exporter. Sinks are named
// factories looked up at (re)configuration time.
package stats

import (
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aircast/aircast/internal/config"
	"github.com/aircast/aircast/internal/httpmsg"
)

// Handler observes request lifecycles.
type Handler interface {
	// RequestIn fires once a request head is parsed, before routing.
	RequestIn(req *httpmsg.Request, remoteAddr string)
	// RequestOut fires when the handler serving the request closes.
	RequestOut(req *httpmsg.Request, remoteAddr string, bytesSent int64, connectTime time.Time, status int)
}

// Factory builds a sink from its config entry.
type Factory func(entry config.HandlerConfig, now func() time.Time) (Handler, error)

var factories = map[string]Factory{
	"apache_log": newApacheLogger,
	"prometheus": newPrometheus,
}

// RegisterFactory installs a custom sink factory.
func RegisterFactory(name string, f Factory) {
	factories[name] = f
}

// Build constructs the configured sinks. now supplies the loop's cached
// wall clock.
func Build(cfg *config.Config, now func() time.Time) ([]Handler, error) {
	handlers := make([]Handler, 0, len(cfg.Statistics))
	for _, entry := range cfg.Statistics {
		factory, ok := factories[entry.Handler]
		if !ok {
			return nil, fmt.Errorf("stats: unknown handler %q", entry.Handler)
		}
		h, err := factory(entry, now)
		if err != nil {
			return nil, fmt.Errorf("stats: %s: %w", entry.Handler, err)
		}
		handlers = append(handlers, h)
	}
	return handlers, nil
}

// apacheLogger writes one combined-log-format line per finished request.
type apacheLogger struct {
	now func() time.Time
}

func newApacheLogger(_ config.HandlerConfig, now func() time.Time) (Handler, error) {
	return &apacheLogger{now: now}, nil
}

func (l *apacheLogger) RequestIn(req *httpmsg.Request, remoteAddr string) {}

func (l *apacheLogger) RequestOut(req *httpmsg.Request, remoteAddr string, bytesSent int64, connectTime time.Time, status int) {
	method, path, version, referer, agent := "-", "-", "-", "-", "-"
	if req != nil {
		method, path, version = req.Method, req.Path, req.Version
		if v := req.Headers.Get("Referer"); v != "" {
			referer = v
		}
		if v := req.Headers.Get("User-Agent"); v != "" {
			agent = v
		}
	}
	size := "-"
	if bytesSent > 0 {
		size = strconv.FormatInt(bytesSent, 10)
	}
	log.Printf("%s - - [%s] \"%s %s %s\" %d %s %q %q",
		remoteAddr,
		l.now().Format("02/Jan/2006:15:04:05 -0700"),
		method, path, version, status, size, referer, agent)
}

// Prometheus collectors are package-level so reconfiguration does not
// re-register them.
var (
	promRequestsIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aircast_requests_in_total",
		Help: "Requests received, by method.",
	}, []string{"method"})
	promRequestsOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aircast_requests_out_total",
		Help: "Requests completed, by status code.",
	}, []string{"status"})
	promBytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aircast_bytes_sent_total",
		Help: "Payload bytes written to consumers.",
	})
	promRequestSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aircast_request_duration_seconds",
		Help:    "Lifetime of completed requests.",
		Buckets: prometheus.ExponentialBuckets(0.05, 4, 10),
	})
)

type prometheusSink struct {
	now func() time.Time
}

func newPrometheus(_ config.HandlerConfig, now func() time.Time) (Handler, error) {
	return &prometheusSink{now: now}, nil
}

func (p *prometheusSink) RequestIn(req *httpmsg.Request, remoteAddr string) {
	method := "unknown"
	if req != nil {
		method = req.Method
	}
	promRequestsIn.WithLabelValues(method).Inc()
}

func (p *prometheusSink) RequestOut(req *httpmsg.Request, remoteAddr string, bytesSent int64, connectTime time.Time, status int) {
	promRequestsOut.WithLabelValues(strconv.Itoa(status)).Inc()
	promBytesSent.Add(float64(bytesSent))
	if !connectTime.IsZero() {
		promRequestSeconds.Observe(p.now().Sub(connectTime).Seconds())
	}
}
