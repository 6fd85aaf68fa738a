/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: prometheus.go
Description: Prometheus export of harness telemetry, served on an optional HTTP address
while a benchmark runs.
*/

package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "fuzzbench"

// PrometheusReporter exports instance events as Prometheus metrics
type PrometheusReporter struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	drained     *prometheus.CounterVec
	failures    *prometheus.CounterVec
	running     prometheus.Gauge

	mu     sync.Mutex
	active map[int]struct{}
}

// NewPrometheusReporter creates a reporter with its own registry
func NewPrometheusReporter() *PrometheusReporter {
	r := &PrometheusReporter{
		registry: prometheus.NewRegistry(),
		active:   make(map[int]struct{}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_transitions_total",
			Help:      "Instance lifecycle transitions by target state.",
		}, []string{"state"}),
		drained: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drained_bytes_total",
			Help:      "Telemetry bytes persisted by channel and instance.",
		}, []string{"channel", "instance"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_failures_total",
			Help:      "Instances that failed, by instance.",
		}, []string{"instance"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances_running",
			Help:      "Instances currently in the running state.",
		}),
	}
	r.registry.MustRegister(r.transitions, r.drained, r.failures, r.running)
	return r
}

// Registry exposes the underlying registry
func (r *PrometheusReporter) Registry() *prometheus.Registry { return r.registry }

func (r *PrometheusReporter) OnStateChange(index int, state string) {
	r.transitions.WithLabelValues(state).Inc()

	r.mu.Lock()
	defer r.mu.Unlock()
	_, active := r.active[index]
	switch {
	case state == "running" && !active:
		r.active[index] = struct{}{}
		r.running.Inc()
	case state != "running" && active:
		delete(r.active, index)
		r.running.Dec()
	}
}

func (r *PrometheusReporter) OnDrained(index int, channel string, n int) {
	r.drained.WithLabelValues(channel, strconv.Itoa(index)).Add(float64(n))
}

func (r *PrometheusReporter) OnError(index int, err error) {
	r.failures.WithLabelValues(strconv.Itoa(index)).Inc()
}

// Handler returns the scrape handler for the reporter's registry
func (r *PrometheusReporter) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done
func (r *PrometheusReporter) Serve(ctx context.Context, addr string, logger *logrus.Entry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logger.WithField("addr", ln.Addr().String()).Info("Serving Prometheus metrics")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
