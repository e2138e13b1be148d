package main

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"lds.li/netrelay/connecttunnel"
)

// handshakeMetrics holds Prometheus metrics for CONNECT handshakes made
// against the remote proxy.
type handshakeMetrics struct {
	handshakes *prometheus.CounterVec
	duration   prometheus.Histogram
	leftover   prometheus.Counter
}

func newHandshakeMetrics(reg prometheus.Registerer) *handshakeMetrics {
	m := &handshakeMetrics{
		handshakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netrelay",
				Name:      "handshakes_total",
				Help:      "Total number of CONNECT handshakes by result",
			},
			[]string{"result"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "netrelay",
				Name:      "handshake_duration_seconds",
				Help:      "Time from writing CONNECT to receiving the proxy's response headers",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		leftover: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "netrelay",
				Name:      "handshake_leftover_bytes_total",
				Help:      "Tunneled bytes received together with proxy response headers",
			},
		),
	}
	reg.MustRegister(m.handshakes, m.duration, m.leftover)
	return m
}

func (m *handshakeMetrics) observe(info connecttunnel.HandshakeInfo) {
	m.handshakes.WithLabelValues(handshakeResult(info.Err)).Inc()
	m.duration.Observe(info.Duration.Seconds())
	if info.Err == nil {
		m.leftover.Add(float64(info.Leftover))
	}
}

// handshakeResult maps a handshake error to the result label.
func handshakeResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, &connecttunnel.ProxyError{}):
		return "proxy_status"
	case errors.Is(err, connecttunnel.ErrPrematureEnd):
		return "premature_end"
	case errors.Is(err, connecttunnel.ErrMissingStatusLine),
		errors.Is(err, connecttunnel.ErrMalformedHeader),
		errors.Is(err, connecttunnel.ErrInvalidStatusCode),
		errors.Is(err, connecttunnel.ErrHeaderTooLarge):
		return "malformed"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	}
	return "error"
}
