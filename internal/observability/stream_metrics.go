package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Viewer kinds used as the "kind" label.
const (
	KindViewer  = "viewer"
	KindWaiting = "waiting"
	KindControl = "control"
	KindWatch   = "watch"
)

// StreamCollector exposes frame and status delivery metrics.
type StreamCollector struct {
	gatherer prometheus.Gatherer

	FramesPublished    prometheus.Counter
	FramesSent         prometheus.Counter
	FramesDropped      *prometheus.CounterVec
	SubscribersRemoved *prometheus.CounterVec
	Viewers            *prometheus.GaugeVec
	ViewerSessions     *prometheus.HistogramVec
}

// NewStreamCollector registers stream metrics against the provided registerer.
func NewStreamCollector(reg prometheus.Registerer) (*StreamCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	published, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "simrunner_frames_published_total",
		Help: "Frames encoded and published by runners.",
	}), "simrunner_frames_published_total")
	if err != nil {
		return nil, err
	}

	sent, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "simrunner_frames_sent_total",
		Help: "Frames written to viewer connections.",
	}), "simrunner_frames_sent_total")
	if err != nil {
		return nil, err
	}

	dropped, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simrunner_frames_dropped_total",
		Help: "Frames not delivered to a viewer, labeled by reason.",
	}, []string{"reason"}), "simrunner_frames_dropped_total")
	if err != nil {
		return nil, err
	}

	removed, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "simrunner_subscribers_removed_total",
		Help: "Subscribers detached from a broadcast hub, labeled by reason.",
	}, []string{"reason"}), "simrunner_subscribers_removed_total")
	if err != nil {
		return nil, err
	}

	viewers, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "simrunner_connections",
		Help: "Open viewer and control connections, labeled by kind.",
	}, []string{"kind"}), "simrunner_connections")
	if err != nil {
		return nil, err
	}

	sessions, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simrunner_connection_duration_seconds",
		Help:    "Lifetime of viewer and control connections in seconds.",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
	}, []string{"kind"}), "simrunner_connection_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &StreamCollector{
		gatherer:           gatherer,
		FramesPublished:    published,
		FramesSent:         sent,
		FramesDropped:      dropped,
		SubscribersRemoved: removed,
		Viewers:            viewers,
		ViewerSessions:     sessions,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *StreamCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveFramePublished satisfies runner.MetricsRecorder.
func (c *StreamCollector) ObserveFramePublished() {
	if c == nil || c.FramesPublished == nil {
		return
	}
	c.FramesPublished.Inc()
}

// ObserveFrameSent satisfies broadcast.MetricsRecorder.
func (c *StreamCollector) ObserveFrameSent() {
	if c == nil || c.FramesSent == nil {
		return
	}
	c.FramesSent.Inc()
}

// ObserveFrameDropped satisfies broadcast.MetricsRecorder.
func (c *StreamCollector) ObserveFrameDropped(reason string) {
	if c == nil || c.FramesDropped == nil {
		return
	}
	c.FramesDropped.WithLabelValues(reason).Inc()
}

// ObserveSubscriberRemoved satisfies broadcast.MetricsRecorder.
func (c *StreamCollector) ObserveSubscriberRemoved(reason string) {
	if c == nil || c.SubscribersRemoved == nil {
		return
	}
	c.SubscribersRemoved.WithLabelValues(reason).Inc()
}

// ConnectionOpened increments the open connection gauge for kind.
func (c *StreamCollector) ConnectionOpened(kind string) {
	if c == nil || c.Viewers == nil {
		return
	}
	c.Viewers.WithLabelValues(kind).Inc()
}

// ConnectionClosed decrements the gauge and records how long it was open.
func (c *StreamCollector) ConnectionClosed(kind string, lifetime time.Duration) {
	if c == nil {
		return
	}
	if c.Viewers != nil {
		c.Viewers.WithLabelValues(kind).Dec()
	}
	if c.ViewerSessions != nil {
		c.ViewerSessions.WithLabelValues(kind).Observe(lifetime.Seconds())
	}
}

// ConnectionMoved shifts one connection between kinds, as when a waiting
// viewer is promoted to a full subscriber.
func (c *StreamCollector) ConnectionMoved(from, to string) {
	if c == nil || c.Viewers == nil {
		return
	}
	c.Viewers.WithLabelValues(from).Dec()
	c.Viewers.WithLabelValues(to).Inc()
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
