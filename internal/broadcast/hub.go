// Package broadcast fans status events and video frames out to viewer sinks.
//
// Each subscriber is served by its own goroutine. Status events are queued in
// order on a bounded per-subscriber queue; frames go through a single-slot
// mailbox where a newer frame overwrites an unsent one. A slow or failing
// subscriber therefore never blocks the publisher or any other subscriber.
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/signalsfoundry/simrunner/internal/framecodec"
	"github.com/signalsfoundry/simrunner/internal/logging"
)

// ErrHubClosed is returned by Subscribe once the hub has been closed.
var ErrHubClosed = errors.New("broadcast hub closed")

// ErrDuplicateSubscriber is returned when a subscriber id is already attached.
var ErrDuplicateSubscriber = errors.New("subscriber already attached")

// Reasons recorded when a frame does not reach a subscriber or a subscriber
// is removed.
const (
	DropSuperseded = "superseded"
	DropStale      = "stale"
	DropRateLimit  = "rate_limited"

	RemovedWriteError = "write_error"
	RemovedSlow       = "slow_consumer"
	RemovedClosed     = "closed"
	RemovedDetached   = "detached"
)

// Sink is the write side of one viewer connection. Implementations are only
// ever called from the subscriber's own goroutine, so they need not be safe
// for concurrent use. Write deadlines come from ctx.
type Sink interface {
	WriteStatus(ctx context.Context, payload []byte) error
	WriteFrame(ctx context.Context, f *framecodec.Frame) error
	Close() error
}

// MetricsRecorder receives per-subscriber delivery outcomes.
type MetricsRecorder interface {
	ObserveFrameSent()
	ObserveFrameDropped(reason string)
	ObserveSubscriberRemoved(reason string)
}

// Options configures a Hub.
type Options struct {
	// MaxFPS caps frames per second per subscriber. Zero means unlimited.
	MaxFPS float64
	// StatusBuffer is the per-subscriber status queue length. A subscriber
	// whose queue overflows is dropped.
	StatusBuffer int
	// WriteTimeout bounds each individual write.
	WriteTimeout time.Duration

	Log     logging.Logger
	Metrics MetricsRecorder
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{MaxFPS: 30, StatusBuffer: 64, WriteTimeout: 5 * time.Second}
}

// SubscribeOptions customises a single subscription.
type SubscribeOptions struct {
	// StatusOnly subscribers never receive frames.
	StatusOnly bool
	// SkipReplay suppresses the last status and frame on attach, for sinks
	// moved from another hub that have already seen them.
	SkipReplay bool
}

// Handoff receives the sinks still attached when a hub is closed with
// CloseAndHandoff. The sinks are not closed.
type Handoff func(id string, sink Sink, opts SubscribeOptions)

// Hub distributes one publisher's output to many subscribers.
type Hub struct {
	name string
	opts Options
	log  logging.Logger

	mu         sync.Mutex
	subs       map[string]*subscriber
	closed     bool
	lastStatus []byte
	lastFrame  *framecodec.Frame
}

// NewHub constructs an empty hub. name only appears in logs.
func NewHub(name string, opts Options) *Hub {
	def := DefaultOptions()
	if opts.StatusBuffer <= 0 {
		opts.StatusBuffer = def.StatusBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	log := opts.Log
	if log == nil {
		log = logging.Noop()
	}
	return &Hub{
		name: name,
		opts: opts,
		log:  log.With(logging.String("hub", name)),
		subs: make(map[string]*subscriber),
	}
}

// Subscribe attaches sink under id. The last published status, and for frame
// subscribers the last published frame, are delivered first so a late joiner
// sees the current state immediately.
func (h *Hub) Subscribe(id string, sink Sink, opts SubscribeOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	if _, ok := h.subs[id]; ok {
		return ErrDuplicateSubscriber
	}

	s := newSubscriber(h, id, sink, opts)
	if h.lastStatus != nil && !opts.SkipReplay {
		s.statuses <- h.lastStatus
	}
	if !opts.StatusOnly && !opts.SkipReplay && h.lastFrame != nil {
		s.offerFrame(h.lastFrame)
	}
	h.subs[id] = s
	go s.run()
	return nil
}

// Unsubscribe detaches id and closes its sink. It is a no-op for unknown ids.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		s.stop(stopClose, RemovedClosed)
	}
}

// Detach removes id without closing its sink and returns the sink once its
// goroutine has exited.
func (h *Hub) Detach(id string) (Sink, bool) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if !ok {
		return nil, false
	}
	s.stop(stopHandoff, RemovedDetached)
	<-s.done
	return s.sink, true
}

// PublishStatus enqueues payload for every subscriber. Payloads must not be
// modified after publishing. Statuses reach each subscriber in publish order.
func (h *Hub) PublishStatus(payload []byte) {
	var slow []*subscriber

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.lastStatus = payload
	for id, s := range h.subs {
		select {
		case s.statuses <- payload:
		default:
			delete(h.subs, id)
			slow = append(slow, s)
		}
	}
	h.mu.Unlock()

	for _, s := range slow {
		h.log.Warn(context.Background(), "status queue overflow; dropping subscriber",
			logging.String("subscriber_id", s.id),
		)
		s.stop(stopClose, RemovedSlow)
	}
}

// PublishFrame offers f to every frame subscriber without blocking.
func (h *Hub) PublishFrame(f *framecodec.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.lastFrame = f
	for _, s := range h.subs {
		if !s.opts.StatusOnly {
			s.offerFrame(f)
		}
	}
}

// Len returns the number of attached subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// IDs returns the ids of attached subscribers.
func (h *Hub) IDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	return ids
}

// Close detaches every subscriber after flushing queued statuses and closes
// their sinks. It is idempotent.
func (h *Hub) Close() {
	h.CloseAndHandoff(nil)
}

// CloseAndHandoff is like Close but passes surviving sinks to handoff instead
// of closing them. With a nil handoff the sinks are closed. It blocks until
// every subscriber goroutine has exited.
func (h *Hub) CloseAndHandoff(handoff Handoff) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.subs = map[string]*subscriber{}
	h.mu.Unlock()

	mode := stopClose
	if handoff != nil {
		mode = stopHandoff
	}
	for _, s := range subs {
		s.stop(mode, RemovedClosed)
	}
	for _, s := range subs {
		<-s.done
		if handoff != nil && !s.failed() {
			handoff(s.id, s.sink, s.opts)
		}
	}
}

// remove is called by a subscriber goroutine after a write failure.
func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	if cur, ok := h.subs[s.id]; ok && cur == s {
		delete(h.subs, s.id)
	}
	h.mu.Unlock()
}

func (h *Hub) observeSent() {
	if h.opts.Metrics != nil {
		h.opts.Metrics.ObserveFrameSent()
	}
}

func (h *Hub) observeDropped(reason string) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.ObserveFrameDropped(reason)
	}
}

func (h *Hub) observeRemoved(reason string) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.ObserveSubscriberRemoved(reason)
	}
}
