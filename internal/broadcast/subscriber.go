package broadcast

import (
	"context"
	"sync"

	"github.com/signalsfoundry/simrunner/internal/framecodec"
	"github.com/signalsfoundry/simrunner/internal/logging"
	"golang.org/x/time/rate"
)

type stopMode int

const (
	stopClose stopMode = iota + 1
	stopHandoff
)

// subscriber is one viewer's delivery goroutine.
type subscriber struct {
	hub  *Hub
	id   string
	sink Sink
	opts SubscribeOptions

	statuses chan []byte
	limiter  *rate.Limiter

	mu         sync.Mutex
	frame      *framecodec.Frame
	frameReady chan struct{}
	lastSent   uint64
	writeErr   error

	// ctx bounds writes for the lifetime of run; quitCtx ends rate waits as
	// soon as the subscriber is stopped.
	ctx        context.Context
	cancel     context.CancelFunc
	quitCtx    context.Context
	quitCancel context.CancelFunc
	quit       chan struct{}
	stopOnce   sync.Once
	mode       stopMode
	reason     string
	done       chan struct{}
}

func newSubscriber(h *Hub, id string, sink Sink, opts SubscribeOptions) *subscriber {
	limit := rate.Inf
	if h.opts.MaxFPS > 0 {
		limit = rate.Limit(h.opts.MaxFPS)
	}
	ctx, cancel := context.WithCancel(context.Background())
	quitCtx, quitCancel := context.WithCancel(context.Background())
	return &subscriber{
		hub:        h,
		id:         id,
		sink:       sink,
		opts:       opts,
		statuses:   make(chan []byte, h.opts.StatusBuffer),
		limiter:    rate.NewLimiter(limit, 1),
		frameReady: make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		quitCtx:    quitCtx,
		quitCancel: quitCancel,
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// offerFrame overwrites the mailbox. Called with hub.mu held.
func (s *subscriber) offerFrame(f *framecodec.Frame) {
	s.mu.Lock()
	if s.frame != nil {
		s.hub.observeDropped(DropSuperseded)
	}
	s.frame = f
	s.mu.Unlock()

	select {
	case s.frameReady <- struct{}{}:
	default:
	}
}

func (s *subscriber) takeFrame() *framecodec.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.frame
	s.frame = nil
	return f
}

func (s *subscriber) stop(mode stopMode, reason string) {
	s.stopOnce.Do(func() {
		s.mode = mode
		s.reason = reason
		close(s.quit)
		s.quitCancel()
	})
}

func (s *subscriber) failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeErr != nil
}

func (s *subscriber) run() {
	defer close(s.done)
	defer s.cancel()
	defer s.quitCancel()

	for {
		select {
		case <-s.quit:
			s.drain()
			s.finish()
			return

		case payload := <-s.statuses:
			if !s.writeStatus(payload) {
				s.fail()
				return
			}

		case <-s.frameReady:
			// Waiting here lets newer frames overwrite the mailbox, so the
			// frame taken afterwards is the most recent one.
			if err := s.limiter.Wait(s.quitCtx); err != nil {
				continue
			}
			f := s.takeFrame()
			if f == nil {
				continue
			}
			if !s.writeFrame(f) {
				s.fail()
				return
			}
		}
	}
}

// drain flushes statuses that were queued before the stop.
func (s *subscriber) drain() {
	for {
		select {
		case payload := <-s.statuses:
			if !s.writeStatus(payload) {
				return
			}
		default:
			return
		}
	}
}

func (s *subscriber) writeStatus(payload []byte) bool {
	ctx, cancel := context.WithTimeout(s.ctx, s.hub.opts.WriteTimeout)
	defer cancel()
	if err := s.sink.WriteStatus(ctx, payload); err != nil {
		s.setErr(err)
		return false
	}
	return true
}

func (s *subscriber) writeFrame(f *framecodec.Frame) bool {
	s.mu.Lock()
	last := s.lastSent
	s.mu.Unlock()
	if f.Seq <= last {
		s.hub.observeDropped(DropStale)
		return true
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.hub.opts.WriteTimeout)
	defer cancel()
	if err := s.sink.WriteFrame(ctx, f); err != nil {
		s.setErr(err)
		return false
	}
	s.mu.Lock()
	s.lastSent = f.Seq
	s.mu.Unlock()
	s.hub.observeSent()
	return true
}

func (s *subscriber) setErr(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

// fail handles a write error: the subscriber leaves the hub and its sink is
// closed. Other subscribers are unaffected.
func (s *subscriber) fail() {
	s.hub.remove(s)
	s.mu.Lock()
	err := s.writeErr
	s.mu.Unlock()
	s.hub.log.Info(context.Background(), "viewer write failed; unsubscribing",
		logging.String("subscriber_id", s.id),
		logging.Err(err),
	)
	_ = s.sink.Close()
	s.hub.observeRemoved(RemovedWriteError)
}

func (s *subscriber) finish() {
	if s.failed() {
		_ = s.sink.Close()
		s.hub.observeRemoved(RemovedWriteError)
		return
	}
	if s.mode == stopClose {
		_ = s.sink.Close()
	}
	s.hub.observeRemoved(s.reason)
}
