// Package connection tracks live client connections and owns the write side
// of each one.
package connection

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/bridge"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/stomp"
)

type outbound struct {
	frame   *stomp.Frame
	written chan error
}

// MessageSender is the output sink of one connection. Frames from the
// dispatcher and from every delivery goroutine are queued and written in
// order by a single writer goroutine.
type MessageSender struct {
	connID       string
	transport    Transport
	flushTimeout time.Duration
	version      atomic.Value

	queue    chan outbound
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	closed   atomic.Bool
}

func NewMessageSender(connID string, transport Transport, depth int, flushTimeout time.Duration) *MessageSender {
	if depth <= 0 {
		depth = 1
	}
	s := &MessageSender{
		connID:       connID,
		transport:    transport,
		flushTimeout: flushTimeout,
		queue:        make(chan outbound, depth),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	s.version.Store(stomp.Version10)
	go s.run()
	return s
}

// SetVersion selects the header encoding for frames written from now on.
func (s *MessageSender) SetVersion(version string) {
	s.version.Store(version)
}

// Send queues a frame. It blocks while the queue is full and fails with
// bridge.ErrOutputClosed once the sender is closed.
func (s *MessageSender) Send(f *stomp.Frame) error {
	return s.enqueue(outbound{frame: f})
}

// SendAndFlush queues a frame and waits, at most the flush timeout, until it
// has been written to the transport.
func (s *MessageSender) SendAndFlush(f *stomp.Frame) error {
	o := outbound{frame: f, written: make(chan error, 1)}
	if err := s.enqueue(o); err != nil {
		return err
	}
	timer := time.NewTimer(s.flushTimeout)
	defer timer.Stop()
	select {
	case err := <-o.written:
		return err
	case <-s.done:
		select {
		case err := <-o.written:
			return err
		default:
			return bridge.ErrOutputClosed
		}
	case <-timer.C:
		return fmt.Errorf("flush %s frame: timed out after %s", f.Type, s.flushTimeout)
	}
}

func (s *MessageSender) enqueue(o outbound) error {
	if s.closed.Load() {
		return bridge.ErrOutputClosed
	}
	select {
	case s.queue <- o:
		return nil
	case <-s.stop:
		return bridge.ErrOutputClosed
	case <-s.done:
		return bridge.ErrOutputClosed
	}
}

// Close writes what is already queued, bounded by the flush timeout, and
// stops the writer. The transport itself is left to the caller.
func (s *MessageSender) Close() {
	s.stopOnce.Do(func() {
		s.closed.Store(true)
		close(s.stop)
	})
	select {
	case <-s.done:
	case <-time.After(s.flushTimeout):
		logger.WarnF("[%s] Output not drained within %s", s.connID, s.flushTimeout)
	}
}

// Done is closed once the writer goroutine has exited.
func (s *MessageSender) Done() <-chan struct{} {
	return s.done
}

func (s *MessageSender) run() {
	defer close(s.done)
	batch := make([]outbound, 0, 16)
	for {
		select {
		case o := <-s.queue:
			batch = append(batch[:0], o)
			batch = s.drain(batch)
			if !s.writeBatch(batch) {
				return
			}
		case <-s.stop:
			batch = s.drain(batch[:0])
			s.writeBatch(batch)
			return
		}
	}
}

// drain appends every frame already queued, so one flush covers them all.
func (s *MessageSender) drain(batch []outbound) []outbound {
	for {
		select {
		case o := <-s.queue:
			batch = append(batch, o)
		default:
			return batch
		}
	}
}

func (s *MessageSender) writeBatch(batch []outbound) bool {
	if len(batch) == 0 {
		return true
	}
	version, _ := s.version.Load().(string)
	total := 0
	var err error
	for _, o := range batch {
		data := stomp.Encode(o.frame, version)
		if _, err = s.transport.Write(data); err != nil {
			break
		}
		total += len(data)
		metrics.FramesSent.WithLabelValues(o.frame.Type.String()).Inc()
		if o.frame.Type == stomp.ERROR {
			metrics.RecordError(o.frame.Fatal)
		}
	}
	if err == nil {
		err = s.transport.Flush()
	}
	for _, o := range batch {
		if o.written != nil {
			o.written <- err
		}
	}
	if err != nil {
		if !IsNetClosedError(err) {
			logger.ErrorF("[%s] Fail to send data, details: %v", s.connID, err)
		}
		s.closed.Store(true)
		_ = s.transport.Close()
		return false
	}
	logger.DebugF("[%s] Send %d frames, %d bytes to client", s.connID, len(batch), total)
	return true
}
