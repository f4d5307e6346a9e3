package memory

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/provider"
)

type consumer struct {
	session  *Session
	dest     *destination
	q        *queue
	selector *selector
	listener provider.Listener
	started  atomic.Bool
	closed   atomic.Bool
	onClose  func()
	done     chan struct{}
}

func (c *consumer) SetListener(l provider.Listener) error {
	if c.closed.Load() {
		return provider.ErrClosed
	}
	if l == nil {
		return errors.New("listener is nil")
	}
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("listener is already set")
	}
	c.listener = l
	go c.run()
	return nil
}

func (c *consumer) run() {
	defer close(c.done)
	conn := c.session.conn
	for {
		msg := c.q.take(c)
		if msg == nil {
			return
		}
		if !conn.enter(c) {
			c.q.putFront([]*provider.Message{msg})
			return
		}
		c.deliver(msg)
		conn.leave()
	}
}

func (c *consumer) deliver(msg *provider.Message) {
	s := c.session
	d := &delivery{msg: msg, q: c.q, consumer: c}
	out := msg.Clone()
	out.Handle = d

	tracked := s.transacted || s.mode == provider.ClientAcknowledge
	if tracked && !s.track(d) {
		c.q.putFront([]*provider.Message{msg})
		return
	}

	if err := c.invoke(out); err != nil {
		logger.DebugF("Listener on %s failed, details: %v", c.dest, err)
		if !tracked {
			msg.Redelivered = true
			c.q.putFront([]*provider.Message{msg})
		}
	}
}

func (c *consumer) invoke(msg *provider.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return c.listener(msg)
}

// Close stops delivery without waiting for the delivery goroutine, so it is
// safe to call from inside the listener.
func (c *consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.q != nil {
		c.q.wake()
	}
	c.session.conn.wake()
	if c.onClose != nil {
		c.onClose()
	}
	c.session.removeConsumer(c)
	return nil
}
