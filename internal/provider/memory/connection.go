package memory

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/provider"
)

type Connection struct {
	broker *Broker
	id     string

	mu       sync.Mutex
	cond     *sync.Cond
	clientID string
	started  bool
	closed   bool
	inflight int
	sessions map[*Session]struct{}
	listener func(error)
	// running mirrors started for lock-free checks from queue waiters
	running atomic.Bool
}

func newConnection(b *Broker, id string) *Connection {
	c := &Connection{broker: b, id: id, sessions: make(map[*Session]struct{})}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *Connection) SetClientID(id string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return provider.ErrClosed
	}
	if c.clientID != "" {
		c.mu.Unlock()
		return errors.New("client id is already set")
	}
	c.mu.Unlock()

	if err := c.broker.claimClientID(id, c); err != nil {
		return err
	}
	c.mu.Lock()
	c.clientID = id
	c.mu.Unlock()
	return nil
}

func (c *Connection) SetExceptionListener(listener func(error)) {
	c.mu.Lock()
	c.listener = listener
	c.mu.Unlock()
}

// Fail reports an asynchronous failure of the backend link to the exception
// listener.
func (c *Connection) Fail(err error) {
	c.mu.Lock()
	listener := c.listener
	c.mu.Unlock()
	if listener != nil {
		go listener(err)
	}
}

func (c *Connection) CreateSession(transacted bool, mode provider.AckMode) (provider.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, provider.ErrClosed
	}
	s := newSession(c, transacted, mode)
	c.sessions[s] = struct{}{}
	return s, nil
}

func (c *Connection) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return provider.ErrClosed
	}
	c.started = true
	c.running.Store(true)
	c.cond.Broadcast()
	sessions := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.wakeConsumers()
	}
	return nil
}

func (c *Connection) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return provider.ErrClosed
	}
	c.started = false
	c.running.Store(false)
	for c.inflight > 0 {
		c.cond.Wait()
	}
	return nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	sessions := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	}

	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	c.broker.release(c)
	return errors.Join(errs...)
}

func (c *Connection) removeSession(s *Session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

// enter waits until delivery is allowed and registers an in-flight callback.
// It fails once the connection or the consumer is closed.
func (c *Connection) enter(cons *consumer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.started && !c.closed && !cons.closed.Load() {
		c.cond.Wait()
	}
	if c.closed || cons.closed.Load() {
		return false
	}
	c.inflight++
	return true
}

func (c *Connection) leave() {
	c.mu.Lock()
	c.inflight--
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Connection) wake() {
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}
