package memory

import (
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/provider"
)

const (
	TemporaryQueuePrefix = "TEMP-QUEUE-"
	TemporaryTopicPrefix = "TEMP-TOPIC-"
)

type destination struct {
	name      string
	queue     bool
	temporary bool
	owner     string
}

func (d *destination) Name() string { return d.name }
func (d *destination) IsQueue() bool { return d.queue }
func (d *destination) IsTemporary() bool { return d.temporary }

func (d *destination) String() string {
	if d.queue {
		return "queue://" + d.name
	}
	return "topic://" + d.name
}

// queue is a FIFO of messages shared by competing consumers. Topic
// subscriptions own a private queue each.
type queue struct {
	name   string
	mu     sync.Mutex
	cond   *sync.Cond
	msgs   []*provider.Message
	closed bool
}

func newQueue(name string) *queue {
	q := &queue{name: name}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) put(m *provider.Message) {
	q.mu.Lock()
	if !q.closed {
		q.msgs = append(q.msgs, m)
		q.cond.Broadcast()
	}
	q.mu.Unlock()
}

// putFront returns messages to the head of the queue, keeping their order.
func (q *queue) putFront(ms []*provider.Message) {
	if len(ms) == 0 {
		return
	}
	q.mu.Lock()
	if !q.closed {
		q.msgs = append(append(make([]*provider.Message, 0, len(ms)+len(q.msgs)), ms...), q.msgs...)
		q.cond.Broadcast()
	}
	q.mu.Unlock()
}

// take blocks until a message matching the consumer's selector is available,
// or returns nil once the consumer or the queue is closed.
func (q *queue) take(c *consumer) *provider.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed || c.closed.Load() {
			return nil
		}
		if !c.session.conn.running.Load() {
			q.cond.Wait()
			continue
		}
		now := time.Now().UnixMilli()
		for i := 0; i < len(q.msgs); i++ {
			m := q.msgs[i]
			if m.Expiration > 0 && m.Expiration < now {
				q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
				i--
				continue
			}
			if c.selector.matches(m) {
				q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
				return m
			}
		}
		q.cond.Wait()
	}
}

func (q *queue) wake() {
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.msgs = nil
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

type subscription struct {
	q        *queue
	connID   string
	noLocal  bool
	selector *selector
}

type topic struct {
	name string
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

func newTopic(name string) *topic {
	return &topic{name: name, subs: make(map[*subscription]struct{})}
}

func (t *topic) add(s *subscription) {
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()
}

func (t *topic) remove(s *subscription) {
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
}

func (t *topic) publish(m *provider.Message, fromConn string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := range t.subs {
		if s.noLocal && s.connID == fromConn {
			continue
		}
		if !s.selector.matches(m) {
			continue
		}
		s.q.put(m.Clone())
	}
}
