package memory

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/provider"
)

// delivery ties a message handed to a listener to the queue it came from.
type delivery struct {
	msg      *provider.Message
	q        *queue
	consumer *consumer
}

type pendingSend struct {
	dest *destination
	msg  *provider.Message
}

type Session struct {
	conn       *Connection
	transacted bool
	mode       provider.AckMode

	mu        sync.Mutex
	closed    bool
	delivered []*delivery
	txnAcked  []*delivery
	txnSends  []pendingSend
	consumers map[*consumer]struct{}
}

func newSession(c *Connection, transacted bool, mode provider.AckMode) *Session {
	return &Session{conn: c, transacted: transacted, mode: mode, consumers: make(map[*consumer]struct{})}
}

func (s *Session) Transacted() bool {
	return s.transacted
}

func (s *Session) AckMode() provider.AckMode {
	return s.mode
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) CreateQueue(name string) (provider.Destination, error) {
	return s.lookup(name, true)
}

func (s *Session) CreateTopic(name string) (provider.Destination, error) {
	return s.lookup(name, false)
}

func (s *Session) lookup(name string, queue bool) (provider.Destination, error) {
	if s.isClosed() {
		return nil, provider.ErrClosed
	}
	if name == "" {
		return nil, errors.New("destination name is empty")
	}
	if strings.HasPrefix(name, TemporaryQueuePrefix) || strings.HasPrefix(name, TemporaryTopicPrefix) {
		b := s.conn.broker
		b.mu.Lock()
		d, ok := b.temporaries[name]
		b.mu.Unlock()
		if !ok || d.queue != queue {
			return nil, fmt.Errorf("temporary destination %s does not exist", name)
		}
		return d, nil
	}
	return &destination{name: name, queue: queue}, nil
}

func (s *Session) CreateTemporaryQueue() (provider.Destination, error) {
	if s.isClosed() {
		return nil, provider.ErrClosed
	}
	return s.conn.broker.createTemporary(s.conn, true), nil
}

func (s *Session) CreateTemporaryTopic() (provider.Destination, error) {
	if s.isClosed() {
		return nil, provider.ErrClosed
	}
	return s.conn.broker.createTemporary(s.conn, false), nil
}

func (s *Session) CreateProducer() (provider.Producer, error) {
	if s.isClosed() {
		return nil, provider.ErrClosed
	}
	return &producer{session: s}, nil
}

func (s *Session) CreateConsumer(dest provider.Destination, opts provider.ConsumerOptions) (provider.Consumer, error) {
	d, ok := dest.(*destination)
	if !ok {
		return nil, fmt.Errorf("destination %v was not created by this provider", dest)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, provider.ErrClosed
	}
	s.mu.Unlock()

	c := &consumer{session: s, dest: d, done: make(chan struct{})}
	b := s.conn.broker

	switch {
	case d.queue:
		if opts.DurableName != "" {
			return nil, fmt.Errorf("durable subscription %q requires a topic", opts.DurableName)
		}
		sel, err := parseSelector(opts.Selector)
		if err != nil {
			return nil, err
		}
		c.selector = sel
		b.mu.Lock()
		c.q = b.queueLocked(d.name)
		b.mu.Unlock()
	case opts.DurableName != "":
		clientID := s.conn.ClientID()
		if clientID == "" {
			return nil, errors.New("durable subscriptions require a client id")
		}
		if err := b.subscribeDurable(c, clientID, opts.DurableName, d.name, opts); err != nil {
			return nil, err
		}
	default:
		sel, err := parseSelector(opts.Selector)
		if err != nil {
			return nil, err
		}
		sub := &subscription{q: newQueue(""), connID: s.conn.id, noLocal: opts.NoLocal, selector: sel}
		b.mu.Lock()
		t := b.topicLocked(d.name)
		b.mu.Unlock()
		t.add(sub)
		c.q = sub.q
		c.onClose = func() {
			t.remove(sub)
			sub.q.close()
		}
	}

	s.mu.Lock()
	s.consumers[c] = struct{}{}
	s.mu.Unlock()
	return c, nil
}

func (s *Session) Unsubscribe(durableName string) error {
	if s.isClosed() {
		return provider.ErrClosed
	}
	clientID := s.conn.ClientID()
	if clientID == "" {
		return errors.New("durable subscriptions require a client id")
	}
	return s.conn.broker.unsubscribeDurable(clientID, durableName)
}

// track records a delivery that awaits acknowledgement.
func (s *Session) track(d *delivery) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.delivered = append(s.delivered, d)
	return true
}

func (s *Session) Acknowledge(msg *provider.Message, scope provider.AckScope) error {
	d, ok := msg.Handle.(*delivery)
	if !ok {
		return fmt.Errorf("message %s was not delivered by this provider", msg.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return provider.Unrecoverable(fmt.Errorf("acknowledge %s: %w", msg.ID, provider.ErrClosed))
	}
	if !s.transacted && s.mode == provider.AutoAcknowledge {
		return nil
	}

	idx := -1
	for i, x := range s.delivered {
		if x == d {
			idx = i
			break
		}
	}

	switch scope {
	case provider.AckTransacted:
		if !s.transacted {
			return errors.New("session is not transacted")
		}
		if idx < 0 {
			for _, x := range s.txnAcked {
				if x == d {
					return nil
				}
			}
			return fmt.Errorf("message %s is not outstanding", msg.ID)
		}
		s.txnAcked = append(s.txnAcked, d)
		s.delivered = append(s.delivered[:idx], s.delivered[idx+1:]...)
	case provider.AckThisMessage:
		if idx < 0 {
			return fmt.Errorf("message %s is not outstanding", msg.ID)
		}
		s.delivered = append(s.delivered[:idx], s.delivered[idx+1:]...)
	case provider.AckUpThrough:
		if idx < 0 {
			return fmt.Errorf("message %s is not outstanding", msg.ID)
		}
		s.delivered = append(s.delivered[:0], s.delivered[idx+1:]...)
	default:
		return fmt.Errorf("unknown acknowledge scope %d", scope)
	}
	return nil
}

func (s *Session) Commit() error {
	if !s.transacted {
		return errors.New("session is not transacted")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return provider.ErrClosed
	}
	sends := s.txnSends
	s.txnSends = nil
	s.txnAcked = nil
	s.mu.Unlock()

	for _, ps := range sends {
		if err := s.conn.broker.route(ps.dest, ps.msg, s.conn.id); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
	return nil
}

func (s *Session) Rollback() error {
	if !s.transacted {
		return errors.New("session is not transacted")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return provider.ErrClosed
	}
	acked := s.txnAcked
	s.txnAcked = nil
	s.txnSends = nil
	s.mu.Unlock()

	requeue(acked)
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	consumers := make([]*consumer, 0, len(s.consumers))
	for c := range s.consumers {
		consumers = append(consumers, c)
	}
	outstanding := append(s.txnAcked, s.delivered...)
	s.txnAcked = nil
	s.delivered = nil
	s.txnSends = nil
	s.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	requeue(outstanding)
	s.conn.removeSession(s)
	return nil
}

func (s *Session) wakeConsumers() {
	s.mu.Lock()
	consumers := make([]*consumer, 0, len(s.consumers))
	for c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.mu.Unlock()
	for _, c := range consumers {
		if c.q != nil {
			c.q.wake()
		}
	}
}

func (s *Session) removeConsumer(c *consumer) {
	s.mu.Lock()
	delete(s.consumers, c)
	s.mu.Unlock()
}

// requeue returns deliveries to the head of their queues, flagged as
// redelivered, keeping the original order within each queue.
func requeue(ds []*delivery) {
	byQueue := make(map[*queue][]*provider.Message)
	var order []*queue
	for _, d := range ds {
		if _, ok := byQueue[d.q]; !ok {
			order = append(order, d.q)
		}
		m := d.msg
		m.Redelivered = true
		byQueue[d.q] = append(byQueue[d.q], m)
	}
	for _, q := range order {
		q.putFront(byQueue[q])
	}
}

type producer struct {
	session *Session
}

func (p *producer) Send(dest provider.Destination, msg *provider.Message) error {
	d, ok := dest.(*destination)
	if !ok {
		return fmt.Errorf("destination %v was not created by this provider", dest)
	}
	s := p.session
	m := msg.Clone()
	if m.ID == "" {
		m.ID = "ID:" + uuid.NewString()
	}
	m.Destination = d
	m.Redelivered = false
	m.Timestamp = time.Now().UnixMilli()
	msg.ID = m.ID

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return provider.ErrClosed
	}
	if s.transacted {
		s.txnSends = append(s.txnSends, pendingSend{dest: d, msg: m})
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.conn.broker.route(d, m, s.conn.id)
}

func (p *producer) Close() error {
	return nil
}
