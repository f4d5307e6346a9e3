// Package memory is an in-process message broker implementing the provider
// interfaces: queues with competing consumers, topics with optional durable
// subscriptions, temporary destinations, client and transacted
// acknowledgement.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/database"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/provider"
)

var ErrAuthentication = errors.New("authentication failed")

type Options struct {
	// Users maps login to passcode. An empty map accepts every login.
	Users map[string]string
	// Store persists durable subscription registrations. Nil keeps them in memory.
	Store database.DurableStore
	// StoreTimeout bounds each registry call.
	StoreTimeout time.Duration
}

type durable struct {
	clientID string
	name     string
	topic    string
	selector string
	noLocal  bool
	sub      *subscription
	active   *consumer
}

type Broker struct {
	mu           sync.Mutex
	users        map[string]string
	store        database.DurableStore
	storeTimeout time.Duration
	queues       map[string]*queue
	topics       map[string]*topic
	temporaries  map[string]*destination
	durables     map[string]*durable
	clientIDs    map[string]*Connection
	conns        map[string]*Connection
}

func NewBroker(opts Options) *Broker {
	store := opts.Store
	if store == nil {
		store = database.NewMemoryStore()
	}
	timeout := opts.StoreTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Broker{
		users:        opts.Users,
		store:        store,
		storeTimeout: timeout,
		queues:       make(map[string]*queue),
		topics:       make(map[string]*topic),
		temporaries:  make(map[string]*destination),
		durables:     make(map[string]*durable),
		clientIDs:    make(map[string]*Connection),
		conns:        make(map[string]*Connection),
	}
}

// Restore recreates the durable subscriptions recorded in the store so that
// messages published before their owners reconnect are retained.
func (b *Broker) Restore(ctx context.Context) error {
	subs, err := b.store.ListDurables(ctx)
	if err != nil {
		return fmt.Errorf("restore durable subscriptions: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range subs {
		sel, err := parseSelector(rec.Selector)
		if err != nil {
			logger.WarnF("Skip durable subscription %s with invalid selector: %v", rec.Key(), err)
			continue
		}
		d := &durable{
			clientID: rec.ClientID,
			name:     rec.Name,
			topic:    rec.Topic,
			selector: rec.Selector,
			noLocal:  rec.NoLocal,
			sub:      &subscription{q: newQueue(rec.Key()), noLocal: rec.NoLocal, selector: sel},
		}
		b.topicLocked(rec.Topic).add(d.sub)
		b.durables[rec.Key()] = d
	}
	logger.InfoF("Restored %d durable subscriptions", len(subs))
	return nil
}

func (b *Broker) CreateConnection(_ context.Context, creds provider.Credentials) (provider.Connection, error) {
	if len(b.users) > 0 {
		if pass, ok := b.users[creds.Login]; !ok || pass != creds.Passcode {
			return nil, fmt.Errorf("%w for user %q", ErrAuthentication, creds.Login)
		}
	}
	c := newConnection(b, uuid.NewString())
	b.mu.Lock()
	b.conns[c.id] = c
	b.mu.Unlock()
	return c, nil
}

// QueueDepth reports how many messages wait on a queue or durable subscription key.
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	q, ok := b.queues[name]
	if !ok {
		if d, found := b.durables[name]; found {
			q, ok = d.sub.q, true
		}
	}
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return q.depth()
}

func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = newQueue(name)
		b.queues[name] = q
	}
	return q
}

func (b *Broker) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = newTopic(name)
		b.topics[name] = t
	}
	return t
}

func (b *Broker) claimClientID(id string, c *Connection) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if owner, ok := b.clientIDs[id]; ok && owner != c {
		return fmt.Errorf("client id %q is already in use", id)
	}
	b.clientIDs[id] = c
	return nil
}

func (b *Broker) createTemporary(c *Connection, queue bool) *destination {
	prefix := TemporaryTopicPrefix
	if queue {
		prefix = TemporaryQueuePrefix
	}
	d := &destination{name: prefix + uuid.NewString(), queue: queue, temporary: true, owner: c.id}
	b.mu.Lock()
	b.temporaries[d.name] = d
	if queue {
		b.queueLocked(d.name)
	} else {
		b.topicLocked(d.name)
	}
	b.mu.Unlock()
	return d
}

func (b *Broker) release(c *Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c.id)
	if c.clientID != "" && b.clientIDs[c.clientID] == c {
		delete(b.clientIDs, c.clientID)
	}
	for name, d := range b.temporaries {
		if d.owner != c.id {
			continue
		}
		delete(b.temporaries, name)
		if q, ok := b.queues[name]; ok {
			q.close()
			delete(b.queues, name)
		}
		delete(b.topics, name)
	}
}

// route delivers a message sent by connection fromConn.
func (b *Broker) route(dest *destination, m *provider.Message, fromConn string) error {
	b.mu.Lock()
	if dest.temporary {
		if _, ok := b.temporaries[dest.name]; !ok {
			b.mu.Unlock()
			return fmt.Errorf("temporary destination %s has been deleted", dest.name)
		}
	}
	if dest.queue {
		q := b.queueLocked(dest.name)
		b.mu.Unlock()
		q.put(m)
		return nil
	}
	t := b.topicLocked(dest.name)
	b.mu.Unlock()
	t.publish(m, fromConn)
	return nil
}

func (b *Broker) subscribeDurable(c *consumer, clientID, name, topicName string, opts provider.ConsumerOptions) error {
	sel, err := parseSelector(opts.Selector)
	if err != nil {
		return err
	}

	key := database.DurableKey(clientID, name)
	b.mu.Lock()
	d, exists := b.durables[key]
	if exists && d.active != nil {
		b.mu.Unlock()
		return fmt.Errorf("durable subscription %q is already active", name)
	}
	changed := exists && (d.topic != topicName || d.selector != opts.Selector || d.noLocal != opts.NoLocal)
	if changed {
		b.topicLocked(d.topic).remove(d.sub)
		d.sub.q.close()
	}
	if !exists || changed {
		d = &durable{
			clientID: clientID,
			name:     name,
			topic:    topicName,
			selector: opts.Selector,
			noLocal:  opts.NoLocal,
			sub:      &subscription{q: newQueue(key), noLocal: opts.NoLocal, selector: sel},
		}
		b.durables[key] = d
		b.topicLocked(topicName).add(d.sub)
	}
	d.active = c
	d.sub.connID = c.session.conn.id
	c.q = d.sub.q
	c.onClose = func() {
		b.mu.Lock()
		if d.active == c {
			d.active = nil
		}
		b.mu.Unlock()
	}
	b.mu.Unlock()

	if !exists || changed {
		ctx, cancel := context.WithTimeout(context.Background(), b.storeTimeout)
		defer cancel()
		err := b.store.SaveDurable(ctx, &database.DurableSubscription{
			ClientID:  clientID,
			Name:      name,
			Topic:     topicName,
			Selector:  opts.Selector,
			NoLocal:   opts.NoLocal,
			CreatedAt: time.Now(),
		})
		if err != nil {
			logger.ErrorF("Fail to persist durable subscription %s, details: %v", key, err)
		}
	}
	return nil
}

func (b *Broker) unsubscribeDurable(clientID, name string) error {
	key := database.DurableKey(clientID, name)
	b.mu.Lock()
	d, ok := b.durables[key]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("durable subscription %q does not exist", name)
	}
	if d.active != nil {
		b.mu.Unlock()
		return fmt.Errorf("durable subscription %q is in use", name)
	}
	delete(b.durables, key)
	b.topicLocked(d.topic).remove(d.sub)
	d.sub.q.close()
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.storeTimeout)
	defer cancel()
	if err := b.store.DeleteDurable(ctx, clientID, name); err != nil {
		return fmt.Errorf("forget durable subscription %q: %w", name, err)
	}
	return nil
}
