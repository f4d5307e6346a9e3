package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/database"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type inbox struct {
	mu   sync.Mutex
	msgs []*provider.Message
	ch   chan *provider.Message
}

func newInbox() *inbox {
	return &inbox{ch: make(chan *provider.Message, 64)}
}

func (in *inbox) listener(m *provider.Message) error {
	in.mu.Lock()
	in.msgs = append(in.msgs, m)
	in.mu.Unlock()
	in.ch <- m
	return nil
}

func (in *inbox) next(t *testing.T) *provider.Message {
	t.Helper()
	select {
	case m := <-in.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
		return nil
	}
}

func (in *inbox) none(t *testing.T) {
	t.Helper()
	select {
	case m := <-in.ch:
		t.Fatalf("unexpected message %s", m.Body)
	case <-time.After(50 * time.Millisecond):
	}
}

func connect(t *testing.T, b *Broker) *Connection {
	t.Helper()
	c, err := b.CreateConnection(context.Background(), provider.Credentials{Login: "guest", Passcode: "guest"})
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(func() { _ = c.Close() })
	return c.(*Connection)
}

func send(t *testing.T, s provider.Session, dest provider.Destination, body string) *provider.Message {
	t.Helper()
	p, err := s.CreateProducer()
	require.NoError(t, err)
	m := &provider.Message{Text: true, Body: []byte(body)}
	require.NoError(t, p.Send(dest, m))
	return m
}

func TestQueueAutoAck(t *testing.T) {
	b := NewBroker(Options{})
	c := connect(t, b)
	s, err := c.CreateSession(false, provider.AutoAcknowledge)
	require.NoError(t, err)
	q, _ := s.CreateQueue("orders")

	sent := send(t, s, q, "one")
	assert.NotEmpty(t, sent.ID)
	assert.Equal(t, 1, b.QueueDepth("orders"))

	cons, err := s.CreateConsumer(q, provider.ConsumerOptions{})
	require.NoError(t, err)
	in := newInbox()
	require.NoError(t, cons.SetListener(in.listener))

	m := in.next(t)
	assert.Equal(t, "one", string(m.Body))
	assert.Equal(t, sent.ID, m.ID)
	assert.Equal(t, "orders", m.Destination.Name())
	require.NoError(t, cons.Close())
}

func TestClientAckRedeliversOnClose(t *testing.T) {
	b := NewBroker(Options{})
	c := connect(t, b)
	s, _ := c.CreateSession(false, provider.ClientAcknowledge)
	q, _ := s.CreateQueue("work")
	for _, body := range []string{"a", "b", "c"} {
		send(t, s, q, body)
	}

	cons, _ := s.CreateConsumer(q, provider.ConsumerOptions{})
	in := newInbox()
	require.NoError(t, cons.SetListener(in.listener))
	first, second := in.next(t), in.next(t)
	in.next(t)

	require.NoError(t, s.Acknowledge(second, provider.AckUpThrough))
	assert.Error(t, s.Acknowledge(first, provider.AckThisMessage))
	require.NoError(t, s.Close())

	assert.Equal(t, 1, b.QueueDepth("work"))

	s2, _ := c.CreateSession(false, provider.AutoAcknowledge)
	cons2, _ := s2.CreateConsumer(q, provider.ConsumerOptions{})
	in2 := newInbox()
	require.NoError(t, cons2.SetListener(in2.listener))
	m := in2.next(t)
	assert.Equal(t, "c", string(m.Body))
	assert.True(t, m.Redelivered)

	err := s.Acknowledge(m, provider.AckThisMessage)
	assert.True(t, provider.IsUnrecoverable(err))
	assert.True(t, errors.Is(err, provider.ErrClosed))
}

func TestTransactedSendAndRollback(t *testing.T) {
	b := NewBroker(Options{})
	c := connect(t, b)
	tx, _ := c.CreateSession(true, provider.ClientAcknowledge)
	q, _ := tx.CreateQueue("tx")

	send(t, tx, q, "pending")
	assert.Equal(t, 0, b.QueueDepth("tx"))
	require.NoError(t, tx.Rollback())
	assert.Equal(t, 0, b.QueueDepth("tx"))

	send(t, tx, q, "committed")
	require.NoError(t, tx.Commit())
	assert.Equal(t, 1, b.QueueDepth("tx"))

	cons, _ := tx.CreateConsumer(q, provider.ConsumerOptions{})
	in := newInbox()
	require.NoError(t, cons.SetListener(in.listener))
	m := in.next(t)
	require.NoError(t, tx.Acknowledge(m, provider.AckTransacted))
	// duplicate enrollment is tolerated
	require.NoError(t, tx.Acknowledge(m, provider.AckTransacted))

	require.NoError(t, c.Stop())
	require.NoError(t, tx.Rollback())
	assert.Equal(t, 1, b.QueueDepth("tx"))
	require.NoError(t, c.Start())

	again := in.next(t)
	assert.Equal(t, "committed", string(again.Body))
	assert.True(t, again.Redelivered)
	require.NoError(t, tx.Acknowledge(again, provider.AckTransacted))
	require.NoError(t, tx.Commit())
	require.NoError(t, tx.Close())
	assert.Equal(t, 0, b.QueueDepth("tx"))
}

func TestStopHoldsDelivery(t *testing.T) {
	b := NewBroker(Options{})
	c := connect(t, b)
	s, _ := c.CreateSession(false, provider.AutoAcknowledge)
	q, _ := s.CreateQueue("held")
	cons, _ := s.CreateConsumer(q, provider.ConsumerOptions{})
	in := newInbox()
	require.NoError(t, cons.SetListener(in.listener))

	require.NoError(t, c.Stop())
	send(t, s, q, "x")
	in.none(t)
	require.NoError(t, c.Start())
	assert.Equal(t, "x", string(in.next(t).Body))
}

func TestTopicFanOutAndNoLocal(t *testing.T) {
	b := NewBroker(Options{})
	pub := connect(t, b)
	sub := connect(t, b)

	ps, _ := pub.CreateSession(false, provider.AutoAcknowledge)
	ss, _ := sub.CreateSession(false, provider.AutoAcknowledge)
	topicDest, _ := ps.CreateTopic("news")

	remote := newInbox()
	rc, _ := ss.CreateConsumer(topicDest, provider.ConsumerOptions{})
	require.NoError(t, rc.SetListener(remote.listener))

	local := newInbox()
	lc, _ := ps.CreateConsumer(topicDest, provider.ConsumerOptions{NoLocal: true})
	require.NoError(t, lc.SetListener(local.listener))

	send(t, ps, topicDest, "headline")
	assert.Equal(t, "headline", string(remote.next(t).Body))
	local.none(t)
}

func TestSelector(t *testing.T) {
	b := NewBroker(Options{})
	c := connect(t, b)
	s, _ := c.CreateSession(false, provider.AutoAcknowledge)
	q, _ := s.CreateQueue("sel")

	_, err := s.CreateConsumer(q, provider.ConsumerOptions{Selector: "color ~ 'red'"})
	assert.Error(t, err)

	cons, err := s.CreateConsumer(q, provider.ConsumerOptions{Selector: "color = 'red' AND JMSPriority = 4"})
	require.NoError(t, err)
	in := newInbox()
	require.NoError(t, cons.SetListener(in.listener))

	p, _ := s.CreateProducer()
	blue := &provider.Message{Priority: 4, Body: []byte("blue")}
	blue.SetProperty("color", "blue")
	red := &provider.Message{Priority: 4, Body: []byte("red")}
	red.SetProperty("color", "red")
	require.NoError(t, p.Send(q, blue))
	require.NoError(t, p.Send(q, red))

	assert.Equal(t, "red", string(in.next(t).Body))
	in.none(t)
	assert.Equal(t, 1, b.QueueDepth("sel"))
}

func TestDurableSubscription(t *testing.T) {
	store := database.NewMemoryStore()
	b := NewBroker(Options{Store: store})
	pub := connect(t, b)
	ps, _ := pub.CreateSession(false, provider.AutoAcknowledge)
	news, _ := ps.CreateTopic("news")

	c := connect(t, b)
	s, _ := c.CreateSession(false, provider.AutoAcknowledge)
	topicDest, _ := s.CreateTopic("news")
	_, err := s.CreateConsumer(topicDest, provider.ConsumerOptions{DurableName: "d1"})
	require.Error(t, err, "client id is required")

	require.NoError(t, c.SetClientID("client-1"))
	cons, err := s.CreateConsumer(topicDest, provider.ConsumerOptions{DurableName: "d1"})
	require.NoError(t, err)
	_, err = s.CreateConsumer(topicDest, provider.ConsumerOptions{DurableName: "d1"})
	assert.Error(t, err, "already active")

	rec, err := store.GetDurable(context.Background(), "client-1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "news", rec.Topic)

	require.NoError(t, cons.Close())
	send(t, ps, news, "while away")
	assert.Equal(t, 1, b.QueueDepth(database.DurableKey("client-1", "d1")))

	// a restarted broker restores the registration
	restored := NewBroker(Options{Store: store})
	require.NoError(t, restored.Restore(context.Background()))
	assert.Equal(t, 0, restored.QueueDepth(database.DurableKey("client-1", "d1")))

	require.NoError(t, s.Unsubscribe("d1"))
	_, err = store.GetDurable(context.Background(), "client-1", "d1")
	assert.ErrorIs(t, err, database.ErrDurableNotFound)
	assert.Error(t, s.Unsubscribe("d1"))
}

func TestTemporaryDestinationsDieWithConnection(t *testing.T) {
	b := NewBroker(Options{})
	owner, err := b.CreateConnection(context.Background(), provider.Credentials{})
	require.NoError(t, err)
	s, _ := owner.CreateSession(false, provider.AutoAcknowledge)
	tmp, err := s.CreateTemporaryQueue()
	require.NoError(t, err)
	assert.True(t, tmp.IsTemporary())

	other := connect(t, b)
	os, _ := other.CreateSession(false, provider.AutoAcknowledge)
	found, err := os.CreateQueue(tmp.Name())
	require.NoError(t, err)
	send(t, os, found, "reply")
	assert.Equal(t, 1, b.QueueDepth(tmp.Name()))

	require.NoError(t, owner.Close())
	_, err = os.CreateQueue(tmp.Name())
	assert.Error(t, err)
	p, _ := os.CreateProducer()
	assert.Error(t, p.Send(found, &provider.Message{}))
}

func TestAuthenticationAndClientID(t *testing.T) {
	b := NewBroker(Options{Users: map[string]string{"alice": "secret"}})
	_, err := b.CreateConnection(context.Background(), provider.Credentials{Login: "alice", Passcode: "nope"})
	assert.ErrorIs(t, err, ErrAuthentication)

	c1, err := b.CreateConnection(context.Background(), provider.Credentials{Login: "alice", Passcode: "secret"})
	require.NoError(t, err)
	defer c1.Close()
	c2, _ := b.CreateConnection(context.Background(), provider.Credentials{Login: "alice", Passcode: "secret"})
	defer c2.Close()

	require.NoError(t, c1.SetClientID("dup"))
	assert.Error(t, c2.SetClientID("dup"))
	assert.Error(t, c1.SetClientID("again"))
}

func TestExceptionListener(t *testing.T) {
	b := NewBroker(Options{})
	c := connect(t, b)
	got := make(chan error, 1)
	c.SetExceptionListener(func(err error) { got <- err })
	c.Fail(errors.New("link down"))
	select {
	case err := <-got:
		assert.EqualError(t, err, "link down")
	case <-time.After(time.Second):
		t.Fatal("exception listener not called")
	}
}
