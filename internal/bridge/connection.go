package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/provider"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/stomp"
)

// SubscribeRequest describes a SUBSCRIBE frame after header validation.
type SubscribeRequest struct {
	ID            string
	Destination   string
	AckMode       string
	Selector      string
	DurableName   string
	NoLocal       bool
	TransactionID string
}

// Connection is the bridge side of one STOMP connection. It owns the provider
// connection and the sessions created for sends, subscriptions and
// transactions.
type Connection struct {
	ctx   *Context
	id    string
	out   OutputSink
	dests *destinations

	mu         sync.Mutex
	pconn      provider.Connection
	clientID   string
	uid        string
	sender     *senderSession
	transacted *TransactedSession

	subsMu      sync.Mutex
	subscribers map[string]*subscriberSession

	exception atomic.Bool
}

// NewConnection creates an unconnected session manager writing to out. id is
// the transport connection id used in log lines.
func NewConnection(ctx *Context, id string, out OutputSink) *Connection {
	return &Connection{
		ctx:         ctx.withDefaults(),
		id:          id,
		out:         out,
		dests:       newDestinations(),
		subscribers: make(map[string]*subscriberSession),
	}
}

func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pconn != nil
}

func (c *Connection) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Connect opens the provider connection and starts delivery. The returned id
// is the provider connection id followed by the client id in brackets.
func (c *Connection) Connect(ctx context.Context, login, passcode, clientID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pconn != nil {
		return "", ErrAlreadyConnected
	}

	creds := provider.Credentials{Login: login, Passcode: passcode}
	if login == "" {
		creds = c.ctx.DefaultCredentials
	}
	pconn, err := c.ctx.Factory.CreateConnection(ctx, creds)
	if err != nil {
		return "", providerError(err, "connect as %s", creds.Login)
	}
	if clientID != "" {
		if err := pconn.SetClientID(clientID); err != nil {
			_ = pconn.Close()
			return "", providerError(err, "set client-id %s", clientID)
		}
	}
	pconn.SetExceptionListener(c.onException)
	if err := pconn.Start(); err != nil {
		_ = pconn.Close()
		return "", providerError(err, "start connection")
	}

	c.pconn = pconn
	c.clientID = clientID
	c.uid = pconn.ID() + "[" + clientID + "]"
	c.exception.Store(false)
	logger.InfoF("[%s] Provider connection %s opened", c.id, c.uid)
	return c.uid, nil
}

func (c *Connection) onException(err error) {
	logger.WarnF("[%s] Provider connection failed, details: %v", c.id, err)
	c.exception.Store(true)
}

// checkConnection fails when there is no provider connection. A pending
// provider failure forces a disconnect first.
func (c *Connection) checkConnection() error {
	if c.exception.CompareAndSwap(true, false) {
		if err := c.Disconnect(false); err != nil {
			logger.WarnF("[%s] Disconnect after provider failure failed, details: %v", c.id, err)
		}
		return newError(KindNotConnected, nil, "provider connection lost")
	}
	if !c.Connected() {
		return ErrNotConnected
	}
	return nil
}

// Disconnect releases the sender session, the transacted session, every
// subscriber and finally the provider connection. Failures closing the
// sessions are logged; only the connection close error is returned. With
// check set, disconnecting an unconnected session is an error.
func (c *Connection) Disconnect(check bool) error {
	c.mu.Lock()
	pconn := c.pconn
	sender, ts := c.sender, c.transacted
	c.pconn, c.sender, c.transacted = nil, nil, nil
	c.clientID, c.uid = "", ""
	c.mu.Unlock()

	if pconn == nil {
		logger.DebugF("[%s] Disconnect without provider connection", c.id)
		if check {
			return ErrNotConnected
		}
		return nil
	}

	if sender != nil {
		if err := sender.close(); err != nil {
			logger.WarnF("[%s] Close sender session failed, details: %v", c.id, err)
		}
	}
	if ts != nil {
		if err := ts.Close(); err != nil {
			logger.WarnF("[%s] Close transacted session failed, details: %v", c.id, err)
		}
	}

	c.subsMu.Lock()
	subs := c.subscribers
	c.subscribers = make(map[string]*subscriberSession)
	c.subsMu.Unlock()
	for id, sub := range subs {
		if err := sub.close(); err != nil {
			logger.WarnF("[%s] Close subscriber %s failed, details: %v", c.id, id, err)
		}
		c.ctx.Observer.SubscriptionClosed()
	}

	c.dests.clear()
	c.exception.Store(false)
	if err := pconn.Close(); err != nil {
		return providerError(err, "close provider connection")
	}
	logger.InfoF("[%s] Provider connection closed", c.id)
	return nil
}

func (c *Connection) senderSession() (*senderSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pconn == nil {
		return nil, ErrNotConnected
	}
	if c.sender == nil {
		s, err := newSenderSession(c, c.pconn, false)
		if err != nil {
			return nil, err
		}
		c.sender = s
	}
	return c.sender, nil
}

// transactedSession returns the live transacted session, creating it when
// create is set. A session closed after a delivery failure is replaced.
func (c *Connection) transactedSession(create bool) (*TransactedSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pconn == nil {
		return nil, ErrNotConnected
	}
	if c.transacted != nil && c.transacted.isClosed() {
		c.transacted = nil
	}
	if c.transacted == nil && create {
		ts, err := newTransactedSession(c, c.pconn)
		if err != nil {
			return nil, err
		}
		c.transacted = ts
	}
	return c.transacted, nil
}

// openTransaction returns the transacted session whose open transaction is tid.
func (c *Connection) openTransaction(tid string) (*TransactedSession, error) {
	ts, err := c.transactedSession(false)
	if err != nil {
		return nil, err
	}
	if ts == nil || ts.TransactionID() != tid {
		return nil, stateError("transaction %s not found", tid)
	}
	return ts, nil
}

// Send forwards a SEND frame, inside transaction tid when it is set.
func (c *Connection) Send(f *stomp.Frame, tid string) error {
	if err := c.checkConnection(); err != nil {
		return err
	}
	if tid == "" {
		s, err := c.senderSession()
		if err != nil {
			return err
		}
		return s.send(f)
	}
	ts, err := c.openTransaction(tid)
	if err != nil {
		return err
	}
	return ts.send(f)
}

func (c *Connection) Begin(tid string) error {
	if err := c.checkConnection(); err != nil {
		return err
	}
	ts, err := c.transactedSession(true)
	if err != nil {
		return err
	}
	return ts.Begin(tid)
}

func (c *Connection) Commit(tid string) error {
	if err := c.checkConnection(); err != nil {
		return err
	}
	ts, err := c.openTransaction(tid)
	if err != nil {
		return err
	}
	return ts.Commit()
}

// Abort rolls back transaction tid. Aborting the transaction that was just
// rolled back succeeds without effect.
func (c *Connection) Abort(tid string) error {
	if err := c.checkConnection(); err != nil {
		return err
	}
	ts, err := c.transactedSession(false)
	if err != nil {
		return err
	}
	if ts != nil {
		if ts.TransactionID() == tid {
			return ts.Rollback()
		}
		if ts.TransactionID() == "" && ts.LastRolledBackTransactionID() == tid {
			logger.DebugF("[%s] Transaction %s is already rolled back", c.id, tid)
			return nil
		}
	}
	return stateError("transaction %s not found", tid)
}

// LastRolledBackTransactionID reports the id of the most recent rollback.
func (c *Connection) LastRolledBackTransactionID() string {
	ts, err := c.transactedSession(false)
	if err != nil || ts == nil {
		return ""
	}
	return ts.LastRolledBackTransactionID()
}

// CreateSubscriber registers a subscription. Delivery begins when the caller
// invokes StartDelivery on the result.
func (c *Connection) CreateSubscriber(req SubscribeRequest) (Subscriber, error) {
	if err := c.checkConnection(); err != nil {
		return nil, err
	}
	if req.DurableName != "" && c.ClientID() == "" {
		return nil, stateError("durable subscription %s requires a client-id", req.DurableName)
	}
	if c.subscriptionExists(req.ID) {
		return nil, stateError("subscription id %s is already in use", req.ID)
	}

	if req.TransactionID != "" {
		ts, err := c.transactedSession(true)
		if err != nil {
			return nil, err
		}
		sub, err := ts.createSubscriber(req)
		if err != nil {
			return nil, err
		}
		logger.DebugF("[%s] Transacted subscriber %s created on %s", c.id, req.ID, req.Destination)
		return sub, nil
	}

	c.mu.Lock()
	pconn := c.pconn
	c.mu.Unlock()
	if pconn == nil {
		return nil, ErrNotConnected
	}
	sub, err := newSubscriberSession(c, pconn, req)
	if err != nil {
		return nil, err
	}
	c.subsMu.Lock()
	if _, exists := c.subscribers[req.ID]; exists {
		c.subsMu.Unlock()
		_ = sub.close()
		return nil, stateError("subscription id %s is already in use", req.ID)
	}
	c.subscribers[req.ID] = sub
	c.subsMu.Unlock()
	c.ctx.Observer.SubscriptionOpened()
	logger.DebugF("[%s] Subscriber %s created on %s", c.id, req.ID, req.Destination)
	return sub, nil
}

func (c *Connection) subscriptionExists(subID string) bool {
	c.subsMu.Lock()
	_, exists := c.subscribers[subID]
	c.subsMu.Unlock()
	if exists {
		return true
	}
	ts, err := c.transactedSession(false)
	return err == nil && ts != nil && ts.hasSubscriber(subID)
}

// CloseSubscriber removes a subscription by id, or by durable name when one
// is given, and returns the id of the subscription that was closed. A durable
// name no live subscription uses is unsubscribed at the provider.
func (c *Connection) CloseSubscriber(subID, durableName string) (string, error) {
	if err := c.checkConnection(); err != nil {
		return "", err
	}
	if durableName != "" && c.ClientID() == "" {
		return "", stateError("unsubscribing %s requires a client-id", durableName)
	}

	c.subsMu.Lock()
	var sub *subscriberSession
	if durableName == "" {
		sub = c.subscribers[subID]
	} else {
		for _, s := range c.subscribers {
			if s.durableName == durableName {
				sub = s
				break
			}
		}
	}
	if sub != nil {
		delete(c.subscribers, sub.id)
	}
	c.subsMu.Unlock()

	if sub != nil {
		c.ctx.Observer.SubscriptionClosed()
		if durableName != "" {
			return sub.id, sub.unsubscribe()
		}
		return sub.id, sub.close()
	}

	ts, err := c.transactedSession(false)
	if err != nil {
		return "", err
	}
	if ts != nil {
		id, err := ts.closeSubscriber(subID, durableName)
		if !errors.Is(err, errSubscriberNotFound) {
			return id, err
		}
	}
	if durableName != "" {
		s, err := c.senderSession()
		if err != nil {
			return "", err
		}
		return "", s.unsubscribe(durableName)
	}
	return "", stateError("subscriber id %s not found", subID)
}

// Ack acknowledges msgID for subscription subID. With prefix set, subID is a
// prefix and the message must identify exactly one subscription. With tid
// set, the acknowledgement joins that transaction.
func (c *Connection) Ack(tid, subID, msgID string, prefix, nack bool) error {
	if nack {
		return ErrNackUnsupported
	}
	if err := c.checkConnection(); err != nil {
		return err
	}
	if tid != "" {
		ts, err := c.openTransaction(tid)
		if err != nil {
			return err
		}
		return ts.Ack(subID, msgID, prefix)
	}

	sub, err := c.ackTarget(subID, msgID, prefix)
	if err != nil {
		return err
	}
	if sub == nil {
		ts, err := c.transactedSession(false)
		if err != nil {
			return err
		}
		if ts == nil || (!prefix && !ts.hasSubscriber(subID)) {
			if prefix {
				return stateError("message %s not found for any subscriber", msgID)
			}
			return stateError("subscriber id %s not found", subID)
		}
		return ts.Ack(subID, msgID, prefix)
	}

	err = sub.ack(msgID, c.ctx.MaxAckFailures)
	if IsKind(err, KindUnrecoverableAck) {
		logger.ErrorF("[%s] Subscriber %s cannot acknowledge, closing it, details: %v", c.id, sub.id, err)
		if _, closeErr := c.CloseSubscriber(sub.id, ""); closeErr != nil {
			logger.WarnF("[%s] Close subscriber %s failed, details: %v", c.id, sub.id, closeErr)
		}
	}
	return err
}

// ackTarget picks the non-transacted subscriber an acknowledgement refers to,
// or nil when none matches.
func (c *Connection) ackTarget(subID, msgID string, prefix bool) (*subscriberSession, error) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if !prefix {
		return c.subscribers[subID], nil
	}
	var match *subscriberSession
	for id, s := range c.subscribers {
		if !strings.HasPrefix(id, subID) || !s.hasUnacked(msgID) {
			continue
		}
		if match != nil {
			return nil, protocolError("message %s matches more than one subscription", msgID)
		}
		match = s
	}
	return match, nil
}
