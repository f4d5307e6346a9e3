package bridge

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/provider"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/stomp"
)

const (
	OutcomeCommitted    = "committed"
	OutcomeRolledBack   = "rolled_back"
	OutcomeCommitFailed = "commit_failed"
)

var errSubscriberNotFound = stateError("subscriber not found")

type subscribedMessage struct {
	subID string
	msg   *provider.Message
}

func (m *subscribedMessage) is(subID, msgID string) bool {
	return m.subID == subID && m.msg.ID == msgID
}

type transactedAck struct {
	subscribedMessage
	tid string
}

// transactedSubscriber only queues deliveries; the session loop decides
// when they reach the client.
type transactedSubscriber struct {
	ts          *TransactedSession
	id          string
	ackMode     string
	durableName string
	consumer    provider.Consumer
	closed      atomic.Bool
}

func (s *transactedSubscriber) ID() string {
	return s.id
}

func (s *transactedSubscriber) StartDelivery() error {
	if err := s.consumer.SetListener(s.onMessage); err != nil {
		return providerError(err, "start delivery for %s", s.id)
	}
	return nil
}

func (s *transactedSubscriber) onMessage(msg *provider.Message) error {
	if s.closed.Load() {
		return provider.ErrClosed
	}
	s.ts.enqueue(&subscribedMessage{subID: s.id, msg: msg})
	return nil
}

// TransactedSession carries every transactional subscription and send of a
// connection over one transacted provider session. Deliveries are released
// to the client only while a transaction is open, so every acknowledgement
// belongs to exactly one transaction.
type TransactedSession struct {
	*senderSession
	ctx *Context

	// op serializes client operations
	op sync.Mutex

	mu             sync.Mutex
	cond           *sync.Cond
	tid            string
	lastRolledBack string
	paused         bool
	idle           bool
	loopStarted    bool
	loopExited     bool
	closing        bool
	closed         atomic.Bool
	loopDone       chan struct{}

	subsMu      sync.Mutex
	subscribers map[string]*transactedSubscriber

	pendingMu sync.Mutex
	pending   []*subscribedMessage

	unackedMu sync.Mutex
	unacked   []*subscribedMessage

	ackedMu sync.Mutex
	acked   []*transactedAck
}

func newTransactedSession(c *Connection, pconn provider.Connection) (*TransactedSession, error) {
	sender, err := newSenderSession(c, pconn, true)
	if err != nil {
		return nil, err
	}
	ts := &TransactedSession{
		senderSession: sender,
		ctx:           c.ctx,
		idle:          true,
		loopDone:      make(chan struct{}),
		subscribers:   make(map[string]*transactedSubscriber),
	}
	ts.cond = sync.NewCond(&ts.mu)
	return ts, nil
}

func (ts *TransactedSession) TransactionID() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.tid
}

func (ts *TransactedSession) LastRolledBackTransactionID() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.lastRolledBack
}

func (ts *TransactedSession) isClosed() bool {
	return ts.closed.Load()
}

// Begin opens a transaction and releases queued deliveries under it.
func (ts *TransactedSession) Begin(tid string) error {
	ts.op.Lock()
	defer ts.op.Unlock()

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.tid != "" {
		return stateError("nested transactions are not supported, %s is still open", ts.tid)
	}
	ts.ackedMu.Lock()
	ts.acked = nil
	ts.ackedMu.Unlock()
	ts.tid = tid
	ts.cond.Broadcast()
	return nil
}

func (ts *TransactedSession) hasSubscriber(subID string) bool {
	ts.subsMu.Lock()
	defer ts.subsMu.Unlock()
	_, ok := ts.subscribers[subID]
	return ok
}

func (ts *TransactedSession) subscriberOpen(subID string) bool {
	ts.subsMu.Lock()
	defer ts.subsMu.Unlock()
	sub, ok := ts.subscribers[subID]
	return ok && !sub.closed.Load()
}

func (ts *TransactedSession) createSubscriber(req SubscribeRequest) (*transactedSubscriber, error) {
	ts.op.Lock()
	defer ts.op.Unlock()
	if ts.isClosed() {
		return nil, stateError("transacted session is closed")
	}
	if ts.hasSubscriber(req.ID) {
		return nil, stateError("subscription id %s is already in use", req.ID)
	}

	dest, err := ts.conn.dests.resolve(ts, req.Destination, true)
	if err != nil {
		return nil, err
	}
	consumer, err := ts.session.CreateConsumer(dest, provider.ConsumerOptions{
		Selector:    req.Selector,
		DurableName: req.DurableName,
		NoLocal:     req.NoLocal,
	})
	if err != nil {
		return nil, providerError(err, "subscribe to %s", req.Destination)
	}

	sub := &transactedSubscriber{
		ts:          ts,
		id:          req.ID,
		ackMode:     req.AckMode,
		durableName: req.DurableName,
		consumer:    consumer,
	}
	ts.subsMu.Lock()
	ts.subscribers[req.ID] = sub
	ts.subsMu.Unlock()
	ts.ctx.Observer.SubscriptionOpened()

	ts.mu.Lock()
	if !ts.loopStarted {
		ts.loopStarted = true
		go ts.run()
	}
	ts.mu.Unlock()
	return sub, nil
}

func (ts *TransactedSession) enqueue(m *subscribedMessage) {
	ts.pendingMu.Lock()
	ts.pending = append(ts.pending, m)
	ts.pendingMu.Unlock()

	ts.mu.Lock()
	ts.cond.Broadcast()
	ts.mu.Unlock()
}

func (ts *TransactedSession) pendingLen() int {
	ts.pendingMu.Lock()
	defer ts.pendingMu.Unlock()
	return len(ts.pending)
}

func (ts *TransactedSession) popPending() *subscribedMessage {
	ts.pendingMu.Lock()
	defer ts.pendingMu.Unlock()
	if len(ts.pending) == 0 {
		return nil
	}
	m := ts.pending[0]
	ts.pending = ts.pending[1:]
	return m
}

// run moves deliveries from pending to the client while a transaction is
// open and the loop is not paused.
func (ts *TransactedSession) run() {
	defer close(ts.loopDone)
	for {
		ts.mu.Lock()
		for !ts.closing && (ts.paused || ts.tid == "" || ts.pendingLen() == 0) {
			ts.idle = true
			ts.cond.Broadcast()
			ts.cond.Wait()
		}
		if ts.closing {
			ts.loopExited = true
			ts.cond.Broadcast()
			ts.mu.Unlock()
			return
		}
		ts.idle = false
		tid := ts.tid
		m := ts.popPending()
		ts.mu.Unlock()

		if m == nil {
			continue
		}
		if err := ts.deliver(m, tid); err != nil {
			ts.mu.Lock()
			ts.loopExited = true
			ts.idle = true
			ts.cond.Broadcast()
			ts.mu.Unlock()
			go ts.failLoop(err)
			return
		}
	}
}

func (ts *TransactedSession) deliver(m *subscribedMessage, tid string) error {
	ts.subsMu.Lock()
	sub, ok := ts.subscribers[m.subID]
	ts.subsMu.Unlock()
	if !ok || sub.closed.Load() {
		logger.DebugF("[%s] Discard message %s for closed subscriber %s", ts.conn.id, m.msg.ID, m.subID)
		return nil
	}

	auto := ackModeOf(sub.ackMode) == provider.AutoAcknowledge
	ackID := ""
	if auto {
		ts.ackedMu.Lock()
		ts.acked = append(ts.acked, &transactedAck{subscribedMessage: *m, tid: tid})
		ts.ackedMu.Unlock()
	} else {
		ackID = m.subID + m.msg.ID
		ts.unackedMu.Lock()
		ts.unacked = append(ts.unacked, m)
		ts.unackedMu.Unlock()
	}
	return ts.conn.out.Send(messageToFrame(m.msg, m.subID, ackID, ts.conn.dests))
}

// failLoop reports a delivery the client could not receive and tears the
// session down. It runs after the loop has exited.
func (ts *TransactedSession) failLoop(err error) {
	if errors.Is(err, ErrOutputClosed) {
		logger.WarnF("[%s] Transacted delivery stopped, output closed", ts.conn.id)
	} else {
		logger.ErrorF("[%s] Transacted delivery failed, details: %v", ts.conn.id, err)
		if sendErr := ts.conn.out.Send(ErrorFrame(stomp.MESSAGE.String(), err, false, "")); sendErr != nil {
			logger.DebugF("[%s] Cannot report delivery failure, details: %v", ts.conn.id, sendErr)
		}
	}
	if closeErr := ts.Close(); closeErr != nil {
		logger.WarnF("[%s] Close transacted session failed, details: %v", ts.conn.id, closeErr)
	}
}

// pauseLoop stops the loop from releasing deliveries and waits, at most
// QuiesceTimeout, for it to go idle.
func (ts *TransactedSession) pauseLoop() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.paused = true
	ts.cond.Broadcast()

	deadline := time.Now().Add(ts.ctx.QuiesceTimeout)
	timer := time.AfterFunc(ts.ctx.QuiesceTimeout, func() {
		ts.mu.Lock()
		ts.cond.Broadcast()
		ts.mu.Unlock()
	})
	defer timer.Stop()
	for ts.loopStarted && !ts.loopExited && !ts.idle {
		if !time.Now().Before(deadline) {
			logger.WarnF("[%s] Transacted delivery did not pause within %s", ts.conn.id, ts.ctx.QuiesceTimeout)
			return
		}
		ts.cond.Wait()
	}
}

func (ts *TransactedSession) resumeLoop() {
	ts.mu.Lock()
	ts.paused = false
	ts.cond.Broadcast()
	ts.mu.Unlock()
}

func (ts *TransactedSession) stopProvider() bool {
	if err := ts.pconn.Stop(); err != nil {
		logger.WarnF("[%s] Pause provider delivery failed, details: %v", ts.conn.id, err)
		return false
	}
	return true
}

func (ts *TransactedSession) startProvider() {
	if err := ts.pconn.Start(); err != nil {
		logger.WarnF("[%s] Resume provider delivery failed, details: %v", ts.conn.id, err)
	}
}

// resolveSubscriber finds the subscriber an acknowledgement refers to. With
// prefix set, subID is a prefix and the message must identify one subscriber.
func (ts *TransactedSession) resolveSubscriber(subID, msgID string, prefix bool) (string, error) {
	if !prefix {
		if !ts.hasSubscriber(subID) {
			return "", stateError("subscriber id %s not found", subID)
		}
		return subID, nil
	}

	matches := make(map[string]struct{})
	ts.unackedMu.Lock()
	for _, m := range ts.unacked {
		if m.msg.ID == msgID && strings.HasPrefix(m.subID, subID) {
			matches[m.subID] = struct{}{}
		}
	}
	ts.unackedMu.Unlock()
	ts.ackedMu.Lock()
	for _, a := range ts.acked {
		if a.msg.ID == msgID && strings.HasPrefix(a.subID, subID) {
			matches[a.subID] = struct{}{}
		}
	}
	ts.ackedMu.Unlock()

	switch len(matches) {
	case 0:
		return "", stateError("message %s not found in transaction", msgID)
	case 1:
		for id := range matches {
			return id, nil
		}
	}
	return "", protocolError("message %s matches more than one subscription", msgID)
}

// Ack moves msgID and every earlier delivery of the same subscriber into the
// acknowledged set of the open transaction.
func (ts *TransactedSession) Ack(subID, msgID string, prefix bool) error {
	ts.op.Lock()
	defer ts.op.Unlock()

	tid := ts.TransactionID()
	if tid == "" {
		return stateError("no transaction in progress")
	}
	subID, err := ts.resolveSubscriber(subID, msgID, prefix)
	if err != nil {
		return err
	}

	ts.unackedMu.Lock()
	idx := -1
	for i, m := range ts.unacked {
		if m.is(subID, msgID) {
			idx = i
			break
		}
	}
	if idx < 0 {
		ts.unackedMu.Unlock()
		if ts.ackedIn(tid, subID, msgID) {
			return nil
		}
		return stateError("message %s not found in transaction %s", msgID, tid)
	}

	var moved []*transactedAck
	rest := make([]*subscribedMessage, 0, len(ts.unacked))
	for i, m := range ts.unacked {
		if i <= idx && m.subID == subID {
			moved = append(moved, &transactedAck{subscribedMessage: *m, tid: tid})
			continue
		}
		rest = append(rest, m)
	}
	ts.unacked = rest
	ts.unackedMu.Unlock()

	ts.ackedMu.Lock()
	ts.acked = append(ts.acked, moved...)
	ts.ackedMu.Unlock()
	return nil
}

func (ts *TransactedSession) ackedIn(tid, subID, msgID string) bool {
	ts.ackedMu.Lock()
	defer ts.ackedMu.Unlock()
	for _, a := range ts.acked {
		if a.tid == tid && a.is(subID, msgID) {
			return true
		}
	}
	return false
}

// Commit acknowledges everything acked under the open transaction and
// commits the provider session. A failed commit is rolled back.
func (ts *TransactedSession) Commit() error {
	ts.op.Lock()
	defer ts.op.Unlock()

	tid := ts.TransactionID()
	if tid == "" {
		return stateError("no transaction in progress")
	}

	ts.pauseLoop()
	err := ts.commitAcked(tid)
	if err == nil {
		if cerr := ts.session.Commit(); cerr != nil {
			err = providerError(cerr, "commit transaction %s", tid)
		}
	}
	if err != nil {
		logger.WarnF("[%s] Commit of %s failed, rolling back, details: %v", ts.conn.id, tid, err)
		if rbErr := ts.rollback(); rbErr != nil {
			logger.ErrorF("[%s] Rollback after failed commit of %s failed, details: %v", ts.conn.id, tid, rbErr)
		}
		ts.ctx.Observer.TransactionFinished(OutcomeCommitFailed)
		return err
	}

	ts.ackedMu.Lock()
	ts.acked = nil
	ts.ackedMu.Unlock()
	ts.mu.Lock()
	ts.tid = ""
	ts.mu.Unlock()
	ts.resumeLoop()
	ts.ctx.Observer.TransactionFinished(OutcomeCommitted)
	logger.DebugF("[%s] Transaction %s committed", ts.conn.id, tid)
	return nil
}

func (ts *TransactedSession) commitAcked(tid string) error {
	ts.ackedMu.Lock()
	acked := append([]*transactedAck(nil), ts.acked...)
	ts.ackedMu.Unlock()
	if len(acked) == 0 {
		return nil
	}

	if !ts.stopProvider() {
		return providerError(nil, "cannot pause delivery for commit of %s", tid)
	}
	defer ts.startProvider()
	for _, a := range acked {
		if a.tid != tid {
			return protocolError("message %s was acknowledged under transaction %s, not %s", a.msg.ID, a.tid, tid)
		}
		if err := ts.session.Acknowledge(a.msg, provider.AckTransacted); err != nil {
			return providerError(err, "acknowledge %s", a.msg.ID)
		}
	}
	return nil
}

// Rollback undoes the open transaction. Every delivery the client has seen or
// is about to see goes back to the provider for redelivery.
func (ts *TransactedSession) Rollback() error {
	ts.op.Lock()
	defer ts.op.Unlock()
	if ts.TransactionID() == "" {
		return stateError("no transaction in progress")
	}
	err := ts.rollback()
	ts.ctx.Observer.TransactionFinished(OutcomeRolledBack)
	return err
}

func (ts *TransactedSession) rollback() error {
	stopped := ts.stopProvider()
	ts.pauseLoop()

	ts.mu.Lock()
	tid := ts.tid
	ts.mu.Unlock()
	defer func() {
		ts.mu.Lock()
		if tid != "" {
			ts.lastRolledBack = tid
		}
		ts.tid = ""
		ts.mu.Unlock()
		ts.resumeLoop()
		if stopped {
			ts.startProvider()
		}
	}()

	ts.ackedMu.Lock()
	acked := ts.acked
	ts.acked = nil
	ts.ackedMu.Unlock()
	ts.unackedMu.Lock()
	unacked := ts.unacked
	ts.unacked = nil
	ts.unackedMu.Unlock()
	ts.pendingMu.Lock()
	pending := ts.pending
	ts.pending = nil
	ts.pendingMu.Unlock()

	for _, a := range acked {
		if a.tid != tid {
			logger.ErrorF("[%s] Message %s was acknowledged under transaction %s while rolling back %s", ts.conn.id, a.msg.ID, a.tid, tid)
		}
		ts.reack(&a.subscribedMessage)
	}
	for _, m := range unacked {
		ts.reack(m)
	}
	for _, m := range pending {
		ts.reack(m)
	}

	if err := ts.session.Rollback(); err != nil {
		return providerError(err, "rollback transaction %s", tid)
	}
	return nil
}

// reack enrolls a delivery in the provider transaction so that rolling back
// returns it for redelivery.
func (ts *TransactedSession) reack(m *subscribedMessage) {
	if !ts.subscriberOpen(m.subID) {
		logger.DebugF("[%s] Skip message %s of closed subscriber %s", ts.conn.id, m.msg.ID, m.subID)
		return
	}
	if err := ts.session.Acknowledge(m.msg, provider.AckTransacted); err != nil {
		logger.WarnF("[%s] Enroll message %s in rollback failed, details: %v", ts.conn.id, m.msg.ID, err)
	}
}

// preCloseSubscriber hands the acknowledged deliveries of subID to the
// provider transaction before the subscriber disappears.
func (ts *TransactedSession) preCloseSubscriber(subID string) {
	stopped := ts.stopProvider()
	ts.pauseLoop()
	defer func() {
		ts.resumeLoop()
		if stopped {
			ts.startProvider()
		}
	}()

	ts.ackedMu.Lock()
	var mine []*transactedAck
	rest := ts.acked[:0:0]
	for _, a := range ts.acked {
		if a.subID == subID {
			mine = append(mine, a)
		} else {
			rest = append(rest, a)
		}
	}
	ts.acked = rest
	ts.ackedMu.Unlock()

	for _, a := range mine {
		if err := ts.session.Acknowledge(a.msg, provider.AckTransacted); err != nil {
			logger.WarnF("[%s] Acknowledge %s of closing subscriber %s failed, details: %v", ts.conn.id, a.msg.ID, subID, err)
		}
	}
}

func (ts *TransactedSession) closeSubscriberLocked(sub *transactedSubscriber) error {
	ts.preCloseSubscriber(sub.id)
	sub.closed.Store(true)
	ts.subsMu.Lock()
	delete(ts.subscribers, sub.id)
	ts.subsMu.Unlock()
	ts.ctx.Observer.SubscriptionClosed()
	if err := sub.consumer.Close(); err != nil {
		return providerError(err, "close consumer %s", sub.id)
	}
	return nil
}

// closeSubscriber removes a subscription by id, or by durable name when
// durableName is set. Unknown durable names are unsubscribed through this
// session. errSubscriberNotFound is returned when nothing matched.
func (ts *TransactedSession) closeSubscriber(subID, durableName string) (string, error) {
	ts.op.Lock()
	defer ts.op.Unlock()

	var sub *transactedSubscriber
	ts.subsMu.Lock()
	if durableName == "" {
		sub = ts.subscribers[subID]
	} else {
		for _, s := range ts.subscribers {
			if s.durableName == durableName {
				sub = s
				break
			}
		}
	}
	ts.subsMu.Unlock()

	if sub == nil {
		if durableName == "" {
			return "", errSubscriberNotFound
		}
		return "", ts.unsubscribe(durableName)
	}

	err := ts.closeSubscriberLocked(sub)
	if durableName != "" {
		err = errors.Join(err, ts.unsubscribe(durableName))
	}
	return sub.id, err
}

// Close removes every subscriber, rolls back any open transaction and
// releases the provider session.
func (ts *TransactedSession) Close() error {
	ts.op.Lock()
	defer ts.op.Unlock()
	if ts.closed.Swap(true) {
		return nil
	}

	ts.subsMu.Lock()
	subs := make([]*transactedSubscriber, 0, len(ts.subscribers))
	for _, s := range ts.subscribers {
		subs = append(subs, s)
	}
	ts.subsMu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := ts.closeSubscriberLocked(s); err != nil {
			errs = append(errs, err)
		}
	}
	if err := ts.rollback(); err != nil {
		logger.WarnF("[%s] Rollback on close failed, details: %v", ts.conn.id, err)
	}

	ts.mu.Lock()
	ts.closing = true
	ts.cond.Broadcast()
	started := ts.loopStarted
	ts.mu.Unlock()
	if started {
		select {
		case <-ts.loopDone:
		case <-time.After(ts.ctx.QuiesceTimeout):
			logger.WarnF("[%s] Transacted delivery loop did not exit within %s", ts.conn.id, ts.ctx.QuiesceTimeout)
		}
	}

	if err := ts.senderSession.close(); err != nil {
		errs = append(errs, providerError(err, "close transacted session"))
	}
	ts.pendingMu.Lock()
	ts.pending = nil
	ts.pendingMu.Unlock()
	return errors.Join(errs...)
}
