package bridge

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/provider"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/stomp"
)

// Subscriber is a subscription created but not yet delivering. Delivery
// starts only once the SUBSCRIBE receipt has been written.
type Subscriber interface {
	ID() string
	StartDelivery() error
}

func ackModeOf(mode string) provider.AckMode {
	if mode == stomp.AckAuto || mode == "" {
		return provider.AutoAcknowledge
	}
	return provider.ClientAcknowledge
}

// subscriberSession is a non-transacted subscription with its own provider
// session, so acknowledgements of one subscription never touch another.
type subscriberSession struct {
	conn        *Connection
	id          string
	ackMode     string
	durableName string
	session     provider.Session
	consumer    provider.Consumer

	mu          sync.Mutex
	unacked     []*provider.Message
	ackFailures int

	closed atomic.Bool
}

func newSubscriberSession(c *Connection, pconn provider.Connection, req SubscribeRequest) (*subscriberSession, error) {
	session, err := pconn.CreateSession(false, ackModeOf(req.AckMode))
	if err != nil {
		return nil, providerError(err, "create session")
	}
	dest, err := c.dests.resolve(sessionDestinations{session}, req.Destination, true)
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	consumer, err := session.CreateConsumer(dest, provider.ConsumerOptions{
		Selector:    req.Selector,
		DurableName: req.DurableName,
		NoLocal:     req.NoLocal,
	})
	if err != nil {
		_ = session.Close()
		return nil, providerError(err, "subscribe to %s", req.Destination)
	}
	return &subscriberSession{
		conn:        c,
		id:          req.ID,
		ackMode:     req.AckMode,
		durableName: req.DurableName,
		session:     session,
		consumer:    consumer,
	}, nil
}

func (s *subscriberSession) ID() string {
	return s.id
}

func (s *subscriberSession) StartDelivery() error {
	if err := s.consumer.SetListener(s.onMessage); err != nil {
		return providerError(err, "start delivery for %s", s.id)
	}
	return nil
}

func (s *subscriberSession) needsAck() bool {
	return ackModeOf(s.ackMode) == provider.ClientAcknowledge
}

func (s *subscriberSession) onMessage(msg *provider.Message) error {
	if s.closed.Load() {
		return provider.ErrClosed
	}
	ackID := ""
	if s.needsAck() {
		ackID = s.id + msg.ID
		s.mu.Lock()
		s.unacked = append(s.unacked, msg)
		s.mu.Unlock()
	}

	err := s.conn.out.Send(messageToFrame(msg, s.id, ackID, s.conn.dests))
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrOutputClosed) {
		logger.WarnF("[%s] Subscriber %s dropped message %s, output closed", s.conn.id, s.id, msg.ID)
	} else {
		logger.ErrorF("[%s] Subscriber %s failed to deliver message %s, details: %v", s.conn.id, s.id, msg.ID, err)
		if sendErr := s.conn.out.Send(ErrorFrame(stomp.MESSAGE.String(), err, false, "")); sendErr != nil {
			logger.DebugF("[%s] Cannot report delivery failure, details: %v", s.conn.id, sendErr)
		}
	}
	if closeErr := s.consumer.Close(); closeErr != nil {
		logger.WarnF("[%s] Close consumer of %s failed, details: %v", s.conn.id, s.id, closeErr)
	}
	return err
}

func (s *subscriberSession) hasUnacked(msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.unacked {
		if m.ID == msgID {
			return true
		}
	}
	return false
}

// ack acknowledges msgID, and in client mode every earlier delivery with it.
func (s *subscriberSession) ack(msgID string, maxFailures int) error {
	if !s.needsAck() {
		return stateError("subscription %s does not take acknowledgements", s.id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.unacked) - 1; i >= 0; i-- {
		msg := s.unacked[i]
		if msg.ID != msgID {
			continue
		}

		scope := provider.AckThisMessage
		if s.ackMode == stomp.AckClient {
			scope = provider.AckUpThrough
		}
		if err := s.session.Acknowledge(msg, scope); err != nil {
			s.ackFailures++
			if provider.IsUnrecoverable(err) || s.ackFailures >= maxFailures {
				return newError(KindUnrecoverableAck, err, "acknowledge %s on %s failed %d times", msgID, s.id, s.ackFailures)
			}
			return providerError(err, "acknowledge %s", msgID)
		}
		s.ackFailures = 0

		if scope == provider.AckUpThrough {
			s.unacked = append(s.unacked[:0:0], s.unacked[i+1:]...)
		} else {
			s.unacked = append(s.unacked[:i], s.unacked[i+1:]...)
		}
		return nil
	}
	return stateError("message %s not found for subscriber %s", msgID, s.id)
}

// close stops delivery and releases the provider session. Unacknowledged
// messages go back to the provider for redelivery.
func (s *subscriberSession) close() error {
	if s.closed.Swap(true) {
		return nil
	}
	var errs []error
	if err := s.consumer.Close(); err != nil {
		errs = append(errs, providerError(err, "close consumer %s", s.id))
	}
	if err := s.session.Close(); err != nil {
		errs = append(errs, providerError(err, "close session of %s", s.id))
	}
	s.mu.Lock()
	s.unacked = nil
	s.mu.Unlock()
	return errors.Join(errs...)
}

// unsubscribe closes the subscription and removes its durable registration.
func (s *subscriberSession) unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}
	var errs []error
	if err := s.consumer.Close(); err != nil {
		errs = append(errs, providerError(err, "close consumer %s", s.id))
	}
	if err := s.session.Unsubscribe(s.durableName); err != nil {
		errs = append(errs, providerError(err, "unsubscribe %s", s.durableName))
	}
	if err := s.session.Close(); err != nil {
		errs = append(errs, providerError(err, "close session of %s", s.id))
	}
	return errors.Join(errs...)
}
