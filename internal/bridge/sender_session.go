package bridge

import (
	"errors"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/provider"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/stomp"
)

// senderSession owns a provider session and producer used for SEND frames.
// The transacted session embeds one for transactional sends.
type senderSession struct {
	conn     *Connection
	pconn    provider.Connection
	session  provider.Session
	producer provider.Producer
}

func newSenderSession(c *Connection, pconn provider.Connection, transacted bool) (*senderSession, error) {
	session, err := pconn.CreateSession(transacted, provider.AutoAcknowledge)
	if err != nil {
		return nil, providerError(err, "create session")
	}
	producer, err := session.CreateProducer()
	if err != nil {
		_ = session.Close()
		return nil, providerError(err, "create producer")
	}
	return &senderSession{conn: c, pconn: pconn, session: session, producer: producer}, nil
}

func (s *senderSession) createDestination(name string, queue bool) (provider.Destination, error) {
	return sessionDestinations{s.session}.createDestination(name, queue)
}

func (s *senderSession) createTemporaryDestination(queue bool) (provider.Destination, error) {
	return sessionDestinations{s.session}.createTemporaryDestination(queue)
}

func (s *senderSession) send(f *stomp.Frame) error {
	dest, msg, err := frameToMessage(f, s.conn.dests, s)
	if err != nil {
		return err
	}
	if err := s.producer.Send(dest, msg); err != nil {
		return providerError(err, "send to %s", f.Get(stomp.HeaderDestination))
	}
	return nil
}

func (s *senderSession) unsubscribe(durableName string) error {
	if err := s.session.Unsubscribe(durableName); err != nil {
		return providerError(err, "unsubscribe %s", durableName)
	}
	return nil
}

func (s *senderSession) close() error {
	return errors.Join(s.producer.Close(), s.session.Close())
}
