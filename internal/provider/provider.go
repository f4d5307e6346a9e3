// Package provider defines the message-queue backend the bridge drives. The
// bridge only talks to these interfaces; internal/provider/memory is the
// in-process implementation.
package provider

import (
	"context"
	"errors"
)

// AckMode selects how a non-transacted session acknowledges deliveries.
type AckMode int

const (
	AutoAcknowledge AckMode = iota
	ClientAcknowledge
)

// AckScope selects what Session.Acknowledge covers.
type AckScope int

const (
	// AckThisMessage acknowledges exactly the given delivery.
	AckThisMessage AckScope = iota
	// AckUpThrough acknowledges the delivery and every older unacknowledged
	// delivery of the same session.
	AckUpThrough
	// AckTransacted enrolls the delivery in the session's current transaction.
	AckTransacted
)

var ErrClosed = errors.New("provider: resource closed")

type unrecoverableError struct {
	err error
}

func (e *unrecoverableError) Error() string { return e.err.Error() }
func (e *unrecoverableError) Unwrap() error { return e.err }

// Unrecoverable marks err as a failure that retrying cannot fix.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &unrecoverableError{err: err}
}

// IsUnrecoverable reports whether any error in the chain was marked with
// Unrecoverable.
func IsUnrecoverable(err error) bool {
	var u *unrecoverableError
	return errors.As(err, &u)
}

type Credentials struct {
	Login    string
	Passcode string
}

// Factory opens provider connections.
type Factory interface {
	CreateConnection(ctx context.Context, creds Credentials) (Connection, error)
}

type Connection interface {
	ID() string
	ClientID() string
	SetClientID(id string) error
	// SetExceptionListener registers the callback invoked when the link to the
	// backend fails asynchronously.
	SetExceptionListener(listener func(error))
	CreateSession(transacted bool, mode AckMode) (Session, error)
	// Start resumes delivery to listeners.
	Start() error
	// Stop pauses delivery and returns once no listener callback is running.
	// It must not be called from inside a listener.
	Stop() error
	Close() error
}

type Destination interface {
	Name() string
	IsQueue() bool
	IsTemporary() bool
}

type ConsumerOptions struct {
	Selector    string
	DurableName string
	NoLocal     bool
}

type Session interface {
	Transacted() bool
	AckMode() AckMode
	CreateQueue(name string) (Destination, error)
	CreateTopic(name string) (Destination, error)
	CreateTemporaryQueue() (Destination, error)
	CreateTemporaryTopic() (Destination, error)
	CreateProducer() (Producer, error)
	CreateConsumer(dest Destination, opts ConsumerOptions) (Consumer, error)
	// Unsubscribe forgets a durable subscription of the connection's client id.
	Unsubscribe(durableName string) error
	Acknowledge(msg *Message, scope AckScope) error
	Commit() error
	Rollback() error
	Close() error
}

type Producer interface {
	Send(dest Destination, msg *Message) error
	Close() error
}

// Listener receives deliveries. A non-nil error hands an auto-acknowledged
// delivery back to the provider for redelivery.
type Listener func(msg *Message) error

type Consumer interface {
	// SetListener starts delivery to l.
	SetListener(l Listener) error
	Close() error
}

type Property struct {
	Name  string
	Value string
}

// Message is a provider message. Handle is owned by the provider and ties a
// delivered message back to its delivery for acknowledgement.
type Message struct {
	ID            string
	Destination   Destination
	ReplyTo       Destination
	CorrelationID string
	Type          string
	Priority      int
	Persistent    bool
	// Expiration and Timestamp are milliseconds since the epoch; zero
	// Expiration never expires.
	Expiration  int64
	Timestamp   int64
	Redelivered bool
	Properties  []Property
	Text        bool
	Body        []byte

	Handle any
}

// Property returns the first property with the given name.
func (m *Message) Property(name string) (string, bool) {
	for _, p := range m.Properties {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// SetProperty replaces or appends a property.
func (m *Message) SetProperty(name, value string) {
	for i := range m.Properties {
		if m.Properties[i].Name == name {
			m.Properties[i].Value = value
			return
		}
	}
	m.Properties = append(m.Properties, Property{Name: name, Value: value})
}

// Clone copies the message without its delivery handle.
func (m *Message) Clone() *Message {
	c := *m
	c.Handle = nil
	c.Properties = append([]Property(nil), m.Properties...)
	c.Body = append([]byte(nil), m.Body...)
	return &c
}
