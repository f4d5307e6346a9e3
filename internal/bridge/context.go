// Package bridge maps STOMP connections, subscriptions, acknowledgements and
// transactions onto provider connections, sessions and consumers.
package bridge

import (
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/provider"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/stomp"
)

// OutputSink delivers frames to one client. It is shared by every session of
// a connection and must be safe for concurrent use.
type OutputSink interface {
	Send(f *stomp.Frame) error
}

// Observer receives bridge events for instrumentation. Every method may be
// called concurrently.
type Observer interface {
	SubscriptionOpened()
	SubscriptionClosed()
	TransactionFinished(outcome string)
}

type nopObserver struct{}

func (nopObserver) SubscriptionOpened() {}
func (nopObserver) SubscriptionClosed() {}
func (nopObserver) TransactionFinished(string) {}

// Context carries the collaborators every connection session needs.
type Context struct {
	Factory provider.Factory
	// DefaultCredentials are used when CONNECT carries no login.
	DefaultCredentials provider.Credentials
	// QuiesceTimeout bounds how long rollback and subscriber removal wait for
	// the transacted delivery loop to pause.
	QuiesceTimeout time.Duration
	// MaxAckFailures is the number of consecutive acknowledgement failures
	// after which a subscriber is torn down.
	MaxAckFailures int
	Observer       Observer
}

func (c *Context) withDefaults() *Context {
	cc := *c
	if cc.QuiesceTimeout <= 0 {
		cc.QuiesceTimeout = 60 * time.Second
	}
	if cc.MaxAckFailures <= 0 {
		cc.MaxAckFailures = 3
	}
	if cc.Observer == nil {
		cc.Observer = nopObserver{}
	}
	return &cc
}
