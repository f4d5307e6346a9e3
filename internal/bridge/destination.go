package bridge

import (
	"strings"
	"sync"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/provider"
)

const (
	QueuePrefix          = "/queue/"
	TopicPrefix          = "/topic/"
	TemporaryQueuePrefix = "/temp-queue/"
	TemporaryTopicPrefix = "/temp-topic/"
)

// destinationFactory is the capability shared by sender, subscriber and
// transacted sessions: turning names into provider destinations.
type destinationFactory interface {
	createDestination(name string, queue bool) (provider.Destination, error)
	createTemporaryDestination(queue bool) (provider.Destination, error)
}

// sessionDestinations adapts a provider session to destinationFactory.
type sessionDestinations struct {
	session provider.Session
}

func (s sessionDestinations) createDestination(name string, queue bool) (provider.Destination, error) {
	if queue {
		return s.session.CreateQueue(name)
	}
	return s.session.CreateTopic(name)
}

func (s sessionDestinations) createTemporaryDestination(queue bool) (provider.Destination, error) {
	if queue {
		return s.session.CreateTemporaryQueue()
	}
	return s.session.CreateTemporaryTopic()
}

// destinations resolves STOMP destination names for one connection. Client
// named temporary destinations map to one provider temporary each; provider
// temporaries seen in reply-to headers are remembered so clients can answer.
type destinations struct {
	mu     sync.Mutex
	local  map[string]provider.Destination
	remote map[string]provider.Destination
}

func newDestinations() *destinations {
	return &destinations{
		local:  make(map[string]provider.Destination),
		remote: make(map[string]provider.Destination),
	}
}

func splitDestination(name string) (prefix, rest string, ok bool) {
	for _, p := range []string{QueuePrefix, TopicPrefix, TemporaryQueuePrefix, TemporaryTopicPrefix} {
		if r, found := strings.CutPrefix(name, p); found && r != "" {
			return p, r, true
		}
	}
	return "", "", false
}

// resolve maps a STOMP destination to a provider destination. consumer is set
// when the destination is about to be subscribed to.
func (d *destinations) resolve(f destinationFactory, name string, consumer bool) (provider.Destination, error) {
	prefix, rest, ok := splitDestination(name)
	if !ok {
		return nil, protocolError("invalid destination %q", name)
	}

	switch prefix {
	case QueuePrefix, TopicPrefix:
		dest, err := f.createDestination(rest, prefix == QueuePrefix)
		if err != nil {
			return nil, providerError(err, "create destination %s", name)
		}
		return dest, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if dest, found := d.local[name]; found {
		return dest, nil
	}
	if dest, found := d.remote[name]; found {
		if consumer {
			return nil, protocolError("cannot subscribe to temporary destination %s owned by another connection", name)
		}
		return dest, nil
	}
	dest, err := f.createTemporaryDestination(prefix == TemporaryQueuePrefix)
	if err != nil {
		return nil, providerError(err, "create temporary destination %s", name)
	}
	d.local[name] = dest
	return dest, nil
}

// render turns a provider destination into the name clients see.
func (d *destinations) render(dest provider.Destination) string {
	if dest == nil {
		return ""
	}
	if !dest.IsTemporary() {
		if dest.IsQueue() {
			return QueuePrefix + dest.Name()
		}
		return TopicPrefix + dest.Name()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for name, local := range d.local {
		if local.Name() == dest.Name() {
			return name
		}
	}
	prefix := TemporaryTopicPrefix
	if dest.IsQueue() {
		prefix = TemporaryQueuePrefix
	}
	name := prefix + dest.Name()
	d.remote[name] = dest
	return name
}

func (d *destinations) clear() {
	d.mu.Lock()
	d.local = make(map[string]provider.Destination)
	d.remote = make(map[string]provider.Destination)
	d.mu.Unlock()
}
