package bridge

import (
	"errors"
	"strconv"
	"strings"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/provider"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/stomp"
)

const defaultPriority = 4

// headers consumed by the SEND mapping instead of becoming properties
var mappedSendHeaders = map[string]struct{}{
	stomp.HeaderDestination:   {},
	stomp.HeaderReceipt:       {},
	stomp.HeaderTransaction:   {},
	stomp.HeaderContentLength: {},
	stomp.HeaderPriority:      {},
	stomp.HeaderPersistent:    {},
	stomp.HeaderExpires:       {},
	stomp.HeaderCorrelationID: {},
	stomp.HeaderType:          {},
	stomp.HeaderReplyTo:       {},
}

// frameToMessage converts a SEND frame into a provider message and its target.
func frameToMessage(f *stomp.Frame, dests *destinations, factory destinationFactory) (provider.Destination, *provider.Message, error) {
	name, ok := f.Lookup(stomp.HeaderDestination)
	if !ok || name == "" {
		return nil, nil, protocolError("missing header %s", stomp.HeaderDestination)
	}
	dest, err := dests.resolve(factory, name, false)
	if err != nil {
		return nil, nil, err
	}

	_, hasLength := f.Lookup(stomp.HeaderContentLength)
	msg := &provider.Message{
		Priority:   defaultPriority,
		Persistent: true,
		Text:       !hasLength,
		Body:       f.Body,
	}

	if v, ok := f.Lookup(stomp.HeaderPriority); ok {
		p, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || p < 0 || p > 9 {
			return nil, nil, protocolError("invalid header value %s:%s", stomp.HeaderPriority, v)
		}
		msg.Priority = p
	}
	if v, ok := f.Lookup(stomp.HeaderPersistent); ok {
		msg.Persistent = strings.EqualFold(strings.TrimSpace(v), "true")
	}
	if v, ok := f.Lookup(stomp.HeaderExpires); ok {
		e, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || e < 0 {
			return nil, nil, protocolError("invalid header value %s:%s", stomp.HeaderExpires, v)
		}
		msg.Expiration = e
	}
	msg.CorrelationID = f.Get(stomp.HeaderCorrelationID)
	msg.Type = f.Get(stomp.HeaderType)
	if v, ok := f.Lookup(stomp.HeaderReplyTo); ok && v != "" {
		replyTo, err := dests.resolve(factory, v, false)
		if err != nil {
			return nil, nil, err
		}
		msg.ReplyTo = replyTo
	}

	for i := 0; i < f.Header.Len(); i++ {
		key, value := f.Header.GetAt(i)
		if _, mapped := mappedSendHeaders[key]; mapped {
			continue
		}
		msg.SetProperty(key, value)
	}
	return dest, msg, nil
}

// messageToFrame renders a provider message as a MESSAGE frame. ackID is
// empty when the subscription does not expect acknowledgements.
func messageToFrame(msg *provider.Message, subID, ackID string, dests *destinations) *stomp.Frame {
	f := stomp.NewFrame(stomp.MESSAGE,
		stomp.HeaderSubscription, subID,
		stomp.HeaderDestination, dests.render(msg.Destination),
		stomp.HeaderMessageID, msg.ID,
	)
	if ackID != "" {
		f.Add(stomp.HeaderAck, ackID)
	}
	if msg.ReplyTo != nil {
		f.Add(stomp.HeaderReplyTo, dests.render(msg.ReplyTo))
	}
	if msg.CorrelationID != "" {
		f.Add(stomp.HeaderCorrelationID, msg.CorrelationID)
	}
	f.Add(stomp.HeaderExpires, strconv.FormatInt(msg.Expiration, 10))
	f.Add(stomp.HeaderRedelivered, strconv.FormatBool(msg.Redelivered))
	f.Add(stomp.HeaderPriority, strconv.Itoa(msg.Priority))
	f.Add(stomp.HeaderTimestamp, strconv.FormatInt(msg.Timestamp, 10))
	if msg.Type != "" {
		f.Add(stomp.HeaderType, msg.Type)
	}
	for _, p := range msg.Properties {
		if _, exists := f.Lookup(p.Name); exists || p.Name == stomp.HeaderContentLength {
			continue
		}
		f.Add(p.Name, p.Value)
	}
	f.Add(stomp.HeaderContentLength, strconv.Itoa(len(msg.Body)))
	f.Body = msg.Body
	return f
}

// ErrorFrame builds the ERROR frame reported for a failed command. The
// message header names the command; the body carries the full error chain.
func ErrorFrame(where string, err error, fatal bool, receipt string) *stomp.Frame {
	reason := err.Error()
	var be *Error
	if errors.As(err, &be) {
		reason = be.Message
	}
	message := where + ": " + reason
	if fatal {
		message += ", STOMP connection will be closed"
	}
	f := stomp.NewFrame(stomp.ERROR, stomp.HeaderMessage, message)
	if receipt != "" {
		f.Add(stomp.HeaderReceiptID, receipt)
	}
	body := []byte(err.Error())
	f.Add(stomp.HeaderContentType, "text/plain")
	f.Add(stomp.HeaderContentLength, strconv.Itoa(len(body)))
	f.Body = body
	f.Fatal = fatal
	return f
}
