package server

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/bridge"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/provider"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/provider/memory"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/stomp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sinkFrame struct {
	*stomp.Frame
	flushed bool
}

type recordingSink struct {
	mu      sync.Mutex
	version string
	ch      chan sinkFrame
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan sinkFrame, 128)}
}

func (s *recordingSink) Send(f *stomp.Frame) error {
	s.ch <- sinkFrame{Frame: f}
	return nil
}

func (s *recordingSink) SendAndFlush(f *stomp.Frame) error {
	s.ch <- sinkFrame{Frame: f, flushed: true}
	return nil
}

func (s *recordingSink) SetVersion(version string) {
	s.mu.Lock()
	s.version = version
	s.mu.Unlock()
}

func (s *recordingSink) next(t *testing.T) sinkFrame {
	t.Helper()
	select {
	case f := <-s.ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
		return sinkFrame{}
	}
}

func (s *recordingSink) none(t *testing.T) {
	t.Helper()
	select {
	case f := <-s.ch:
		t.Fatalf("unexpected %s frame: %s", f.Type, f.Get(stomp.HeaderMessage))
	case <-time.After(50 * time.Millisecond):
	}
}

func testBridgeContext(broker *memory.Broker) *bridge.Context {
	return &bridge.Context{
		Factory:            broker,
		DefaultCredentials: provider.Credentials{Login: "guest", Passcode: "guest"},
		QuiesceTimeout:     time.Second,
		MaxAckFailures:     3,
	}
}

func newTestHandler(t *testing.T, broker *memory.Broker) (*ProtocolHandler, *recordingSink) {
	t.Helper()
	sink := newRecordingSink()
	h := NewProtocolHandler("test-conn", "stomp-bridge", testBridgeContext(broker), sink, stomp.NewParser(stomp.DefaultLimits()))
	t.Cleanup(h.Close)
	return h, sink
}

func frame(cmd stomp.Command, headers ...string) *stomp.Frame {
	return stomp.NewFrame(cmd, headers...)
}

func connect(t *testing.T, h *ProtocolHandler, sink *recordingSink, acceptVersion string) *stomp.Frame {
	t.Helper()
	require.True(t, h.Handle(context.Background(), frame(stomp.CONNECT, stomp.HeaderAcceptVersion, acceptVersion)))
	f := sink.next(t)
	require.Equal(t, stomp.CONNECTED, f.Type, f.Get(stomp.HeaderMessage))
	return f.Frame
}

func TestConnectNegotiatesVersion(t *testing.T) {
	h, sink := newTestHandler(t, memory.NewBroker(memory.Options{}))

	connected := connect(t, h, sink, "1.1,1.2")
	assert.Equal(t, stomp.Version12, connected.Get(stomp.HeaderVersion))
	assert.Equal(t, "0,0", connected.Get(stomp.HeaderHeartBeat))
	assert.True(t, strings.HasPrefix(connected.Get(stomp.HeaderServer), "stomp-bridge/"))
	assert.NotEmpty(t, connected.Get(stomp.HeaderSession))
	assert.Equal(t, stomp.Version12, sink.version)
	assert.True(t, h.Connected())

	assert.True(t, h.Handle(context.Background(), frame(stomp.CONNECT)))
	f := sink.next(t)
	assert.Equal(t, stomp.ERROR, f.Type)
	assert.Contains(t, f.Get(stomp.HeaderMessage), "already connected")
}

func TestConnectUnsupportedVersion(t *testing.T) {
	h, sink := newTestHandler(t, memory.NewBroker(memory.Options{}))

	assert.False(t, h.Handle(context.Background(), frame(stomp.CONNECT, stomp.HeaderAcceptVersion, "2.0", stomp.HeaderReceipt, "c1")))
	f := sink.next(t)
	assert.Equal(t, stomp.ERROR, f.Type)
	assert.True(t, f.flushed)
	assert.True(t, f.Fatal)
	assert.Equal(t, "1.0,1.2", f.Get(stomp.HeaderVersion))
	assert.Equal(t, "c1", f.Get(stomp.HeaderReceiptID))
	assert.False(t, h.Connected())
}

func TestConnectBadCredentials(t *testing.T) {
	h, sink := newTestHandler(t, memory.NewBroker(memory.Options{Users: map[string]string{"admin": "secret"}}))

	h.Handle(context.Background(), frame(stomp.CONNECT, stomp.HeaderLogin, "admin", stomp.HeaderPasscode, "nope"))
	f := sink.next(t)
	assert.Equal(t, stomp.ERROR, f.Type)
	assert.False(t, h.Connected())
}

func TestCommandsBeforeConnect(t *testing.T) {
	h, sink := newTestHandler(t, memory.NewBroker(memory.Options{}))

	assert.True(t, h.Handle(context.Background(), frame(stomp.SEND, stomp.HeaderDestination, "/queue/a", stomp.HeaderReceipt, "s1")))
	f := sink.next(t)
	assert.Equal(t, stomp.ERROR, f.Type)
	assert.Equal(t, "s1", f.Get(stomp.HeaderReceiptID))
	assert.False(t, f.Fatal)
}

func TestRequestValidation(t *testing.T) {
	tests := []struct {
		name    string
		version string
		frame   *stomp.Frame
		message string
	}{
		{"subscribe without destination", "1.2", frame(stomp.SUBSCRIBE, stomp.HeaderID, "s"), "missing header destination"},
		{"subscribe without id on 1.2", "1.2", frame(stomp.SUBSCRIBE, stomp.HeaderDestination, "/queue/a"), "missing header id"},
		{"subscribe with bad ack", "1.2", frame(stomp.SUBSCRIBE, stomp.HeaderID, "s", stomp.HeaderDestination, "/queue/a", stomp.HeaderAck, "sometimes"), "invalid header value ack:sometimes"},
		{"unsubscribe without id on 1.2", "1.2", frame(stomp.UNSUBSCRIBE), "missing header id"},
		{"unsubscribe without id or destination on 1.0", "1.0", frame(stomp.UNSUBSCRIBE), "missing header id or destination"},
		{"ack without id, subscription or message-id on 1.2", "1.2", frame(stomp.ACK), "missing header id"},
		{"ack with subscription but no message-id on 1.2", "1.2", frame(stomp.ACK, stomp.HeaderSubscription, "s"), "missing header message-id"},
		{"ack with malformed id", "1.2", frame(stomp.ACK, stomp.HeaderID, "sub-without-message"), "invalid header value id"},
		{"ack without message-id on 1.0", "1.0", frame(stomp.ACK), "missing header message-id"},
		{"nack", "1.2", frame(stomp.NACK, stomp.HeaderID, "sID:1"), "NACK is not implemented"},
		{"begin without transaction", "1.2", frame(stomp.BEGIN), "missing header transaction"},
		{"commit without transaction", "1.2", frame(stomp.COMMIT), "missing header transaction"},
		{"abort without transaction", "1.2", frame(stomp.ABORT), "missing header transaction"},
		{"server command sent by client", "1.2", frame(stomp.MESSAGE, stomp.HeaderDestination, "/queue/a"), "unsupported command MESSAGE"},
		{"receipt sent by client", "1.0", frame(stomp.RECEIPT), "unsupported command RECEIPT"},
		{"unknown subscription", "1.2", frame(stomp.UNSUBSCRIBE, stomp.HeaderID, "missing"), "subscriber id missing not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, sink := newTestHandler(t, memory.NewBroker(memory.Options{}))
			connect(t, h, sink, tt.version)

			assert.True(t, h.Handle(context.Background(), tt.frame))
			f := sink.next(t)
			require.Equal(t, stomp.ERROR, f.Type)
			assert.Contains(t, f.Get(stomp.HeaderMessage), tt.message)
			assert.False(t, f.Fatal)
		})
	}
}

func TestSubscribeSendAndAck(t *testing.T) {
	h, sink := newTestHandler(t, memory.NewBroker(memory.Options{}))
	connect(t, h, sink, "1.2")
	ctx := context.Background()

	require.True(t, h.Handle(ctx, frame(stomp.SUBSCRIBE,
		stomp.HeaderID, "sub-1",
		stomp.HeaderDestination, "/queue/orders",
		stomp.HeaderAck, stomp.AckClientIndividual,
		stomp.HeaderReceipt, "r1",
	)))
	assert.Equal(t, "r1", sink.next(t).Get(stomp.HeaderReceiptID))

	send := frame(stomp.SEND, stomp.HeaderDestination, "/queue/orders")
	send.Body = []byte("hello")
	require.True(t, h.Handle(ctx, send))

	msg := sink.next(t)
	require.Equal(t, stomp.MESSAGE, msg.Type)
	assert.Equal(t, "sub-1", msg.Get(stomp.HeaderSubscription))
	assert.Equal(t, "/queue/orders", msg.Get(stomp.HeaderDestination))
	assert.Equal(t, "hello", string(msg.Body))
	ackID := msg.Get(stomp.HeaderAck)
	require.NotEmpty(t, ackID)

	require.True(t, h.Handle(ctx, frame(stomp.ACK, stomp.HeaderID, ackID, stomp.HeaderReceipt, "r2")))
	assert.Equal(t, "r2", sink.next(t).Get(stomp.HeaderReceiptID))

	require.True(t, h.Handle(ctx, frame(stomp.UNSUBSCRIBE, stomp.HeaderID, "sub-1", stomp.HeaderReceipt, "r3")))
	assert.Equal(t, "r3", sink.next(t).Get(stomp.HeaderReceiptID))
	sink.none(t)
}

func TestVersion12AckBySubscriptionAndMessageID(t *testing.T) {
	h, sink := newTestHandler(t, memory.NewBroker(memory.Options{}))
	connect(t, h, sink, "1.2")
	ctx := context.Background()

	require.True(t, h.Handle(ctx, frame(stomp.SUBSCRIBE,
		stomp.HeaderID, "sub-1",
		stomp.HeaderDestination, "/queue/invoices",
		stomp.HeaderAck, stomp.AckClient,
	)))
	send := frame(stomp.SEND, stomp.HeaderDestination, "/queue/invoices")
	send.Body = []byte("invoice")
	require.True(t, h.Handle(ctx, send))

	msg := sink.next(t)
	require.Equal(t, stomp.MESSAGE, msg.Type)
	msgID := msg.Get(stomp.HeaderMessageID)
	require.NotEmpty(t, msgID)

	require.True(t, h.Handle(ctx, frame(stomp.ACK, stomp.HeaderSubscription, "sub-1", stomp.HeaderMessageID, msgID)))
	sink.none(t)

	require.True(t, h.Handle(ctx, frame(stomp.UNSUBSCRIBE, stomp.HeaderID, "sub-1", stomp.HeaderReceipt, "u1")))
	assert.Equal(t, "u1", sink.next(t).Get(stomp.HeaderReceiptID))
	sink.none(t)
}

func TestVersion10DefaultSubscription(t *testing.T) {
	h, sink := newTestHandler(t, memory.NewBroker(memory.Options{}))
	connect(t, h, sink, "")
	ctx := context.Background()

	require.True(t, h.Handle(ctx, frame(stomp.SUBSCRIBE, stomp.HeaderDestination, "/queue/jobs", stomp.HeaderAck, stomp.AckClient)))
	send := frame(stomp.SEND, stomp.HeaderDestination, "/queue/jobs")
	send.Body = []byte("job")
	require.True(t, h.Handle(ctx, send))

	msg := sink.next(t)
	require.Equal(t, stomp.MESSAGE, msg.Type)
	assert.Equal(t, "/subscription-to//queue/jobs", msg.Get(stomp.HeaderSubscription))

	require.True(t, h.Handle(ctx, frame(stomp.ACK, stomp.HeaderMessageID, msg.Get(stomp.HeaderMessageID), stomp.HeaderReceipt, "a1")))
	assert.Equal(t, "a1", sink.next(t).Get(stomp.HeaderReceiptID))

	require.True(t, h.Handle(ctx, frame(stomp.UNSUBSCRIBE, stomp.HeaderDestination, "/queue/jobs", stomp.HeaderReceipt, "u1")))
	assert.Equal(t, "u1", sink.next(t).Get(stomp.HeaderReceiptID))
}

func TestTransactionFrames(t *testing.T) {
	broker := memory.NewBroker(memory.Options{})
	h, sink := newTestHandler(t, broker)
	connect(t, h, sink, "1.2")
	ctx := context.Background()

	require.True(t, h.Handle(ctx, frame(stomp.BEGIN, stomp.HeaderTransaction, "tx1")))
	send := frame(stomp.SEND, stomp.HeaderDestination, "/queue/tx", stomp.HeaderTransaction, "tx1")
	send.Body = []byte("pending")
	require.True(t, h.Handle(ctx, send))
	assert.Equal(t, 0, broker.QueueDepth("tx"))

	require.True(t, h.Handle(ctx, frame(stomp.COMMIT, stomp.HeaderTransaction, "tx1", stomp.HeaderReceipt, "c1")))
	assert.Equal(t, "c1", sink.next(t).Get(stomp.HeaderReceiptID))
	assert.Equal(t, 1, broker.QueueDepth("tx"))

	require.True(t, h.Handle(ctx, frame(stomp.COMMIT, stomp.HeaderTransaction, "tx1")))
	assert.Equal(t, stomp.ERROR, sink.next(t).Type)
}

func TestDisconnectFlushesReceipt(t *testing.T) {
	h, sink := newTestHandler(t, memory.NewBroker(memory.Options{}))
	connect(t, h, sink, "1.2")

	assert.False(t, h.Handle(context.Background(), frame(stomp.DISCONNECT, stomp.HeaderReceipt, "bye")))
	f := sink.next(t)
	assert.Equal(t, stomp.RECEIPT, f.Type)
	assert.Equal(t, "bye", f.Get(stomp.HeaderReceiptID))
	assert.True(t, f.flushed)
	assert.False(t, h.Connected())
}

func TestHandleParseError(t *testing.T) {
	h, sink := newTestHandler(t, memory.NewBroker(memory.Options{}))

	bad := frame(stomp.SEND, stomp.HeaderReceipt, "p1")
	assert.True(t, h.HandleParseError(&stomp.ParseError{Command: stomp.SEND, Reason: "bad header", Frame: bad}))
	f := sink.next(t)
	assert.Equal(t, stomp.ERROR, f.Type)
	assert.Equal(t, "p1", f.Get(stomp.HeaderReceiptID))
	assert.False(t, f.Fatal)

	assert.False(t, h.HandleParseError(&stomp.ParseError{Reason: "too many headers", Fatal: true, Exhausted: true}))
	f = sink.next(t)
	assert.Equal(t, stomp.ERROR, f.Type)
	assert.True(t, f.Fatal)
	assert.True(t, f.flushed)
	assert.Contains(t, f.Get(stomp.HeaderMessage), "resource exhausted")
}
