package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/config"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/connection"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/provider/memory"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/stomp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.FlushTimeout = "1s"
	cfg.Server.ConnectTimeout = "2s"
	s := NewServer(&cfg, testBridgeContext(memory.NewBroker(memory.Options{})))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Invoke(ctx))
	})
	return s
}

func serveTCP(t *testing.T, s *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.group.Go(func() error { return s.ServeListener(ln) })
	return ln.Addr().String()
}

// client speaks STOMP over a stream connection.
type client struct {
	t       *testing.T
	conn    net.Conn
	parser  *stomp.Parser
	pending []byte
	version string
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	parser := stomp.NewParser(stomp.DefaultLimits())
	parser.SetVersion(stomp.Version12)
	return &client{t: t, conn: conn, parser: parser, version: stomp.Version12}
}

func (c *client) send(f *stomp.Frame) {
	c.t.Helper()
	_, err := c.conn.Write(stomp.Encode(f, c.version))
	require.NoError(c.t, err)
}

func (c *client) read() (*stomp.Frame, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	for {
		for len(c.pending) > 0 {
			used, f, err := c.parser.Feed(c.pending)
			c.pending = c.pending[used:]
			if err != nil {
				return nil, err
			}
			if f != nil {
				return f, nil
			}
		}
		n, err := c.conn.Read(buf)
		c.pending = append(c.pending, buf[:n]...)
		if n == 0 && err != nil {
			return nil, err
		}
	}
}

func (c *client) next() *stomp.Frame {
	c.t.Helper()
	f, err := c.read()
	require.NoError(c.t, err)
	return f
}

func TestServerRoundTrip(t *testing.T) {
	s := newTestServer(t)
	addr := serveTCP(t, s)

	c := dial(t, addr)
	c.send(stomp.NewFrame(stomp.CONNECT, stomp.HeaderAcceptVersion, "1.2", stomp.HeaderHost, "localhost"))
	connected := c.next()
	require.Equal(t, stomp.CONNECTED, connected.Type)
	assert.Equal(t, stomp.Version12, connected.Get(stomp.HeaderVersion))

	c.send(stomp.NewFrame(stomp.SUBSCRIBE, stomp.HeaderID, "0", stomp.HeaderDestination, "/topic/news", stomp.HeaderReceipt, "sub"))
	assert.Equal(t, "sub", c.next().Get(stomp.HeaderReceiptID))

	send := stomp.NewFrame(stomp.SEND, stomp.HeaderDestination, "/topic/news", "colour", "blue")
	send.Body = []byte("line1\nline2")
	c.send(send)

	msg := c.next()
	require.Equal(t, stomp.MESSAGE, msg.Type)
	assert.Equal(t, "0", msg.Get(stomp.HeaderSubscription))
	assert.Equal(t, "blue", msg.Get("colour"))
	assert.Equal(t, "line1\nline2", string(msg.Body))

	c.send(stomp.NewFrame(stomp.DISCONNECT, stomp.HeaderReceipt, "bye"))
	receipt := c.next()
	assert.Equal(t, stomp.RECEIPT, receipt.Type)
	assert.Equal(t, "bye", receipt.Get(stomp.HeaderReceiptID))

	_, err := c.read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerClosesOnFatalParseError(t *testing.T) {
	s := newTestServer(t)
	addr := serveTCP(t, s)

	c := dial(t, addr)
	c.send(stomp.NewFrame(stomp.CONNECT, stomp.HeaderAcceptVersion, "1.2"))
	require.Equal(t, stomp.CONNECTED, c.next().Type)

	_, err := c.conn.Write([]byte("SEND\ndestination:/queue/a\ncontent-length:3\n\nabcX"))
	require.NoError(t, err)

	f := c.next()
	assert.Equal(t, stomp.ERROR, f.Type)
	assert.Contains(t, f.Get(stomp.HeaderMessage), "STOMP connection will be closed")
	_, err = c.read()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerWebSocket(t *testing.T) {
	s := newTestServer(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.group.Go(func() error { return s.ServeWebSocket(ln, "/stomp") })

	dialer := websocket.Dialer{Subprotocols: []string{"v12.stomp"}, HandshakeTimeout: 2 * time.Second}
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		var resp *http.Response
		conn, resp, err = dialer.Dial("ws://"+ln.Addr().String()+"/stomp", nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer func() { _ = conn.Close() }()
	assert.Equal(t, "v12.stomp", conn.Subprotocol())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		stomp.Encode(stomp.NewFrame(stomp.CONNECT, stomp.HeaderAcceptVersion, "1.2"), stomp.Version12)))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	_, f, err := stomp.NewParser(stomp.DefaultLimits()).Feed(data)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, stomp.CONNECTED, f.Type)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		stomp.Encode(stomp.NewFrame(stomp.DISCONNECT), stomp.Version12)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestServerRejectsAfterShutdown(t *testing.T) {
	cfg := config.DefaultConfig()
	s := NewServer(&cfg, testBridgeContext(memory.NewBroker(memory.Options{})))
	require.NoError(t, s.Invoke(context.Background()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.NoError(t, s.ServeListener(ln))
	_, err = net.Dial("tcp", ln.Addr().String())
	assert.Error(t, err)
}

func TestConnectionHandlerTeardown(t *testing.T) {
	s := newTestServer(t)
	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	h := s.newConnectionHandler(connection.NewStreamTransport(local, 4096))
	done := make(chan struct{})
	go func() {
		h.handleConnection(context.Background())
		close(done)
	}()

	c := &client{t: t, conn: remote, parser: stomp.NewParser(stomp.DefaultLimits()), version: stomp.Version12}
	c.parser.SetVersion(stomp.Version12)
	c.send(stomp.NewFrame(stomp.CONNECT, stomp.HeaderAcceptVersion, "1.2"))
	require.Equal(t, stomp.CONNECTED, c.next().Type)
	_, ok := s.manager.GetConnection(h.connID)
	assert.True(t, ok)

	require.NoError(t, remote.Close())
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection handler did not return")
	}
	select {
	case <-h.conn.Sender.Done():
	default:
		t.Fatal("writer still running")
	}
	_, ok = s.manager.GetConnection(h.connID)
	assert.False(t, ok)
	assert.False(t, h.handler.Connected())
}
