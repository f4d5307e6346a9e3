package connection

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/bridge"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/stomp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peer reads frames written to the other end of a pipe.
type peer struct {
	mu     sync.Mutex
	frames []*stomp.Frame
	ch     chan *stomp.Frame
}

func readFrames(conn net.Conn) *peer {
	p := &peer{ch: make(chan *stomp.Frame, 64)}
	go func() {
		parser := stomp.NewParser(stomp.DefaultLimits())
		buf := make([]byte, 512)
		for {
			n, err := conn.Read(buf)
			data := buf[:n]
			for len(data) > 0 {
				used, f, _ := parser.Feed(data)
				data = data[used:]
				if f != nil {
					p.ch <- f
				}
			}
			if err != nil {
				close(p.ch)
				return
			}
		}
	}()
	return p
}

func (p *peer) next(t *testing.T) *stomp.Frame {
	t.Helper()
	select {
	case f, ok := <-p.ch:
		require.True(t, ok, "peer closed")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func newPipeSender(t *testing.T) (*MessageSender, net.Conn, *peer) {
	t.Helper()
	local, remote := net.Pipe()
	s := NewMessageSender("test", NewStreamTransport(local, 4096), 8, time.Second)
	t.Cleanup(func() {
		s.Close()
		_ = local.Close()
		_ = remote.Close()
	})
	return s, remote, readFrames(remote)
}

func TestMessageSenderKeepsOrder(t *testing.T) {
	s, _, p := newPipeSender(t)
	for _, body := range []string{"one", "two", "three"} {
		f := stomp.NewFrame(stomp.MESSAGE, stomp.HeaderDestination, "/queue/a")
		f.Body = []byte(body)
		require.NoError(t, s.Send(f))
	}
	for _, body := range []string{"one", "two", "three"} {
		f := p.next(t)
		assert.Equal(t, stomp.MESSAGE, f.Type)
		assert.Equal(t, body, string(f.Body))
	}
}

func TestMessageSenderFlushAndClose(t *testing.T) {
	s, _, p := newPipeSender(t)
	s.SetVersion(stomp.Version12)

	receipt := stomp.NewFrame(stomp.RECEIPT, stomp.HeaderReceiptID, "r:1")
	require.NoError(t, s.SendAndFlush(receipt))
	assert.Equal(t, "r:1", p.next(t).Get(stomp.HeaderReceiptID))

	s.Close()
	assert.ErrorIs(t, s.Send(stomp.NewFrame(stomp.RECEIPT)), bridge.ErrOutputClosed)
	assert.ErrorIs(t, s.SendAndFlush(stomp.NewFrame(stomp.RECEIPT)), bridge.ErrOutputClosed)
}

func TestMessageSenderWriteFailure(t *testing.T) {
	local, remote := net.Pipe()
	_ = remote.Close()
	s := NewMessageSender("test", NewStreamTransport(local, 16), 8, time.Second)
	defer s.Close()

	err := s.SendAndFlush(stomp.NewFrame(stomp.MESSAGE, stomp.HeaderDestination, "/queue/a"))
	assert.Error(t, err)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop")
	}
	assert.ErrorIs(t, s.Send(stomp.NewFrame(stomp.MESSAGE)), bridge.ErrOutputClosed)
}

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()
	local, remote := net.Pipe()
	defer func() { _ = remote.Close() }()

	conn := &Connection{ConnID: "c1", Transport: NewStreamTransport(local, 16), ConnectedAt: time.Now()}
	cm.AddConnection(conn)
	cm.AddConnection(conn)
	assert.Equal(t, 1, cm.Count())

	got, ok := cm.GetConnection("c1")
	require.True(t, ok)
	assert.Same(t, conn, got)

	cm.CloseAll()
	_, err := remote.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	cm.RemoveConnection("c1")
	cm.RemoveConnection("c1")
	assert.Equal(t, 0, cm.Count())
	_, ok = cm.GetConnection("c1")
	assert.False(t, ok)
}

func TestIsNetClosedError(t *testing.T) {
	assert.True(t, IsNetClosedError(net.ErrClosed))
	assert.False(t, IsNetClosedError(io.EOF))
}
