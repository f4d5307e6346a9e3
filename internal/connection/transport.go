package connection

import (
	"bufio"
	"io"
	"net"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// Transport is the byte stream under one STOMP connection. Reads come from
// the connection handler; writes come only from the connection's MessageSender.
type Transport interface {
	io.Reader
	io.Writer
	Flush() error
	SetReadDeadline(t time.Time) error
	Close() error
	RemoteAddr() net.Addr
}

type streamTransport struct {
	net.Conn
	w *bufio.Writer
}

// NewStreamTransport wraps a TCP or TLS connection. Writes are buffered until Flush.
func NewStreamTransport(conn net.Conn, writeBuffer int) Transport {
	return &streamTransport{Conn: conn, w: bufio.NewWriterSize(conn, writeBuffer)}
}

func (t *streamTransport) Write(p []byte) (int, error) {
	return t.w.Write(p)
}

func (t *streamTransport) Flush() error {
	return t.w.Flush()
}

// webSocketTransport carries one STOMP frame per WebSocket message. Inbound
// messages are concatenated into a stream for the frame parser.
type webSocketTransport struct {
	conn   *websocket.Conn
	reader io.Reader
}

func NewWebSocketTransport(conn *websocket.Conn) Transport {
	return &webSocketTransport{conn: conn}
}

func (t *webSocketTransport) Read(p []byte) (int, error) {
	for {
		if t.reader == nil {
			_, r, err := t.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			t.reader = r
		}
		n, err := t.reader.Read(p)
		if err == io.EOF {
			t.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (t *webSocketTransport) Write(p []byte) (int, error) {
	messageType := websocket.TextMessage
	if !utf8.Valid(p) {
		messageType = websocket.BinaryMessage
	}
	if err := t.conn.WriteMessage(messageType, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (t *webSocketTransport) Flush() error {
	return nil
}

func (t *webSocketTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *webSocketTransport) Close() error {
	return t.conn.Close()
}

func (t *webSocketTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}
