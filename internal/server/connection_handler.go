package server

import (
	"context"
	"errors"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/connection"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/stomp"
)

type ConnectionHandler struct {
	conn           *connection.Connection
	connID         string
	parser         *stomp.Parser
	handler        *ProtocolHandler
	manager        *connection.ConnectionManager
	readBufferSize int
	connectTimeout time.Duration
	deadlineClear  bool
}

func (s *Server) newConnectionHandler(transport connection.Transport) *ConnectionHandler {
	connID := transport.RemoteAddr().String()
	sender := connection.NewMessageSender(connID, transport, s.limits.writeQueueDepth, s.limits.flushTimeout)
	parser := stomp.NewParser(s.limits.frame)
	return &ConnectionHandler{
		conn: &connection.Connection{
			ConnID:      connID,
			Transport:   transport,
			Sender:      sender,
			ConnectedAt: time.Now(),
		},
		connID:         connID,
		parser:         parser,
		handler:        NewProtocolHandler(connID, s.appName, s.bridge, sender, parser),
		manager:        s.manager,
		readBufferSize: s.limits.readBufferSize,
		connectTimeout: s.limits.connectTimeout,
	}
}

// feed hands every complete frame in data to the protocol handler. It
// returns false once the connection has to be closed.
func (c *ConnectionHandler) feed(ctx context.Context, data []byte) bool {
	for len(data) > 0 {
		used, f, err := c.parser.Feed(data)
		data = data[used:]
		if err != nil {
			var perr *stomp.ParseError
			if !errors.As(err, &perr) {
				logger.ErrorF("[%s] Fail to parse frame, details: %v", c.connID, err)
				return false
			}
			if !c.handler.HandleParseError(perr) {
				return false
			}
			continue
		}
		if f == nil {
			continue
		}
		if !c.handler.Handle(ctx, f) {
			return false
		}
		if !c.deadlineClear && c.handler.Connected() {
			_ = c.conn.Transport.SetReadDeadline(time.Time{})
			c.deadlineClear = true
		}
	}
	return true
}

func (c *ConnectionHandler) handleFrames(ctx context.Context) {
	buf := make([]byte, c.readBufferSize)
	for {
		n, err := c.conn.Transport.Read(buf)
		if n > 0 && !c.feed(ctx, buf[:n]) {
			return
		}
		if err != nil {
			select {
			case <-c.conn.Sender.Done():
				logger.DebugF("[%s] Writer stopped, closing connection", c.connID)
			default:
				connection.HandleReadError(c.connID, err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *ConnectionHandler) handleConnection(ctx context.Context) {
	c.manager.AddConnection(c.conn)
	defer func() {
		c.handler.Close()
		c.conn.Sender.Close()
		if err := c.conn.Transport.Close(); err != nil && !connection.IsNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", c.connID, err)
		}
		c.manager.RemoveConnection(c.connID)
		logger.DebugF("[%s] Connection closed", c.connID)
	}()

	if c.connectTimeout > 0 {
		_ = c.conn.Transport.SetReadDeadline(time.Now().Add(c.connectTimeout))
	}
	c.handleFrames(ctx)
}
