package connection

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/metrics"
)

// Connection is one live client connection.
type Connection struct {
	ConnID      string
	Transport   Transport
	Sender      *MessageSender
	ConnectedAt time.Time
}

// ConnectionManager indexes live connections by connection id.
type ConnectionManager struct {
	connections sync.Map
	count       atomic.Int64
}

var (
	instance *ConnectionManager
	once     sync.Once
)

// GetConnectionManager returns the process-wide manager.
func GetConnectionManager() *ConnectionManager {
	once.Do(func() {
		instance = NewConnectionManager()
	})
	return instance
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{}
}

func (cm *ConnectionManager) AddConnection(conn *Connection) {
	if _, loaded := cm.connections.LoadOrStore(conn.ConnID, conn); loaded {
		return
	}
	cm.count.Add(1)
	metrics.ActiveConnections.Inc()
	logger.DebugF("[%s] Connection registered", conn.ConnID)
}

func (cm *ConnectionManager) RemoveConnection(connID string) {
	if _, loaded := cm.connections.LoadAndDelete(connID); !loaded {
		return
	}
	cm.count.Add(-1)
	metrics.ActiveConnections.Dec()
	logger.DebugF("[%s] Connection unregistered", connID)
}

func (cm *ConnectionManager) GetConnection(connID string) (*Connection, bool) {
	if value, ok := cm.connections.Load(connID); ok {
		return value.(*Connection), true
	}
	return nil, false
}

func (cm *ConnectionManager) Count() int {
	return int(cm.count.Load())
}

// CloseAll closes every transport; the per-connection handlers then run
// their normal teardown.
func (cm *ConnectionManager) CloseAll() {
	cm.connections.Range(func(_, value any) bool {
		conn := value.(*Connection)
		if err := conn.Transport.Close(); err != nil && !IsNetClosedError(err) {
			logger.WarnF("[%s] Error occured while closing connection, details: %v", conn.ConnID, err)
		}
		return true
	})
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[%s] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	case IsNetClosedError(err):
		logger.DebugF("[%s] Connection closed locally", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading frame, details: %v", connID, err)
	}
}
