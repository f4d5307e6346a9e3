// Package stomp holds the STOMP frame model, the incremental frame parser and
// the frame encoder used by the bridge.
package stomp

// Command is a STOMP frame command.
type Command byte

const (
	UNKNOWN Command = iota
	CONNECT
	SEND
	SUBSCRIBE
	UNSUBSCRIBE
	BEGIN
	COMMIT
	ABORT
	ACK
	NACK
	DISCONNECT
	CONNECTED
	MESSAGE
	RECEIPT
	ERROR
)

var commandNames = map[Command]string{
	UNKNOWN:     "UNKNOWN",
	CONNECT:     "CONNECT",
	SEND:        "SEND",
	SUBSCRIBE:   "SUBSCRIBE",
	UNSUBSCRIBE: "UNSUBSCRIBE",
	BEGIN:       "BEGIN",
	COMMIT:      "COMMIT",
	ABORT:       "ABORT",
	ACK:         "ACK",
	NACK:        "NACK",
	DISCONNECT:  "DISCONNECT",
	CONNECTED:   "CONNECTED",
	MESSAGE:     "MESSAGE",
	RECEIPT:     "RECEIPT",
	ERROR:       "ERROR",
}

var commandLookup = map[string]Command{
	"CONNECT":     CONNECT,
	"STOMP":       CONNECT,
	"SEND":        SEND,
	"SUBSCRIBE":   SUBSCRIBE,
	"UNSUBSCRIBE": UNSUBSCRIBE,
	"BEGIN":       BEGIN,
	"COMMIT":      COMMIT,
	"ABORT":       ABORT,
	"ACK":         ACK,
	"NACK":        NACK,
	"DISCONNECT":  DISCONNECT,
	"CONNECTED":   CONNECTED,
	"MESSAGE":     MESSAGE,
	"RECEIPT":     RECEIPT,
	"ERROR":       ERROR,
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseCommand resolves a command line. STOMP is accepted as CONNECT.
func ParseCommand(line string) Command {
	if c, ok := commandLookup[line]; ok {
		return c
	}
	return UNKNOWN
}

// IsClientCommand reports whether clients are allowed to send the command.
func (c Command) IsClientCommand() bool {
	switch c {
	case CONNECT, SEND, SUBSCRIBE, UNSUBSCRIBE, BEGIN, COMMIT, ABORT, ACK, NACK, DISCONNECT:
		return true
	default:
		return false
	}
}
