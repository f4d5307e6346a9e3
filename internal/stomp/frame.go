package stomp

import (
	"fmt"

	"github.com/go-stomp/stomp/v3/frame"
)

// Stage is the position of the parser inside the frame being assembled.
type Stage byte

const (
	StageCommand Stage = iota
	StageHeader
	StageBody
	StageNullTerminator
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageCommand:
		return "COMMAND"
	case StageHeader:
		return "HEADER"
	case StageBody:
		return "BODY"
	case StageNullTerminator:
		return "NULL_TERMINATOR"
	case StageDone:
		return "DONE"
	}
	return fmt.Sprintf("Stage(%d)", byte(s))
}

// Frame is one STOMP frame. Header and Body come from the embedded go-stomp
// frame; Type keeps the resolved command so that aliases such as STOMP
// collapse onto CONNECT.
type Frame struct {
	*frame.Frame
	Type Command
	// Fatal marks an ERROR frame after which the channel is closed.
	Fatal bool
}

// NewFrame builds a frame from alternating header names and values.
func NewFrame(cmd Command, headers ...string) *Frame {
	return &Frame{Frame: frame.New(cmd.String(), headers...), Type: cmd}
}

// Get returns the first value of the header or an empty string.
func (f *Frame) Get(key string) string {
	return f.Header.Get(key)
}

// Lookup returns the first value of the header and whether it was present.
func (f *Frame) Lookup(key string) (string, bool) {
	return f.Header.Contains(key)
}

// Add appends a header, keeping any existing value with the same name.
func (f *Frame) Add(key, value string) {
	f.Header.Add(key, value)
}

// Set replaces every value of the header with one value.
func (f *Frame) Set(key, value string) {
	f.Header.Set(key, value)
}

// Receipt returns the receipt header, if the client asked for one.
func (f *Frame) Receipt() string {
	return f.Header.Get(HeaderReceipt)
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s headers=%d body=%d", f.Type, f.Header.Len(), len(f.Body))
}
