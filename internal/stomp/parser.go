package stomp

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-stomp/stomp/v3/frame"
)

// Limits bounds what a single frame may contain.
type Limits struct {
	MinCommandLength int
	MaxCommandLength int
	MaxHeaders       int
	MaxHeaderLength  int
	MaxBodySize      int
}

func DefaultLimits() Limits {
	return Limits{
		MinCommandLength: 3,
		MaxCommandLength: 1024,
		MaxHeaders:       1000,
		MaxHeaderLength:  10 * 1024,
		MaxBodySize:      16 * 1024 * 1024,
	}
}

// ParseError describes a frame the parser rejected. Fatal errors leave the
// byte stream unsynchronized and poison the parser; the others are reported
// together with the completed frame.
type ParseError struct {
	Command   Command
	Reason    string
	Fatal     bool
	Exhausted bool
	// Frame is the frame being assembled when the error was detected, if the
	// command line had been read.
	Frame *Frame
}

func (e *ParseError) Error() string {
	return e.Reason
}

// Parser reassembles frames from arbitrarily fragmented input. One parser
// belongs to one connection and is driven from a single goroutine.
type Parser struct {
	limits  Limits
	version string

	stage   Stage
	line    []byte
	current *Frame
	headers int
	length  int
	body    []byte
	pending *ParseError
	failed  *ParseError
}

func NewParser(limits Limits) *Parser {
	return &Parser{limits: limits, length: -1}
}

// SetVersion switches header decoding to the negotiated protocol version.
func (p *Parser) SetVersion(version string) {
	p.version = version
}

func (p *Parser) Stage() Stage {
	return p.stage
}

// Feed consumes bytes from data and reports how many were used. It returns as
// soon as a frame completes or fails, so callers keep feeding the unused tail.
// A nil frame and nil error mean every byte was absorbed and more are needed.
func (p *Parser) Feed(data []byte) (int, *Frame, error) {
	if p.failed != nil {
		return len(data), nil, p.failed
	}

	n := 0
	for n < len(data) {
		switch p.stage {
		case StageCommand, StageHeader:
			line, used, complete, err := p.readLine(data[n:])
			n += used
			if err != nil {
				return len(data), nil, p.fail(err)
			}
			if !complete {
				return n, nil, nil
			}
			if p.stage == StageCommand {
				p.commandLine(line)
				continue
			}
			if err := p.headerLine(line); err != nil {
				return len(data), nil, p.fail(err)
			}
		case StageBody:
			used, err := p.readBody(data[n:])
			n += used
			if err != nil {
				return len(data), nil, p.fail(err)
			}
			if p.stage == StageDone {
				f, perr := p.finish()
				return n, f, perr
			}
		case StageNullTerminator:
			if data[n] != 0 {
				return len(data), nil, p.fail(&ParseError{Reason: "frame body is not followed by a NUL terminator", Fatal: true})
			}
			n++
			f, perr := p.finish()
			return n, f, perr
		default:
			p.reset()
		}
	}
	return n, nil, nil
}

func (p *Parser) limitFor(stage Stage) int {
	if stage == StageCommand {
		return p.limits.MaxCommandLength
	}
	return p.limits.MaxHeaderLength
}

func (p *Parser) readLine(data []byte) (string, int, bool, *ParseError) {
	limit := p.limitFor(p.stage)
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		if len(p.line)+len(data) > limit {
			return "", len(data), false, p.lineTooLong()
		}
		p.line = append(p.line, data...)
		return "", len(data), false, nil
	}
	if len(p.line)+idx > limit {
		return "", idx + 1, false, p.lineTooLong()
	}
	p.line = append(p.line, data[:idx]...)
	line := string(bytes.TrimSuffix(p.line, []byte{'\r'}))
	p.line = p.line[:0]
	return line, idx + 1, true, nil
}

func (p *Parser) lineTooLong() *ParseError {
	if p.stage == StageCommand {
		return &ParseError{Reason: fmt.Sprintf("command line exceeds %d bytes", p.limits.MaxCommandLength), Fatal: true}
	}
	return &ParseError{Reason: fmt.Sprintf("header line exceeds %d bytes", p.limits.MaxHeaderLength), Fatal: true}
}

func (p *Parser) commandLine(line string) {
	text := strings.TrimSpace(line)
	if text == "" {
		// heart-beat or trailing EOL of the previous frame
		return
	}
	cmd := UNKNOWN
	if len(text) >= p.limits.MinCommandLength {
		cmd = ParseCommand(text)
	}
	p.current = &Frame{Frame: frame.New(text), Type: cmd}
	if cmd != UNKNOWN {
		p.current.Command = cmd.String()
	}
	if cmd == UNKNOWN {
		p.pending = &ParseError{Command: UNKNOWN, Reason: "unknown STOMP command " + strconv.Quote(text)}
	}
	p.stage = StageHeader
}

func (p *Parser) headerLine(line string) *ParseError {
	if line == "" {
		return p.endOfHeaders()
	}

	p.headers++
	if p.headers > p.limits.MaxHeaders {
		return &ParseError{Reason: fmt.Sprintf("frame carries more than %d headers", p.limits.MaxHeaders), Fatal: true}
	}

	key, value, found := strings.Cut(line, ":")
	if !found {
		p.frameError("invalid header " + strconv.Quote(line))
		return nil
	}

	if p.escaped() {
		var ok bool
		if key, ok = decodeHeader(key); !ok {
			p.frameError("invalid escape sequence in header " + strconv.Quote(line))
			return nil
		}
		if value, ok = decodeHeader(value); !ok {
			p.frameError("invalid escape sequence in header " + strconv.Quote(line))
			return nil
		}
	} else {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
	}

	if _, exists := p.current.Header.Contains(key); !exists {
		p.current.Header.Add(key, value)
	}
	return nil
}

func (p *Parser) endOfHeaders() *ParseError {
	p.length = -1
	if raw, ok := p.current.Header.Contains(HeaderContentLength); ok {
		length, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || length < 0 {
			p.frameError("invalid content-length " + strconv.Quote(raw))
		} else {
			p.length = length
		}
	}
	if p.length > p.limits.MaxBodySize {
		return &ParseError{Reason: fmt.Sprintf("frame body of %d bytes exceeds %d bytes", p.length, p.limits.MaxBodySize), Fatal: true, Exhausted: true}
	}

	if p.current.Type == SEND {
		if _, ok := p.current.Header.Contains(HeaderDestination); !ok {
			p.frameError("missing header " + HeaderDestination)
		}
	}

	switch {
	case p.length == 0:
		p.stage = StageNullTerminator
	case p.length > 0:
		p.body = make([]byte, 0, p.length)
		p.stage = StageBody
	default:
		p.stage = StageBody
	}
	return nil
}

func (p *Parser) readBody(data []byte) (int, *ParseError) {
	if p.length >= 0 {
		need := p.length - len(p.body)
		if need > len(data) {
			need = len(data)
		}
		p.body = append(p.body, data[:need]...)
		if len(p.body) == p.length {
			p.stage = StageNullTerminator
		}
		return need, nil
	}

	idx := bytes.IndexByte(data, 0)
	if idx < 0 {
		if len(p.body)+len(data) > p.limits.MaxBodySize {
			return len(data), &ParseError{Reason: fmt.Sprintf("frame body exceeds %d bytes", p.limits.MaxBodySize), Fatal: true, Exhausted: true}
		}
		p.body = append(p.body, data...)
		return len(data), nil
	}
	if len(p.body)+idx > p.limits.MaxBodySize {
		return idx + 1, &ParseError{Reason: fmt.Sprintf("frame body exceeds %d bytes", p.limits.MaxBodySize), Fatal: true, Exhausted: true}
	}
	p.body = append(p.body, data[:idx]...)
	p.stage = StageDone
	return idx + 1, nil
}

func (p *Parser) escaped() bool {
	if p.version == "" || p.version == Version10 {
		return false
	}
	return p.current.Type != CONNECT && p.current.Type != CONNECTED
}

// frameError records a problem that still lets the frame be read to its end.
// Only the first one is kept.
func (p *Parser) frameError(reason string) {
	if p.pending == nil {
		p.pending = &ParseError{Reason: reason}
	}
}

func (p *Parser) finish() (*Frame, error) {
	f := p.current
	f.Body = p.body
	perr := p.pending
	p.reset()
	if perr != nil {
		perr.Command = f.Type
		perr.Frame = f
		return f, perr
	}
	return f, nil
}

func (p *Parser) fail(err *ParseError) *ParseError {
	if p.current != nil {
		err.Command = p.current.Type
		err.Frame = p.current
	}
	p.failed = err
	return err
}

func (p *Parser) reset() {
	p.stage = StageCommand
	p.line = p.line[:0]
	p.current = nil
	p.headers = 0
	p.length = -1
	p.body = nil
	p.pending = nil
}

func decodeHeader(s string) (string, bool) {
	if strings.IndexByte(s, '\\') < 0 {
		return s, true
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i == len(s) {
			return "", false
		}
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 'c':
			b.WriteByte(':')
		case '\\':
			b.WriteByte('\\')
		default:
			return "", false
		}
	}
	return b.String(), true
}
