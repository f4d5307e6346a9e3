package memory

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/provider"
)

var (
	andSplitter = regexp.MustCompile(`(?i)\s+AND\s+`)
	identifier  = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$.]*$`)
)

type term struct {
	name  string
	value string
}

// selector supports conjunctions of equality tests: name = 'text' or
// name = 42. A nil selector matches everything.
type selector struct {
	expr  string
	terms []term
}

func parseSelector(expr string) (*selector, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	sel := &selector{expr: expr}
	for _, part := range andSplitter.Split(expr, -1) {
		name, value, found := strings.Cut(part, "=")
		if !found {
			return nil, fmt.Errorf("invalid selector %q: expected name = value", expr)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if !identifier.MatchString(name) {
			return nil, fmt.Errorf("invalid selector %q: bad identifier %q", expr, name)
		}
		switch {
		case len(value) >= 2 && value[0] == '\'' && value[len(value)-1] == '\'':
			value = strings.ReplaceAll(value[1:len(value)-1], "''", "'")
		default:
			if _, err := strconv.ParseFloat(value, 64); err != nil {
				return nil, fmt.Errorf("invalid selector %q: bad literal %q", expr, value)
			}
		}
		sel.terms = append(sel.terms, term{name: name, value: value})
	}
	return sel, nil
}

func (s *selector) matches(m *provider.Message) bool {
	if s == nil {
		return true
	}
	for _, t := range s.terms {
		v, ok := lookupField(m, t.name)
		if !ok || v != t.value {
			return false
		}
	}
	return true
}

func lookupField(m *provider.Message, name string) (string, bool) {
	switch name {
	case "JMSType":
		return m.Type, m.Type != ""
	case "JMSCorrelationID":
		return m.CorrelationID, m.CorrelationID != ""
	case "JMSMessageID":
		return m.ID, true
	case "JMSPriority":
		return strconv.Itoa(m.Priority), true
	}
	return m.Property(name)
}
