package stomp

import (
	"bytes"
	"strings"
)

var (
	valueEscaper = strings.NewReplacer("\\", "\\\\", "\r", "\\r", "\n", "\\n", ":", "\\c")
	// 1.0 has no escapes; line breaks would end the header early
	valueFlattener = strings.NewReplacer("\r", " ", "\n", " ")
)

// Encode serializes a frame for a client speaking the given protocol version.
// Header order is preserved.
func Encode(f *Frame, version string) []byte {
	var buf bytes.Buffer
	buf.Grow(64 + len(f.Body))

	buf.WriteString(f.Type.String())
	buf.WriteByte('\n')

	escape := version == Version12 && f.Type != CONNECTED && f.Type != CONNECT
	for i := 0; i < f.Header.Len(); i++ {
		key, value := f.Header.GetAt(i)
		if escape {
			key = valueEscaper.Replace(key)
			value = valueEscaper.Replace(value)
		} else {
			key = valueFlattener.Replace(key)
			value = valueFlattener.Replace(value)
		}
		buf.WriteString(key)
		buf.WriteByte(':')
		buf.WriteString(value)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}
