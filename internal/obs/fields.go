package obs

import (
	"fmt"
	"log"
	"strings"
)

// Fields decorates log.Printf-style calls with a fixed set of key=value
// tags, so every line emitted for one admission/event carries the same
// correlation keys (plan id, symbol, trace id) without re-typing them at
// every call site along the way.
type Fields struct {
	pairs []string
}

// NewFields builds a Fields from alternating key/value strings.
func NewFields(kv ...string) Fields {
	return Fields{pairs: kv}
}

// With returns a copy of f with an additional key/value pair appended.
func (f Fields) With(key, value string) Fields {
	next := make([]string, len(f.pairs), len(f.pairs)+2)
	copy(next, f.pairs)
	return Fields{pairs: append(next, key, value)}
}

func (f Fields) prefix() string {
	if len(f.pairs) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i+1 < len(f.pairs); i += 2 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(f.pairs[i])
		b.WriteByte('=')
		b.WriteString(f.pairs[i+1])
	}
	b.WriteByte(' ')
	return b.String()
}

// Printf logs format/args prefixed with this Fields' key=value tags.
func (f Fields) Printf(format string, args ...any) {
	log.Printf(f.prefix()+format, args...)
}

// Println logs args prefixed with this Fields' key=value tags.
func (f Fields) Println(args ...any) {
	log.Println(f.prefix() + fmt.Sprint(args...))
}
