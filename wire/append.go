package wire

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samthor/notek/pid"
)

// MaxDepth is the deepest Pid the depth byte can describe.
const MaxDepth = 255

func AppendU64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

func AppendUUID(b []byte, id uuid.UUID) []byte {
	return append(b, id[:]...)
}

// AppendChar writes a length-prefixed code point.
func AppendChar(b []byte, ch rune) ([]byte, error) {
	if !utf8.ValidRune(ch) {
		return b, fmt.Errorf("%w: %U", ErrBadChar, ch)
	}
	b = append(b, byte(utf8.RuneLen(ch)))
	return utf8.AppendRune(b, ch), nil
}

// AppendPid writes a depth byte and the components of p.
func AppendPid(b []byte, p pid.Pid) ([]byte, error) {
	if len(p) == 0 || len(p) > MaxDepth {
		return b, fmt.Errorf("%w: %d", ErrBadDepth, len(p))
	}
	b = append(b, byte(len(p)))
	for _, pos := range p {
		b = binary.LittleEndian.AppendUint32(b, pos.Ident)
		b = append(b, pos.Site)
	}
	return b, nil
}

// AppendLine writes s followed by a newline. s must not itself hold a terminator.
func AppendLine(b []byte, s string) ([]byte, error) {
	if strings.ContainsAny(s, "\n\x00") {
		return b, fmt.Errorf("wire: line %q holds a terminator", s)
	}
	b = append(b, s...)
	return append(b, '\n'), nil
}

// CleanLine cuts s at its first terminator so that it can be written with AppendLine.
func CleanLine(s string) string {
	if at := strings.IndexAny(s, "\n\x00"); at >= 0 {
		return s[:at]
	}
	return s
}
