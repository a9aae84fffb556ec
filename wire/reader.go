// Package wire is the binary codec for documents, sessions and catalog sync.
//
// All integers are little-endian. A character is a length-prefixed UTF-8 code point, and a
// position identifier is a depth byte followed by that many (ident u32, site u8) components.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samthor/notek/pid"
)

var (
	ErrTruncated  = errors.New("wire: truncated input")
	ErrBadChar    = errors.New("wire: bad character")
	ErrBadDepth   = errors.New("wire: bad pid depth")
	ErrUnknownTag = errors.New("wire: unknown tag")
	ErrTrailing   = errors.New("wire: trailing bytes")
)

// Reader decodes primitives from a byte slice.
// The first failure sticks: later reads return zero values and Err reports it.
type Reader struct {
	b   []byte
	off int
	err error
}

// NewReader returns a Reader over b. It does not copy b.
func NewReader(b []byte) *Reader {
	return &Reader{b: b}
}

// Err returns the first error encountered.
func (r *Reader) Err() error {
	return r.err
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.b) - r.off
}

// Done returns the first error, or ErrTrailing if input remains.
func (r *Reader) Done() error {
	if r.err == nil && r.Remaining() != 0 {
		r.err = fmt.Errorf("%w: %d bytes", ErrTrailing, r.Remaining())
	}
	return r.err
}

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.Remaining() < n {
		r.fail(fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, r.off, r.Remaining()))
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// UUID reads 16 raw bytes.
func (r *Reader) UUID() (id uuid.UUID) {
	b := r.take(16)
	if b == nil {
		return
	}
	copy(id[:], b)
	return id
}

// Char reads a length-prefixed single code point.
func (r *Reader) Char() rune {
	n := int(r.U8())
	if r.err != nil {
		return 0
	}
	if n < 1 || n > utf8.UTFMax {
		r.fail(fmt.Errorf("%w: length %d", ErrBadChar, n))
		return 0
	}
	b := r.take(n)
	if b == nil {
		return 0
	}
	ch, size := utf8.DecodeRune(b)
	if size != n || (ch == utf8.RuneError && size == 1) {
		r.fail(fmt.Errorf("%w: %q is not one code point", ErrBadChar, b))
		return 0
	}
	return ch
}

// Pid reads a depth byte and that many components.
func (r *Reader) Pid() pid.Pid {
	depth := int(r.U8())
	if r.err != nil {
		return nil
	}
	if depth == 0 {
		r.fail(ErrBadDepth)
		return nil
	}
	b := r.take(depth * 5)
	if b == nil {
		return nil
	}

	out := make(pid.Pid, depth)
	for i := range out {
		out[i] = pid.Pos{
			Ident: binary.LittleEndian.Uint32(b[i*5:]),
			Site:  b[i*5+4],
		}
	}
	return out
}

// Atom reads a character followed by its identifier.
func (r *Reader) Atom() Atom {
	ch := r.Char()
	p := r.Pid()
	if r.err != nil {
		return Atom{}
	}
	return Atom{Pid: p, Char: ch}
}

// Line reads a string terminated by a newline or a NUL byte, consuming the terminator.
func (r *Reader) Line() string {
	if r.err != nil {
		return ""
	}
	rest := r.b[r.off:]
	at := bytes.IndexAny(rest, "\n\x00")
	if at < 0 {
		r.fail(fmt.Errorf("%w: unterminated line", ErrTruncated))
		return ""
	}
	r.off += at + 1
	return string(rest[:at])
}
