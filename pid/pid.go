// Package pid implements Logoot position identifiers.
//
// A Pid is a path of Pos components. Pids are totally ordered and dense: between any two distinct
// Pids there is always room for another, which is what Between finds.
package pid

import (
	"fmt"
	"math"
	"strings"
)

// MaxIdent is the largest ident a Pos can hold. It is used by the End sentinel.
const MaxIdent = math.MaxUint32

// Pos is a single component of a Pid.
type Pos struct {
	Ident uint32
	Site  uint8
}

// Compare orders by Ident, then by Site.
func (p Pos) Compare(other Pos) int {
	if p.Ident < other.Ident {
		return -1
	} else if p.Ident > other.Ident {
		return +1
	}
	if p.Site < other.Site {
		return -1
	} else if p.Site > other.Site {
		return +1
	}
	return 0
}

// Pid is a position identifier, a non-empty path of Pos.
// It must not be modified once it has been handed out.
type Pid []Pos

var (
	// Begin sorts before all content.
	Begin = Pid{{Ident: 0, Site: 0}}

	// End sorts after all content.
	End = Pid{{Ident: MaxIdent, Site: 0}}
)

// New builds a single-level Pid.
func New(ident uint32, site uint8) Pid {
	return Pid{{Ident: ident, Site: site}}
}

// Compare compares two Pids element-wise. A strict prefix sorts first.
func Compare(a, b Pid) int {
	n := min(len(a), len(b))
	for i := range n {
		if c := a[i].Compare(b[i]); c != 0 {
			return c
		}
	}
	if len(a) < len(b) {
		return -1
	} else if len(a) > len(b) {
		return +1
	}
	return 0
}

// Less reports whether a sorts before b.
func Less(a, b Pid) bool {
	return Compare(a, b) < 0
}

// Equal reports whether a and b are the same identifier.
func Equal(a, b Pid) bool {
	return Compare(a, b) == 0
}

// IsSentinel reports whether p is either Begin or End.
func IsSentinel(p Pid) bool {
	return Equal(p, Begin) || Equal(p, End)
}

// Depth returns the number of components.
func (p Pid) Depth() int {
	return len(p)
}

// Key returns a compact string form of p, suitable as a Go map key.
func (p Pid) Key() string {
	var sb strings.Builder
	sb.Grow(len(p) * 5)
	for _, pos := range p {
		sb.WriteByte(byte(pos.Ident))
		sb.WriteByte(byte(pos.Ident >> 8))
		sb.WriteByte(byte(pos.Ident >> 16))
		sb.WriteByte(byte(pos.Ident >> 24))
		sb.WriteByte(pos.Site)
	}
	return sb.String()
}

func (p Pid) String() string {
	parts := make([]string, len(p))
	for i, pos := range p {
		parts[i] = fmt.Sprintf("%d:%d", pos.Ident, pos.Site)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
