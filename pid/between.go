package pid

import (
	"math/rand/v2"
)

// Boundary caps how far from a bound a freshly allocated ident is placed.
// Even depths allocate just after the left bound and odd depths just before the right bound,
// so typing forward and inserting repeatedly in front of the same character both leave most
// of a level free.
const Boundary = 1 << 16

var (
	lowPos  = Pos{Ident: 0, Site: 0}
	highPos = Pos{Ident: MaxIdent, Site: 0}
)

// Between returns a new Pid strictly between left and right, tagged with the given site.
// It panics if left does not sort before right.
func Between(left, right Pid, site uint8) Pid {
	if Compare(left, right) >= 0 {
		panic("pid: left must sort before right")
	}

	depth := max(len(left), len(right))
	out := make(Pid, 0, depth+1)

	// While bounded, out is a prefix of right and right still constrains the result.
	bounded := true

	for i := range depth {
		l := posAt(left, i, lowPos)
		r := highPos
		if bounded {
			r = posAt(right, i, highPos)
		}

		if bounded && l == r {
			out = append(out, l)
			continue
		}

		if l.Ident == r.Ident {
			// Only a site strictly between the two keeps the shorter result inside the range.
			if l.Site < site && site < r.Site {
				return append(out, Pos{Ident: l.Ident, Site: site})
			}
		} else if r.Ident-l.Ident > 1 {
			return append(out, Pos{Ident: pickBetween(i, l.Ident, r.Ident), Site: site})
		}

		// No room here; follow left, which already puts us below right.
		out = append(out, l)
		bounded = false
	}

	if bounded {
		// right is left padded with zero components; generated identifiers never end like this
		panic("pid: no identifier exists between " + left.String() + " and " + right.String())
	}
	return append(out, Pos{Ident: pickBetween(depth, 0, MaxIdent), Site: site})
}

func posAt(p Pid, i int, fallback Pos) Pos {
	if i < len(p) {
		return p[i]
	}
	return fallback
}

// pickBetween returns an ident in (lo,hi) for the given depth. Requires hi-lo > 1.
func pickBetween(depth int, lo, hi uint32) uint32 {
	span := min(hi-lo-1, Boundary)
	if depth%2 == 1 {
		return hi - 1 - rand.Uint32N(span)
	}
	return lo + 1 + rand.Uint32N(span)
}
