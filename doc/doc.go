// Package doc is a plain-text document whose characters are keyed by position identifiers.
//
// A Document always holds the Begin and End sentinels. Visible (physical) indexes count only the
// characters between them.
package doc

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/samthor/notek/ostree"
	"github.com/samthor/notek/pid"
	"github.com/samthor/notek/wire"
)

// Sentinel is the character stored under the Begin and End identifiers.
const Sentinel = '_'

var (
	ErrIndex   = errors.New("doc: index out of range")
	ErrTooDeep = errors.New("doc: identifier too deep to encode")
)

// Document is not safe for concurrent use.
type Document struct {
	tree *ostree.Tree[pid.Pid, rune]
}

// Empty returns a document holding only the sentinels.
func Empty() *Document {
	d := &Document{tree: ostree.New[pid.Pid, rune](pid.Compare)}
	d.tree.Put(pid.Begin, Sentinel)
	d.tree.Put(pid.End, Sentinel)
	return d
}

// FromAtoms builds a document from the given atoms. Sentinel atoms are accepted and ignored.
func FromAtoms(atoms []wire.Atom) *Document {
	d := Empty()
	for _, a := range atoms {
		d.Insert(a.Pid, a.Char)
	}
	return d
}

// FromBytes reads atoms until the end of b.
func FromBytes(b []byte) (*Document, error) {
	d := Empty()
	r := wire.NewReader(b)
	for r.Remaining() > 0 {
		a := r.Atom()
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("doc: bad snapshot: %w", err)
		}
		d.Insert(a.Pid, a.Char)
	}
	return d, nil
}

// FromOps replays inserts and then deletes, as carried by a sync response.
func FromOps(inserts []wire.OpInsert, deletes []wire.OpDelete) *Document {
	d := Empty()
	for _, op := range inserts {
		d.Insert(op.Atom.Pid, op.Atom.Char)
	}
	for _, op := range deletes {
		d.Delete(op.Pid)
	}
	return d
}

// FromString seeds a document with s, spreading single-level identifiers evenly over the
// ident range. All of them carry site 1.
func FromString(s string) *Document {
	d := Empty()
	runes := []rune(s)
	step := pid.MaxIdent / uint32(len(runes)+1)
	for i, ch := range runes {
		d.tree.Put(pid.New(uint32(i+1)*step, 1), ch)
	}
	return d
}

// Insert upserts the character for p. Sentinel identifiers are ignored.
func (d *Document) Insert(p pid.Pid, ch rune) {
	if pid.IsSentinel(p) {
		return
	}
	d.tree.Put(p, ch)
}

// Delete removes p. It is a no-op for unknown or sentinel identifiers.
func (d *Document) Delete(p pid.Pid) {
	if pid.IsSentinel(p) {
		return
	}
	d.tree.Remove(p)
}

// Get returns the character stored for p.
func (d *Document) Get(p pid.Pid) (rune, bool) {
	return d.tree.Get(p)
}

// InsertAt inserts ch so that it becomes the visible character at index, in [0,Len].
// It returns the identifier created for ch.
func (d *Document) InsertAt(index int, ch rune, site uint8) (pid.Pid, error) {
	if index < 0 || index > d.Len() {
		return nil, fmt.Errorf("%w: insert at %d, length %d", ErrIndex, index, d.Len())
	}

	// rank index is the entry just before the new character, so the pair always exists
	at, after, _, err := d.tree.SelectPair(index)
	if err != nil {
		return nil, err
	}
	p := pid.Between(at.Key, after.Key, site)
	if p.Depth() > wire.MaxDepth {
		return nil, fmt.Errorf("%w: insert at %d, depth %d", ErrTooDeep, index, p.Depth())
	}
	d.tree.Put(p, ch)
	return p, nil
}

// DeleteAt removes the visible character at index, in [0,Len), and returns its identifier.
func (d *Document) DeleteAt(index int) (pid.Pid, error) {
	if index < 0 || index >= d.Len() {
		return nil, fmt.Errorf("%w: delete at %d, length %d", ErrIndex, index, d.Len())
	}

	e, err := d.tree.Select(index + 1)
	if err != nil {
		return nil, err
	}
	d.tree.Remove(e.Key)
	return e.Key, nil
}

// IndexOf returns the visible index of p.
func (d *Document) IndexOf(p pid.Pid) (int, bool) {
	if pid.IsSentinel(p) {
		return 0, false
	}
	r, ok := d.tree.Rank(p)
	if !ok {
		return 0, false
	}
	return r - 1, true
}

// Len returns the number of visible characters.
func (d *Document) Len() int {
	return d.tree.Len() - 2
}

// Display returns the visible text.
func (d *Document) Display() string {
	var sb strings.Builder
	sb.Grow(d.Len())
	last := d.tree.Len() - 1
	i := 0
	for ch := range d.tree.Values() {
		// skip the Begin and End sentinels
		if i != 0 && i != last {
			sb.WriteRune(ch)
		}
		i++
	}
	return sb.String()
}

func (d *Document) String() string {
	return d.Display()
}

// Atoms returns every entry in ascending identifier order, sentinels included.
func (d *Document) Atoms() []wire.Atom {
	out := make([]wire.Atom, 0, d.tree.Len())
	for p, ch := range d.tree.All() {
		out = append(out, wire.Atom{Pid: p, Char: ch})
	}
	return out
}

// Inserts returns every visible entry as an insert op.
func (d *Document) Inserts() []wire.OpInsert {
	out := make([]wire.OpInsert, 0, d.Len())
	for p, ch := range d.tree.All() {
		if !pid.IsSentinel(p) {
			out = append(out, wire.OpInsert{Atom: wire.Atom{Pid: p, Char: ch}})
		}
	}
	return out
}

// AppendBinary appends the snapshot: every atom in order, sentinels included, without a count.
func (d *Document) AppendBinary(b []byte) ([]byte, error) {
	var err error
	for p, ch := range d.tree.All() {
		if b, err = (wire.Atom{Pid: p, Char: ch}).AppendBinary(b); err != nil {
			return b, err
		}
	}
	return b, nil
}

// Bytes returns the snapshot.
func (d *Document) Bytes() ([]byte, error) {
	return d.AppendBinary(nil)
}

// WriteTo writes the snapshot to w.
func (d *Document) WriteTo(w io.Writer) (int64, error) {
	b, err := d.Bytes()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// Clone returns an independent copy.
func (d *Document) Clone() *Document {
	out := &Document{tree: ostree.New[pid.Pid, rune](pid.Compare)}
	for p, ch := range d.tree.All() {
		out.tree.Put(p, ch)
	}
	return out
}
