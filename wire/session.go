package wire

import (
	"encoding"
	"fmt"

	"github.com/google/uuid"
	"github.com/samthor/notek/pid"
)

const (
	TagStart   byte = 0x40
	TagInsert  byte = 0x41
	TagDelete  byte = 0x42
	TagRename  byte = 0x43
	TagWelcome byte = 0x44
)

// IsSessionTag reports whether a frame starting with tag belongs to a live session rather than
// to catalog sync.
func IsSessionTag(tag byte) bool {
	return tag >= TagStart
}

// Session is a message exchanged on a live editing session.
type Session interface {
	encoding.BinaryAppender
	Tag() byte
}

// Start opens a session on a document.
type Start struct {
	LastSync uint64
	Document uuid.UUID
}

// Insert announces an inserted character from a site.
type Insert struct {
	Site uint8
	Atom Atom
}

// Delete announces a removed identifier from a site.
type Delete struct {
	Site uint8
	Pid  pid.Pid
}

// Rename changes the document's title.
type Rename struct {
	Name string
}

// Welcome answers Start with the site assigned to the connection and the whole document,
// sentinels included.
type Welcome struct {
	Site  uint8
	Atoms []Atom
}

func (Start) Tag() byte   { return TagStart }
func (Insert) Tag() byte  { return TagInsert }
func (Delete) Tag() byte  { return TagDelete }
func (Rename) Tag() byte  { return TagRename }
func (Welcome) Tag() byte { return TagWelcome }

func (m Start) AppendBinary(b []byte) ([]byte, error) {
	b = append(b, TagStart)
	b = AppendU64(b, m.LastSync)
	return AppendUUID(b, m.Document), nil
}

func (m Insert) AppendBinary(b []byte) ([]byte, error) {
	return m.Atom.AppendBinary(append(b, TagInsert, m.Site))
}

func (m Delete) AppendBinary(b []byte) ([]byte, error) {
	return AppendPid(append(b, TagDelete, m.Site), m.Pid)
}

func (m Rename) AppendBinary(b []byte) ([]byte, error) {
	return AppendLine(append(b, TagRename), m.Name)
}

func (m Welcome) AppendBinary(b []byte) ([]byte, error) {
	b = append(b, TagWelcome, m.Site)
	b = AppendU64(b, uint64(len(m.Atoms)))
	return AppendAtoms(b, m.Atoms)
}

// DecodeSession decodes exactly one session message.
func DecodeSession(b []byte) (Session, error) {
	r := NewReader(b)
	tag := r.U8()
	if r.err != nil {
		return nil, r.err
	}

	var m Session
	switch tag {
	case TagStart:
		m = Start{LastSync: r.U64(), Document: r.UUID()}
	case TagInsert:
		m = Insert{Site: r.U8(), Atom: r.Atom()}
	case TagDelete:
		m = Delete{Site: r.U8(), Pid: r.Pid()}
	case TagRename:
		m = Rename{Name: r.Line()}
	case TagWelcome:
		site := r.U8()
		m = Welcome{Site: site, Atoms: r.atoms(r.U64())}
	default:
		return nil, fmt.Errorf("%w: session 0x%02x", ErrUnknownTag, tag)
	}

	if err := r.Done(); err != nil {
		return nil, err
	}
	return m, nil
}

// atoms reads count atoms, failing early if the input cannot possibly hold them.
func (r *Reader) atoms(count uint64) []Atom {
	if r.err != nil {
		return nil
	}
	// each atom takes at least 1+1+1+5 bytes
	if count > uint64(r.Remaining()/8) {
		r.fail(fmt.Errorf("%w: %d atoms in %d bytes", ErrTruncated, count, r.Remaining()))
		return nil
	}

	out := make([]Atom, 0, count)
	for range count {
		a := r.Atom()
		if r.err != nil {
			return nil
		}
		out = append(out, a)
	}
	return out
}
