package wire

import (
	"encoding"
	"fmt"

	"github.com/samthor/notek/pid"
)

// Atom is one character of a document together with its identifier.
type Atom struct {
	Pid  pid.Pid
	Char rune
}

func (a Atom) AppendBinary(b []byte) ([]byte, error) {
	b, err := AppendChar(b, a.Char)
	if err != nil {
		return b, err
	}
	return AppendPid(b, a.Pid)
}

// AppendAtoms writes each atom in order, without a count.
func AppendAtoms(b []byte, atoms []Atom) ([]byte, error) {
	var err error
	for _, a := range atoms {
		if b, err = a.AppendBinary(b); err != nil {
			return b, err
		}
	}
	return b, nil
}

const (
	TagOpInsert byte = 0x00
	TagOpDelete byte = 0x01
)

// DocOp is a single document edit; it is either an OpInsert or an OpDelete.
type DocOp interface {
	encoding.BinaryAppender
	docOp()
}

type OpInsert struct {
	Atom Atom
}

type OpDelete struct {
	Pid pid.Pid
}

func (OpInsert) docOp() {}
func (OpDelete) docOp() {}

func (op OpInsert) AppendBinary(b []byte) ([]byte, error) {
	return op.Atom.AppendBinary(append(b, TagOpInsert))
}

func (op OpDelete) AppendBinary(b []byte) ([]byte, error) {
	return AppendPid(append(b, TagOpDelete), op.Pid)
}

// DocOp reads a tagged document edit.
func (r *Reader) DocOp() DocOp {
	tag := r.U8()
	if r.err != nil {
		return nil
	}

	var op DocOp
	switch tag {
	case TagOpInsert:
		op = OpInsert{Atom: r.Atom()}
	case TagOpDelete:
		op = OpDelete{Pid: r.Pid()}
	default:
		r.fail(fmt.Errorf("%w: doc op 0x%02x", ErrUnknownTag, tag))
	}
	if r.err != nil {
		return nil
	}
	return op
}
