package wire

import (
	"encoding"
	"fmt"

	"github.com/google/uuid"
)

const (
	TagListRequest   byte = 0x00
	TagDocRequest    byte = 0x01
	TagDeleteRequest byte = 0x02

	TagListResponse byte = 0x20
	TagDocResponse  byte = 0x21
)

// SyncRequest is a catalog request sent by a client.
type SyncRequest interface {
	encoding.BinaryAppender
	syncRequest()
}

// SyncResponse is the server's answer to a SyncRequest.
type SyncResponse interface {
	encoding.BinaryAppender
	syncResponse()
}

// ListRequest asks for every known document.
type ListRequest struct {
	LastSync uint64
}

// DocRequest asks for the full contents of a document.
type DocRequest struct {
	LastSync uint64
	Document uuid.UUID
}

// DeleteRequest asks the server to forget a document. It is answered with a ListResponse.
type DeleteRequest struct {
	LastSync uint64
	Document uuid.UUID
}

type ListEntry struct {
	LastModified uint64
	Document     uuid.UUID
}

type ListResponse struct {
	Docs []ListEntry
}

// DocResponse carries a document as the inserts and deletes that rebuild it.
type DocResponse struct {
	Document uuid.UUID
	Name     string
	Inserts  []OpInsert
	Deletes  []OpDelete
}

func (ListRequest) syncRequest()   {}
func (DocRequest) syncRequest()    {}
func (DeleteRequest) syncRequest() {}
func (ListResponse) syncResponse() {}
func (DocResponse) syncResponse()  {}

func (m ListRequest) AppendBinary(b []byte) ([]byte, error) {
	return AppendU64(append(b, TagListRequest), m.LastSync), nil
}

func (m DocRequest) AppendBinary(b []byte) ([]byte, error) {
	b = AppendU64(append(b, TagDocRequest), m.LastSync)
	return AppendUUID(b, m.Document), nil
}

func (m DeleteRequest) AppendBinary(b []byte) ([]byte, error) {
	b = AppendU64(append(b, TagDeleteRequest), m.LastSync)
	return AppendUUID(b, m.Document), nil
}

func (m ListResponse) AppendBinary(b []byte) ([]byte, error) {
	b = AppendU64(append(b, TagListResponse), uint64(len(m.Docs)))
	for _, e := range m.Docs {
		b = AppendU64(b, e.LastModified)
		b = AppendUUID(b, e.Document)
	}
	return b, nil
}

func (m DocResponse) AppendBinary(b []byte) ([]byte, error) {
	b = AppendUUID(append(b, TagDocResponse), m.Document)
	b, err := AppendLine(b, m.Name)
	if err != nil {
		return b, err
	}

	b = AppendU64(b, uint64(len(m.Inserts)))
	for _, op := range m.Inserts {
		if b, err = op.AppendBinary(b); err != nil {
			return b, err
		}
	}

	b = AppendU64(b, uint64(len(m.Deletes)))
	for _, op := range m.Deletes {
		if b, err = op.AppendBinary(b); err != nil {
			return b, err
		}
	}
	return b, nil
}

// DecodeSyncRequest decodes exactly one catalog request.
func DecodeSyncRequest(b []byte) (SyncRequest, error) {
	r := NewReader(b)
	tag := r.U8()
	if r.err != nil {
		return nil, r.err
	}

	var m SyncRequest
	switch tag {
	case TagListRequest:
		m = ListRequest{LastSync: r.U64()}
	case TagDocRequest:
		m = DocRequest{LastSync: r.U64(), Document: r.UUID()}
	case TagDeleteRequest:
		m = DeleteRequest{LastSync: r.U64(), Document: r.UUID()}
	default:
		return nil, fmt.Errorf("%w: sync request 0x%02x", ErrUnknownTag, tag)
	}

	if err := r.Done(); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeSyncResponse decodes exactly one catalog response.
func DecodeSyncResponse(b []byte) (SyncResponse, error) {
	r := NewReader(b)
	tag := r.U8()
	if r.err != nil {
		return nil, r.err
	}

	var m SyncResponse
	switch tag {
	case TagListResponse:
		m = ListResponse{Docs: r.listEntries()}
	case TagDocResponse:
		m = r.docResponse()
	default:
		return nil, fmt.Errorf("%w: sync response 0x%02x", ErrUnknownTag, tag)
	}

	if err := r.Done(); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Reader) listEntries() []ListEntry {
	count := r.U64()
	if r.err != nil {
		return nil
	}
	if count > uint64(r.Remaining()/24) {
		r.fail(fmt.Errorf("%w: %d entries in %d bytes", ErrTruncated, count, r.Remaining()))
		return nil
	}

	out := make([]ListEntry, 0, count)
	for range count {
		out = append(out, ListEntry{LastModified: r.U64(), Document: r.UUID()})
	}
	return out
}

func (r *Reader) docResponse() (m DocResponse) {
	m.Document = r.UUID()
	m.Name = r.Line()

	for range r.opCount() {
		op, ok := r.DocOp().(OpInsert)
		if !ok {
			r.fail(fmt.Errorf("%w: expected insert op", ErrUnknownTag))
			return
		}
		m.Inserts = append(m.Inserts, op)
	}

	for range r.opCount() {
		op, ok := r.DocOp().(OpDelete)
		if !ok {
			r.fail(fmt.Errorf("%w: expected delete op", ErrUnknownTag))
			return
		}
		m.Deletes = append(m.Deletes, op)
	}
	return
}

// opCount reads a count of tagged ops, each at least 1+1+5 bytes.
func (r *Reader) opCount() uint64 {
	count := r.U64()
	if r.err != nil {
		return 0
	}
	if count > uint64(r.Remaining()/7) {
		r.fail(fmt.Errorf("%w: %d ops in %d bytes", ErrTruncated, count, r.Remaining()))
		return 0
	}
	return count
}
