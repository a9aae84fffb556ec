// Package store is the server's persistent catalog of documents, kept in a bbolt file.
//
// Each document is one key in the "docs" bucket: the 16 id bytes map to the last-modified time
// in epoch milliseconds (u64), the name and a newline, then the document snapshot.
package store

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/samthor/notek/doc"
	"github.com/samthor/notek/wire"
	bolt "go.etcd.io/bbolt"
)

var (
	ErrNotFound = errors.New("store: document not found")
)

var bucketDocs = []byte("docs")

// Info describes a stored document without its contents.
type Info struct {
	ID           uuid.UUID
	Name         string
	LastModified time.Time
}

// Record is a stored document.
type Record struct {
	Info
	Doc *doc.Document
}

type Store struct {
	db *bolt.DB
}

// Open opens or creates the catalog at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDocs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get loads a document.
func (s *Store) Get(id uuid.UUID) (rec Record, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDocs).Get(id[:])
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		r := wire.NewReader(v)
		rec.Info = readInfo(id, r)
		if err := r.Err(); err != nil {
			return fmt.Errorf("store: %s: %w", id, err)
		}

		// the value is only valid inside the transaction, FromBytes copies what it needs
		rec.Doc, err = doc.FromBytes(v[len(v)-r.Remaining():])
		return err
	})
	return rec, err
}

// Put stores a document, replacing any previous version.
func (s *Store) Put(rec Record) error {
	v := encodeInfo(nil, rec.Info)
	v, err := rec.Doc.AppendBinary(v)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocs).Put(rec.ID[:], v)
	})
}

// List returns every stored document, most recently modified first.
func (s *Store) List() (out []Info, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocs).ForEach(func(k, v []byte) error {
			id, err := uuid.FromBytes(k)
			if err != nil {
				return fmt.Errorf("store: bad key: %w", err)
			}
			r := wire.NewReader(v)
			info := readInfo(id, r)
			if err := r.Err(); err != nil {
				return fmt.Errorf("store: %s: %w", id, err)
			}
			out = append(out, info)
			return nil
		})
	})

	slices.SortFunc(out, func(a, b Info) int {
		return cmp.Or(b.LastModified.Compare(a.LastModified), slices.Compare(a.ID[:], b.ID[:]))
	})
	return out, err
}

// Delete removes a document.
func (s *Store) Delete(id uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocs)
		if b.Get(id[:]) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return b.Delete(id[:])
	})
}

// Rename changes the name of a stored document and bumps its modification time.
func (s *Store) Rename(id uuid.UUID, name string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocs)
		v := b.Get(id[:])
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}

		r := wire.NewReader(v)
		readInfo(id, r)
		if err := r.Err(); err != nil {
			return fmt.Errorf("store: %s: %w", id, err)
		}

		out := encodeInfo(nil, Info{ID: id, Name: name, LastModified: at})
		out = append(out, v[len(v)-r.Remaining():]...)
		return b.Put(id[:], out)
	})
}

func readInfo(id uuid.UUID, r *wire.Reader) Info {
	ms := r.U64()
	name := r.Line()
	return Info{ID: id, Name: name, LastModified: time.UnixMilli(int64(ms))}
}

func encodeInfo(b []byte, info Info) []byte {
	b = wire.AppendU64(b, uint64(info.LastModified.UnixMilli()))
	b, _ = wire.AppendLine(b, wire.CleanLine(info.Name))
	return b
}
