// Package ledger is the remotely observable record store that bookings,
// templates, reminders and user profiles are persisted in. Records are flat
// field->string maps grouped into named collections.
package ledger

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrSubscriptionClosed = errors.New("subscription closed")
	ErrClosed             = errors.New("ledger closed")
)

// Record is a flat set of string fields.
type Record map[string]string

func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Document is a record together with its id.
type Document struct {
	ID     string
	Fields Record
}

// Filter selects documents whose Field equals Value. The zero Filter
// matches everything.
type Filter struct {
	Field string
	Value string
}

func (f Filter) Match(rec Record) bool {
	if f.Field == "" {
		return true
	}
	return rec[f.Field] == f.Value
}

// Snapshot is the full matching result set delivered to a subscriber.
type Snapshot struct {
	Documents []Document
	Err       error
}

// Ledger is implemented by every storage backend.
type Ledger interface {
	// NewID returns a fresh, unique record id.
	NewID() string
	// Put writes the whole record, replacing any previous version.
	Put(ctx context.Context, collection, id string, rec Record) error
	Get(ctx context.Context, collection, id string) (Record, error)
	// Set writes a single field of an existing record.
	Set(ctx context.Context, collection, id, field, value string) error
	Delete(ctx context.Context, collection, id string) error
	// QueryEqual returns all documents whose field equals value, ordered by id.
	QueryEqual(ctx context.Context, collection, field, value string) ([]Document, error)
	// Subscribe delivers a snapshot of the matching documents now and after
	// every change to the collection until ctx is cancelled or the
	// subscription is closed.
	Subscribe(ctx context.Context, collection string, filter Filter) (*Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

func newID() string {
	return uuid.NewString()
}

func sortDocuments(docs []Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
}

// queryFunc adapts a backend's filtered read to a subscription loader.
func queryFunc(l Ledger, collection string, filter Filter) func(ctx context.Context) ([]Document, error) {
	return func(ctx context.Context) ([]Document, error) {
		return l.QueryEqual(ctx, collection, filter.Field, filter.Value)
	}
}
