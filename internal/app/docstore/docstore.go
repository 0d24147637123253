// Package docstore is the contract messaging needs from a document database:
// keyed CRUD, filtered and ordered queries, field patches, push subscriptions
// and a server clock. Documents are BSON encoded; structs carry bson tags and
// an "_id" field holding the document id.
package docstore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

var (
	ErrNotFound      = errors.New("docstore: document not found")
	ErrAlreadyExists = errors.New("docstore: document already exists")
	ErrClosed        = errors.New("docstore: store closed")
	// ErrConditionFailed reports an Update whose document exists but does
	// not match Patch.When.
	ErrConditionFailed = errors.New("docstore: update condition not met")
)

// Store is implemented by the MongoDB adapter and the in-memory twin.
type Store interface {
	// Create inserts doc under id and fails with ErrAlreadyExists on collision.
	Create(ctx context.Context, collection, id string, doc any) error
	// Set inserts or replaces the document stored under id.
	Set(ctx context.Context, collection, id string, doc any) error
	// Get decodes the document stored under id into dst.
	Get(ctx context.Context, collection, id string, dst any) error
	// Update applies p to the document; ErrNotFound unless p.Upsert.
	Update(ctx context.Context, collection, id string, p Patch) error
	// Delete removes the document. Missing documents are not an error.
	Delete(ctx context.Context, collection, id string) error
	// DeleteWhere removes every matching document in one batch.
	DeleteWhere(ctx context.Context, collection string, filters ...Filter) (int, error)
	Find(ctx context.Context, q Query) ([]Snapshot, error)
	// Subscribe calls l with the current result of q and again after every
	// change that may affect it, until the returned function is called.
	Subscribe(ctx context.Context, q Query, l Listener) (Unsubscribe, error)
	// ServerTime is the authoritative clock used for creation timestamps.
	ServerTime(ctx context.Context) (time.Time, error)
	Ping(ctx context.Context) error
}

// Listener receives the full result set on every change. A non-nil error means
// the subscription hit a store failure; it keeps running.
type Listener func(snaps []Snapshot, err error)

// Unsubscribe stops a subscription. Safe to call more than once and after the
// store has been closed.
type Unsubscribe func()

// Snapshot is one document of a query result.
type Snapshot struct {
	ID  string
	Raw bson.Raw
}

func (s Snapshot) Decode(dst any) error {
	return bson.Unmarshal(s.Raw, dst)
}

// DecodeAll decodes every snapshot with decode, stopping at the first failure.
func DecodeAll[T any](snaps []Snapshot) ([]T, error) {
	out := make([]T, 0, len(snaps))
	for _, s := range snaps {
		var v T
		if err := s.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

type Operator string

const (
	OpEq            Operator = "=="
	OpArrayContains Operator = "array-contains"
	OpIn            Operator = "in"
	OpGt            Operator = ">"
	OpGte           Operator = ">="
	OpLt            Operator = "<"
	OpLte           Operator = "<="
)

// Filter constrains a (possibly dotted) field.
type Filter struct {
	Field string
	Op    Operator
	Value any
}

func Eq(field string, v any) Filter { return Filter{Field: field, Op: OpEq, Value: v} }
func ArrayContains(field string, v any) Filter {
	return Filter{Field: field, Op: OpArrayContains, Value: v}
}
func Gt(field string, v any) Filter  { return Filter{Field: field, Op: OpGt, Value: v} }
func Gte(field string, v any) Filter { return Filter{Field: field, Op: OpGte, Value: v} }
func Lt(field string, v any) Filter  { return Filter{Field: field, Op: OpLt, Value: v} }
func Lte(field string, v any) Filter { return Filter{Field: field, Op: OpLte, Value: v} }

func In[T any](field string, values []T) Filter {
	vals := make([]any, 0, len(values))
	for _, v := range values {
		vals = append(vals, v)
	}
	return Filter{Field: field, Op: OpIn, Value: vals}
}

type Direction int

const (
	Asc Direction = iota
	Desc
)

type Order struct {
	Field string
	Dir   Direction
}

type Query struct {
	Collection string
	Filters    []Filter
	Order      []Order
	Limit      int
}

// Patch is a partial update. Dotted field names address nested documents.
type Patch struct {
	Set      map[string]any
	Unset    []string
	AddToSet map[string][]any
	Pull     map[string][]any
	// PullMatch removes the embedded documents of an array whose fields
	// equal every value given for them.
	PullMatch map[string]map[string]any
	Inc       map[string]int64
	Upsert    bool
	// When restricts the update to a document matching every filter.
	When []Filter
}

func (p Patch) Empty() bool {
	return len(p.Set) == 0 && len(p.Unset) == 0 && len(p.AddToSet) == 0 && len(p.Pull) == 0 && len(p.PullMatch) == 0 && len(p.Inc) == 0
}

// Index describes a secondary index a backend may create.
type Index struct {
	Collection string
	Fields     []Order
	Unique     bool
	// TTL expires documents this long after the time stored in the first field.
	TTL time.Duration
}
