package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"huddle/internal/app/docstore"
)

// DocStore keeps BSON documents in process memory. It mirrors the query and
// patch semantics of the MongoDB adapter closely enough for development and
// tests. Not suitable for production.
type DocStore struct {
	mu     sync.RWMutex
	colls  map[string]map[string]bson.Raw
	subs   map[string]map[uint64]*subscription
	nextID uint64
	last   time.Time
	closed bool

	// Clock overrides time.Now for ServerTime.
	Clock  func() time.Time
	Logger *slog.Logger
	// FailWrites makes matching writes fail; tests use it to simulate outages.
	FailWrites func(collection, id string) error
}

func NewDocStore(logger *slog.Logger) *DocStore {
	return &DocStore{
		colls:  make(map[string]map[string]bson.Raw),
		subs:   make(map[string]map[uint64]*subscription),
		Logger: logger,
	}
}

func (s *DocStore) Create(ctx context.Context, collection, id string, doc any) error {
	raw, err := encode(id, doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(collection, id); err != nil {
		return err
	}
	coll := s.collection(collection)
	if _, exists := coll[id]; exists {
		return docstore.ErrAlreadyExists
	}
	coll[id] = raw
	s.notify(collection)
	return nil
}

func (s *DocStore) Set(ctx context.Context, collection, id string, doc any) error {
	raw, err := encode(id, doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(collection, id); err != nil {
		return err
	}
	s.collection(collection)[id] = raw
	s.notify(collection)
	return nil
}

func (s *DocStore) Get(ctx context.Context, collection, id string, dst any) error {
	s.mu.RLock()
	raw, ok := s.colls[collection][id]
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return docstore.ErrClosed
	}
	if !ok {
		return docstore.ErrNotFound
	}
	return bson.Unmarshal(raw, dst)
}

func (s *DocStore) Update(ctx context.Context, collection, id string, p docstore.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(collection, id); err != nil {
		return err
	}
	coll := s.collection(collection)
	doc := bson.M{}
	raw, ok := coll[id]
	switch {
	case ok:
		if !matches(raw, p.When) {
			return docstore.ErrConditionFailed
		}
		if err := bson.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("memory docstore: decode %s/%s: %w", collection, id, err)
		}
	case !p.Upsert:
		return docstore.ErrNotFound
	}
	doc["_id"] = id
	if err := applyPatch(doc, p); err != nil {
		return err
	}
	updated, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	coll[id] = updated
	s.notify(collection)
	return nil
}

func (s *DocStore) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(collection, id); err != nil {
		return err
	}
	coll := s.colls[collection]
	if _, ok := coll[id]; !ok {
		return nil
	}
	delete(coll, id)
	s.notify(collection)
	return nil
}

func (s *DocStore) DeleteWhere(ctx context.Context, collection string, filters ...docstore.Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(collection, ""); err != nil {
		return 0, err
	}
	removed := 0
	for id, raw := range s.colls[collection] {
		if matches(raw, filters) {
			delete(s.colls[collection], id)
			removed++
		}
	}
	if removed > 0 {
		s.notify(collection)
	}
	return removed, nil
}

func (s *DocStore) Find(ctx context.Context, q docstore.Query) ([]docstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}
	var out []docstore.Snapshot
	for id, raw := range s.colls[q.Collection] {
		if matches(raw, q.Filters) {
			out = append(out, docstore.Snapshot{ID: id, Raw: raw})
		}
	}
	sortSnapshots(out, q.Order)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *DocStore) Subscribe(ctx context.Context, q docstore.Query, l docstore.Listener) (docstore.Unsubscribe, error) {
	if l == nil {
		return nil, errors.New("memory docstore: listener is required")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, docstore.ErrClosed
	}
	s.nextID++
	sub := &subscription{
		id:    s.nextID,
		store: s,
		query: q,
		fn:    l,
		dirty: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	if s.subs[q.Collection] == nil {
		s.subs[q.Collection] = make(map[uint64]*subscription)
	}
	s.subs[q.Collection][sub.id] = sub
	s.mu.Unlock()

	go sub.run()
	return sub.stop, nil
}

// ServerTime returns a strictly increasing millisecond clock so documents
// created back to back never share a timestamp.
func (s *DocStore) ServerTime(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, docstore.ErrClosed
	}
	now := time.Now()
	if s.Clock != nil {
		now = s.Clock()
	}
	now = now.UTC().Truncate(time.Millisecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Millisecond)
	}
	s.last = now
	return now, nil
}

func (s *DocStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return docstore.ErrClosed
	}
	return nil
}

// Count returns the number of documents in a collection.
func (s *DocStore) Count(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.colls[collection])
}

// Close stops every subscription; later calls fail with ErrClosed.
func (s *DocStore) Close() error {
	s.mu.Lock()
	s.closed = true
	var subs []*subscription
	for _, set := range s.subs {
		for _, sub := range set {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
	return nil
}

func (s *DocStore) writable(collection, id string) error {
	if s.closed {
		return docstore.ErrClosed
	}
	if s.FailWrites != nil {
		return s.FailWrites(collection, id)
	}
	return nil
}

func (s *DocStore) collection(name string) map[string]bson.Raw {
	coll, ok := s.colls[name]
	if !ok {
		coll = make(map[string]bson.Raw)
		s.colls[name] = coll
	}
	return coll
}

// notify marks every subscription on collection dirty. Caller holds s.mu.
func (s *DocStore) notify(collection string) {
	for _, sub := range s.subs[collection] {
		select {
		case sub.dirty <- struct{}{}:
		default:
		}
	}
}

type subscription struct {
	id    uint64
	store *DocStore
	query docstore.Query
	fn    docstore.Listener
	dirty chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (sub *subscription) run() {
	sub.deliver()
	for {
		select {
		case <-sub.done:
			return
		case <-sub.dirty:
			sub.deliver()
		}
	}
}

func (sub *subscription) deliver() {
	snaps, err := sub.store.Find(context.Background(), sub.query)
	select {
	case <-sub.done:
		return
	default:
	}
	defer func() {
		if r := recover(); r != nil && sub.store.Logger != nil {
			sub.store.Logger.Warn("docstore listener panicked", "collection", sub.query.Collection, "panic", r)
		}
	}()
	sub.fn(snaps, err)
}

func (sub *subscription) stop() {
	sub.once.Do(func() {
		close(sub.done)
		s := sub.store
		s.mu.Lock()
		delete(s.subs[sub.query.Collection], sub.id)
		s.mu.Unlock()
	})
}

func encode(id string, doc any) (bson.Raw, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("memory docstore: document id is required")
	}
	data, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("memory docstore: encode: %w", err)
	}
	raw := bson.Raw(data)
	if v, err := raw.LookupErr("_id"); err == nil {
		if cur, ok := v.StringValueOK(); ok && cur == id {
			return raw, nil
		}
	}
	var d bson.D
	if err := bson.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	out := bson.D{{Key: "_id", Value: id}}
	for _, e := range d {
		if e.Key != "_id" {
			out = append(out, e)
		}
	}
	data, err = bson.Marshal(out)
	if err != nil {
		return nil, err
	}
	return bson.Raw(data), nil
}

func sortSnapshots(snaps []docstore.Snapshot, order []docstore.Order) {
	sort.SliceStable(snaps, func(i, j int) bool {
		for _, o := range order {
			a, aok := lookup(snaps[i].Raw, o.Field)
			b, bok := lookup(snaps[j].Raw, o.Field)
			c := compareMissing(a, aok, b, bok)
			if c == 0 {
				continue
			}
			if o.Dir == docstore.Desc {
				return c > 0
			}
			return c < 0
		}
		return snaps[i].ID < snaps[j].ID
	})
}
