package mongo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"huddle/internal/app/docstore"
)

// DefaultPollInterval drives subscriptions on deployments without change
// streams (standalone servers).
const DefaultPollInterval = time.Second

// DocStore implements docstore.Store on a MongoDB database. Subscriptions
// follow a collection change stream and re-run their query on every event;
// when the server cannot open a change stream they poll instead.
type DocStore struct {
	db           *mongo.Database
	logger       *slog.Logger
	pollInterval time.Duration

	mu     sync.Mutex
	last   time.Time
	subs   map[uint64]context.CancelFunc
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

type DocStoreOption func(*DocStore)

func WithPollInterval(d time.Duration) DocStoreOption {
	return func(s *DocStore) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func NewDocStore(db *mongo.Database, logger *slog.Logger, opts ...DocStoreOption) *DocStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &DocStore{
		db:           db,
		logger:       logger.With("component", "mongo_docstore"),
		pollInterval: DefaultPollInterval,
		subs:         make(map[uint64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureIndexes creates the given secondary indexes. Existing indexes with the
// same keys are left alone by the server.
func (s *DocStore) EnsureIndexes(ctx context.Context, indexes []docstore.Index) error {
	byColl := make(map[string][]mongo.IndexModel)
	for _, idx := range indexes {
		byColl[idx.Collection] = append(byColl[idx.Collection], indexModel(idx))
	}
	for coll, models := range byColl {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongo docstore: indexes on %s: %w", coll, err)
		}
	}
	return nil
}

func (s *DocStore) Create(ctx context.Context, collection, id string, doc any) error {
	d, err := withID(id, doc)
	if err != nil {
		return err
	}
	if _, err := s.db.Collection(collection).InsertOne(ctx, d); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return docstore.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *DocStore) Set(ctx context.Context, collection, id string, doc any) error {
	d, err := withID(id, doc)
	if err != nil {
		return err
	}
	_, err = s.db.Collection(collection).ReplaceOne(ctx, bson.M{"_id": id}, d, options.Replace().SetUpsert(true))
	return err
}

func (s *DocStore) Get(ctx context.Context, collection, id string, dst any) error {
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(dst)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return docstore.ErrNotFound
	}
	return err
}

func (s *DocStore) Update(ctx context.Context, collection, id string, p docstore.Patch) error {
	filter := bson.M{"_id": id}
	if len(p.When) > 0 {
		if p.Upsert {
			return errors.New("mongo docstore: conditional upsert is not supported")
		}
		cond, err := buildFilter(p.When)
		if err != nil {
			return err
		}
		filter = bson.M{"$and": bson.A{filter, cond}}
	}
	opts := options.Update().SetUpsert(p.Upsert)
	coll := s.db.Collection(collection)
	res, err := coll.UpdateOne(ctx, filter, buildUpdate(id, p), opts)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 || res.UpsertedCount > 0 {
		return nil
	}
	if len(p.When) > 0 {
		n, err := coll.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
		if err != nil {
			return err
		}
		if n > 0 {
			return docstore.ErrConditionFailed
		}
	}
	return docstore.ErrNotFound
}

func (s *DocStore) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.Collection(collection).DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (s *DocStore) DeleteWhere(ctx context.Context, collection string, filters ...docstore.Filter) (int, error) {
	filter, err := buildFilter(filters)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Collection(collection).DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (s *DocStore) Find(ctx context.Context, q docstore.Query) ([]docstore.Snapshot, error) {
	filter, err := buildFilter(q.Filters)
	if err != nil {
		return nil, err
	}
	opts := options.Find().SetSort(buildSort(q.Order))
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cur, err := s.db.Collection(q.Collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []docstore.Snapshot
	for cur.Next(ctx) {
		raw := make(bson.Raw, len(cur.Current))
		copy(raw, cur.Current)
		id, _ := raw.Lookup("_id").StringValueOK()
		out = append(out, docstore.Snapshot{ID: id, Raw: raw})
	}
	return out, cur.Err()
}

func (s *DocStore) Subscribe(ctx context.Context, q docstore.Query, l docstore.Listener) (docstore.Unsubscribe, error) {
	if l == nil {
		return nil, errors.New("mongo docstore: listener is required")
	}
	if _, err := buildFilter(q.Filters); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, docstore.ErrClosed
	}
	s.nextID++
	id := s.nextID
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.subs[id] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	sub := &subscription{store: s, query: q, fn: l}
	go func() {
		defer s.wg.Done()
		sub.run(subCtx)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}, nil
}

// ServerTime reads localTime from the hello command and never returns the
// same millisecond twice from this process.
func (s *DocStore) ServerTime(ctx context.Context) (time.Time, error) {
	var reply struct {
		LocalTime primitive.DateTime `bson:"localTime"`
	}
	if err := s.db.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&reply); err != nil {
		return time.Time{}, err
	}
	now := reply.LocalTime.Time().UTC().Truncate(time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !now.After(s.last) {
		now = s.last.Add(time.Millisecond)
	}
	s.last = now
	return now, nil
}

func (s *DocStore) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close stops every subscription and waits for their goroutines.
func (s *DocStore) Close() error {
	s.mu.Lock()
	s.closed = true
	for id, cancel := range s.subs {
		cancel()
		delete(s.subs, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

type subscription struct {
	store *DocStore
	query docstore.Query
	fn    docstore.Listener
	last  [][]byte
}

// run opens the change stream before the first read so no write between the
// two is missed.
func (sub *subscription) run(ctx context.Context) {
	stream, err := sub.store.db.Collection(sub.query.Collection).Watch(ctx, mongo.Pipeline{},
		options.ChangeStream().SetBatchSize(64))
	sub.refresh(ctx, true)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		sub.store.logger.Info("change stream unavailable, polling", "collection", sub.query.Collection, "error", err)
		sub.poll(ctx)
		return
	}
	defer stream.Close(context.Background())
	for stream.Next(ctx) {
		// Coalesce whatever else already arrived into one refresh.
		for stream.RemainingBatchLength() > 0 {
			if !stream.Next(ctx) {
				break
			}
		}
		sub.refresh(ctx, false)
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		sub.store.logger.Warn("change stream failed, polling", "collection", sub.query.Collection, "error", err)
		sub.deliver(ctx, nil, err)
		sub.poll(ctx)
	}
}

func (sub *subscription) poll(ctx context.Context) {
	ticker := time.NewTicker(sub.store.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sub.refresh(ctx, false)
		}
	}
}

// refresh re-runs the query and delivers when the result changed, or always
// on the first call.
func (sub *subscription) refresh(ctx context.Context, force bool) {
	snaps, err := sub.store.Find(ctx, sub.query)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		sub.deliver(ctx, nil, err)
		return
	}
	digest := make([][]byte, len(snaps))
	for i, sn := range snaps {
		digest[i] = sn.Raw
	}
	if !force && sameResult(sub.last, digest) {
		return
	}
	sub.last = digest
	sub.deliver(ctx, snaps, nil)
}

func (sub *subscription) deliver(ctx context.Context, snaps []docstore.Snapshot, err error) {
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			sub.store.logger.Warn("docstore listener panicked", "collection", sub.query.Collection, "panic", r)
		}
	}()
	sub.fn(snaps, err)
}

func sameResult(a, b [][]byte) bool {
	if a == nil || len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

var _ docstore.Store = (*DocStore)(nil)
