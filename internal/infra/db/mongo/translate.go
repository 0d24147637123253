package mongo

import (
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"huddle/internal/app/docstore"
)

var operators = map[docstore.Operator]string{
	docstore.OpEq:  "$eq",
	docstore.OpIn:  "$in",
	docstore.OpGt:  "$gt",
	docstore.OpGte: "$gte",
	docstore.OpLt:  "$lt",
	docstore.OpLte: "$lte",
}

// buildFilter merges filters on the same field into one operator document, so
// a range reads {"f": {"$gte": a, "$lt": b}}.
func buildFilter(filters []docstore.Filter) (bson.M, error) {
	out := bson.M{}
	for _, f := range filters {
		field := strings.TrimSpace(f.Field)
		if field == "" {
			return nil, errors.New("mongo docstore: filter field is required")
		}
		ops, _ := out[field].(bson.M)
		if ops == nil {
			ops = bson.M{}
			out[field] = ops
		}
		if f.Op == docstore.OpArrayContains {
			all, _ := ops["$all"].([]any)
			ops["$all"] = append(all, f.Value)
			continue
		}
		op, ok := operators[f.Op]
		if !ok {
			return nil, fmt.Errorf("mongo docstore: unsupported operator %q", f.Op)
		}
		if _, dup := ops[op]; dup {
			return nil, fmt.Errorf("mongo docstore: duplicate %s on %s", op, field)
		}
		ops[op] = f.Value
	}
	return out, nil
}

// buildSort appends _id so equal keys come back in a stable order, matching
// the in-memory store.
func buildSort(order []docstore.Order) bson.D {
	out := make(bson.D, 0, len(order)+1)
	seenID := false
	for _, o := range order {
		dir := 1
		if o.Dir == docstore.Desc {
			dir = -1
		}
		out = append(out, bson.E{Key: o.Field, Value: dir})
		seenID = seenID || o.Field == "_id"
	}
	if !seenID {
		out = append(out, bson.E{Key: "_id", Value: 1})
	}
	return out
}

// buildUpdate renders a patch as update operators. An empty patch becomes a
// no-op $setOnInsert so upserts still create the document.
func buildUpdate(id string, p docstore.Patch) bson.M {
	update := bson.M{}
	if len(p.Set) > 0 {
		set := bson.M{}
		for k, v := range p.Set {
			set[k] = v
		}
		update["$set"] = set
	}
	if len(p.Unset) > 0 {
		unset := bson.M{}
		for _, k := range p.Unset {
			unset[k] = ""
		}
		update["$unset"] = unset
	}
	if len(p.Inc) > 0 {
		inc := bson.M{}
		for k, v := range p.Inc {
			inc[k] = v
		}
		update["$inc"] = inc
	}
	if len(p.AddToSet) > 0 {
		add := bson.M{}
		for k, vs := range p.AddToSet {
			add[k] = bson.M{"$each": vs}
		}
		update["$addToSet"] = add
	}
	if len(p.Pull) > 0 || len(p.PullMatch) > 0 {
		pull := bson.M{}
		for k, vs := range p.Pull {
			pull[k] = bson.M{"$in": vs}
		}
		for k, fields := range p.PullMatch {
			cond := bson.M{}
			for f, v := range fields {
				cond[f] = v
			}
			pull[k] = cond
		}
		update["$pull"] = pull
	}
	if len(update) == 0 {
		update["$setOnInsert"] = bson.M{"_id": id}
	}
	return update
}

// withID marshals doc and forces its _id to id.
func withID(id string, doc any) (bson.D, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("mongo docstore: document id is required")
	}
	data, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("mongo docstore: encode: %w", err)
	}
	var d bson.D
	if err := bson.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	out := bson.D{{Key: "_id", Value: id}}
	for _, e := range d {
		if e.Key != "_id" {
			out = append(out, e)
		}
	}
	return out, nil
}

func indexModel(idx docstore.Index) mongo.IndexModel {
	keys := bson.D{}
	for _, f := range idx.Fields {
		dir := 1
		if f.Dir == docstore.Desc {
			dir = -1
		}
		keys = append(keys, bson.E{Key: f.Field, Value: dir})
	}
	opts := options.Index()
	if idx.Unique {
		opts.SetUnique(true)
	}
	if idx.TTL > 0 {
		opts.SetExpireAfterSeconds(int32(idx.TTL.Seconds()))
	}
	return mongo.IndexModel{Keys: keys, Options: opts}
}
