package memory

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"huddle/internal/app/docstore"
)

func lookup(raw bson.Raw, field string) (bson.RawValue, bool) {
	v, err := raw.LookupErr(strings.Split(field, ".")...)
	if err != nil {
		return bson.RawValue{}, false
	}
	return v, true
}

func rawValueOf(v any) (bson.RawValue, error) {
	t, data, err := bson.MarshalValue(v)
	if err != nil {
		return bson.RawValue{}, err
	}
	return bson.RawValue{Type: t, Value: data}, nil
}

func matches(raw bson.Raw, filters []docstore.Filter) bool {
	for _, f := range filters {
		if !matchOne(raw, f) {
			return false
		}
	}
	return true
}

func matchOne(raw bson.Raw, f docstore.Filter) bool {
	field, ok := lookup(raw, f.Field)
	if !ok {
		return false
	}
	switch f.Op {
	case docstore.OpArrayContains:
		want, err := rawValueOf(f.Value)
		if err != nil {
			return false
		}
		arr, ok := field.ArrayOK()
		if !ok {
			return false
		}
		values, err := arr.Values()
		if err != nil {
			return false
		}
		for _, v := range values {
			if equalValues(v, want) {
				return true
			}
		}
		return false
	case docstore.OpIn:
		candidates, ok := f.Value.([]any)
		if !ok {
			return false
		}
		for _, c := range candidates {
			want, err := rawValueOf(c)
			if err == nil && equalValues(field, want) {
				return true
			}
		}
		return false
	}

	want, err := rawValueOf(f.Value)
	if err != nil {
		return false
	}
	if f.Op == docstore.OpEq {
		return equalValues(field, want)
	}
	c, ok := compareValues(field, want)
	if !ok {
		return false
	}
	switch f.Op {
	case docstore.OpGt:
		return c > 0
	case docstore.OpGte:
		return c >= 0
	case docstore.OpLt:
		return c < 0
	case docstore.OpLte:
		return c <= 0
	default:
		return false
	}
}

func equalValues(a, b bson.RawValue) bool {
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	switch {
	case a.Type == bson.TypeEmbeddedDocument && b.Type == bson.TypeEmbeddedDocument:
		return equalDocuments(a.Document(), b.Document())
	case a.Type == bson.TypeArray && b.Type == bson.TypeArray:
		return equalArrays(a.Array(), b.Array())
	}
	return a.Equal(b)
}

// equalDocuments ignores field order; decoded documents are maps and do not
// keep it.
func equalDocuments(a, b bson.Raw) bool {
	ae, err := a.Elements()
	if err != nil {
		return false
	}
	be, err := b.Elements()
	if err != nil || len(ae) != len(be) {
		return false
	}
	for _, e := range ae {
		v, err := b.LookupErr(e.Key())
		if err != nil || !equalValues(e.Value(), v) {
			return false
		}
	}
	return true
}

func equalArrays(a, b bson.Raw) bool {
	av, err := a.Values()
	if err != nil {
		return false
	}
	bv, err := b.Values()
	if err != nil || len(av) != len(bv) {
		return false
	}
	for i := range av {
		if !equalValues(av[i], bv[i]) {
			return false
		}
	}
	return true
}

func numeric(v bson.RawValue) (float64, bool) {
	switch v.Type {
	case bson.TypeInt32:
		return float64(v.Int32()), true
	case bson.TypeInt64:
		return float64(v.Int64()), true
	case bson.TypeDouble:
		return v.Double(), true
	}
	return 0, false
}

// compareValues orders two scalars of compatible types.
func compareValues(a, b bson.RawValue) (int, bool) {
	if x, ok := numeric(a); ok {
		y, ok := numeric(b)
		if !ok {
			return 0, false
		}
		return cmp3(x < y, x > y), true
	}
	switch {
	case a.Type == bson.TypeString && b.Type == bson.TypeString:
		return strings.Compare(a.StringValue(), b.StringValue()), true
	case a.Type == bson.TypeDateTime && b.Type == bson.TypeDateTime:
		x, y := a.DateTime(), b.DateTime()
		return cmp3(x < y, x > y), true
	case a.Type == bson.TypeBoolean && b.Type == bson.TypeBoolean:
		x, y := a.Boolean(), b.Boolean()
		return cmp3(!x && y, x && !y), true
	}
	return 0, false
}

func compareMissing(a bson.RawValue, aok bool, b bson.RawValue, bok bool) int {
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	}
	if c, ok := compareValues(a, b); ok {
		return c
	}
	return cmp3(a.Type < b.Type, a.Type > b.Type)
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

func applyPatch(doc bson.M, p docstore.Patch) error {
	for field, v := range p.Set {
		setPath(doc, field, v)
	}
	for _, field := range p.Unset {
		unsetPath(doc, field)
	}
	for field, n := range p.Inc {
		cur, _ := getPath(doc, field)
		next, err := addNumber(cur, n)
		if err != nil {
			return fmt.Errorf("memory docstore: inc %s: %w", field, err)
		}
		setPath(doc, field, next)
	}
	for field, values := range p.AddToSet {
		cur, _ := getPath(doc, field)
		arr := asArray(cur)
		for _, v := range values {
			if !containsValue(arr, v) {
				arr = append(arr, v)
			}
		}
		setPath(doc, field, arr)
	}
	for field, values := range p.Pull {
		cur, ok := getPath(doc, field)
		if !ok {
			continue
		}
		var kept primitive.A
		for _, existing := range asArray(cur) {
			if !containsValue(values, existing) {
				kept = append(kept, existing)
			}
		}
		if kept == nil {
			kept = primitive.A{}
		}
		setPath(doc, field, kept)
	}
	for field, want := range p.PullMatch {
		cur, ok := getPath(doc, field)
		if !ok {
			continue
		}
		kept := primitive.A{}
		for _, existing := range asArray(cur) {
			if !matchesFields(existing, want) {
				kept = append(kept, existing)
			}
		}
		setPath(doc, field, kept)
	}
	return nil
}

// matchesFields reports whether v is a document holding every field of want.
func matchesFields(v any, want map[string]any) bool {
	raw, err := rawValueOf(v)
	if err != nil || raw.Type != bson.TypeEmbeddedDocument {
		return false
	}
	doc := raw.Document()
	for field, expected := range want {
		got, err := doc.LookupErr(field)
		if err != nil {
			return false
		}
		w, err := rawValueOf(expected)
		if err != nil || !equalValues(got, w) {
			return false
		}
	}
	return true
}

func containsValue(values []any, v any) bool {
	want, err := rawValueOf(v)
	if err != nil {
		return false
	}
	for _, existing := range values {
		got, err := rawValueOf(existing)
		if err == nil && equalValues(got, want) {
			return true
		}
	}
	return false
}

func asArray(v any) primitive.A {
	switch arr := v.(type) {
	case primitive.A:
		return arr
	case []any:
		return primitive.A(arr)
	case []string:
		out := make(primitive.A, 0, len(arr))
		for _, s := range arr {
			out = append(out, s)
		}
		return out
	}
	return primitive.A{}
}

func addNumber(cur any, n int64) (any, error) {
	switch v := cur.(type) {
	case nil:
		return n, nil
	case int32:
		return int64(v) + n, nil
	case int64:
		return v + n, nil
	case int:
		return int64(v) + n, nil
	case float64:
		return v + float64(n), nil
	}
	return nil, fmt.Errorf("field is not numeric (%T)", cur)
}

func asMap(v any) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]any:
		return bson.M(m), true
	case bson.D:
		out := make(bson.M, len(m))
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	}
	return nil, false
}

func getPath(doc bson.M, field string) (any, bool) {
	parts := strings.Split(field, ".")
	cur := doc
	for i, part := range parts {
		v, ok := cur[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		next, ok := asMap(v)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

func setPath(doc bson.M, field string, value any) {
	parts := strings.Split(field, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			next = bson.M{}
		}
		cur[part] = next
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func unsetPath(doc bson.M, field string) {
	parts := strings.Split(field, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := asMap(cur[part])
		if !ok {
			return
		}
		cur[part] = next
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}
