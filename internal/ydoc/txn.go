package ydoc

import (
	"fmt"
	"sort"
)

// Record is the plain form of a record Map used when inserting. Values may
// be string, bool, any integer or float type, nil, *Text (see NewText) or a
// nested map[string]any.
type Record = map[string]any

// Tx is a transaction handle. It is only valid inside the Transact or View
// callback that received it.
type Tx struct {
	doc      *Doc
	ops      []Op
	readOnly bool
}

func (tx *Tx) mustWrite() {
	if tx.readOnly {
		panic("ydoc: mutation inside View")
	}
}

// Array returns the top-level Array with the given name.
func (tx *Tx) Array(name string) *Array { return tx.doc.array(name) }

// Map returns the top-level Map with the given name.
func (tx *Tx) Map(name string) *Map { return tx.doc.rootMap(name) }

// Records returns the live records of a in order.
func (tx *Tx) Records(a *Array) []*Map { return a.records() }

// Len returns the number of live records in a.
func (tx *Tx) Len(a *Array) int { return a.seq.length() }

// Get returns the value stored under key. Nested values are returned as
// *Map or *Text.
func (tx *Tx) Get(m *Map, key string) (any, bool) { return m.get(key) }

// GetString returns the string stored under key, or the content of a Text.
func (tx *Tx) GetString(m *Map, key string) string {
	v, _ := m.get(key)
	switch val := v.(type) {
	case string:
		return val
	case *Text:
		return val.string()
	default:
		return ""
	}
}

// Keys returns the live keys of m, sorted.
func (tx *Tx) Keys(m *Map) []string { return m.keys() }

// JSON returns m as plain values.
func (tx *Tx) JSON(m *Map) map[string]any { return m.toJSON() }

// String returns the content of t.
func (tx *Tx) String(t *Text) string { return t.string() }

// Find returns the index and record of the first record whose key equals
// value, or -1.
func (tx *Tx) Find(a *Array, key string, value any) (int, *Map) {
	for i, rec := range a.records() {
		if v, ok := rec.get(key); ok && v == value {
			return i, rec
		}
	}
	return -1, nil
}

// Push appends records to a and returns their Maps.
func (tx *Tx) Push(a *Array, records ...Record) []*Map {
	return tx.Insert(a, a.seq.length(), records...)
}

// Insert inserts records into a before visible index i. Indexes past the
// end append.
func (tx *Tx) Insert(a *Array, i int, records ...Record) []*Map {
	tx.mustWrite()
	d := tx.doc
	origin := a.seq.originAt(i)
	out := make([]*Map, 0, len(records))
	for _, rec := range records {
		op := Op{
			Kind:   OpInsert,
			ID:     d.nextID(1),
			Target: Target{Root: a.name},
			Origin: origin,
		}
		tx.commit(op)
		m := d.objects[op.ID].(*Map)
		for _, key := range sortedKeys(rec) {
			tx.set(m, key, rec[key])
		}
		out = append(out, m)
		origin = op.ID
	}
	return out
}

// Delete removes n records starting at visible index i.
func (tx *Tx) Delete(a *Array, i, n int) {
	tx.mustWrite()
	items := a.seq.visible()
	if i < 0 || i >= len(items) || n <= 0 {
		return
	}
	end := min(i+n, len(items))
	refs := make([]ID, 0, end-i)
	for _, it := range items[i:end] {
		refs = append(refs, it.id)
	}
	tx.commit(Op{
		Kind:   OpDelete,
		ID:     tx.doc.nextID(1),
		Target: Target{Root: a.name},
		Refs:   refs,
	})
}

// DeleteWhere removes every record of a for which match returns true and
// reports how many were removed.
func (tx *Tx) DeleteWhere(a *Array, match func(m *Map) bool) int {
	tx.mustWrite()
	var refs []ID
	for _, it := range a.seq.visible() {
		if match(it.value) {
			refs = append(refs, it.id)
		}
	}
	if len(refs) == 0 {
		return 0
	}
	tx.commit(Op{
		Kind:   OpDelete,
		ID:     tx.doc.nextID(1),
		Target: Target{Root: a.name},
		Refs:   refs,
	})
	return len(refs)
}

// Clear removes every record of a.
func (tx *Tx) Clear(a *Array) {
	tx.DeleteWhere(a, func(*Map) bool { return true })
}

// Set writes key in m. See Record for the accepted value types.
func (tx *Tx) Set(m *Map, key string, value any) {
	tx.mustWrite()
	tx.set(m, key, value)
}

// Unset deletes key from m.
func (tx *Tx) Unset(m *Map, key string) {
	tx.mustWrite()
	if _, ok := m.get(key); !ok {
		return
	}
	tx.commit(Op{
		Kind:   OpUnset,
		ID:     tx.doc.nextID(1),
		Target: m.target(),
		Key:    key,
	})
}

// InsertText inserts s into t at rune index pos.
func (tx *Tx) InsertText(t *Text, pos int, s string) {
	tx.mustWrite()
	if s == "" {
		return
	}
	n := uint64(len([]rune(s)))
	tx.commit(Op{
		Kind:   OpText,
		ID:     tx.doc.nextID(n),
		Target: Target{Obj: t.id},
		Origin: t.seq.originAt(pos),
		Text:   s,
	})
}

// DeleteText removes n runes from t starting at rune index pos.
func (tx *Tx) DeleteText(t *Text, pos, n int) {
	tx.mustWrite()
	items := t.seq.visible()
	if pos < 0 || pos >= len(items) || n <= 0 {
		return
	}
	end := min(pos+n, len(items))
	refs := make([]ID, 0, end-pos)
	for _, it := range items[pos:end] {
		refs = append(refs, it.id)
	}
	tx.commit(Op{
		Kind:   OpDelete,
		ID:     tx.doc.nextID(1),
		Target: Target{Obj: t.id},
		Refs:   refs,
	})
}

// ReplaceText replaces the whole content of t with s.
func (tx *Tx) ReplaceText(t *Text, s string) {
	tx.mustWrite()
	if t.string() == s {
		return
	}
	tx.DeleteText(t, 0, t.seq.length())
	tx.InsertText(t, 0, s)
}

func (tx *Tx) set(m *Map, key string, value any) {
	d := tx.doc
	switch v := value.(type) {
	case *Text:
		op := Op{Kind: OpSet, ID: d.nextID(1), Target: m.target(), Key: key, Value: Value{Kind: KindText}}
		tx.commit(op)
		if v != nil && v.initial != "" {
			tx.InsertText(d.objects[op.ID].(*Text), 0, v.initial)
		}
	case map[string]any:
		op := Op{Kind: OpSet, ID: d.nextID(1), Target: m.target(), Key: key, Value: Value{Kind: KindMap}}
		tx.commit(op)
		nested := d.objects[op.ID].(*Map)
		for _, k := range sortedKeys(v) {
			tx.set(nested, k, v[k])
		}
	default:
		wire, err := toValue(value)
		if err != nil {
			panic(err)
		}
		tx.commit(Op{Kind: OpSet, ID: d.nextID(1), Target: m.target(), Key: key, Value: wire})
	}
}

// commit integrates a locally created op and records it in the
// transaction. Local ops never have missing dependencies.
func (tx *Tx) commit(op Op) {
	d := tx.doc
	if err := d.integrate(op); err != nil {
		panic(fmt.Sprintf("ydoc: integrate local %s op: %v", op.Kind, err))
	}
	d.record(op)
	tx.ops = append(tx.ops, op)
}

func (d *Doc) nextID(n uint64) ID {
	return ID{Client: d.clientID, Clock: d.clock.Next(n)}
}

func toValue(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Value{Kind: KindNull}, nil
	case string:
		return Value{Kind: KindString, Str: val}, nil
	case bool:
		return Value{Kind: KindBool, Bool: val}, nil
	case float64:
		return Value{Kind: KindNumber, Num: val}, nil
	case float32:
		return Value{Kind: KindNumber, Num: float64(val)}, nil
	case int:
		return Value{Kind: KindNumber, Num: float64(val)}, nil
	case int32:
		return Value{Kind: KindNumber, Num: float64(val)}, nil
	case int64:
		return Value{Kind: KindNumber, Num: float64(val)}, nil
	case uint64:
		return Value{Kind: KindNumber, Num: float64(val)}, nil
	default:
		return Value{}, fmt.Errorf("ydoc: unsupported value type %T", v)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
