package ydoc

import "sort"

// Map is a last-writer-wins map of string keys. It is either a top-level
// collection (Doc root) or a record nested in an Array or another Map.
type Map struct {
	doc     *Doc
	id      ID
	root    string
	entries map[string]*mapEntry
}

type mapEntry struct {
	value   any
	stamp   ID
	deleted bool
}

// ID returns the identity of a nested Map. Root maps have a zero ID.
func (m *Map) ID() ID { return m.id }

func newMap(doc *Doc, id ID, root string) *Map {
	return &Map{doc: doc, id: id, root: root, entries: make(map[string]*mapEntry)}
}

func (m *Map) target() Target {
	if m.root != "" {
		return Target{Root: m.root}
	}
	return Target{Obj: m.id}
}

func (m *Map) get(key string) (any, bool) {
	e, ok := m.entries[key]
	if !ok || e.deleted {
		return nil, false
	}
	return e.value, true
}

func (m *Map) keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// apply sets (or deletes) key if stamp wins over the current entry.
func (m *Map) apply(key string, value any, stamp ID, deleted bool) {
	if e, ok := m.entries[key]; ok && stamp.Less(e.stamp) {
		return
	}
	m.entries[key] = &mapEntry{value: value, stamp: stamp, deleted: deleted}
}

// toJSON converts the map into plain values: nested Maps become
// map[string]any and Text becomes its string.
func (m *Map) toJSON() map[string]any {
	out := make(map[string]any, len(m.entries))
	for k, e := range m.entries {
		if e.deleted {
			continue
		}
		out[k] = plain(e.value)
	}
	return out
}

func plain(v any) any {
	switch val := v.(type) {
	case *Map:
		return val.toJSON()
	case *Text:
		return val.string()
	default:
		return v
	}
}

// Array is an ordered sequence of record Maps. Arrays only exist as
// top-level collections.
type Array struct {
	doc  *Doc
	name string
	seq  *sequence[*Map]
}

func newArray(doc *Doc, name string) *Array {
	return &Array{doc: doc, name: name, seq: newSequence[*Map]()}
}

// Name returns the collection name.
func (a *Array) Name() string { return a.name }

func (a *Array) records() []*Map {
	items := a.seq.visible()
	out := make([]*Map, len(items))
	for i, it := range items {
		out[i] = it.value
	}
	return out
}

// Len returns the number of live records.
func (a *Array) Len() int {
	a.doc.mu.Lock()
	defer a.doc.mu.Unlock()
	return a.seq.length()
}

// Text is a collaboratively editable string.
//
// A Text created with NewText is preliminary: it holds its initial content
// until it is stored into a Map inside a transaction, at which point it
// becomes part of the document.
type Text struct {
	doc     *Doc
	id      ID
	seq     *sequence[rune]
	initial string
}

// NewText returns a preliminary Text with the given initial content.
func NewText(initial string) *Text {
	return &Text{initial: initial}
}

func newText(doc *Doc, id ID) *Text {
	return &Text{doc: doc, id: id, seq: newSequence[rune]()}
}

// ID returns the identity of the Text within its document.
func (t *Text) ID() ID { return t.id }

func (t *Text) string() string {
	if t.seq == nil {
		return t.initial
	}
	items := t.seq.visible()
	runes := make([]rune, len(items))
	for i, it := range items {
		runes[i] = it.value
	}
	return string(runes)
}

// String returns the current content.
func (t *Text) String() string {
	if t.doc == nil {
		return t.initial
	}
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return t.string()
}
