package ydoc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// OpKind identifies the kind of a replicated operation.
type OpKind uint8

const (
	// OpInsert inserts a new record Map into a top-level Array.
	OpInsert OpKind = iota + 1
	// OpDelete tombstones elements of an Array or Text.
	OpDelete
	// OpSet writes a Map key.
	OpSet
	// OpUnset deletes a Map key.
	OpUnset
	// OpText inserts a run of characters into a Text.
	OpText
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpSet:
		return "set"
	case OpUnset:
		return "unset"
	case OpText:
		return "text"
	default:
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
}

// Target names the collection an operation applies to: either a top-level
// collection by name or a nested object by ID.
type Target struct {
	Root string `cbor:"1,keyasint,omitempty"`
	Obj  ID     `cbor:"2,keyasint"`
}

// ValueKind tags the type carried by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindText
	KindMap
)

// Value is the wire form of a Map entry. Text and Map values refer to the
// nested object created by the same operation.
type Value struct {
	Kind ValueKind `cbor:"1,keyasint"`
	Str  string    `cbor:"2,keyasint,omitempty"`
	Num  float64   `cbor:"3,keyasint,omitempty"`
	Bool bool      `cbor:"4,keyasint,omitempty"`
}

// Op is one replicated operation.
//
// ID is unique per operation. An OpText with n characters consumes n
// consecutive clock values starting at ID; the other kinds consume one.
type Op struct {
	Kind   OpKind `cbor:"1,keyasint"`
	ID     ID     `cbor:"2,keyasint"`
	Target Target `cbor:"3,keyasint"`
	Origin ID     `cbor:"4,keyasint"`
	Key    string `cbor:"5,keyasint,omitempty"`
	Value  Value  `cbor:"6,keyasint"`
	Refs   []ID   `cbor:"7,keyasint,omitempty"`
	Text   string `cbor:"8,keyasint,omitempty"`
}

// lastClock is the highest clock value consumed by op.
func (op Op) lastClock() uint64 {
	if op.Kind == OpText {
		if n := uint64(len([]rune(op.Text))); n > 1 {
			return op.ID.Clock + n - 1
		}
	}
	return op.ID.Clock
}

// Update is the set of operations committed by one transaction (or
// integrated by one ApplyUpdate call).
type Update struct {
	Ops []Op `cbor:"1,keyasint"`
}

// StateVector maps client ids to the highest clock integrated from them.
type StateVector map[uint64]uint64

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("ydoc: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("ydoc: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode returns the deterministic CBOR encoding of u.
func (u Update) Encode() ([]byte, error) {
	data, err := encMode.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("encode update: %w", err)
	}
	return data, nil
}

// DecodeUpdate parses an encoded update.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := decMode.Unmarshal(data, &u); err != nil {
		return Update{}, fmt.Errorf("decode update: %w", err)
	}
	return u, nil
}

// Encode returns the deterministic CBOR encoding of sv.
func (sv StateVector) Encode() ([]byte, error) {
	if sv == nil {
		sv = StateVector{}
	}
	data, err := encMode.Marshal(sv)
	if err != nil {
		return nil, fmt.Errorf("encode state vector: %w", err)
	}
	return data, nil
}

// DecodeStateVector parses an encoded state vector. Empty input decodes to
// an empty vector (a peer that has seen nothing).
func DecodeStateVector(data []byte) (StateVector, error) {
	sv := StateVector{}
	if len(data) == 0 {
		return sv, nil
	}
	if err := decMode.Unmarshal(data, &sv); err != nil {
		return nil, fmt.Errorf("decode state vector: %w", err)
	}
	return sv, nil
}

// MergeUpdates concatenates updates into one. Applying the result is
// equivalent to applying each input in order.
func MergeUpdates(updates ...Update) Update {
	var merged Update
	for _, u := range updates {
		merged.Ops = append(merged.Ops, u.Ops...)
	}
	return merged
}
