// Package merge implements the text CRDT used for shared documents.
//
// A Document is an immutable snapshot: a replicated growable array (RGA) of
// characters plus the DAG of changes that produced it. Every operation
// returns a new Document and never mutates its input, so a snapshot can be
// read concurrently while a newer one is being built.
package merge

import (
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"

	"github.com/maxpert/syncrelay/encoding"
)

// Hash identifies a change by the xxhash of its encoded bytes
type Hash string

// OpID is a Lamport timestamp that names one operation
type OpID struct {
	Counter uint64 `msgpack:"c"`
	Actor   string `msgpack:"a"`
}

// IsZero reports whether the id refers to the start of the text
func (id OpID) IsZero() bool {
	return id.Counter == 0 && id.Actor == ""
}

// Greater orders ids by counter, then actor
func (id OpID) Greater(other OpID) bool {
	if id.Counter != other.Counter {
		return id.Counter > other.Counter
	}
	return id.Actor > other.Actor
}

// OpKind is the type of an operation
type OpKind uint8

const (
	OpInsert OpKind = 1
	OpDelete OpKind = 2
)

// Op is a single insert or delete. Insert places Value after Ref (zero Ref
// means the start of the text). Delete tombstones the element named by Ref.
type Op struct {
	Kind  OpKind `msgpack:"k"`
	Ref   OpID   `msgpack:"r"`
	Value string `msgpack:"v,omitempty"`
}

// Change is an atomic group of operations by one actor.
// Operation i carries OpID{StartOp + i, Actor}.
type Change struct {
	Actor   string `msgpack:"actor"`
	Seq     uint64 `msgpack:"seq"`
	StartOp uint64 `msgpack:"startOp"`
	Deps    []Hash `msgpack:"deps"`
	Ops     []Op   `msgpack:"ops"`
}

type storedChange struct {
	hash   Hash
	raw    []byte
	change Change
	clock  uint64 // Highest op counter in the change's causal past, itself included
}

// elem is one character of the RGA. Elements form a singly linked list
// starting at the zero OpID, and next is zero at the end of the text.
type elem struct {
	id      OpID
	value   string
	deleted bool
	next    OpID
}

// Document is an immutable text CRDT snapshot
type Document struct {
	changes []storedChange // causal order
	index   map[Hash]int
	heads   []Hash // sorted
	elems   map[OpID]elem
	seqs    map[string]uint64
}

// Empty returns a document with no changes
func Empty() *Document {
	return &Document{
		index: make(map[Hash]int),
		elems: map[OpID]elem{{}: {}},
		seqs:  make(map[string]uint64),
	}
}

func hashOf(raw []byte) Hash {
	return Hash(fmt.Sprintf("%016x", xxhash.Sum64(raw)))
}

// visible returns the live elements in text order
func (d *Document) visible() []elem {
	out := make([]elem, 0, len(d.elems)-1)
	for id := d.elems[OpID{}].next; !id.IsZero(); {
		e := d.elems[id]
		if !e.deleted {
			out = append(out, e)
		}
		id = e.next
	}
	return out
}

// Text returns the visible characters
func (d *Document) Text() string {
	vis := d.visible()
	n := 0
	for _, e := range vis {
		n += len(e.value)
	}

	buf := make([]byte, 0, n)
	for _, e := range vis {
		buf = append(buf, e.value...)
	}
	return string(buf)
}

// Heads returns a copy of the sorted head hashes
func (d *Document) Heads() []Hash {
	return append([]Hash(nil), d.heads...)
}

// ChangeCount returns the number of changes in the document history
func (d *Document) ChangeCount() int {
	return len(d.changes)
}

// Has reports whether the change is part of this document
func (d *Document) Has(h Hash) bool {
	_, ok := d.index[h]
	return ok
}

func (d *Document) clone() *Document {
	n := &Document{
		changes: make([]storedChange, len(d.changes), len(d.changes)+1),
		index:   make(map[Hash]int, len(d.index)+1),
		heads:   append([]Hash(nil), d.heads...),
		elems:   make(map[OpID]elem, len(d.elems)),
		seqs:    make(map[string]uint64, len(d.seqs)+1),
	}
	copy(n.changes, d.changes)
	for k, v := range d.elems {
		n.elems[k] = v
	}
	for k, v := range d.index {
		n.index[k] = v
	}
	for k, v := range d.seqs {
		n.seqs[k] = v
	}
	return n
}

// clockOf returns the highest op counter in the causal past of deps
func (d *Document) clockOf(deps []Hash) uint64 {
	var clock uint64
	for _, dep := range deps {
		if i, ok := d.index[dep]; ok && d.changes[i].clock > clock {
			clock = d.changes[i].clock
		}
	}
	return clock
}

func (d *Document) depsSatisfied(c *Change) bool {
	for _, dep := range c.Deps {
		if _, ok := d.index[dep]; !ok {
			return false
		}
	}
	return true
}

// applyChange mutates d in place. Callers must only use it on a clone.
func (d *Document) applyChange(sc storedChange) error {
	c := &sc.change
	if c.Actor == "" {
		return &ChangeError{Hash: sc.hash, OpIdx: -1, Reason: "missing actor"}
	}
	if c.StartOp == 0 {
		return &ChangeError{Hash: sc.hash, OpIdx: -1, Reason: "start op must be positive"}
	}
	// Lamport rule: a change starts right after everything it depends on
	if c.StartOp != d.clockOf(c.Deps)+1 {
		return &ChangeError{Hash: sc.hash, OpIdx: -1, Reason: "start op does not follow dependencies"}
	}
	end := c.StartOp - 1 + uint64(len(c.Ops))
	if end < c.StartOp-1 {
		return &ChangeError{Hash: sc.hash, OpIdx: -1, Reason: "op counter overflow"}
	}

	for i, op := range c.Ops {
		id := OpID{Counter: c.StartOp + uint64(i), Actor: c.Actor}

		switch op.Kind {
		case OpInsert:
			if utf8.RuneCountInString(op.Value) != 1 || !utf8.ValidString(op.Value) {
				return &ChangeError{Hash: sc.hash, OpIdx: i, Reason: "insert value must be a single character"}
			}
			if _, dup := d.elems[id]; dup {
				return &ChangeError{Hash: sc.hash, OpIdx: i, Reason: "duplicate operation id"}
			}

			prev := op.Ref
			if !prev.IsZero() {
				if _, ok := d.elems[prev]; !ok {
					return &ChangeError{Hash: sc.hash, OpIdx: i, Reason: "insert references unknown element"}
				}
				if !id.Greater(prev) {
					return &ChangeError{Hash: sc.hash, OpIdx: i, Reason: "insert id must follow its reference"}
				}
			}

			// Concurrent inserts at the same position are ordered by descending id
			for {
				next := d.elems[prev].next
				if next.IsZero() || !next.Greater(id) {
					break
				}
				prev = next
			}

			p := d.elems[prev]
			d.elems[id] = elem{id: id, value: op.Value, next: p.next}
			p.next = id
			d.elems[prev] = p

		case OpDelete:
			e, ok := d.elems[op.Ref]
			if !ok || op.Ref.IsZero() {
				return &ChangeError{Hash: sc.hash, OpIdx: i, Reason: "delete references unknown element"}
			}
			e.deleted = true
			d.elems[op.Ref] = e

		default:
			return &ChangeError{Hash: sc.hash, OpIdx: i, Reason: fmt.Sprintf("unknown op kind %d", op.Kind)}
		}
	}

	sc.clock = end

	if c.Seq > d.seqs[c.Actor] {
		d.seqs[c.Actor] = c.Seq
	}

	deps := make(map[Hash]struct{}, len(c.Deps))
	for _, dep := range c.Deps {
		deps[dep] = struct{}{}
	}
	heads := d.heads[:0:0]
	for _, h := range d.heads {
		if _, ok := deps[h]; !ok {
			heads = append(heads, h)
		}
	}
	heads = append(heads, sc.hash)
	sort.Slice(heads, func(i, j int) bool { return heads[i] < heads[j] })
	d.heads = heads

	d.index[sc.hash] = len(d.changes)
	d.changes = append(d.changes, sc)
	return nil
}

func decodeChange(raw []byte) (storedChange, error) {
	var c Change
	if err := encoding.Unmarshal(raw, &c); err != nil {
		return storedChange{}, fmt.Errorf("%w: decode change: %v", ErrInvalidChange, err)
	}
	return storedChange{hash: hashOf(raw), raw: raw, change: c}, nil
}

func encodeChange(c Change) (storedChange, error) {
	raw, err := encoding.Marshal(&c)
	if err != nil {
		return storedChange{}, fmt.Errorf("encode change: %w", err)
	}
	return storedChange{hash: hashOf(raw), raw: raw, change: c}, nil
}

// applyRaw applies encoded changes in causal order. Duplicates are skipped and
// changes whose dependencies never arrive are left out. Any structurally
// invalid change fails the whole batch.
func (d *Document) applyRaw(raws [][]byte) (*Document, error) {
	pending := make([]storedChange, 0, len(raws))
	seen := make(map[Hash]struct{}, len(raws))
	for _, raw := range raws {
		sc, err := decodeChange(raw)
		if err != nil {
			return nil, err
		}
		if d.Has(sc.hash) {
			continue
		}
		if _, dup := seen[sc.hash]; dup {
			continue
		}
		seen[sc.hash] = struct{}{}
		pending = append(pending, sc)
	}

	if len(pending) == 0 {
		return d, nil
	}

	next := d.clone()
	for progress := true; progress && len(pending) > 0; {
		progress = false
		remaining := pending[:0]
		for _, sc := range pending {
			if !next.depsSatisfied(&sc.change) {
				remaining = append(remaining, sc)
				continue
			}
			if err := next.applyChange(sc); err != nil {
				return nil, err
			}
			progress = true
		}
		pending = remaining
	}

	return next, nil
}

// Edit returns a document whose text is newText, expressed as a single
// change by actor against doc. The change deletes and inserts only the span
// between the common prefix and suffix of the old and new text.
func Edit(doc *Document, actor, newText string) (*Document, error) {
	if actor == "" {
		return nil, fmt.Errorf("%w: empty actor", ErrInvalidChange)
	}

	visible := doc.visible()
	target := []rune(newText)

	prefix := 0
	for prefix < len(visible) && prefix < len(target) && visible[prefix].value == string(target[prefix]) {
		prefix++
	}
	suffix := 0
	for suffix < len(visible)-prefix && suffix < len(target)-prefix &&
		visible[len(visible)-1-suffix].value == string(target[len(target)-1-suffix]) {
		suffix++
	}

	change := Change{
		Actor:   actor,
		Seq:     doc.seqs[actor] + 1,
		Deps:    doc.Heads(),
	}
	change.StartOp = doc.clockOf(change.Deps) + 1

	for _, e := range visible[prefix : len(visible)-suffix] {
		change.Ops = append(change.Ops, Op{Kind: OpDelete, Ref: e.id})
	}

	var ref OpID
	if prefix > 0 {
		ref = visible[prefix-1].id
	}
	for _, r := range target[prefix : len(target)-suffix] {
		change.Ops = append(change.Ops, Op{Kind: OpInsert, Ref: ref, Value: string(r)})
		ref = OpID{Counter: change.StartOp + uint64(len(change.Ops)-1), Actor: actor}
	}

	if len(change.Ops) == 0 {
		return doc, nil
	}

	sc, err := encodeChange(change)
	if err != nil {
		return nil, err
	}

	next := doc.clone()
	if err := next.applyChange(sc); err != nil {
		return nil, err
	}
	return next, nil
}
