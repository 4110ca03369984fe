package merge

import (
	"fmt"
	"sort"

	"github.com/maxpert/syncrelay/encoding"
)

// SeedActor authors the change produced by FromText. Using a fixed actor
// makes the seed change hash identical for the same initial text.
const SeedActor = "seed"

// Engine is the merge protocol used by the relay. Documents and cursors are
// immutable values; every call returns replacements.
type Engine interface {
	InitCursor() Cursor
	FromText(text string) (*Document, error)
	Receive(doc *Document, cur Cursor, msg []byte) (*Document, Cursor, []byte, error)
	Generate(doc *Document, cur Cursor) (Cursor, []byte, error)
	Heads(doc *Document) []Hash
}

// Cursor tracks what one peer is known to have. The zero value is a fresh
// cursor with nothing known about the peer.
type Cursor struct {
	theirHeads    []Hash
	theirHave     map[Hash]struct{} // nil until the peer reports
	sent          map[Hash]struct{}
	lastSentHeads []Hash
	lastSentNeed  []Hash
	sentAny       bool
}

// TheirHeads returns the heads last reported by the peer
func (c Cursor) TheirHeads() []Hash {
	return append([]Hash(nil), c.theirHeads...)
}

// Synced reports whether the peer has acknowledged every head in doc
func (c Cursor) Synced(doc *Document) bool {
	if c.theirHave == nil {
		return false
	}
	for _, h := range doc.heads {
		if _, ok := c.theirHave[h]; !ok {
			return false
		}
	}
	return true
}

type syncMessage struct {
	Heads   []Hash   `msgpack:"heads"`
	Have    []Hash   `msgpack:"have"`
	Need    []Hash   `msgpack:"need"`
	Changes [][]byte `msgpack:"changes"`
}

// TextEngine implements Engine over Document
type TextEngine struct{}

// NewTextEngine returns the text CRDT engine
func NewTextEngine() *TextEngine {
	return &TextEngine{}
}

// InitCursor returns a cursor for a peer we know nothing about
func (e *TextEngine) InitCursor() Cursor {
	return Cursor{}
}

// FromText builds a document containing text as a single seed change.
// Empty text yields an empty document.
func (e *TextEngine) FromText(text string) (*Document, error) {
	if text == "" {
		return Empty(), nil
	}
	return Edit(Empty(), SeedActor, text)
}

// Heads returns the document's sorted heads
func (e *TextEngine) Heads(doc *Document) []Hash {
	return doc.Heads()
}

// Receive applies a peer's message. The returned reply is non-nil only when
// the peer asked for changes it is missing.
func (e *TextEngine) Receive(doc *Document, cur Cursor, msg []byte) (*Document, Cursor, []byte, error) {
	var m syncMessage
	if err := encoding.Unmarshal(msg, &m); err != nil {
		return nil, cur, nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	next, err := doc.applyRaw(m.Changes)
	if err != nil {
		return nil, cur, nil, err
	}

	have := make(map[Hash]struct{}, len(m.Have)+len(m.Changes))
	for _, h := range m.Have {
		have[h] = struct{}{}
	}
	for _, raw := range m.Changes {
		have[hashOf(raw)] = struct{}{}
	}

	nc := Cursor{
		theirHeads:    append([]Hash(nil), m.Heads...),
		theirHave:     have,
		sent:          nil,
		lastSentHeads: cur.lastSentHeads,
		lastSentNeed:  cur.lastSentNeed,
		sentAny:       cur.sentAny,
	}

	if len(m.Need) == 0 {
		return next, nc, nil, nil
	}

	requested := next.closure(m.Need, have)
	if len(requested) == 0 {
		return next, nc, nil, nil
	}

	nc, reply, err := e.encode(next, nc, requested)
	if err != nil {
		return nil, cur, nil, err
	}
	return next, nc, reply, nil
}

// Generate builds the next message for the peer, or nil when there is nothing
// new to say since the last message.
func (e *TextEngine) Generate(doc *Document, cur Cursor) (Cursor, []byte, error) {
	var toSend []int
	for i, sc := range doc.changes {
		if _, ok := cur.sent[sc.hash]; ok {
			continue
		}
		if cur.theirHave != nil {
			if _, ok := cur.theirHave[sc.hash]; ok {
				continue
			}
		}
		toSend = append(toSend, i)
	}

	need := doc.missing(cur.theirHeads)
	if cur.sentAny && len(toSend) == 0 &&
		EqualHeads(doc.heads, cur.lastSentHeads) && EqualHeads(need, cur.lastSentNeed) {
		return cur, nil, nil
	}

	return e.encode(doc, cur, toSend)
}

func (e *TextEngine) encode(doc *Document, cur Cursor, changeIdx []int) (Cursor, []byte, error) {
	m := syncMessage{
		Heads:   doc.Heads(),
		Have:    make([]Hash, 0, len(doc.changes)),
		Need:    doc.missing(cur.theirHeads),
		Changes: make([][]byte, 0, len(changeIdx)),
	}
	for _, sc := range doc.changes {
		m.Have = append(m.Have, sc.hash)
	}

	sent := make(map[Hash]struct{}, len(cur.sent)+len(changeIdx))
	for h := range cur.sent {
		sent[h] = struct{}{}
	}
	for _, i := range changeIdx {
		sc := doc.changes[i]
		m.Changes = append(m.Changes, sc.raw)
		sent[sc.hash] = struct{}{}
	}

	out, err := encoding.Marshal(&m)
	if err != nil {
		return cur, nil, fmt.Errorf("encode sync message: %w", err)
	}

	next := cur
	next.sent = sent
	next.lastSentHeads = m.Heads
	next.lastSentNeed = m.Need
	next.sentAny = true
	return next, out, nil
}

// missing returns the sorted subset of hashes not present in d
func (d *Document) missing(hashes []Hash) []Hash {
	var out []Hash
	for _, h := range hashes {
		if !d.Has(h) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// closure returns indexes, in causal order, of the requested changes and
// their ancestors that the peer does not have
func (d *Document) closure(want []Hash, have map[Hash]struct{}) []int {
	marked := make(map[int]struct{})
	stack := make([]Hash, 0, len(want))
	stack = append(stack, want...)

	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		idx, ok := d.index[h]
		if !ok {
			continue
		}
		if _, done := marked[idx]; done {
			continue
		}
		if _, theirs := have[h]; theirs {
			continue
		}
		marked[idx] = struct{}{}
		stack = append(stack, d.changes[idx].change.Deps...)
	}

	out := make([]int, 0, len(marked))
	for idx := range marked {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// EqualHeads compares two sorted head lists element by element
func EqualHeads(a, b []Hash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
