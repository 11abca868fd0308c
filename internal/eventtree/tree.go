// Package eventtree implements the position-keyed B⁺-tree that holds
// committed events, including overflow-chain storage for oversized
// payloads (§4.4). Every mutation is copy-on-write: callers reach the tree
// only through a DirtyWriter, which hands out fresh page identities for
// every node touched and never mutates a page in place.
package eventtree

import (
	"sort"

	"github.com/google/uuid"

	"umadb/internal/codec"
	"umadb/internal/pagefmt"
	"umadb/internal/umadberr"
)

type (
	PageID   = pagefmt.PageID
	Position = pagefmt.Position
)

// PageSource is the read side every tree walk needs: turn a PageID into its
// full page bytes (header + body), whether the page is already durable or
// still only a tentative entry in a writer's dirty set.
type PageSource interface {
	ReadPage(id PageID) ([]byte, error)
}

// DirtyWriter is the write side a mutating walk needs: allocate a fresh
// page identity for a node about to be written, record its serialized
// body, and release a superseded page back to the caller's bookkeeping
// (the writer decides whether that means discarding a same-transaction
// tentative page or queuing a committed one for reclaim).
type DirtyWriter interface {
	PageSource
	Alloc(kind pagefmt.NodeKind) PageID
	Put(id PageID, kind pagefmt.NodeKind, body []byte)
	Free(id PageID)
}

// Record is the caller-supplied event to append; UUID is optional.
type Record struct {
	EventType string
	Data      []byte
	Tags      []string
	UUID      *uuid.UUID
}

// Event is a stored event together with its assigned position.
type Event struct {
	Position Position
	Record   Record
}

func readNode(ps PageSource, id PageID) (pagefmt.Header, []byte, error) {
	page, err := ps.ReadPage(id)
	if err != nil {
		return pagefmt.Header{}, nil, err
	}
	return pagefmt.UnmarshalHeader(page), pagefmt.Body(page), nil
}

func readLeaf(ps PageSource, id PageID) (*codec.EventLeafNode, error) {
	hdr, body, err := readNode(ps, id)
	if err != nil {
		return nil, err
	}
	if hdr.Kind != pagefmt.NodeEventLeaf {
		return nil, umadberr.New(umadberr.Corrupted, "page %d: expected event leaf, found %s", id, hdr.Kind)
	}
	return codec.ParseEventLeaf(body)
}

func readInternal(ps PageSource, id PageID) (*codec.EventInternalNode, error) {
	hdr, body, err := readNode(ps, id)
	if err != nil {
		return nil, err
	}
	if hdr.Kind != pagefmt.NodeEventInternal {
		return nil, umadberr.New(umadberr.Corrupted, "page %d: expected event internal, found %s", id, hdr.Kind)
	}
	return codec.ParseEventInternal(body)
}

// Head returns the largest position stored in the tree, or false if empty.
func Head(ps PageSource, root PageID) (Position, bool, error) {
	if root == pagefmt.NullPageID {
		return 0, false, nil
	}
	id := root
	for {
		hdr, body, err := readNode(ps, id)
		if err != nil {
			return 0, false, err
		}
		switch hdr.Kind {
		case pagefmt.NodeEventLeaf:
			leaf, err := codec.ParseEventLeaf(body)
			if err != nil {
				return 0, false, err
			}
			if len(leaf.Keys) == 0 {
				return 0, false, nil
			}
			return leaf.Keys[len(leaf.Keys)-1], true, nil
		case pagefmt.NodeEventInternal:
			internal, err := codec.ParseEventInternal(body)
			if err != nil {
				return 0, false, err
			}
			id = internal.ChildIDs[len(internal.ChildIDs)-1]
		default:
			return 0, false, umadberr.New(umadberr.Corrupted, "page %d: unexpected kind %s in event tree", id, hdr.Kind)
		}
	}
}

// Get performs a point lookup, reassembling the overflow chain when needed.
func Get(ps PageSource, root PageID, pos Position) (Event, bool, error) {
	if root == pagefmt.NullPageID {
		return Event{}, false, nil
	}
	id := root
	for {
		hdr, body, err := readNode(ps, id)
		if err != nil {
			return Event{}, false, err
		}
		if hdr.Kind == pagefmt.NodeEventLeaf {
			leaf, err := codec.ParseEventLeaf(body)
			if err != nil {
				return Event{}, false, err
			}
			i := sort.Search(len(leaf.Keys), func(i int) bool { return leaf.Keys[i] >= pos })
			if i >= len(leaf.Keys) || leaf.Keys[i] != pos {
				return Event{}, false, nil
			}
			rec, err := materialize(ps, leaf.Values[i])
			if err != nil {
				return Event{}, false, err
			}
			return Event{Position: pos, Record: rec}, true, nil
		}
		internal, err := codec.ParseEventInternal(body)
		if err != nil {
			return Event{}, false, err
		}
		id = childFor(internal.Keys, internal.ChildIDs, pos)
	}
}

// Range returns up to limit events starting at the first position >= from,
// in ascending order.
func Range(ps PageSource, root PageID, from Position, limit int) ([]Event, error) {
	var out []Event
	if root == pagefmt.NullPageID || limit <= 0 {
		return out, nil
	}
	if err := collectRange(ps, root, from, limit, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func collectRange(ps PageSource, id PageID, from Position, limit int, out *[]Event) error {
	if len(*out) >= limit {
		return nil
	}
	hdr, body, err := readNode(ps, id)
	if err != nil {
		return err
	}
	if hdr.Kind == pagefmt.NodeEventLeaf {
		leaf, err := codec.ParseEventLeaf(body)
		if err != nil {
			return err
		}
		start := sort.Search(len(leaf.Keys), func(i int) bool { return leaf.Keys[i] >= from })
		for i := start; i < len(leaf.Keys) && len(*out) < limit; i++ {
			rec, err := materialize(ps, leaf.Values[i])
			if err != nil {
				return err
			}
			*out = append(*out, Event{Position: leaf.Keys[i], Record: rec})
		}
		return nil
	}
	internal, err := codec.ParseEventInternal(body)
	if err != nil {
		return err
	}
	// Separator key i is the smallest key reachable through child i+1, so
	// the first child that can hold `from` is the first one whose
	// separator exceeds it.
	startChild := sort.Search(len(internal.Keys), func(i int) bool { return from < internal.Keys[i] })
	for c := startChild; c < len(internal.ChildIDs) && len(*out) < limit; c++ {
		if err := collectRange(ps, internal.ChildIDs[c], from, limit, out); err != nil {
			return err
		}
	}
	return nil
}

func childFor(keys []Position, childIDs []PageID, pos Position) PageID {
	i := sort.Search(len(keys), func(i int) bool { return pos < keys[i] })
	return childIDs[i]
}

func materialize(ps PageSource, v codec.EventValue) (Record, error) {
	if !v.Overflow {
		return Record{EventType: v.EventType, Data: v.Data, Tags: v.Tags, UUID: v.UUID}, nil
	}
	data, err := readOverflowChain(ps, v.RootID, v.DataLen)
	if err != nil {
		return Record{}, err
	}
	return Record{EventType: v.EventType, Data: data, Tags: v.Tags, UUID: v.UUID}, nil
}

func readOverflowChain(ps PageSource, root PageID, dataLen uint64) ([]byte, error) {
	out := make([]byte, 0, dataLen)
	id := root
	for id != pagefmt.NullPageID {
		hdr, body, err := readNode(ps, id)
		if err != nil {
			return nil, err
		}
		if hdr.Kind != pagefmt.NodeEventOverflow {
			return nil, umadberr.New(umadberr.Corrupted, "page %d: expected event overflow, found %s", id, hdr.Kind)
		}
		node, err := codec.ParseEventOverflow(body)
		if err != nil {
			return nil, err
		}
		out = append(out, node.Data...)
		id = node.Next
	}
	if uint64(len(out)) != dataLen {
		return nil, umadberr.New(umadberr.Corrupted, "overflow chain at %d yielded %d bytes, want %d", root, len(out), dataLen)
	}
	return out, nil
}

// OverflowThreshold is the default inline/overflow cutoff: an event whose
// inline encoding would occupy more than half of a leaf's usable space goes
// to an overflow chain instead (§4.4).
func OverflowThreshold(pageSize int) int {
	return pagefmt.UsableSize(pageSize) / 2
}

// Append inserts events in order at the end of the tree (positions are
// always assigned by incrementing Head) and returns the new root together
// with the assigned positions. overflowThreshold is in bytes of inline
// value encoding, above which the payload moves to an overflow chain.
func Append(w DirtyWriter, pageSize, overflowThreshold int, root PageID, recs []Record) (PageID, []Position, error) {
	next, ok, err := Head(w, root)
	if err != nil {
		return root, nil, err
	}
	if ok {
		next++
	} else {
		next = 0
	}

	positions := make([]Position, 0, len(recs))
	curRoot := root
	for _, rec := range recs {
		val, err := buildValue(w, pageSize, overflowThreshold, rec)
		if err != nil {
			return root, nil, err
		}
		curRoot, err = insertAtRoot(w, pageSize, curRoot, next, val)
		if err != nil {
			return root, nil, err
		}
		positions = append(positions, next)
		next++
	}
	return curRoot, positions, nil
}

func buildValue(w DirtyWriter, pageSize, overflowThreshold int, rec Record) (codec.EventValue, error) {
	inline := codec.InlineValue(codec.EventRecord{EventType: rec.EventType, Data: rec.Data, Tags: rec.Tags, UUID: rec.UUID})
	if inline.Sizeof() <= overflowThreshold {
		return inline, nil
	}
	rootID, err := writeOverflowChain(w, pageSize, rec.Data)
	if err != nil {
		return codec.EventValue{}, err
	}
	return codec.OverflowValue(rec.EventType, uint64(len(rec.Data)), rec.Tags, rootID, rec.UUID), nil
}

func writeOverflowChain(w DirtyWriter, pageSize int, data []byte) (PageID, error) {
	capacity := pagefmt.UsableSize(pageSize) - 12 // Next pointer (8) + data length prefix (4)
	if capacity <= 0 {
		return pagefmt.NullPageID, umadberr.New(umadberr.NodeTooLarge, "page size %d leaves no room for overflow payload", pageSize)
	}
	if len(data) == 0 {
		id := w.Alloc(pagefmt.NodeEventOverflow)
		node := codec.EventOverflowNode{Next: pagefmt.NullPageID, Data: nil}
		buf := make([]byte, node.CalcSize())
		node.SerializeInto(buf)
		w.Put(id, pagefmt.NodeEventOverflow, buf)
		return id, nil
	}

	numChunks := (len(data) + capacity - 1) / capacity
	next := PageID(pagefmt.NullPageID)
	for i := numChunks - 1; i >= 0; i-- {
		start := i * capacity
		end := start + capacity
		if end > len(data) {
			end = len(data)
		}
		id := w.Alloc(pagefmt.NodeEventOverflow)
		node := codec.EventOverflowNode{Next: next, Data: data[start:end]}
		buf := make([]byte, node.CalcSize())
		node.SerializeInto(buf)
		w.Put(id, pagefmt.NodeEventOverflow, buf)
		next = id
	}
	return next, nil
}

// insertAtRoot appends (pos, val) as the new rightmost entry of the tree
// rooted at root, handling leaf and root splits, and returns the new root.
func insertAtRoot(w DirtyWriter, pageSize int, root PageID, pos Position, val codec.EventValue) (PageID, error) {
	if root == pagefmt.NullPageID {
		leaf := &codec.EventLeafNode{Keys: []Position{pos}, Values: []codec.EventValue{val}}
		id := w.Alloc(pagefmt.NodeEventLeaf)
		buf := make([]byte, leaf.CalcSize())
		leaf.SerializeInto(buf)
		w.Put(id, pagefmt.NodeEventLeaf, buf)
		return id, nil
	}

	newRoot, promoted, rightID, err := insertRightmost(w, pageSize, root, pos, val)
	if err != nil {
		return root, err
	}
	if rightID == pagefmt.NullPageID {
		return newRoot, nil
	}
	// The root itself split; build a new internal root with two children.
	internal := &codec.EventInternalNode{Keys: []Position{promoted}, ChildIDs: []PageID{newRoot, rightID}}
	id := w.Alloc(pagefmt.NodeEventInternal)
	buf := make([]byte, internal.CalcSize())
	internal.SerializeInto(buf)
	w.Put(id, pagefmt.NodeEventInternal, buf)
	return id, nil
}

// insertRightmost walks down the rightmost path of the subtree rooted at
// id, inserts (pos, val) into the rightmost leaf, and propagates any split
// back up. It returns the (possibly new) id for this subtree, and — if
// this node itself had to split — the promoted key and the new right
// sibling's id (pagefmt.NullPageID if no split happened here).
func insertRightmost(w DirtyWriter, pageSize int, id PageID, pos Position, val codec.EventValue) (PageID, Position, PageID, error) {
	hdr, body, err := readNode(w, id)
	if err != nil {
		return id, 0, pagefmt.NullPageID, err
	}

	if hdr.Kind == pagefmt.NodeEventLeaf {
		leaf, err := codec.ParseEventLeaf(body)
		if err != nil {
			return id, 0, pagefmt.NullPageID, err
		}
		leaf.Keys = append(leaf.Keys, pos)
		leaf.Values = append(leaf.Values, val)

		if leaf.CalcSize() <= pagefmt.UsableSize(pageSize) {
			newID := putLeaf(w, leaf)
			w.Free(id)
			return newID, 0, pagefmt.NullPageID, nil
		}

		// Off-center split: peel elements off the tail until the left
		// node fits again, handing them to a fresh right sibling. In the
		// common case (one element pushed the leaf over) this peels
		// exactly one pair, matching §9's "right sibling holds just one
		// element" note.
		right := &codec.EventLeafNode{}
		for leaf.CalcSize() > pagefmt.UsableSize(pageSize) {
			k, v := leaf.PopLast()
			right.Keys = append([]Position{k}, right.Keys...)
			right.Values = append([]codec.EventValue{v}, right.Values...)
		}
		leftID := putLeaf(w, leaf)
		rightID := putLeaf(w, right)
		w.Free(id)
		return leftID, right.Keys[0], rightID, nil
	}

	internal, err := codec.ParseEventInternal(body)
	if err != nil {
		return id, 0, pagefmt.NullPageID, err
	}
	lastIdx := len(internal.ChildIDs) - 1
	oldChild := internal.ChildIDs[lastIdx]
	newChild, promoted, rightChild, err := insertRightmost(w, pageSize, oldChild, pos, val)
	if err != nil {
		return id, 0, pagefmt.NullPageID, err
	}
	if err := internal.ReplaceLastChildID(oldChild, newChild); err != nil {
		return id, 0, pagefmt.NullPageID, err
	}
	if rightChild == pagefmt.NullPageID {
		newID := putInternal(w, internal)
		w.Free(id)
		return newID, 0, pagefmt.NullPageID, nil
	}
	internal.AppendPromotedKeyAndPageID(promoted, rightChild)

	if internal.CalcSize() <= pagefmt.UsableSize(pageSize) {
		newID := putInternal(w, internal)
		w.Free(id)
		return newID, 0, pagefmt.NullPageID, nil
	}

	promotedKey, rightKeys, rightChildren := internal.SplitOff()
	leftID := putInternal(w, internal)
	rightInternal := &codec.EventInternalNode{Keys: rightKeys, ChildIDs: rightChildren}
	rightID := putInternal(w, rightInternal)
	w.Free(id)
	return leftID, promotedKey, rightID, nil
}

func putLeaf(w DirtyWriter, leaf *codec.EventLeafNode) PageID {
	id := w.Alloc(pagefmt.NodeEventLeaf)
	buf := make([]byte, leaf.CalcSize())
	leaf.SerializeInto(buf)
	w.Put(id, pagefmt.NodeEventLeaf, buf)
	return id
}

func putInternal(w DirtyWriter, internal *codec.EventInternalNode) PageID {
	id := w.Alloc(pagefmt.NodeEventInternal)
	buf := make([]byte, internal.CalcSize())
	internal.SerializeInto(buf)
	w.Put(id, pagefmt.NodeEventInternal, buf)
	return id
}
