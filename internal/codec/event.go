// Package codec implements the pure, allocation-conscious serializers and
// deserializers for the seven node shapes the core persists (§4.1). Every
// type here provides CalcSize/SerializeInto/Parse, matching the §4.1
// contract: CalcSize must equal the bytes SerializeInto writes, and Parse
// must reject any truncated or malformed buffer with a typed error instead
// of panicking or reading out of bounds.
//
// Field layout, order, and the exact flag-bit assignment below are pinned by
// the original Rust implementation's events_tree_nodes.rs and
// free_lists_tree_nodes.rs (see DESIGN.md) — they are part of the
// compatibility surface the on-disk format commits to, not implementation
// choices.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"umadb/internal/pagefmt"
	"umadb/internal/umadberr"
)

type (
	PageID   = pagefmt.PageID
	Position = pagefmt.Position
	Tsn      = pagefmt.Tsn
)

// NullPageID re-exports pagefmt.NullPageID for codec callers.
const NullPageID = pagefmt.NullPageID

// Event value flag bits, orthogonal to each other (§9 "UUID optional field").
const (
	flagOverflow uint8 = 1 << 0
	flagHasUUID  uint8 = 1 << 1
)

// EventRecord is an inline event payload (§3).
type EventRecord struct {
	EventType string
	Data      []byte
	Tags      []string
	UUID      *uuid.UUID
}

// EventValue is the tagged union §3 describes: either the full record is
// inline, or only its metadata is (with the bytes living in an overflow
// chain rooted at RootID). Overflow reports which.
type EventValue struct {
	Overflow bool

	EventType string
	Tags      []string
	UUID      *uuid.UUID

	// Inline-only.
	Data []byte

	// Overflow-only.
	DataLen uint64
	RootID  PageID
}

// InlineValue builds an inline EventValue from a record.
func InlineValue(rec EventRecord) EventValue {
	return EventValue{EventType: rec.EventType, Data: rec.Data, Tags: rec.Tags, UUID: rec.UUID}
}

// OverflowValue builds an overflow EventValue.
func OverflowValue(eventType string, dataLen uint64, tags []string, rootID PageID, id *uuid.UUID) EventValue {
	return EventValue{Overflow: true, EventType: eventType, DataLen: dataLen, Tags: tags, RootID: rootID, UUID: id}
}

// Sizeof returns the number of bytes v occupies serialized, in the inline
// or the overflow encoding according to v.Overflow. Callers compute it on
// an inline value to decide whether a record belongs inline or in an
// overflow chain.
func (v EventValue) Sizeof() int { return v.calcSize() }

func (v EventValue) calcSize() int {
	size := 1 // flags
	size += 2 + len(v.EventType)
	if v.Overflow {
		size += 8 // data_len (u64)
	} else {
		size += 2 + len(v.Data) // data_len (u16) + data
	}
	size += 2 // tags_len
	for _, t := range v.Tags {
		size += 2 + len(t)
	}
	if v.Overflow {
		size += 8 // root_id
	}
	if v.UUID != nil {
		size += 16
	}
	return size
}

func (v EventValue) serializeInto(buf []byte) int {
	i := 0
	var flags uint8
	if v.Overflow {
		flags |= flagOverflow
	}
	if v.UUID != nil {
		flags |= flagHasUUID
	}
	buf[i] = flags
	i++

	putStr16(buf[i:], v.EventType)
	i += 2 + len(v.EventType)

	if !v.Overflow {
		binary.LittleEndian.PutUint16(buf[i:], uint16(len(v.Data)))
		i += 2
		i += copy(buf[i:], v.Data)
	} else {
		binary.LittleEndian.PutUint64(buf[i:], v.DataLen)
		i += 8
	}

	binary.LittleEndian.PutUint16(buf[i:], uint16(len(v.Tags)))
	i += 2
	for _, t := range v.Tags {
		putStr16(buf[i:], t)
		i += 2 + len(t)
	}

	if v.Overflow {
		binary.LittleEndian.PutUint64(buf[i:], uint64(v.RootID))
		i += 8
	}

	if v.UUID != nil {
		copy(buf[i:i+16], v.UUID[:])
		i += 16
	}
	return i
}

// parseEventValue reads one EventValue starting at offset off, returning the
// value and the offset immediately after it.
func parseEventValue(buf []byte, off int) (EventValue, int, error) {
	if off+1 > len(buf) {
		return EventValue{}, 0, deserErr("unexpected end of data while reading value flags")
	}
	flags := buf[off]
	if flags&^(flagOverflow|flagHasUUID) != 0 {
		return EventValue{}, 0, deserErr("unknown flag bits set in event value: 0x%02x", flags)
	}
	off++

	eventType, off, err := getStr16(buf, off)
	if err != nil {
		return EventValue{}, 0, fmt.Errorf("event_type: %w", err)
	}

	overflow := flags&flagOverflow != 0
	hasUUID := flags&flagHasUUID != 0

	v := EventValue{Overflow: overflow, EventType: eventType}

	if !overflow {
		if off+2 > len(buf) {
			return EventValue{}, 0, deserErr("unexpected end of data while reading data length")
		}
		dataLen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if off+dataLen > len(buf) {
			return EventValue{}, 0, deserErr("unexpected end of data while reading data")
		}
		v.Data = append([]byte(nil), buf[off:off+dataLen]...)
		off += dataLen
	} else {
		if off+8 > len(buf) {
			return EventValue{}, 0, deserErr("unexpected end of data while reading overflow data_len")
		}
		v.DataLen = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}

	if off+2 > len(buf) {
		return EventValue{}, 0, deserErr("unexpected end of data while reading number of tags")
	}
	numTags := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	tags := make([]string, 0, numTags)
	for t := 0; t < numTags; t++ {
		var tag string
		var err error
		tag, off, err = getStr16(buf, off)
		if err != nil {
			return EventValue{}, 0, fmt.Errorf("tag %d: %w", t, err)
		}
		tags = append(tags, tag)
	}
	v.Tags = tags

	if overflow {
		if off+8 > len(buf) {
			return EventValue{}, 0, deserErr("unexpected end of data while reading overflow root_id")
		}
		v.RootID = PageID(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
	}

	if hasUUID {
		if off+16 > len(buf) {
			return EventValue{}, 0, deserErr("unexpected end of data while reading UUID")
		}
		id, err := uuid.FromBytes(buf[off : off+16])
		if err != nil {
			return EventValue{}, 0, deserErr("invalid UUID bytes: %v", err)
		}
		v.UUID = &id
		off += 16
	}

	return v, off, nil
}

// EventLeafNode holds the key-sorted (position, value) pairs of one leaf of
// the event tree (§3, §4.1).
type EventLeafNode struct {
	Keys   []Position
	Values []EventValue
}

func (n *EventLeafNode) CalcSize() int {
	size := 2 + len(n.Keys)*8
	for _, v := range n.Values {
		size += v.calcSize()
	}
	return size
}

func (n *EventLeafNode) SerializeInto(buf []byte) int {
	i := 0
	binary.LittleEndian.PutUint16(buf[i:], uint16(len(n.Keys)))
	i += 2
	for _, k := range n.Keys {
		binary.LittleEndian.PutUint64(buf[i:], uint64(k))
		i += 8
	}
	for _, v := range n.Values {
		i += v.serializeInto(buf[i:])
	}
	return i
}

func ParseEventLeaf(buf []byte) (*EventLeafNode, error) {
	if len(buf) < 2 {
		return nil, deserErr("expected at least 2 bytes, got %d", len(buf))
	}
	keysLen := int(binary.LittleEndian.Uint16(buf))
	minSize := 2 + keysLen*8
	if len(buf) < minSize {
		return nil, deserErr("expected at least %d bytes for keys, got %d", minSize, len(buf))
	}
	keys := make([]Position, keysLen)
	for i := 0; i < keysLen; i++ {
		off := 2 + i*8
		keys[i] = Position(binary.LittleEndian.Uint64(buf[off:]))
	}

	values := make([]EventValue, 0, keysLen)
	off := 2 + keysLen*8
	for i := 0; i < keysLen; i++ {
		v, next, err := parseEventValue(buf, off)
		if err != nil {
			return nil, fmt.Errorf("event leaf value %d: %w", i, err)
		}
		values = append(values, v)
		off = next
	}
	return &EventLeafNode{Keys: keys, Values: values}, nil
}

// PopLast removes and returns the node's last key/value pair. It is used by
// the split path to move the tail of a full leaf into a new right sibling
// one element at a time, matching the original implementation's incremental
// split technique (see SPEC_FULL.md §EXPANSION — Supplemented features).
func (n *EventLeafNode) PopLast() (Position, EventValue) {
	lastK := n.Keys[len(n.Keys)-1]
	lastV := n.Values[len(n.Values)-1]
	n.Keys = n.Keys[:len(n.Keys)-1]
	n.Values = n.Values[:len(n.Values)-1]
	return lastK, lastV
}

// EventOverflowNode is one link in the overflow chain backing an oversized
// event value (§3, §4.1).
type EventOverflowNode struct {
	Next PageID // NullPageID marks the end of the chain
	Data []byte
}

// CalcSize includes an explicit length prefix for Data: the page body read
// back off disk is always the page's full usable size, not the exact
// number of bytes written, so the chunk length can't be inferred from
// len(buf) the way it can be for the variable-length arrays in the other
// node kinds (those are bounded by the node's own key/slot count instead).
func (n *EventOverflowNode) CalcSize() int { return 8 + 4 + len(n.Data) }

func (n *EventOverflowNode) SerializeInto(buf []byte) int {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(n.Next))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(n.Data)))
	copy(buf[12:], n.Data)
	return n.CalcSize()
}

func ParseEventOverflow(buf []byte) (*EventOverflowNode, error) {
	if len(buf) < 12 {
		return nil, deserErr("overflow node too small: %d bytes", len(buf))
	}
	next := PageID(binary.LittleEndian.Uint64(buf[0:8]))
	dataLen := binary.LittleEndian.Uint32(buf[8:12])
	if len(buf) < 12+int(dataLen) {
		return nil, deserErr("overflow node: expected at least %d bytes for data, got %d", 12+int(dataLen), len(buf))
	}
	data := append([]byte(nil), buf[12:12+int(dataLen)]...)
	return &EventOverflowNode{Next: next, Data: data}, nil
}

// EventInternalNode is an internal node of the event tree (§3, §4.1). Unlike
// the free-list internal node, the child-ID count is derived from the key
// count (keys_len+1), not re-encoded — see §9 "wire-format asymmetry".
type EventInternalNode struct {
	Keys     []Position
	ChildIDs []PageID
}

func (n *EventInternalNode) CalcSize() int {
	return 2 + len(n.Keys)*8 + len(n.ChildIDs)*8
}

func (n *EventInternalNode) SerializeInto(buf []byte) int {
	i := 0
	binary.LittleEndian.PutUint16(buf[i:], uint16(len(n.Keys)))
	i += 2
	for _, k := range n.Keys {
		binary.LittleEndian.PutUint64(buf[i:], uint64(k))
		i += 8
	}
	for _, c := range n.ChildIDs {
		binary.LittleEndian.PutUint64(buf[i:], uint64(c))
		i += 8
	}
	return i
}

func ParseEventInternal(buf []byte) (*EventInternalNode, error) {
	if len(buf) < 2 {
		return nil, deserErr("expected at least 2 bytes, got %d", len(buf))
	}
	keysLen := int(binary.LittleEndian.Uint16(buf))
	minSize := 2 + keysLen*8
	if len(buf) < minSize {
		return nil, deserErr("expected at least %d bytes for keys, got %d", minSize, len(buf))
	}
	keys := make([]Position, keysLen)
	for i := 0; i < keysLen; i++ {
		keys[i] = Position(binary.LittleEndian.Uint64(buf[2+i*8:]))
	}

	childLen := keysLen + 1
	off := 2 + keysLen*8
	minSize = off + childLen*8
	if len(buf) < minSize {
		return nil, deserErr("expected at least %d bytes for child_ids, got %d", minSize, len(buf))
	}
	children := make([]PageID, childLen)
	for i := 0; i < childLen; i++ {
		children[i] = PageID(binary.LittleEndian.Uint64(buf[off+i*8:]))
	}
	return &EventInternalNode{Keys: keys, ChildIDs: children}, nil
}

// ReplaceLastChildID swaps the trailing (rightmost) child pointer — the one
// a leaf split always rewrites — from oldID to newID. It returns a
// DatabaseCorrupted error if the last child does not currently hold oldID,
// which would mean a parent/child pointer got out of sync during split
// propagation (§4.3).
func (n *EventInternalNode) ReplaceLastChildID(oldID, newID PageID) error {
	last := len(n.ChildIDs) - 1
	if n.ChildIDs[last] != oldID {
		return umadberr.New(umadberr.Corrupted, "event internal node: expected last child %d, found %d", oldID, n.ChildIDs[last])
	}
	n.ChildIDs[last] = newID
	return nil
}

// AppendPromotedKeyAndPageID appends a freshly promoted separator key and
// its right-hand child, after a child split (§4.3).
func (n *EventInternalNode) AppendPromotedKeyAndPageID(key Position, id PageID) {
	n.Keys = append(n.Keys, key)
	n.ChildIDs = append(n.ChildIDs, id)
}

// SplitOff performs the off-center split §4.3/§9 specifies: the element at
// index len-2 is promoted, and everything from that index onward moves to
// the new right sibling, leaving the right sibling with a single key and
// two children immediately after a split — favoring append-heavy workloads
// by keeping the left sibling near-full.
func (n *EventInternalNode) SplitOff() (promotedKey Position, rightKeys []Position, rightChildren []PageID) {
	mid := len(n.Keys) - 2
	promotedKey = n.Keys[mid]
	rightKeys = append([]Position(nil), n.Keys[mid+1:]...)
	rightChildren = append([]PageID(nil), n.ChildIDs[mid+1:]...)
	n.Keys = n.Keys[:mid]
	n.ChildIDs = n.ChildIDs[:mid+1]
	return promotedKey, rightKeys, rightChildren
}

// ── small encoding helpers ──────────────────────────────────────────────

func putStr16(buf []byte, s string) {
	binary.LittleEndian.PutUint16(buf, uint16(len(s)))
	copy(buf[2:], s)
}

func getStr16(buf []byte, off int) (string, int, error) {
	if off+2 > len(buf) {
		return "", 0, deserErr("unexpected end of data while reading string length")
	}
	l := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if off+l > len(buf) {
		return "", 0, deserErr("unexpected end of data while reading string")
	}
	s := string(buf[off : off+l])
	off += l
	return s, off, nil
}

func deserErr(format string, args ...any) error {
	return umadberr.New(umadberr.Deserialization, format, args...)
}
