package codec

import (
	"encoding/binary"

	"umadb/internal/umadberr"
)

// FreeListLeafValue is the per-TSN reclaim set: either an inline list of
// freed PageIDs, or — once that list would overflow the page — a pointer to
// a nested TSN subtree holding the full set (§3, §4.5). RootID ==
// NullPageID means "no subtree, use the inline list".
type FreeListLeafValue struct {
	PageIDs []PageID
	RootID  PageID
}

// FreeListLeafNode maps each committed transaction that freed pages to its
// reclaim set (§3, §4.1, §4.5).
type FreeListLeafNode struct {
	Keys   []Tsn
	Values []FreeListLeafValue
}

func (n *FreeListLeafNode) CalcSize() int {
	size := 2 + len(n.Keys)*8
	for _, v := range n.Values {
		size += 2 + len(v.PageIDs)*8 + 8
	}
	return size
}

func (n *FreeListLeafNode) SerializeInto(buf []byte) int {
	i := 0
	binary.LittleEndian.PutUint16(buf[i:], uint16(len(n.Keys)))
	i += 2
	for _, k := range n.Keys {
		binary.LittleEndian.PutUint64(buf[i:], uint64(k))
		i += 8
	}
	for _, v := range n.Values {
		binary.LittleEndian.PutUint16(buf[i:], uint16(len(v.PageIDs)))
		i += 2
		for _, pid := range v.PageIDs {
			binary.LittleEndian.PutUint64(buf[i:], uint64(pid))
			i += 8
		}
		binary.LittleEndian.PutUint64(buf[i:], uint64(v.RootID))
		i += 8
	}
	return i
}

func ParseFreeListLeaf(buf []byte) (*FreeListLeafNode, error) {
	if len(buf) < 2 {
		return nil, deserErr("expected at least 2 bytes, got %d", len(buf))
	}
	keysLen := int(binary.LittleEndian.Uint16(buf))
	minSize := 2 + keysLen*8
	if len(buf) < minSize {
		return nil, deserErr("expected at least %d bytes for keys, got %d", minSize, len(buf))
	}
	keys := make([]Tsn, keysLen)
	for i := 0; i < keysLen; i++ {
		keys[i] = Tsn(binary.LittleEndian.Uint64(buf[2+i*8:]))
	}

	values := make([]FreeListLeafValue, 0, keysLen)
	off := 2 + keysLen*8
	for i := 0; i < keysLen; i++ {
		if off+2 > len(buf) {
			return nil, deserErr("unexpected end of data while reading page_ids length")
		}
		pidLen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if off+pidLen*8 > len(buf) {
			return nil, deserErr("unexpected end of data while reading page_ids")
		}
		pids := make([]PageID, pidLen)
		for j := 0; j < pidLen; j++ {
			pids[j] = PageID(binary.LittleEndian.Uint64(buf[off+j*8:]))
		}
		off += pidLen * 8
		if off+8 > len(buf) {
			return nil, deserErr("unexpected end of data while reading root_id")
		}
		rootID := PageID(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		values = append(values, FreeListLeafValue{PageIDs: pids, RootID: rootID})
	}
	return &FreeListLeafNode{Keys: keys, Values: values}, nil
}

// WouldFitNewTSN reports whether appending a brand new (tsn, [firstPageID])
// entry would keep the node within maxSize, using the exact incremental
// cost (8 key + 2 len-prefix + 8 one PageID + 8 root_id = 26 bytes) rather
// than re-running CalcSize against a speculative copy.
func (n *FreeListLeafNode) WouldFitNewTSN(maxSize int) bool {
	return n.CalcSize()+8+2+8+8 <= maxSize
}

// PushNewTSN appends a new (tsn, [firstPageID]) entry with no subtree.
func (n *FreeListLeafNode) PushNewTSN(tsn Tsn, firstPageID PageID) {
	n.Keys = append(n.Keys, tsn)
	n.Values = append(n.Values, FreeListLeafValue{PageIDs: []PageID{firstPageID}, RootID: NullPageID})
}

// WouldFitAdditionalPageID reports whether appending one more PageID to an
// entry's inline list would keep the node within maxSize (an 8-byte delta).
func (n *FreeListLeafNode) WouldFitAdditionalPageID(maxSize int) bool {
	return n.CalcSize()+8 <= maxSize
}

// PushAdditionalPageID appends pageID to the inline list of the entry at idx.
func (n *FreeListLeafNode) PushAdditionalPageID(idx int, pageID PageID) {
	n.Values[idx].PageIDs = append(n.Values[idx].PageIDs, pageID)
}

// EntrySize returns how many bytes a (tsn, value) pair would add to the
// node's serialized size — used when reinserting a whole pre-existing
// entry (e.g. while rebuilding the tree around harvested TSNs) rather than
// growing one incrementally.
func (n *FreeListLeafNode) EntrySize(v FreeListLeafValue) int {
	return 8 + 2 + len(v.PageIDs)*8 + 8
}

// WouldFitEntry reports whether appending the whole (tsn, value) pair would
// keep the node within maxSize.
func (n *FreeListLeafNode) WouldFitEntry(maxSize int, v FreeListLeafValue) bool {
	return n.CalcSize()+n.EntrySize(v) <= maxSize
}

// PushEntry appends a complete, pre-built (tsn, value) pair.
func (n *FreeListLeafNode) PushEntry(t Tsn, v FreeListLeafValue) {
	n.Keys = append(n.Keys, t)
	n.Values = append(n.Values, v)
}

// PopLast removes and returns the node's last key/value pair, used by the
// split path (mirrors EventLeafNode.PopLast).
func (n *FreeListLeafNode) PopLast() (Tsn, FreeListLeafValue) {
	lastK := n.Keys[len(n.Keys)-1]
	lastV := n.Values[len(n.Values)-1]
	n.Keys = n.Keys[:len(n.Keys)-1]
	n.Values = n.Values[:len(n.Values)-1]
	return lastK, lastV
}

// FreeListInternalNode is an internal node of the free-list tree. Unlike
// EventInternalNode, the child-ID count is encoded explicitly rather than
// derived — the wire-format asymmetry §9 calls out.
type FreeListInternalNode struct {
	Keys     []Tsn
	ChildIDs []PageID
}

func (n *FreeListInternalNode) CalcSize() int {
	return 2 + len(n.Keys)*8 + 2 + len(n.ChildIDs)*8
}

func (n *FreeListInternalNode) SerializeInto(buf []byte) int {
	i := 0
	binary.LittleEndian.PutUint16(buf[i:], uint16(len(n.Keys)))
	i += 2
	for _, k := range n.Keys {
		binary.LittleEndian.PutUint64(buf[i:], uint64(k))
		i += 8
	}
	binary.LittleEndian.PutUint16(buf[i:], uint16(len(n.ChildIDs)))
	i += 2
	for _, c := range n.ChildIDs {
		binary.LittleEndian.PutUint64(buf[i:], uint64(c))
		i += 8
	}
	return i
}

func ParseFreeListInternal(buf []byte) (*FreeListInternalNode, error) {
	if len(buf) < 2 {
		return nil, deserErr("expected at least 2 bytes, got %d", len(buf))
	}
	keysLen := int(binary.LittleEndian.Uint16(buf))
	minSize := 2 + keysLen*8
	if len(buf) < minSize {
		return nil, deserErr("expected at least %d bytes for keys, got %d", minSize, len(buf))
	}
	keys := make([]Tsn, keysLen)
	for i := 0; i < keysLen; i++ {
		keys[i] = Tsn(binary.LittleEndian.Uint64(buf[2+i*8:]))
	}
	off := 2 + keysLen*8
	if off+2 > len(buf) {
		return nil, deserErr("unexpected end of data while reading child_ids length")
	}
	childLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	minSize = off + childLen*8
	if len(buf) < minSize {
		return nil, deserErr("expected at least %d bytes for child_ids, got %d", minSize, len(buf))
	}
	children := make([]PageID, childLen)
	for i := 0; i < childLen; i++ {
		children[i] = PageID(binary.LittleEndian.Uint64(buf[off+i*8:]))
	}
	return &FreeListInternalNode{Keys: keys, ChildIDs: children}, nil
}

func (n *FreeListInternalNode) ReplaceLastChildID(oldID, newID PageID) error {
	last := len(n.ChildIDs) - 1
	if n.ChildIDs[last] != oldID {
		return umadberr.New(umadberr.Corrupted, "free-list internal node: expected last child %d, found %d", oldID, n.ChildIDs[last])
	}
	n.ChildIDs[last] = newID
	return nil
}

func (n *FreeListInternalNode) AppendPromotedKeyAndPageID(key Tsn, id PageID) {
	n.Keys = append(n.Keys, key)
	n.ChildIDs = append(n.ChildIDs, id)
}

// SplitOff performs the same off-center split as EventInternalNode.SplitOff,
// keyed by Tsn instead of Position (§4.3).
func (n *FreeListInternalNode) SplitOff() (promotedKey Tsn, rightKeys []Tsn, rightChildren []PageID) {
	mid := len(n.Keys) - 2
	promotedKey = n.Keys[mid]
	rightKeys = append([]Tsn(nil), n.Keys[mid+1:]...)
	rightChildren = append([]PageID(nil), n.ChildIDs[mid+1:]...)
	n.Keys = n.Keys[:mid]
	n.ChildIDs = n.ChildIDs[:mid+1]
	return promotedKey, rightKeys, rightChildren
}

// ───────────────────────────────────────────────────────────────────────────
// TSN subtree — a plain PageID-keyed B+Tree used only when a single TSN's
// reclaim set overflows the free-list leaf's inline list (§3, §4.5).
// ───────────────────────────────────────────────────────────────────────────

// TSNSubtreeLeafNode holds an ordered run of freed PageIDs.
type TSNSubtreeLeafNode struct {
	PageIDs []PageID
}

func (n *TSNSubtreeLeafNode) CalcSize() int { return 2 + len(n.PageIDs)*8 }

func (n *TSNSubtreeLeafNode) SerializeInto(buf []byte) int {
	i := 0
	binary.LittleEndian.PutUint16(buf[i:], uint16(len(n.PageIDs)))
	i += 2
	for _, pid := range n.PageIDs {
		binary.LittleEndian.PutUint64(buf[i:], uint64(pid))
		i += 8
	}
	return i
}

func ParseTSNSubtreeLeaf(buf []byte) (*TSNSubtreeLeafNode, error) {
	if len(buf) < 2 {
		return nil, deserErr("expected at least 2 bytes, got %d", len(buf))
	}
	n := int(binary.LittleEndian.Uint16(buf))
	minSize := 2 + n*8
	if len(buf) < minSize {
		return nil, deserErr("expected at least %d bytes, got %d", minSize, len(buf))
	}
	ids := make([]PageID, n)
	for i := 0; i < n; i++ {
		ids[i] = PageID(binary.LittleEndian.Uint64(buf[2+i*8:]))
	}
	return &TSNSubtreeLeafNode{PageIDs: ids}, nil
}

// WouldFitNewPageID reports whether appending one more PageID would keep the
// node within maxSize (an 8-byte delta, the length prefix is already paid for).
func (n *TSNSubtreeLeafNode) WouldFitNewPageID(maxSize int) bool {
	return n.CalcSize()+8 <= maxSize
}

func (n *TSNSubtreeLeafNode) PushPageID(pid PageID) { n.PageIDs = append(n.PageIDs, pid) }

func (n *TSNSubtreeLeafNode) PopLast() PageID {
	last := n.PageIDs[len(n.PageIDs)-1]
	n.PageIDs = n.PageIDs[:len(n.PageIDs)-1]
	return last
}

// TSNSubtreeInternalNode is an internal node of the TSN subtree, keyed by
// PageID. It encodes child-ID count explicitly, like FreeListInternalNode.
type TSNSubtreeInternalNode struct {
	Keys     []PageID
	ChildIDs []PageID
}

func (n *TSNSubtreeInternalNode) CalcSize() int {
	return 2 + len(n.Keys)*8 + 2 + len(n.ChildIDs)*8
}

func (n *TSNSubtreeInternalNode) SerializeInto(buf []byte) int {
	i := 0
	binary.LittleEndian.PutUint16(buf[i:], uint16(len(n.Keys)))
	i += 2
	for _, k := range n.Keys {
		binary.LittleEndian.PutUint64(buf[i:], uint64(k))
		i += 8
	}
	binary.LittleEndian.PutUint16(buf[i:], uint16(len(n.ChildIDs)))
	i += 2
	for _, c := range n.ChildIDs {
		binary.LittleEndian.PutUint64(buf[i:], uint64(c))
		i += 8
	}
	return i
}

func ParseTSNSubtreeInternal(buf []byte) (*TSNSubtreeInternalNode, error) {
	if len(buf) < 2 {
		return nil, deserErr("expected at least 2 bytes, got %d", len(buf))
	}
	keysLen := int(binary.LittleEndian.Uint16(buf))
	minSize := 2 + keysLen*8
	if len(buf) < minSize {
		return nil, deserErr("expected at least %d bytes for keys, got %d", minSize, len(buf))
	}
	keys := make([]PageID, keysLen)
	for i := 0; i < keysLen; i++ {
		keys[i] = PageID(binary.LittleEndian.Uint64(buf[2+i*8:]))
	}
	off := 2 + keysLen*8
	if off+2 > len(buf) {
		return nil, deserErr("unexpected end of data while reading child_ids length")
	}
	childLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	minSize = off + childLen*8
	if len(buf) < minSize {
		return nil, deserErr("expected at least %d bytes for child_ids, got %d", minSize, len(buf))
	}
	children := make([]PageID, childLen)
	for i := 0; i < childLen; i++ {
		children[i] = PageID(binary.LittleEndian.Uint64(buf[off+i*8:]))
	}
	return &TSNSubtreeInternalNode{Keys: keys, ChildIDs: children}, nil
}

// WouldFitNewKeyAndChild reports whether appending one promoted key and its
// child PageID would keep the node within maxSize (a 16-byte delta).
func (n *TSNSubtreeInternalNode) WouldFitNewKeyAndChild(maxSize int) bool {
	return n.CalcSize()+16 <= maxSize
}

func (n *TSNSubtreeInternalNode) ReplaceLastChildID(oldID, newID PageID) error {
	last := len(n.ChildIDs) - 1
	if n.ChildIDs[last] != oldID {
		return umadberr.New(umadberr.Corrupted, "tsn-subtree internal node: expected last child %d, found %d", oldID, n.ChildIDs[last])
	}
	n.ChildIDs[last] = newID
	return nil
}

func (n *TSNSubtreeInternalNode) AppendPromotedKeyAndPageID(key PageID, id PageID) {
	n.Keys = append(n.Keys, key)
	n.ChildIDs = append(n.ChildIDs, id)
}

func (n *TSNSubtreeInternalNode) SplitOff() (promotedKey PageID, rightKeys []PageID, rightChildren []PageID) {
	mid := len(n.Keys) - 2
	promotedKey = n.Keys[mid]
	rightKeys = append([]PageID(nil), n.Keys[mid+1:]...)
	rightChildren = append([]PageID(nil), n.ChildIDs[mid+1:]...)
	n.Keys = n.Keys[:mid]
	n.ChildIDs = n.ChildIDs[:mid+1]
	return promotedKey, rightKeys, rightChildren
}
