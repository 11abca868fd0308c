// Package freelist implements the TSN-keyed B⁺-tree that records, for each
// committed transaction, the set of pages it freed — plus the nested
// PageID-keyed "TSN subtree" used when a single transaction's reclaim set
// would not fit inline (§4.5).
package freelist

import (
	"sort"

	"umadb/internal/codec"
	"umadb/internal/pagefmt"
	"umadb/internal/umadberr"
)

type (
	PageID = pagefmt.PageID
	Tsn    = pagefmt.Tsn
)

// PageSource and DirtyWriter mirror eventtree's interfaces; see there for
// the rationale. Both trees are driven by the same writer session, which
// satisfies both structurally.
type PageSource interface {
	ReadPage(id PageID) ([]byte, error)
}

type DirtyWriter interface {
	PageSource
	Alloc(kind pagefmt.NodeKind) PageID
	Put(id PageID, kind pagefmt.NodeKind, body []byte)
	Free(id PageID)
}

func readNode(ps PageSource, id PageID) (pagefmt.Header, []byte, error) {
	page, err := ps.ReadPage(id)
	if err != nil {
		return pagefmt.Header{}, nil, err
	}
	return pagefmt.UnmarshalHeader(page), pagefmt.Body(page), nil
}

// Insert records that TSN t freed the pages in freed, per the insertion
// algorithm of §4.5, and returns the tree's new root.
func Insert(w DirtyWriter, pageSize int, root PageID, t Tsn, freed []PageID) (PageID, error) {
	if len(freed) == 0 {
		return root, nil
	}

	newRoot, err := insertFirst(w, pageSize, root, t, freed[0])
	if err != nil {
		return root, err
	}
	for _, pid := range freed[1:] {
		newRoot, err = appendToTSN(w, pageSize, newRoot, t, pid)
		if err != nil {
			return root, err
		}
	}
	return newRoot, nil
}

// insertFirst inserts the first (t, [pid]) pair as a brand new rightmost
// leaf entry — TSNs are assigned in strictly increasing order by the MVCC
// controller, so this is always a rightmost append, exactly like the event
// tree.
func insertFirst(w DirtyWriter, pageSize int, root PageID, t Tsn, pid PageID) (PageID, error) {
	if root == pagefmt.NullPageID {
		leaf := &codec.FreeListLeafNode{Keys: []Tsn{t}, Values: []codec.FreeListLeafValue{{PageIDs: []PageID{pid}, RootID: pagefmt.NullPageID}}}
		id := w.Alloc(pagefmt.NodeFreeListLeaf)
		buf := make([]byte, leaf.CalcSize())
		leaf.SerializeInto(buf)
		w.Put(id, pagefmt.NodeFreeListLeaf, buf)
		return id, nil
	}

	newRoot, promoted, rightID, err := insertRightmostNewTSN(w, pageSize, root, t, pid)
	if err != nil {
		return root, err
	}
	if rightID == pagefmt.NullPageID {
		return newRoot, nil
	}
	internal := &codec.FreeListInternalNode{Keys: []Tsn{promoted}, ChildIDs: []PageID{newRoot, rightID}}
	id := w.Alloc(pagefmt.NodeFreeListInternal)
	buf := make([]byte, internal.CalcSize())
	internal.SerializeInto(buf)
	w.Put(id, pagefmt.NodeFreeListInternal, buf)
	return id, nil
}

func insertRightmostNewTSN(w DirtyWriter, pageSize int, id PageID, t Tsn, pid PageID) (PageID, Tsn, PageID, error) {
	hdr, body, err := readNode(w, id)
	if err != nil {
		return id, 0, pagefmt.NullPageID, err
	}

	if hdr.Kind == pagefmt.NodeFreeListLeaf {
		leaf, err := codec.ParseFreeListLeaf(body)
		if err != nil {
			return id, 0, pagefmt.NullPageID, err
		}
		if leaf.WouldFitNewTSN(pagefmt.UsableSize(pageSize)) {
			leaf.PushNewTSN(t, pid)
			newID := putLeaf(w, leaf)
			w.Free(id)
			return newID, 0, pagefmt.NullPageID, nil
		}

		leaf.PushNewTSN(t, pid)
		right := &codec.FreeListLeafNode{}
		for leaf.CalcSize() > pagefmt.UsableSize(pageSize) {
			k, v := leaf.PopLast()
			right.Keys = append([]Tsn{k}, right.Keys...)
			right.Values = append([]codec.FreeListLeafValue{v}, right.Values...)
		}
		leftID := putLeaf(w, leaf)
		rightID := putLeaf(w, right)
		w.Free(id)
		return leftID, right.Keys[0], rightID, nil
	}

	internal, err := codec.ParseFreeListInternal(body)
	if err != nil {
		return id, 0, pagefmt.NullPageID, err
	}
	lastIdx := len(internal.ChildIDs) - 1
	oldChild := internal.ChildIDs[lastIdx]
	newChild, promoted, rightChild, err := insertRightmostNewTSN(w, pageSize, oldChild, t, pid)
	if err != nil {
		return id, 0, pagefmt.NullPageID, err
	}
	return propagateInternal(w, pageSize, id, internal, oldChild, newChild, promoted, rightChild)
}

// appendToTSN adds one more freed PageID to the reclaim set of the most
// recently inserted TSN (always the rightmost entry of the tree), spilling
// the inline list into a TSN subtree if needed (§4.5).
func appendToTSN(w DirtyWriter, pageSize int, root PageID, t Tsn, pid PageID) (PageID, error) {
	newRoot, _, rightID, err := insertRightmostAppend(w, pageSize, root, t, pid)
	if err != nil {
		return root, err
	}
	if rightID != pagefmt.NullPageID {
		return root, umadberr.New(umadberr.Corrupted, "free-list append to existing TSN unexpectedly split the tree")
	}
	return newRoot, nil
}

func insertRightmostAppend(w DirtyWriter, pageSize int, id PageID, t Tsn, pid PageID) (PageID, Tsn, PageID, error) {
	hdr, body, err := readNode(w, id)
	if err != nil {
		return id, 0, pagefmt.NullPageID, err
	}

	if hdr.Kind == pagefmt.NodeFreeListLeaf {
		leaf, err := codec.ParseFreeListLeaf(body)
		if err != nil {
			return id, 0, pagefmt.NullPageID, err
		}
		idx := len(leaf.Keys) - 1
		if idx < 0 || leaf.Keys[idx] != t {
			return id, 0, pagefmt.NullPageID, umadberr.New(umadberr.Corrupted, "free-list leaf %d: expected rightmost TSN %d", id, t)
		}

		if leaf.Values[idx].RootID != pagefmt.NullPageID {
			newSubtreeRoot, err := appendToSubtree(w, pageSize, leaf.Values[idx].RootID, pid)
			if err != nil {
				return id, 0, pagefmt.NullPageID, err
			}
			leaf.Values[idx].RootID = newSubtreeRoot
			newID := putLeaf(w, leaf)
			w.Free(id)
			return newID, 0, pagefmt.NullPageID, nil
		}

		if leaf.WouldFitAdditionalPageID(pagefmt.UsableSize(pageSize)) {
			leaf.PushAdditionalPageID(idx, pid)
			newID := putLeaf(w, leaf)
			w.Free(id)
			return newID, 0, pagefmt.NullPageID, nil
		}

		// Promote the inline list into a fresh TSN subtree holding the
		// existing page IDs plus the new one (§4.5's "Promotion" step).
		subtreeRoot, err := buildSubtree(w, pageSize, append(append([]PageID(nil), leaf.Values[idx].PageIDs...), pid))
		if err != nil {
			return id, 0, pagefmt.NullPageID, err
		}
		leaf.Values[idx].PageIDs = nil
		leaf.Values[idx].RootID = subtreeRoot
		newID := putLeaf(w, leaf)
		w.Free(id)
		return newID, 0, pagefmt.NullPageID, nil
	}

	internal, err := codec.ParseFreeListInternal(body)
	if err != nil {
		return id, 0, pagefmt.NullPageID, err
	}
	lastIdx := len(internal.ChildIDs) - 1
	oldChild := internal.ChildIDs[lastIdx]
	newChild, promoted, rightChild, err := insertRightmostAppend(w, pageSize, oldChild, t, pid)
	if err != nil {
		return id, 0, pagefmt.NullPageID, err
	}
	return propagateInternal(w, pageSize, id, internal, oldChild, newChild, promoted, rightChild)
}

// propagateInternal rewrites id's last child pointer after a child was
// rewritten (and possibly split), splitting id itself if necessary. Shared
// by the two rightmost-insert walks above.
func propagateInternal(w DirtyWriter, pageSize int, id PageID, internal *codec.FreeListInternalNode, oldChild, newChild PageID, promoted Tsn, rightChild PageID) (PageID, Tsn, PageID, error) {
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
	rightInternal := &codec.FreeListInternalNode{Keys: rightKeys, ChildIDs: rightChildren}
	rightID := putInternal(w, rightInternal)
	w.Free(id)
	return leftID, promotedKey, rightID, nil
}

// buildSubtree writes a fresh single-leaf TSN subtree holding pids, in
// order. Callers only invoke this with the modest page counts that result
// from a single promotion, so a single leaf always suffices in practice;
// if it doesn't, it transparently grows into a small tree via the same
// rightmost-append discipline as the outer trees.
func buildSubtree(w DirtyWriter, pageSize int, pids []PageID) (PageID, error) {
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	var root PageID = pagefmt.NullPageID
	for _, pid := range pids {
		var err error
		root, err = appendToSubtree(w, pageSize, root, pid)
		if err != nil {
			return root, err
		}
	}
	return root, nil
}

// appendToSubtree appends pid (the next-largest page id) to the TSN
// subtree rooted at root, splitting as needed.
func appendToSubtree(w DirtyWriter, pageSize int, root PageID, pid PageID) (PageID, error) {
	if root == pagefmt.NullPageID {
		leaf := &codec.TSNSubtreeLeafNode{PageIDs: []PageID{pid}}
		id := w.Alloc(pagefmt.NodeTSNSubtreeLeaf)
		buf := make([]byte, leaf.CalcSize())
		leaf.SerializeInto(buf)
		w.Put(id, pagefmt.NodeTSNSubtreeLeaf, buf)
		return id, nil
	}
	newRoot, promoted, rightID, err := insertRightmostSubtree(w, pageSize, root, pid)
	if err != nil {
		return root, err
	}
	if rightID == pagefmt.NullPageID {
		return newRoot, nil
	}
	internal := &codec.TSNSubtreeInternalNode{Keys: []PageID{promoted}, ChildIDs: []PageID{newRoot, rightID}}
	id := w.Alloc(pagefmt.NodeTSNSubtreeInternal)
	buf := make([]byte, internal.CalcSize())
	internal.SerializeInto(buf)
	w.Put(id, pagefmt.NodeTSNSubtreeInternal, buf)
	return id, nil
}

func insertRightmostSubtree(w DirtyWriter, pageSize int, id PageID, pid PageID) (PageID, PageID, PageID, error) {
	hdr, body, err := readNode(w, id)
	if err != nil {
		return id, 0, pagefmt.NullPageID, err
	}

	if hdr.Kind == pagefmt.NodeTSNSubtreeLeaf {
		leaf, err := codec.ParseTSNSubtreeLeaf(body)
		if err != nil {
			return id, 0, pagefmt.NullPageID, err
		}
		leaf.PushPageID(pid)
		if leaf.CalcSize() <= pagefmt.UsableSize(pageSize) {
			newID := putSubtreeLeaf(w, leaf)
			w.Free(id)
			return newID, 0, pagefmt.NullPageID, nil
		}
		right := &codec.TSNSubtreeLeafNode{}
		for leaf.CalcSize() > pagefmt.UsableSize(pageSize) {
			right.PageIDs = append([]PageID{leaf.PopLast()}, right.PageIDs...)
		}
		leftID := putSubtreeLeaf(w, leaf)
		rightID := putSubtreeLeaf(w, right)
		w.Free(id)
		return leftID, right.PageIDs[0], rightID, nil
	}

	internal, err := codec.ParseTSNSubtreeInternal(body)
	if err != nil {
		return id, 0, pagefmt.NullPageID, err
	}
	lastIdx := len(internal.ChildIDs) - 1
	oldChild := internal.ChildIDs[lastIdx]
	newChild, promoted, rightChild, err := insertRightmostSubtree(w, pageSize, oldChild, pid)
	if err != nil {
		return id, 0, pagefmt.NullPageID, err
	}
	if err := internal.ReplaceLastChildID(oldChild, newChild); err != nil {
		return id, 0, pagefmt.NullPageID, err
	}
	if rightChild == pagefmt.NullPageID {
		newID := putSubtreeInternal(w, internal)
		w.Free(id)
		return newID, 0, pagefmt.NullPageID, nil
	}
	internal.AppendPromotedKeyAndPageID(promoted, rightChild)
	if internal.CalcSize() <= pagefmt.UsableSize(pageSize) {
		newID := putSubtreeInternal(w, internal)
		w.Free(id)
		return newID, 0, pagefmt.NullPageID, nil
	}
	promotedKey, rightKeys, rightChildren := internal.SplitOff()
	leftID := putSubtreeInternal(w, internal)
	rightInternal := &codec.TSNSubtreeInternalNode{Keys: rightKeys, ChildIDs: rightChildren}
	rightID := putSubtreeInternal(w, rightInternal)
	w.Free(id)
	return leftID, promotedKey, rightID, nil
}

// Harvest walks the free-list tree in ascending TSN order and returns the
// reclaim sets of every TSN strictly less than belowTSN, until it has
// gathered at least want PageIDs or runs out of eligible TSNs — the pool
// assembly step of the commit protocol (§4.6 step 2). subtreeGarbage holds
// the TSN-subtree's own node pages for any harvested entry that had spilled
// out of the inline list: those pages are not in the reclaim pool (their
// content already is, flattened) but become free once Rebuild drops the
// entries that pointed at them.
func Harvest(ps PageSource, root PageID, belowTSN Tsn, want int) (pool []PageID, harvested []Tsn, subtreeGarbage []PageID, err error) {
	if root == pagefmt.NullPageID {
		return nil, nil, nil, nil
	}
	err = walkAscending(ps, root, func(t Tsn, v codec.FreeListLeafValue) (bool, error) {
		if t >= belowTSN {
			return false, nil
		}
		pids, nodes, err := reclaimSet(ps, v)
		if err != nil {
			return false, err
		}
		pool = append(pool, pids...)
		subtreeGarbage = append(subtreeGarbage, nodes...)
		harvested = append(harvested, t)
		return len(pool) < want, nil
	})
	return pool, harvested, subtreeGarbage, err
}

// reclaimSet returns a harvested entry's freed PageIDs (its reclaim pool
// contribution) and, if it spilled into a TSN subtree, that subtree's own
// node pages (now-garbage metadata, distinct from the data they held).
func reclaimSet(ps PageSource, v codec.FreeListLeafValue) (pageIDs []PageID, subtreeNodes []PageID, err error) {
	if v.RootID == pagefmt.NullPageID {
		return append([]PageID(nil), v.PageIDs...), nil, nil
	}
	return readSubtreeAll(ps, v.RootID)
}

func readSubtreeAll(ps PageSource, root PageID) (pageIDs []PageID, nodeIDs []PageID, err error) {
	if root == pagefmt.NullPageID {
		return nil, nil, nil
	}
	var walk func(id PageID) error
	walk = func(id PageID) error {
		hdr, body, err := readNode(ps, id)
		if err != nil {
			return err
		}
		nodeIDs = append(nodeIDs, id)
		if hdr.Kind == pagefmt.NodeTSNSubtreeLeaf {
			leaf, err := codec.ParseTSNSubtreeLeaf(body)
			if err != nil {
				return err
			}
			pageIDs = append(pageIDs, leaf.PageIDs...)
			return nil
		}
		internal, err := codec.ParseTSNSubtreeInternal(body)
		if err != nil {
			return err
		}
		for _, c := range internal.ChildIDs {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, nil, err
	}
	return pageIDs, nodeIDs, nil
}

// Rebuild walks the free-list tree rooted at oldRoot and builds a fresh
// tree containing every entry except those whose TSN is in skip, freeing
// every old free-list-tree page along the way (§4.3's "garbage-collects
// entire subtrees by freeing their pages when the TSN is reclaimed"). It is
// a linear rebuild rather than an in-place B⁺-tree delete: the tree has no
// merge-on-delete support by design (§4.3), and the number of surviving
// entries is small enough that reinserting them is cheap.
func Rebuild(w DirtyWriter, pageSize int, oldRoot PageID, skip map[Tsn]bool) (PageID, error) {
	if oldRoot == pagefmt.NullPageID {
		return oldRoot, nil
	}

	type entry struct {
		t Tsn
		v codec.FreeListLeafValue
	}
	var survivors []entry
	var oldNodes []PageID

	var walk func(id PageID) error
	walk = func(id PageID) error {
		hdr, body, err := readNode(w, id)
		if err != nil {
			return err
		}
		oldNodes = append(oldNodes, id)
		if hdr.Kind == pagefmt.NodeFreeListLeaf {
			leaf, err := codec.ParseFreeListLeaf(body)
			if err != nil {
				return err
			}
			for i, t := range leaf.Keys {
				if skip[t] {
					continue
				}
				survivors = append(survivors, entry{t: t, v: leaf.Values[i]})
			}
			return nil
		}
		internal, err := codec.ParseFreeListInternal(body)
		if err != nil {
			return err
		}
		for _, c := range internal.ChildIDs {
			if err := walk(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(oldRoot); err != nil {
		return oldRoot, err
	}

	for _, id := range oldNodes {
		w.Free(id)
	}

	var newRoot PageID = pagefmt.NullPageID
	for _, s := range survivors {
		var err error
		newRoot, err = appendEntry(w, pageSize, newRoot, s.t, s.v)
		if err != nil {
			return oldRoot, err
		}
	}
	return newRoot, nil
}

// appendEntry appends one complete, pre-built (tsn, value) pair as the new
// rightmost leaf entry — used by Rebuild to reinsert survivors, which (unlike
// Insert's single-PageID growth) may already carry a multi-page inline list
// or an existing TSN subtree pointer that must be preserved as-is.
func appendEntry(w DirtyWriter, pageSize int, root PageID, t Tsn, v codec.FreeListLeafValue) (PageID, error) {
	if root == pagefmt.NullPageID {
		leaf := &codec.FreeListLeafNode{Keys: []Tsn{t}, Values: []codec.FreeListLeafValue{v}}
		id := w.Alloc(pagefmt.NodeFreeListLeaf)
		buf := make([]byte, leaf.CalcSize())
		leaf.SerializeInto(buf)
		w.Put(id, pagefmt.NodeFreeListLeaf, buf)
		return id, nil
	}
	newRoot, promoted, rightID, err := insertRightmostEntry(w, pageSize, root, t, v)
	if err != nil {
		return root, err
	}
	if rightID == pagefmt.NullPageID {
		return newRoot, nil
	}
	internal := &codec.FreeListInternalNode{Keys: []Tsn{promoted}, ChildIDs: []PageID{newRoot, rightID}}
	id := w.Alloc(pagefmt.NodeFreeListInternal)
	buf := make([]byte, internal.CalcSize())
	internal.SerializeInto(buf)
	w.Put(id, pagefmt.NodeFreeListInternal, buf)
	return id, nil
}

func insertRightmostEntry(w DirtyWriter, pageSize int, id PageID, t Tsn, v codec.FreeListLeafValue) (PageID, Tsn, PageID, error) {
	hdr, body, err := readNode(w, id)
	if err != nil {
		return id, 0, pagefmt.NullPageID, err
	}

	if hdr.Kind == pagefmt.NodeFreeListLeaf {
		leaf, err := codec.ParseFreeListLeaf(body)
		if err != nil {
			return id, 0, pagefmt.NullPageID, err
		}
		if leaf.WouldFitEntry(pagefmt.UsableSize(pageSize), v) {
			leaf.PushEntry(t, v)
			newID := putLeaf(w, leaf)
			w.Free(id)
			return newID, 0, pagefmt.NullPageID, nil
		}

		leaf.PushEntry(t, v)
		right := &codec.FreeListLeafNode{}
		for leaf.CalcSize() > pagefmt.UsableSize(pageSize) {
			k, val := leaf.PopLast()
			right.Keys = append([]Tsn{k}, right.Keys...)
			right.Values = append([]codec.FreeListLeafValue{val}, right.Values...)
		}
		leftID := putLeaf(w, leaf)
		rightID := putLeaf(w, right)
		w.Free(id)
		return leftID, right.Keys[0], rightID, nil
	}

	internal, err := codec.ParseFreeListInternal(body)
	if err != nil {
		return id, 0, pagefmt.NullPageID, err
	}
	lastIdx := len(internal.ChildIDs) - 1
	oldChild := internal.ChildIDs[lastIdx]
	newChild, promoted, rightChild, err := insertRightmostEntry(w, pageSize, oldChild, t, v)
	if err != nil {
		return id, 0, pagefmt.NullPageID, err
	}
	return propagateInternal(w, pageSize, id, internal, oldChild, newChild, promoted, rightChild)
}

// walkAscending visits every (tsn, value) pair in key order, calling fn for
// each; fn returns whether to continue.
func walkAscending(ps PageSource, root PageID, fn func(Tsn, codec.FreeListLeafValue) (bool, error)) error {
	hdr, body, err := readNode(ps, root)
	if err != nil {
		return err
	}
	if hdr.Kind == pagefmt.NodeFreeListLeaf {
		leaf, err := codec.ParseFreeListLeaf(body)
		if err != nil {
			return err
		}
		for i, t := range leaf.Keys {
			cont, err := fn(t, leaf.Values[i])
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	}
	internal, err := codec.ParseFreeListInternal(body)
	if err != nil {
		return err
	}
	stopped := false
	guarded := func(t Tsn, v codec.FreeListLeafValue) (bool, error) {
		cont, err := fn(t, v)
		if !cont {
			stopped = true
		}
		return cont, err
	}
	for _, c := range internal.ChildIDs {
		if err := walkAscending(ps, c, guarded); err != nil {
			return err
		}
		if stopped {
			return nil
		}
	}
	return nil
}

func putLeaf(w DirtyWriter, leaf *codec.FreeListLeafNode) PageID {
	id := w.Alloc(pagefmt.NodeFreeListLeaf)
	buf := make([]byte, leaf.CalcSize())
	leaf.SerializeInto(buf)
	w.Put(id, pagefmt.NodeFreeListLeaf, buf)
	return id
}

func putInternal(w DirtyWriter, internal *codec.FreeListInternalNode) PageID {
	id := w.Alloc(pagefmt.NodeFreeListInternal)
	buf := make([]byte, internal.CalcSize())
	internal.SerializeInto(buf)
	w.Put(id, pagefmt.NodeFreeListInternal, buf)
	return id
}

func putSubtreeLeaf(w DirtyWriter, leaf *codec.TSNSubtreeLeafNode) PageID {
	id := w.Alloc(pagefmt.NodeTSNSubtreeLeaf)
	buf := make([]byte, leaf.CalcSize())
	leaf.SerializeInto(buf)
	w.Put(id, pagefmt.NodeTSNSubtreeLeaf, buf)
	return id
}

func putSubtreeInternal(w DirtyWriter, internal *codec.TSNSubtreeInternalNode) PageID {
	id := w.Alloc(pagefmt.NodeTSNSubtreeInternal)
	buf := make([]byte, internal.CalcSize())
	internal.SerializeInto(buf)
	w.Put(id, pagefmt.NodeTSNSubtreeInternal, buf)
	return id
}
