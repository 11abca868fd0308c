// Package umadb is the append-only event database's storage core: paged
// storage, copy-on-write MVCC B⁺-trees, overflow chains for oversized
// payloads, and the commit/reclaim protocol that makes snapshots atomic
// and old versions reclaimable (§1).
package umadb

import (
	"sort"
	"sync"

	"umadb/internal/codec"
	"umadb/internal/eventtree"
	"umadb/internal/freelist"
	"umadb/internal/pagefmt"
	"umadb/internal/pager"
	"umadb/internal/umadberr"
)

// tentativeBit marks a PageID as a within-transaction placeholder, never
// written to disk. Db.Commit assigns every tentative id a concrete
// PageID (from the reclaim pool or the high-water mark) before anything is
// flushed (§4.6 step 3).
const tentativeBit PageID = 1 << 63

func isTentative(id PageID) bool { return id&tentativeBit != 0 }

// Options configures Open.
type Options struct {
	// PageSize is the page size a new database is created with. Ignored
	// when opening an existing file, whose own page size always wins.
	PageSize int

	// OverflowThreshold is the inline/overflow cutoff, in bytes of inline
	// value encoding (§4.4). Zero selects the default: half of a leaf's
	// usable space.
	OverflowThreshold int
}

// snapshot is the currently-committed root state (§4.6).
type snapshot struct {
	Tsn              Tsn
	EventRoot        PageID
	FreeRoot         PageID
	NextPageID       PageID
	OldestLiveReader Tsn
}

// Db is an open database. Exactly one Writer may be active at a time;
// readers are unlimited and never block on, or are blocked by, a writer
// (§4.6, §5).
type Db struct {
	pager             *pager.Pager
	pageSize          int
	overflowThreshold int

	writerMu sync.Mutex // held for the lifetime of one Writer

	snapMu sync.RWMutex
	snap   snapshot
}

// Open opens an existing database file or creates a new, empty one.
func Open(path string, opts Options) (*Db, error) {
	p, err := pager.Open(pager.Config{Path: path, PageSize: opts.PageSize})
	if err != nil {
		return nil, err
	}
	sb := p.Superblock()

	overflowThreshold := opts.OverflowThreshold
	if overflowThreshold == 0 {
		overflowThreshold = eventtree.OverflowThreshold(p.PageSize())
	}

	db := &Db{
		pager:             p,
		pageSize:          p.PageSize(),
		overflowThreshold: overflowThreshold,
		snap: snapshot{
			Tsn:              sb.Tsn,
			EventRoot:        sb.EventRoot,
			FreeRoot:         sb.FreeRoot,
			NextPageID:       sb.NextPageID,
			OldestLiveReader: sb.OldestLiveReader,
		},
	}
	return db, nil
}

// Close closes the underlying file. It does not fsync; every successful
// Commit has already made its pages and superblock durable.
func (db *Db) Close() error { return db.pager.Close() }

// Stats is a snapshot of the controller's bookkeeping, useful for
// monitoring (§9's open question about an unadvanced oldest-live-reader
// TSN — see DESIGN.md).
type Stats struct {
	Tsn              Tsn
	OldestLiveReader Tsn
	NextPageID       PageID
}

// Stats reports the current committed snapshot's counters.
func (db *Db) Stats() Stats {
	db.snapMu.RLock()
	defer db.snapMu.RUnlock()
	return Stats{Tsn: db.snap.Tsn, OldestLiveReader: db.snap.OldestLiveReader, NextPageID: db.snap.NextPageID}
}

// SetOldestLiveReaderTsn advises the controller that no reader older than t
// remains; the next commit may reclaim pages freed at TSNs below t. The
// source does not prescribe who calls this (§9) — it belongs to whatever
// tracks reader lifetimes above the core.
func (db *Db) SetOldestLiveReaderTsn(t Tsn) {
	db.snapMu.Lock()
	defer db.snapMu.Unlock()
	db.snap.OldestLiveReader = t
}

// dirtyPage is one entry in a writer's in-memory dirty set: a node body
// (everything after the page header) plus the kind needed to reconstruct
// the header and to dispatch codec parsing.
type dirtyPage struct {
	kind pagefmt.NodeKind
	body []byte
}

// session is the Writer-scoped implementation of eventtree.DirtyWriter and
// freelist.DirtyWriter. Both tree packages only ever see this interface,
// never the pager directly, so every page they touch flows through the
// tentative-id bookkeeping the commit protocol depends on.
type session struct {
	pg            *pager.Pager
	pageSize      int
	nextTentative PageID
	dirty         map[PageID]dirtyPage
	freedSet      map[PageID]struct{}
}

func newSession(pg *pager.Pager, pageSize int) *session {
	return &session{
		pg:            pg,
		pageSize:      pageSize,
		nextTentative: tentativeBit + 1,
		dirty:         make(map[PageID]dirtyPage),
		freedSet:      make(map[PageID]struct{}),
	}
}

func (s *session) ReadPage(id PageID) ([]byte, error) {
	if isTentative(id) {
		d, ok := s.dirty[id]
		if !ok {
			return nil, umadberr.New(umadberr.NotFound, "tentative page %d not found in dirty set", id)
		}
		buf := make([]byte, s.pageSize)
		pagefmt.MarshalHeader(pagefmt.Header{ID: id, Kind: d.kind}, buf)
		copy(buf[pagefmt.PageHeaderSize:], d.body)
		return buf, nil
	}
	return s.pg.ReadPage(id)
}

func (s *session) Alloc(kind pagefmt.NodeKind) PageID {
	id := s.nextTentative
	s.nextTentative++
	return id
}

func (s *session) Put(id PageID, kind pagefmt.NodeKind, body []byte) {
	s.dirty[id] = dirtyPage{kind: kind, body: body}
}

func (s *session) Free(id PageID) {
	if isTentative(id) {
		delete(s.dirty, id)
		return
	}
	s.freedSet[id] = struct{}{}
}

// discardFrom drops every tentative dirty page allocated at or after mark —
// used to throw away a fixpoint iteration's free-list pages before retrying
// with a larger freed set (§4.6 step 4).
func (s *session) discardFrom(mark PageID) {
	for id := mark; id < s.nextTentative; id++ {
		delete(s.dirty, id)
	}
}

func (s *session) sortedFreed() []PageID {
	out := make([]PageID, 0, len(s.freedSet))
	for id := range s.freedSet {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Writer is the single active mutator of a Db (§4.6). It accumulates
// copy-on-write changes in a dirty set that only becomes visible to readers
// once Db.Commit succeeds.
type Writer struct {
	db        *Db
	s         *session
	eventRoot PageID
	closed    bool
}

// Writer opens the exclusive writer. It blocks until any previous writer
// has committed or been discarded (§5's single-writer scheduling model).
func (db *Db) Writer() *Writer {
	db.writerMu.Lock()
	db.snapMu.RLock()
	base := db.snap
	db.snapMu.RUnlock()
	return &Writer{
		db:        db,
		s:         newSession(db.pager, db.pageSize),
		eventRoot: base.EventRoot,
	}
}

// Append inserts events in order at the end of the event tree and returns
// their assigned positions. It does not touch disk; the change is only
// durable after Db.Commit succeeds.
func (w *Writer) Append(recs []EventRecord) ([]Position, error) {
	if w.closed {
		return nil, umadberr.New(umadberr.Corrupted, "writer already committed or discarded")
	}
	treeRecs := make([]eventtree.Record, len(recs))
	for i, r := range recs {
		treeRecs[i] = toTreeRecord(r)
	}
	newRoot, positions, err := eventtree.Append(w.s, w.db.pageSize, w.db.overflowThreshold, w.eventRoot, treeRecs)
	if err != nil {
		return nil, err
	}
	w.eventRoot = newRoot
	return positions, nil
}

// Discard abandons the writer without touching disk, releasing the
// exclusive writer slot (§5's cancellation guarantee: safe before commit
// begins writing the superblock).
func (w *Writer) Discard() {
	if w.closed {
		return
	}
	w.closed = true
	w.db.writerMu.Unlock()
}

// Commit runs the seven-step commit protocol of §4.6 and, on success,
// returns the new Tsn and makes the writer's changes visible to new
// readers. The writer is always released, whether commit succeeds or not.
func (db *Db) Commit(w *Writer) (Tsn, error) {
	defer w.Discard()
	if w.closed {
		return 0, umadberr.New(umadberr.Corrupted, "writer already committed or discarded")
	}

	db.snapMu.RLock()
	base := db.snap
	db.snapMu.RUnlock()

	// Empty commit: nothing changed, nothing to make durable (§4.6
	// "Empty commit").
	if len(w.s.dirty) == 0 && w.eventRoot == base.EventRoot {
		return base.Tsn, nil
	}

	t := base.Tsn + 1

	// Step 2/4 (reordered, see DESIGN.md): fold every page this writer's
	// tree edits shadowed into the free-list tree at TSN t, looping until
	// the insertion itself stops producing more shadowed pages.
	freeRoot := base.FreeRoot
	for {
		mark := w.s.nextTentative
		before := len(w.s.freedSet)
		F := w.s.sortedFreed()
		newFreeRoot, err := freelist.Insert(w.s, db.pageSize, base.FreeRoot, t, F)
		if err != nil {
			return 0, err
		}
		if len(w.s.freedSet) == before {
			freeRoot = newFreeRoot
			break
		}
		w.s.discardFrom(mark)
	}

	// Step 2: harvest reclaimable pages from TSNs older than the oldest
	// live reader, then drop those entries from the free-list tree.
	want := len(w.s.dirty)
	pool, harvestedTSNs, subtreeGarbage, err := freelist.Harvest(db.pager, base.FreeRoot, base.OldestLiveReader, want)
	if err != nil {
		return 0, err
	}
	if len(harvestedTSNs) > 0 {
		skip := make(map[Tsn]bool, len(harvestedTSNs)+1)
		for _, ht := range harvestedTSNs {
			skip[ht] = true
		}
		// The t-keyed entry loop 1 already inserted into freeRoot must also
		// be dropped as a non-survivor here, or the Insert below produces a
		// second entry keyed t instead of replacing the first.
		skip[t] = true
		for _, id := range subtreeGarbage {
			w.s.Free(id)
		}
		// Rebuild runs once: it drops freeRoot's tentative pages from the
		// dirty set, so a retry could not read freeRoot again. The rebuilt
		// tree is all tentative, so the inserts below free no committed page.
		rebuilt, err := freelist.Rebuild(w.s, db.pageSize, freeRoot, skip)
		if err != nil {
			return 0, err
		}
		for {
			mark := w.s.nextTentative
			before := len(w.s.freedSet)
			F := w.s.sortedFreed()
			inserted, err := freelist.Insert(w.s, db.pageSize, rebuilt, t, F)
			if err != nil {
				return 0, err
			}
			if len(w.s.freedSet) == before {
				freeRoot = inserted
				break
			}
			w.s.discardFrom(mark)
		}
	}

	// Step 3: assign concrete PageIDs — reclaim pool first, then the
	// high-water mark — to every dirty tentative page.
	tentativeIDs := make([]PageID, 0, len(w.s.dirty))
	for id := range w.s.dirty {
		tentativeIDs = append(tentativeIDs, id)
	}
	sort.Slice(tentativeIDs, func(i, j int) bool { return tentativeIDs[i] < tentativeIDs[j] })

	mapping := make(map[PageID]PageID, len(tentativeIDs))
	nextPageID := base.NextPageID
	poolIdx := 0
	for _, id := range tentativeIDs {
		if poolIdx < len(pool) {
			mapping[id] = pool[poolIdx]
			poolIdx++
			continue
		}
		mapping[id] = nextPageID
		nextPageID++
	}
	remap := func(id PageID) PageID {
		if isTentative(id) {
			return mapping[id]
		}
		return id
	}

	pages := make([]pager.Page, 0, len(tentativeIDs))
	for _, id := range tentativeIDs {
		d := w.s.dirty[id]
		realID := mapping[id]
		body, err := remapNode(d.kind, d.body, remap)
		if err != nil {
			return 0, err
		}
		buf := db.pager.NewPage(d.kind, realID)
		copy(buf[pagefmt.PageHeaderSize:], body)
		pagefmt.SetCRC(buf)
		pages = append(pages, pager.Page{ID: realID, Body: buf})
	}

	finalEventRoot := remap(w.eventRoot)
	finalFreeRoot := remap(freeRoot)

	// Step 5.
	if len(pages) > 0 {
		if err := db.pager.WriteBatch(pages); err != nil {
			return 0, err
		}
		if err := db.pager.Fsync(); err != nil {
			return 0, err
		}
	}

	// Step 6.
	sb := &pagefmt.Superblock{
		PageSize:         uint32(db.pageSize),
		Tsn:              t,
		EventRoot:        finalEventRoot,
		FreeRoot:         finalFreeRoot,
		NextPageID:       nextPageID,
		OldestLiveReader: base.OldestLiveReader,
	}
	if err := db.pager.CommitSuperblock(sb); err != nil {
		return 0, err
	}

	// Step 7: publish the new snapshot.
	db.snapMu.Lock()
	db.snap = snapshot{
		Tsn:              t,
		EventRoot:        finalEventRoot,
		FreeRoot:         finalFreeRoot,
		NextPageID:       nextPageID,
		OldestLiveReader: base.OldestLiveReader,
	}
	db.snapMu.Unlock()

	return t, nil
}

// remapNode rewrites every PageID field in a dirty page's body that points
// at another node (child pointers, overflow-chain links, TSN-subtree
// roots) from its tentative value to its just-assigned real one. Fields
// that merely carry PageID-typed data — a TSN subtree's own keys, a
// free-list leaf's raw freed-page list — are left untouched.
func remapNode(kind pagefmt.NodeKind, body []byte, remap func(PageID) PageID) ([]byte, error) {
	switch kind {
	case pagefmt.NodeEventLeaf:
		n, err := codec.ParseEventLeaf(body)
		if err != nil {
			return nil, err
		}
		for i := range n.Values {
			if n.Values[i].Overflow {
				n.Values[i].RootID = remap(n.Values[i].RootID)
			}
		}
		buf := make([]byte, n.CalcSize())
		n.SerializeInto(buf)
		return buf, nil

	case pagefmt.NodeEventInternal:
		n, err := codec.ParseEventInternal(body)
		if err != nil {
			return nil, err
		}
		for i := range n.ChildIDs {
			n.ChildIDs[i] = remap(n.ChildIDs[i])
		}
		buf := make([]byte, n.CalcSize())
		n.SerializeInto(buf)
		return buf, nil

	case pagefmt.NodeEventOverflow:
		n, err := codec.ParseEventOverflow(body)
		if err != nil {
			return nil, err
		}
		if n.Next != pagefmt.NullPageID {
			n.Next = remap(n.Next)
		}
		buf := make([]byte, n.CalcSize())
		n.SerializeInto(buf)
		return buf, nil

	case pagefmt.NodeFreeListLeaf:
		n, err := codec.ParseFreeListLeaf(body)
		if err != nil {
			return nil, err
		}
		for i := range n.Values {
			if n.Values[i].RootID != pagefmt.NullPageID {
				n.Values[i].RootID = remap(n.Values[i].RootID)
			}
		}
		buf := make([]byte, n.CalcSize())
		n.SerializeInto(buf)
		return buf, nil

	case pagefmt.NodeFreeListInternal:
		n, err := codec.ParseFreeListInternal(body)
		if err != nil {
			return nil, err
		}
		for i := range n.ChildIDs {
			n.ChildIDs[i] = remap(n.ChildIDs[i])
		}
		buf := make([]byte, n.CalcSize())
		n.SerializeInto(buf)
		return buf, nil

	case pagefmt.NodeTSNSubtreeLeaf:
		// PageIDs here are freed-page data, not pointers — nothing to remap.
		n, err := codec.ParseTSNSubtreeLeaf(body)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, n.CalcSize())
		n.SerializeInto(buf)
		return buf, nil

	case pagefmt.NodeTSNSubtreeInternal:
		n, err := codec.ParseTSNSubtreeInternal(body)
		if err != nil {
			return nil, err
		}
		for i := range n.ChildIDs {
			n.ChildIDs[i] = remap(n.ChildIDs[i])
		}
		buf := make([]byte, n.CalcSize())
		n.SerializeInto(buf)
		return buf, nil

	default:
		return nil, umadberr.New(umadberr.Corrupted, "unknown node kind %s in dirty set", kind)
	}
}

// Reader is a read-only snapshot captured at a point in time (§4.6). Reads
// through it are never blocked by, and never block, a concurrent Writer.
type Reader struct {
	pg        *pager.Pager
	eventRoot PageID
	tsn       Tsn
}

// Reader captures the currently-committed snapshot.
func (db *Db) Reader() *Reader {
	db.snapMu.RLock()
	defer db.snapMu.RUnlock()
	return &Reader{pg: db.pager, eventRoot: db.snap.EventRoot, tsn: db.snap.Tsn}
}

// Tsn returns the TSN this reader's snapshot was captured at.
func (r *Reader) Tsn() Tsn { return r.tsn }

// Head returns the largest position stored in the tree, or false if empty.
func (r *Reader) Head() (Position, bool, error) {
	return eventtree.Head(r.pg, r.eventRoot)
}

// Get performs a point lookup, reassembling the overflow chain when needed.
func (r *Reader) Get(pos Position) (Event, bool, error) {
	e, ok, err := eventtree.Get(r.pg, r.eventRoot, pos)
	if err != nil || !ok {
		return Event{}, ok, err
	}
	return fromTreeEvent(e), true, nil
}

// Range returns up to limit events starting at the first position >= from.
func (r *Reader) Range(from Position, limit int) ([]Event, error) {
	events, err := eventtree.Range(r.pg, r.eventRoot, from, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = fromTreeEvent(e)
	}
	return out, nil
}
