package freelist

import (
	"fmt"
	"testing"

	"umadb/internal/codec"
	"umadb/internal/pagefmt"
)

// memWriter mirrors eventtree's test harness: sequential PageIDs, no
// tentative-id distinction, good enough to drive the tree in isolation.
type memWriter struct {
	pages    map[PageID][]byte
	pageSize int
	next     PageID
}

func newMemWriter(pageSize int) *memWriter {
	return &memWriter{pages: make(map[PageID][]byte), pageSize: pageSize, next: 1}
}

func (m *memWriter) ReadPage(id PageID) ([]byte, error) {
	buf, ok := m.pages[id]
	if !ok {
		return nil, fmt.Errorf("no such page %d", id)
	}
	return buf, nil
}

func (m *memWriter) Alloc(kind pagefmt.NodeKind) PageID {
	id := m.next
	m.next++
	return id
}

func (m *memWriter) Put(id PageID, kind pagefmt.NodeKind, body []byte) {
	buf := pagefmt.NewPage(m.pageSize, kind, id)
	copy(buf[pagefmt.PageHeaderSize:], body)
	m.pages[id] = buf
}

func (m *memWriter) Free(id PageID) {
	delete(m.pages, id)
}

const testPageSize = 512

func collectAll(t *testing.T, w *memWriter, root PageID) map[Tsn][]PageID {
	t.Helper()
	out := make(map[Tsn][]PageID)
	if root == pagefmt.NullPageID {
		return out
	}
	err := walkAscending(w, root, func(tsn Tsn, v codec.FreeListLeafValue) (bool, error) {
		ids, _, err := reclaimSet(w, v)
		if err != nil {
			return false, err
		}
		out[tsn] = ids
		return true, nil
	})
	if err != nil {
		t.Fatalf("walkAscending: %v", err)
	}
	return out
}

func TestInsertAndHarvestSmallSets(t *testing.T) {
	w := newMemWriter(testPageSize)
	var root PageID
	var err error

	for tsn := Tsn(1); tsn <= 5; tsn++ {
		root, err = Insert(w, testPageSize, root, tsn, []PageID{PageID(tsn * 10), PageID(tsn*10 + 1)})
		if err != nil {
			t.Fatalf("Insert(%d): %v", tsn, err)
		}
	}

	got := collectAll(t, w, root)
	if len(got) != 5 {
		t.Fatalf("expected 5 TSN entries, got %d", len(got))
	}
	if ids := got[3]; len(ids) != 2 || ids[0] != 30 || ids[1] != 31 {
		t.Fatalf("tsn 3: got %v", ids)
	}

	pool, harvested, garbage, err := Harvest(w, root, 4, 100)
	if err != nil {
		t.Fatalf("Harvest: %v", err)
	}
	if len(harvested) != 3 {
		t.Fatalf("expected TSNs 1,2,3 harvested, got %v", harvested)
	}
	if len(pool) != 6 {
		t.Fatalf("expected 6 pooled PageIDs, got %v", pool)
	}
	if len(garbage) != 0 {
		t.Fatalf("expected no subtree garbage for inline-only entries, got %v", garbage)
	}

	skip := make(map[Tsn]bool)
	for _, tsn := range harvested {
		skip[tsn] = true
	}
	newRoot, err := Rebuild(w, testPageSize, root, skip)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	remaining := collectAll(t, w, newRoot)
	if len(remaining) != 2 {
		t.Fatalf("expected 2 TSN entries left after rebuild, got %d: %v", len(remaining), remaining)
	}
	if _, ok := remaining[4]; !ok {
		t.Fatalf("tsn 4 should have survived rebuild, got %v", remaining)
	}
	if _, ok := remaining[1]; ok {
		t.Fatalf("tsn 1 should have been dropped by rebuild, got %v", remaining)
	}
}

func TestInsertSpillsIntoSubtree(t *testing.T) {
	w := newMemWriter(testPageSize)
	var root PageID

	many := make([]PageID, 0, 80)
	for i := 0; i < 80; i++ {
		many = append(many, PageID(1000+i))
	}
	root, err := Insert(w, testPageSize, root, 1, many)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got := collectAll(t, w, root)
	if len(got[1]) != len(many) {
		t.Fatalf("expected %d page ids back for tsn 1, got %d", len(many), len(got[1]))
	}
	seen := make(map[PageID]bool, len(got[1]))
	for _, id := range got[1] {
		seen[id] = true
	}
	for _, id := range many {
		if !seen[id] {
			t.Fatalf("page id %d missing after spill into subtree", id)
		}
	}

	pool, harvested, garbage, err := Harvest(w, root, 2, 1000)
	if err != nil {
		t.Fatalf("Harvest: %v", err)
	}
	if len(harvested) != 1 || len(pool) != len(many) {
		t.Fatalf("harvest: harvested=%v pool_len=%d", harvested, len(pool))
	}
	if len(garbage) == 0 {
		t.Fatalf("expected harvesting a spilled TSN to report subtree garbage")
	}
}

func TestHarvestRespectsWatermark(t *testing.T) {
	w := newMemWriter(testPageSize)
	var root PageID
	var err error
	for tsn := Tsn(1); tsn <= 3; tsn++ {
		root, err = Insert(w, testPageSize, root, tsn, []PageID{PageID(tsn)})
		if err != nil {
			t.Fatalf("Insert(%d): %v", tsn, err)
		}
	}
	pool, harvested, _, err := Harvest(w, root, 1, 100)
	if err != nil {
		t.Fatalf("Harvest: %v", err)
	}
	if len(harvested) != 0 || len(pool) != 0 {
		t.Fatalf("expected nothing harvestable below tsn 1, got harvested=%v pool=%v", harvested, pool)
	}
}
