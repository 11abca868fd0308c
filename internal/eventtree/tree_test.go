package eventtree

import (
	"fmt"
	"testing"

	"umadb/internal/pagefmt"
)

// memWriter is a minimal in-memory DirtyWriter: every Alloc hands out the
// next sequential PageID and Put/Free operate directly on a map, with no
// tentative-id distinction. Good enough to exercise the tree algorithms in
// isolation from the pager and the commit protocol.
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

func TestAppendAndGet(t *testing.T) {
	w := newMemWriter(testPageSize)
	threshold := OverflowThreshold(testPageSize)

	var root PageID
	recs := []Record{
		{EventType: "a", Data: []byte("hello")},
		{EventType: "b", Data: []byte("world")},
	}
	root, positions, err := Append(w, testPageSize, threshold, root, recs)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(positions) != 2 || positions[0] != 0 || positions[1] != 1 {
		t.Fatalf("positions: got %v", positions)
	}

	for i, pos := range positions {
		ev, ok, err := Get(w, root, pos)
		if err != nil {
			t.Fatalf("Get(%d): %v", pos, err)
		}
		if !ok {
			t.Fatalf("Get(%d): not found", pos)
		}
		if ev.Record.EventType != recs[i].EventType || string(ev.Record.Data) != string(recs[i].Data) {
			t.Errorf("Get(%d): got %+v want %+v", pos, ev.Record, recs[i])
		}
	}

	head, ok, err := Head(w, root)
	if err != nil || !ok || head != 1 {
		t.Fatalf("Head: got (%d, %v, %v), want (1, true, nil)", head, ok, err)
	}

	if _, ok, err := Get(w, root, 99); err != nil || ok {
		t.Fatalf("Get(99) on a 2-event tree: got ok=%v err=%v, want ok=false", ok, err)
	}
}

func TestAppendForcesSplit(t *testing.T) {
	w := newMemWriter(testPageSize)
	threshold := OverflowThreshold(testPageSize)

	var root PageID
	var allPositions []Position
	for i := 0; i < 200; i++ {
		recs := []Record{{EventType: "t", Data: []byte(fmt.Sprintf("payload-%04d", i))}}
		var positions []Position
		var err error
		root, positions, err = Append(w, testPageSize, threshold, root, recs)
		if err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
		allPositions = append(allPositions, positions...)
	}

	if len(w.pages) < 2 {
		t.Fatalf("expected the tree to have split into multiple pages, got %d", len(w.pages))
	}

	for _, pos := range allPositions {
		if _, ok, err := Get(w, root, pos); err != nil || !ok {
			t.Fatalf("Get(%d) after split: ok=%v err=%v", pos, ok, err)
		}
	}

	events, err := Range(w, root, 0, len(allPositions))
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(events) != len(allPositions) {
		t.Fatalf("Range returned %d events, want %d", len(events), len(allPositions))
	}
	for i, ev := range events {
		if ev.Position != Position(i) {
			t.Fatalf("Range out of order at %d: got position %d", i, ev.Position)
		}
	}

	mid := len(allPositions) / 2
	partial, err := Range(w, root, Position(mid), 10)
	if err != nil {
		t.Fatalf("Range(mid): %v", err)
	}
	if len(partial) != 10 || partial[0].Position != Position(mid) {
		t.Fatalf("Range(mid) got %d events starting at %d, want 10 starting at %d", len(partial), partial[0].Position, mid)
	}
}

func TestOverflowChain(t *testing.T) {
	w := newMemWriter(testPageSize)
	threshold := OverflowThreshold(testPageSize)

	big := make([]byte, testPageSize*3)
	for i := range big {
		big[i] = byte(i)
	}

	var root PageID
	root, positions, err := Append(w, testPageSize, threshold, root, []Record{{EventType: "big", Data: big}})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	ev, ok, err := Get(w, root, positions[0])
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if len(ev.Record.Data) != len(big) {
		t.Fatalf("got %d bytes back, want %d", len(ev.Record.Data), len(big))
	}
	for i := range big {
		if ev.Record.Data[i] != big[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, ev.Record.Data[i], big[i])
		}
	}

	overflowPages := 0
	for id := range w.pages {
		hdr, _, err := readNode(w, id)
		if err != nil {
			t.Fatal(err)
		}
		if hdr.Kind == pagefmt.NodeEventOverflow {
			overflowPages++
		}
	}
	if overflowPages < 2 {
		t.Fatalf("expected the big payload to span multiple overflow pages, got %d", overflowPages)
	}
}

func TestEmptyTreeHeadAndGet(t *testing.T) {
	w := newMemWriter(testPageSize)
	if _, ok, err := Head(w, pagefmt.NullPageID); err != nil || ok {
		t.Fatalf("Head on empty tree: ok=%v err=%v", ok, err)
	}
	if _, ok, err := Get(w, pagefmt.NullPageID, 0); err != nil || ok {
		t.Fatalf("Get on empty tree: ok=%v err=%v", ok, err)
	}
	if events, err := Range(w, pagefmt.NullPageID, 0, 10); err != nil || len(events) != 0 {
		t.Fatalf("Range on empty tree: got %v, err=%v", events, err)
	}
}
