package codec

import "testing"

func TestFreeListLeafRoundTrip(t *testing.T) {
	n := &FreeListLeafNode{
		Keys: []Tsn{5, 9},
		Values: []FreeListLeafValue{
			{PageIDs: []PageID{1, 2, 3}, RootID: NullPageID},
			{PageIDs: nil, RootID: 99},
		},
	}
	buf := make([]byte, n.CalcSize())
	if w := n.SerializeInto(buf); w != len(buf) {
		t.Fatalf("SerializeInto wrote %d, want %d", w, len(buf))
	}
	got, err := ParseFreeListLeaf(buf)
	if err != nil {
		t.Fatalf("ParseFreeListLeaf: %v", err)
	}
	if len(got.Keys) != 2 || got.Keys[0] != 5 || got.Keys[1] != 9 {
		t.Fatalf("keys: got %v", got.Keys)
	}
	if len(got.Values[0].PageIDs) != 3 || got.Values[0].RootID != NullPageID {
		t.Errorf("value[0]: got %+v", got.Values[0])
	}
	if got.Values[1].RootID != 99 || len(got.Values[1].PageIDs) != 0 {
		t.Errorf("value[1]: got %+v", got.Values[1])
	}

	for cut := 0; cut < len(buf); cut++ {
		if _, err := ParseFreeListLeaf(buf[:cut]); err == nil {
			t.Fatalf("ParseFreeListLeaf accepted a %d-byte prefix of a %d-byte buffer", cut, len(buf))
		}
	}
}

func TestFreeListInternalRoundTrip(t *testing.T) {
	n := &FreeListInternalNode{Keys: []Tsn{1, 2}, ChildIDs: []PageID{10, 20, 30}}
	buf := make([]byte, n.CalcSize())
	n.SerializeInto(buf)

	got, err := ParseFreeListInternal(buf)
	if err != nil {
		t.Fatalf("ParseFreeListInternal: %v", err)
	}
	if len(got.ChildIDs) != 3 || got.ChildIDs[2] != 30 {
		t.Fatalf("got %+v", got)
	}

	for cut := 0; cut < len(buf); cut++ {
		if _, err := ParseFreeListInternal(buf[:cut]); err == nil {
			t.Fatalf("ParseFreeListInternal accepted a %d-byte prefix", cut)
		}
	}
}

func TestTSNSubtreeRoundTrip(t *testing.T) {
	leaf := &TSNSubtreeLeafNode{PageIDs: []PageID{100, 200, 300}}
	buf := make([]byte, leaf.CalcSize())
	leaf.SerializeInto(buf)
	got, err := ParseTSNSubtreeLeaf(buf)
	if err != nil {
		t.Fatalf("ParseTSNSubtreeLeaf: %v", err)
	}
	if len(got.PageIDs) != 3 || got.PageIDs[1] != 200 {
		t.Fatalf("got %+v", got)
	}

	internal := &TSNSubtreeInternalNode{Keys: []PageID{5}, ChildIDs: []PageID{1, 2}}
	buf2 := make([]byte, internal.CalcSize())
	internal.SerializeInto(buf2)
	gotInt, err := ParseTSNSubtreeInternal(buf2)
	if err != nil {
		t.Fatalf("ParseTSNSubtreeInternal: %v", err)
	}
	if len(gotInt.ChildIDs) != 2 || gotInt.Keys[0] != 5 {
		t.Fatalf("got %+v", gotInt)
	}
}

func TestFreeListLeafCapacityHelpers(t *testing.T) {
	n := &FreeListLeafNode{}
	if !n.WouldFitNewTSN(1000) {
		t.Fatal("expected room for a new TSN in an empty node")
	}
	n.PushNewTSN(1, 42)
	before := n.CalcSize()
	if !n.WouldFitAdditionalPageID(before + 8) {
		t.Fatal("expected exact 8-byte delta to fit")
	}
	if n.WouldFitAdditionalPageID(before + 7) {
		t.Fatal("expected exact 8-byte delta check to reject a too-small budget")
	}
	n.PushAdditionalPageID(0, 43)
	if n.CalcSize() != before+8 {
		t.Fatalf("PushAdditionalPageID changed size by %d, want 8", n.CalcSize()-before)
	}
}
