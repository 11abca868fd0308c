package codec

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestEventLeafRoundTrip(t *testing.T) {
	id := uuid.New()
	n := &EventLeafNode{
		Keys: []Position{1, 2, 3},
		Values: []EventValue{
			InlineValue(EventRecord{EventType: "a", Data: []byte("hello")}),
			OverflowValue("b", 4096, []string{"t1", "t2"}, PageID(7), &id),
			InlineValue(EventRecord{EventType: "c"}),
		},
	}

	size := n.CalcSize()
	buf := make([]byte, size)
	written := n.SerializeInto(buf)
	if written != size {
		t.Fatalf("SerializeInto wrote %d bytes, CalcSize said %d", written, size)
	}

	got, err := ParseEventLeaf(buf)
	if err != nil {
		t.Fatalf("ParseEventLeaf: %v", err)
	}
	if len(got.Keys) != len(n.Keys) {
		t.Fatalf("key count: got %d want %d", len(got.Keys), len(n.Keys))
	}
	for i := range n.Keys {
		if got.Keys[i] != n.Keys[i] {
			t.Errorf("key[%d]: got %d want %d", i, got.Keys[i], n.Keys[i])
		}
		gv, wv := got.Values[i], n.Values[i]
		if gv.Overflow != wv.Overflow || gv.EventType != wv.EventType || gv.RootID != wv.RootID || gv.DataLen != wv.DataLen {
			t.Errorf("value[%d] mismatch: got %+v want %+v", i, gv, wv)
		}
		if !bytes.Equal(gv.Data, wv.Data) {
			t.Errorf("value[%d] data mismatch: got %q want %q", i, gv.Data, wv.Data)
		}
		if (gv.UUID == nil) != (wv.UUID == nil) {
			t.Errorf("value[%d] UUID presence mismatch", i)
		}
		if gv.UUID != nil && *gv.UUID != *wv.UUID {
			t.Errorf("value[%d] UUID mismatch: got %v want %v", i, gv.UUID, wv.UUID)
		}
	}
}

func TestEventLeafRejectsTruncation(t *testing.T) {
	n := &EventLeafNode{
		Keys:   []Position{1, 2},
		Values: []EventValue{InlineValue(EventRecord{EventType: "a", Data: []byte("xyz")}), InlineValue(EventRecord{EventType: "b", Data: []byte("w")})},
	}
	buf := make([]byte, n.CalcSize())
	n.SerializeInto(buf)

	for cut := 0; cut < len(buf); cut++ {
		if _, err := ParseEventLeaf(buf[:cut]); err == nil {
			t.Fatalf("ParseEventLeaf accepted a %d-byte prefix of a %d-byte buffer", cut, len(buf))
		}
	}
}

func TestEventInternalRoundTrip(t *testing.T) {
	n := &EventInternalNode{
		Keys:     []Position{10, 20, 30},
		ChildIDs: []PageID{1, 2, 3, 4},
	}
	buf := make([]byte, n.CalcSize())
	n.SerializeInto(buf)

	got, err := ParseEventInternal(buf)
	if err != nil {
		t.Fatalf("ParseEventInternal: %v", err)
	}
	if len(got.ChildIDs) != len(n.ChildIDs) {
		t.Fatalf("child count: got %d want %d", len(got.ChildIDs), len(n.ChildIDs))
	}
	for i := range n.Keys {
		if got.Keys[i] != n.Keys[i] {
			t.Errorf("key[%d]: got %d want %d", i, got.Keys[i], n.Keys[i])
		}
	}
	for i := range n.ChildIDs {
		if got.ChildIDs[i] != n.ChildIDs[i] {
			t.Errorf("child[%d]: got %d want %d", i, got.ChildIDs[i], n.ChildIDs[i])
		}
	}
}

func TestEventOverflowRoundTrip(t *testing.T) {
	n := &EventOverflowNode{Next: 42, Data: []byte("overflow payload bytes")}
	buf := make([]byte, n.CalcSize())
	n.SerializeInto(buf)

	got, err := ParseEventOverflow(buf)
	if err != nil {
		t.Fatalf("ParseEventOverflow: %v", err)
	}
	if got.Next != n.Next || !bytes.Equal(got.Data, n.Data) {
		t.Errorf("got %+v want %+v", got, n)
	}

	if _, err := ParseEventOverflow(buf[:4]); err == nil {
		t.Fatal("ParseEventOverflow accepted a truncated 4-byte buffer")
	}
}
