package umadb

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func tmpDB(t *testing.T) *Db {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "events.db"), Options{PageSize: 512})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendCommitGet(t *testing.T) {
	db := tmpDB(t)

	w := db.Writer()
	positions, err := w.Append([]EventRecord{
		{EventType: "created", Data: []byte("payload-1")},
		{EventType: "updated", Data: []byte("payload-2")},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	tsn, err := db.Commit(w)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if tsn != 1 {
		t.Fatalf("expected first commit to land at tsn=1, got %d", tsn)
	}

	r := db.Reader()
	ev, ok, err := r.Get(positions[0])
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if ev.EventType != "created" || string(ev.Data) != "payload-1" {
		t.Fatalf("got %+v", ev)
	}

	events, err := r.Range(0, 10)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
}

func TestEmptyCommitDoesNotAdvanceTsn(t *testing.T) {
	db := tmpDB(t)
	w := db.Writer()
	tsn, err := db.Commit(w)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if tsn != 0 {
		t.Fatalf("expected an empty commit to stay at tsn=0, got %d", tsn)
	}
}

func TestReaderSnapshotIsolatedFromLaterWriter(t *testing.T) {
	db := tmpDB(t)

	w := db.Writer()
	if _, err := w.Append([]EventRecord{{EventType: "a", Data: []byte("x")}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := db.Commit(w); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	r := db.Reader()

	w2 := db.Writer()
	if _, err := w2.Append([]EventRecord{{EventType: "b", Data: []byte("y")}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := db.Commit(w2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	events, err := r.Range(0, 10)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("reader snapshot should still see only 1 event, saw %d", len(events))
	}

	fresh := db.Reader()
	events, err = fresh.Range(0, 10)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("a fresh reader should see both events, saw %d", len(events))
	}
}

func TestCommitReclaimsFreedPagesAcrossManyAppends(t *testing.T) {
	db := tmpDB(t)

	for i := 0; i < 500; i++ {
		w := db.Writer()
		if _, err := w.Append([]EventRecord{{EventType: "e", Data: []byte("some reasonably sized payload bytes")}}); err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
		if _, err := db.Commit(w); err != nil {
			t.Fatalf("Commit #%d: %v", i, err)
		}
		// Advance the watermark every commit, simulating no long-lived
		// readers, so most prior commits' shadowed pages become reclaimable.
		db.SetOldestLiveReaderTsn(db.Stats().Tsn)
	}

	stats := db.Stats()
	if stats.Tsn != 500 {
		t.Fatalf("expected tsn=500 after 500 commits, got %d", stats.Tsn)
	}
	// With reclaim working, the high-water mark should stay far below what
	// 500 uncollected commits worth of B+tree churn would otherwise cost.
	if stats.NextPageID > 600 {
		t.Fatalf("next_page_id grew to %d after 500 commits with reclaim enabled; reclaim does not appear to be working", stats.NextPageID)
	}

	r := db.Reader()
	head, ok, err := r.Head()
	if err != nil || !ok || head != 499 {
		t.Fatalf("Head: got (%d, %v, %v), want (499, true, nil)", head, ok, err)
	}
}

func TestGetMissingPosition(t *testing.T) {
	db := tmpDB(t)
	w := db.Writer()
	if _, err := w.Append([]EventRecord{{EventType: "a", Data: []byte("x")}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := db.Commit(w); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	r := db.Reader()
	if _, ok, err := r.Get(999); err != nil || ok {
		t.Fatalf("Get(999): ok=%v err=%v, want ok=false err=nil", ok, err)
	}
}

func TestCorruptedPageRejectedOnRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.db")

	db, err := Open(path, Options{PageSize: 512})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	w := db.Writer()
	if _, err := w.Append([]EventRecord{{EventType: "a", Data: []byte("x")}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := db.Commit(w); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Flip a byte inside page 1's body (beyond the header) to corrupt its CRC.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	offset := int64(512) + 40
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, offset); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	buf[0] ^= 0xFF
	if _, err := f.WriteAt(buf, offset); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	f.Close()

	db2, err := Open(path, Options{PageSize: 512})
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer db2.Close()

	r := db2.Reader()
	_, _, err = r.Get(0)
	if err == nil {
		t.Fatal("expected a CRC error reading a corrupted page, got nil")
	}
	if !errors.Is(err, Corrupted) {
		t.Fatalf("expected a Corrupted error, got %v", err)
	}
}
