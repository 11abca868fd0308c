// Package pager is the file I/O layer: it turns a regular file into an
// array of fixed-size pages addressed by PageID, manages the single
// superblock at page 0, and rejects reads above the superblock's
// high-water mark. It does not assign PageIDs; the commit protocol in the
// root package does, and records the new high-water mark in the superblock.
//
// Unlike a WAL-based pager, there is no in-place update path here — every
// write the core performs targets a PageID that has not yet been made
// durable (§4.2, §4.6). The Pager's only transactional primitive is
// WriteBatch followed by Fsync: the copy-on-write discipline that makes
// that safe lives one layer up, in the MVCC controller.
package pager

import (
	"fmt"
	"os"
	"sync"

	"umadb/internal/pagefmt"
	"umadb/internal/umadberr"
)

type (
	PageID = pagefmt.PageID
	Tsn    = pagefmt.Tsn
)

// Page pairs a PageID with its on-disk bytes, the unit WriteBatch accepts.
type Page struct {
	ID   PageID
	Body []byte // full page_size bytes, including the header
}

// Config configures a Pager.
type Config struct {
	Path     string
	PageSize int // 0 means pagefmt.DefaultPageSize
}

// Pager owns the database file and the most recently durable superblock.
// All reads and writes serialize through mu: the core has at most one
// writer at a time (§4.6), but readers may run concurrently with it.
type Pager struct {
	mu       sync.RWMutex
	file     *os.File
	sb       *pagefmt.Superblock
	pageSize int
	isNew    bool
}

// Open opens an existing database file or creates a new, empty one.
func Open(cfg Config) (*Pager, error) {
	ps := cfg.PageSize
	if ps == 0 {
		ps = pagefmt.DefaultPageSize
	}
	if err := pagefmt.ValidatePageSize(ps); err != nil {
		return nil, umadberr.Wrap(umadberr.NodeTooLarge, err, "page size")
	}

	isNew := false
	if _, err := os.Stat(cfg.Path); os.IsNotExist(err) {
		isNew = true
	}

	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, umadberr.IoErr(err, "open database file")
	}

	p := &Pager{file: f, pageSize: ps, isNew: isNew}

	if isNew {
		sb := pagefmt.NewSuperblock(uint32(ps))
		if err := p.writeSuperblockLocked(sb); err != nil {
			f.Close()
			return nil, err
		}
		if err := p.fsyncLocked(); err != nil {
			f.Close()
			return nil, err
		}
		p.sb = sb
	} else {
		sb, err := p.readSuperblockLocked()
		if err != nil {
			f.Close()
			return nil, err
		}
		p.sb = sb
		p.pageSize = int(sb.PageSize) // the on-disk page size always wins
	}

	return p, nil
}

// IsNew reports whether Open created a fresh, empty database file.
func (p *Pager) IsNew() bool { return p.isNew }

// PageSize returns the page size this database was created with.
func (p *Pager) PageSize() int { return p.pageSize }

// Superblock returns a copy of the most recently durable superblock.
func (p *Pager) Superblock() pagefmt.Superblock {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return *p.sb
}

func (p *Pager) readSuperblockLocked() (*pagefmt.Superblock, error) {
	// The on-disk page size isn't known yet — that's the field we're about
	// to read. pagefmt.Unmarshal only inspects the fixed-size header
	// fields, so a MinPageSize-sized probe is always enough, regardless of
	// what page size the file was actually created with.
	buf := make([]byte, pagefmt.MinPageSize)
	if _, err := p.file.ReadAt(buf, 0); err != nil {
		return nil, umadberr.IoErr(err, "read superblock")
	}
	sb, err := pagefmt.Unmarshal(buf)
	if err != nil {
		return nil, umadberr.Wrap(umadberr.Corrupted, err, "superblock")
	}
	return sb, nil
}

func (p *Pager) writeSuperblockLocked(sb *pagefmt.Superblock) error {
	buf := pagefmt.Marshal(sb, p.pageSize)
	if _, err := p.file.WriteAt(buf, 0); err != nil {
		return umadberr.IoErr(err, "write superblock")
	}
	return nil
}

func (p *Pager) fsyncLocked() error {
	if err := p.file.Sync(); err != nil {
		return umadberr.IoErr(err, "fsync")
	}
	return nil
}

// pageOffset returns the byte offset of page id. Page 0 is the superblock,
// so id must be >= 1 for a node page.
func (p *Pager) pageOffset(id PageID) int64 {
	return int64(id) * int64(p.pageSize)
}

// ReadPage reads and CRC-validates a single page.
func (p *Pager) ReadPage(id PageID) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readPageLocked(id)
}

func (p *Pager) readPageLocked(id PageID) ([]byte, error) {
	if id == pagefmt.NullPageID {
		return nil, umadberr.New(umadberr.NotFound, "page id %d is the null page", id)
	}
	if id >= p.sb.NextPageID {
		return nil, umadberr.New(umadberr.NotFound, "page id %d is above the allocated high-water mark %d", id, p.sb.NextPageID)
	}
	buf := make([]byte, p.pageSize)
	if _, err := p.file.ReadAt(buf, p.pageOffset(id)); err != nil {
		return nil, umadberr.IoErr(err, fmt.Sprintf("read page %d", id))
	}
	if err := pagefmt.VerifyCRC(buf); err != nil {
		return nil, umadberr.Wrap(umadberr.Corrupted, err, "page %d", id)
	}
	return buf, nil
}

// WriteBatch writes a set of already-CRC'd pages to the file without
// fsyncing. The caller (the commit protocol, §4.6) is responsible for
// calling Fsync before advancing the durable superblock, and for setting
// each page's CRC via pagefmt.SetCRC before handing it here.
func (p *Pager) WriteBatch(pages []Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pg := range pages {
		if len(pg.Body) != p.pageSize {
			return umadberr.New(umadberr.Io, "page %d has length %d, want %d", pg.ID, len(pg.Body), p.pageSize)
		}
		if _, err := p.file.WriteAt(pg.Body, p.pageOffset(pg.ID)); err != nil {
			return umadberr.IoErr(err, fmt.Sprintf("write page %d", pg.ID))
		}
	}
	return nil
}

// Fsync flushes all previously written pages to stable storage.
func (p *Pager) Fsync() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fsyncLocked()
}

// CommitSuperblock writes the new superblock and fsyncs it, making sb the
// new durable snapshot (the last two steps of §4.6's commit protocol). It
// must only be called after WriteBatch + Fsync for the pages sb refers to.
func (p *Pager) CommitSuperblock(sb *pagefmt.Superblock) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.writeSuperblockLocked(sb); err != nil {
		return err
	}
	if err := p.fsyncLocked(); err != nil {
		return err
	}
	p.sb = sb
	return nil
}

// Close closes the underlying file. It does not fsync.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.file.Close(); err != nil {
		return umadberr.IoErr(err, "close database file")
	}
	return nil
}

// NewPage allocates (in memory) a zeroed page buffer of the pager's page
// size, for id and kind. The caller fills in the body and calls
// pagefmt.SetCRC before passing it to WriteBatch.
func (p *Pager) NewPage(kind pagefmt.NodeKind, id PageID) []byte {
	return pagefmt.NewPage(p.pageSize, kind, id)
}
