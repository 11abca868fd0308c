package pagefmt

import (
	"encoding/binary"
	"fmt"
)

// Superblock is page 0 of the file — the single source of truth for the
// most recently durable snapshot (§6).
//
// Layout (zero-padded to PageSize):
//
//	Offset  Size  Field
//	0       4     Magic            uint32 LE (0x554D4144, "UMAD")
//	4       2     Version          uint16 LE (=1)
//	6       4     PageSize         uint32 LE
//	10      8     Tsn              uint64 LE
//	18      8     EventRoot        uint64 LE (PageID)
//	26      8     FreeRoot         uint64 LE (PageID)
//	34      8     NextPageID       uint64 LE
//	42      8     OldestLiveReader uint64 LE (Tsn)
//	50      4     CRC32            uint32 LE (over bytes 0..50 above)
//	54      ...   Reserved (zero-filled to PageSize)
const (
	SuperblockMagic  uint32 = 0x554D4144 // "UMAD"
	SuperblockVersion uint16 = 1

	sbMagicOff   = 0
	sbVersionOff = sbMagicOff + 4
	sbPageSzOff  = sbVersionOff + 2
	sbTsnOff     = sbPageSzOff + 4
	sbEventRtOff = sbTsnOff + 8
	sbFreeRtOff  = sbEventRtOff + 8
	sbNextPgOff  = sbFreeRtOff + 8
	sbOldestOff  = sbNextPgOff + 8
	sbCRCOff     = sbOldestOff + 8
	sbFixedSize  = sbCRCOff + 4
)

// Superblock holds the parsed contents of page 0.
type Superblock struct {
	PageSize         uint32
	Tsn              Tsn
	EventRoot        PageID
	FreeRoot         PageID
	NextPageID       PageID
	OldestLiveReader Tsn
}

// NewSuperblock returns the superblock of a freshly created, empty database.
func NewSuperblock(pageSize uint32) *Superblock {
	return &Superblock{
		PageSize:         pageSize,
		Tsn:              0,
		EventRoot:        NullPageID,
		FreeRoot:         NullPageID,
		NextPageID:       1, // page 0 is the superblock
		OldestLiveReader: 0,
	}
}

// Marshal serializes sb into a full page-sized buffer.
func Marshal(sb *Superblock, pageSize int) []byte {
	buf := make([]byte, pageSize)
	binary.LittleEndian.PutUint32(buf[sbMagicOff:], SuperblockMagic)
	binary.LittleEndian.PutUint16(buf[sbVersionOff:], SuperblockVersion)
	binary.LittleEndian.PutUint32(buf[sbPageSzOff:], sb.PageSize)
	binary.LittleEndian.PutUint64(buf[sbTsnOff:], uint64(sb.Tsn))
	binary.LittleEndian.PutUint64(buf[sbEventRtOff:], uint64(sb.EventRoot))
	binary.LittleEndian.PutUint64(buf[sbFreeRtOff:], uint64(sb.FreeRoot))
	binary.LittleEndian.PutUint64(buf[sbNextPgOff:], uint64(sb.NextPageID))
	binary.LittleEndian.PutUint64(buf[sbOldestOff:], uint64(sb.OldestLiveReader))

	h := crcDigest()
	h.Write(buf[:sbOldestOff+8])
	binary.LittleEndian.PutUint32(buf[sbCRCOff:], h.Sum32())
	return buf
}

// Unmarshal parses page 0. It validates magic, version, the CRC, and that
// PageSize is in range before returning.
func Unmarshal(buf []byte) (*Superblock, error) {
	if len(buf) < sbFixedSize {
		return nil, fmt.Errorf("superblock page too small: %d bytes", len(buf))
	}
	magic := binary.LittleEndian.Uint32(buf[sbMagicOff:])
	if magic != SuperblockMagic {
		return nil, fmt.Errorf("bad superblock magic %08x, expected %08x", magic, SuperblockMagic)
	}
	version := binary.LittleEndian.Uint16(buf[sbVersionOff:])
	if version != SuperblockVersion {
		return nil, fmt.Errorf("unsupported superblock version %d (this build supports %d)", version, SuperblockVersion)
	}

	h := crcDigest()
	h.Write(buf[:sbOldestOff+8])
	wantCRC := h.Sum32()
	gotCRC := binary.LittleEndian.Uint32(buf[sbCRCOff:])
	if gotCRC != wantCRC {
		return nil, fmt.Errorf("superblock CRC mismatch: stored=%08x computed=%08x", gotCRC, wantCRC)
	}

	sb := &Superblock{
		PageSize:         binary.LittleEndian.Uint32(buf[sbPageSzOff:]),
		Tsn:              Tsn(binary.LittleEndian.Uint64(buf[sbTsnOff:])),
		EventRoot:        PageID(binary.LittleEndian.Uint64(buf[sbEventRtOff:])),
		FreeRoot:         PageID(binary.LittleEndian.Uint64(buf[sbFreeRtOff:])),
		NextPageID:       PageID(binary.LittleEndian.Uint64(buf[sbNextPgOff:])),
		OldestLiveReader: Tsn(binary.LittleEndian.Uint64(buf[sbOldestOff:])),
	}
	if err := ValidatePageSize(int(sb.PageSize)); err != nil {
		return nil, fmt.Errorf("superblock: %w", err)
	}
	return sb, nil
}
