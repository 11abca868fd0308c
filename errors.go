package umadb

import "umadb/internal/umadberr"

// Error is returned by every operation in this package that can fail. It
// carries a Kind callers can branch on with errors.Is (e.g.
// errors.Is(err, umadb.NotFound)) and, where relevant, the underlying cause.
type Error = umadberr.Error

// Kind classifies an Error (§7).
type Kind = umadberr.Kind

const (
	// Io wraps an underlying file error, passed through unchanged.
	Io = umadberr.Io
	// Deserialization indicates a malformed or truncated node buffer.
	Deserialization = umadberr.Deserialization
	// Corrupted indicates an invariant broken at a higher level, such as a
	// child-ID mismatch during split propagation, or a failed page CRC.
	Corrupted = umadberr.Corrupted
	// NotFound indicates a lookup for a position or page beyond the
	// allocated range.
	NotFound = umadberr.NotFound
	// NodeTooLarge indicates a misconfigured page size.
	NodeTooLarge = umadberr.NodeTooLarge
)
