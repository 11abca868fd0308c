package umadb

import "umadb/internal/pagefmt"

// PageID, Position and Tsn are defined in internal/pagefmt (the package every
// other internal package depends on) and re-exported here so callers of the
// public API never need to import an internal package directly.
type (
	PageID   = pagefmt.PageID
	Position = pagefmt.Position
	Tsn      = pagefmt.Tsn
)

// NullPageID is the reserved null PageID.
const NullPageID = pagefmt.NullPageID
