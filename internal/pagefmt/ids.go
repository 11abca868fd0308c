package pagefmt

// PageID addresses a single fixed-size page in the backing file. PageID(0)
// is reserved: it means "null" when used as a child pointer or overflow-chain
// terminator, and "no subtree" when used as a free-list leaf's root_id.
type PageID uint64

// NullPageID is the reserved null PageID.
const NullPageID PageID = 0

// Position identifies an event's place in the append-only log. Positions are
// dense: a fully-committed tree's in-order traversal yields 0, 1, 2, …
// with no gaps.
type Position uint64

// Tsn (transaction sequence number) is assigned at each successful commit
// and increases monotonically. Tsn(0) is the state of a freshly created,
// never-committed-to database.
type Tsn uint64
