package slotbox

import "errors"

// ErrBoxFull is returned when no page in the virtual arena can fit a
// requested allocation. A tuple that exceeds a page's usable capacity gets
// ErrTupleTooLarge instead.
var ErrBoxFull = errors.New("slotbox: box full")

// ErrTupleNotFound is returned when a TupleId's directory entry is absent.
var ErrTupleNotFound = errors.New("slotbox: tuple not found")

// ErrIntegrity marks a fatal inconsistency between the free-space
// bookkeeping and the actual page state. Per spec §9 this is promoted from
// a warning (as in the original implementation) to a hard error: recovery
// cannot continue safely once the allocator's own bookkeeping is untrusted.
var ErrIntegrity = errors.New("slotbox: integrity fault")

// ErrTupleTooLarge is returned when a requested allocation cannot fit on any
// page regardless of occupancy, because it exceeds the page's usable size.
var ErrTupleTooLarge = errors.New("slotbox: tuple exceeds page capacity")
