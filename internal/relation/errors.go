package relation

import "errors"

// ErrNotFound is returned (wrapped) by Update and RemoveByDomain when the
// requested domain key is absent from both the working set and the
// canonical relation (spec §7.1). SeekByDomain reports absence through its
// bool result instead.
var ErrNotFound = errors.New("relation: not found")

// ErrDuplicate is returned by Insert when the domain key is already present.
var ErrDuplicate = errors.New("relation: duplicate key")

// ErrNoReverseIndex is returned by SeekByCodomain on a relation that was not
// configured with a reverse index.
var ErrNoReverseIndex = errors.New("relation: no reverse index configured")

// ErrConflict is returned by CheckConflicts when a working-set entry's
// observed timestamp disagrees with the relation's current canonical
// timestamp for that key (spec §3.2 invariant 2).
var ErrConflict = errors.New("relation: conflict")
