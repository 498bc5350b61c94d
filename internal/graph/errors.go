package graph

import "errors"

// ErrRecursiveMove is returned by Move when the destination's location
// chain already contains the object being moved (spec §4.5, scenario S5).
var ErrRecursiveMove = errors.New("graph: recursive move")

// ErrCycle is returned when an ancestor walk fails to terminate, which
// would indicate parent/child state has already violated the acyclic
// invariant (spec §3.2 invariant 7) — this should never happen if every
// Reparent call goes through this package.
var ErrCycle = errors.New("graph: cycle detected in ancestor chain")
