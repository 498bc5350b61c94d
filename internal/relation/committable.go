package relation

// Committable is the generic-erased view of a TxnHandle[D,C] that the
// transaction orchestrator consults: every instantiation of TxnHandle
// satisfies this regardless of its domain/codomain types, which is what
// lets one commit pipeline drive many differently-typed relations without
// the orchestrator itself needing to be generic over all of them (spec
// §4.3).
type Committable interface {
	// Len reports how many domains this transaction touched in the
	// relation, for the large-batch warning.
	Len() int
	// CheckConflicts compares every touched key's observed timestamp
	// against current canonical state.
	CheckConflicts() error
	// Apply commits the working set into canonical state at ts and reports
	// whether anything actually changed. Caller must hold WriteLock.
	Apply(ts uint64) bool
	WriteLock()
	WriteUnlock()
}
