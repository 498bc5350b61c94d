// Package graph implements the two operations allowed to mutate both sides
// of the parent/location relations: Reparent (changing an object's parent,
// with property inheritance fixup) and Move (changing an object's
// location, with a cycle check) — spec §4.5.
package graph

import (
	"fmt"

	"github.com/rdaum/moor-sub011/internal/moorvar"
	"github.com/rdaum/moor-sub011/internal/relation"
	"github.com/rdaum/moor-sub011/internal/schema"
)

// ParentHandle is the object_parent relation's transaction view: Obj ->
// Obj, reverse-indexed by children.
type ParentHandle = *relation.TxnHandle[moorvar.Obj, moorvar.Obj]

// LocationHandle is the object_location relation's transaction view: Obj ->
// Obj, reverse-indexed by contents.
type LocationHandle = *relation.TxnHandle[moorvar.Obj, moorvar.Obj]

// PropDefsHandle is the object_propdefs relation's transaction view.
type PropDefsHandle = *relation.TxnHandle[moorvar.Obj, schema.PropDefs]

// PropValuesHandle is the object_propvalues relation's transaction view.
type PropValuesHandle = *relation.TxnHandle[schema.ObjUUIDKey, moorvar.Var]

// PropFlagsHandle is the object_propflags relation's transaction view.
type PropFlagsHandle = *relation.TxnHandle[schema.ObjUUIDKey, schema.PropPerms]

// ancestorsInclusive walks parent from start (inclusive) up to and
// including moorvar.Nothing, failing with ErrCycle if a node repeats.
func ancestorsInclusive(parent ParentHandle, start moorvar.Obj) ([]moorvar.Obj, error) {
	chain := []moorvar.Obj{start}
	seen := map[moorvar.Obj]bool{start: true}
	cur := start
	for {
		if cur.IsNothing() {
			return chain, nil
		}
		next, ok, err := parent.SeekByDomain(cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			next = moorvar.Nothing
		}
		if seen[next] {
			return nil, fmt.Errorf("%w: revisited %v", ErrCycle, next)
		}
		seen[next] = true
		chain = append(chain, next)
		cur = next
		if next.IsNothing() {
			return chain, nil
		}
	}
}

// lowestCommonAncestor returns the first object common to both chains,
// preferring the nearest entry in oldChain. moorvar.Nothing is always
// eventually common since every ancestorsInclusive chain ends there.
func lowestCommonAncestor(oldChain, newChain []moorvar.Obj) moorvar.Obj {
	newSet := make(map[moorvar.Obj]struct{}, len(newChain))
	for _, o := range newChain {
		newSet[o] = struct{}{}
	}
	for _, o := range oldChain {
		if _, ok := newSet[o]; ok {
			return o
		}
	}
	return moorvar.Nothing
}

// descendantsInclusive collects obj and every object transitively reachable
// through the children reverse index, used to cascade property fixup to
// the whole reparented subtree.
func descendantsInclusive(parent ParentHandle, obj moorvar.Obj) ([]moorvar.Obj, error) {
	out := []moorvar.Obj{obj}
	seen := map[moorvar.Obj]bool{obj: true}
	queue := []moorvar.Obj{obj}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		children, err := parent.SeekByCodomain(cur)
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out, nil
}

// definedProps returns the set of property names obj defines directly
// (its own object_propdefs row, not inherited ones).
func definedProps(propDefs PropDefsHandle, obj moorvar.Obj) (map[string]schema.PropDef, error) {
	out := make(map[string]schema.PropDef)
	defs, ok, err := propDefs.SeekByDomain(obj)
	if err != nil {
		return nil, err
	}
	if ok {
		for _, d := range defs.Defs {
			out[d.Name] = d
		}
	}
	return out, nil
}

// Reparent changes obj's parent from its current value to newParent. It
// finds the lowest common ancestor of the old and new chains, drops
// property values (on obj and every descendant) for properties defined by
// ancestors no longer in the chain, and materializes a cleared slot for
// properties newly inherited from ancestors gained by the move. Ownership
// of a newly-pulled-in property on obj/descendants follows the defining
// property's Chown flag: chown properties transfer to the object they now
// live on; non-chown properties take the owner recorded in the property
// definition (spec
// §4.5, §3.2 invariant 7).
func Reparent(
	parent ParentHandle,
	propDefs PropDefsHandle,
	propValues PropValuesHandle,
	propFlags PropFlagsHandle,
	obj, newParent moorvar.Obj,
) error {
	oldParent, hadParent, err := parent.SeekByDomain(obj)
	if err != nil {
		return err
	}
	if !hadParent {
		oldParent = moorvar.Nothing
	}
	if oldParent.Equal(newParent) {
		return nil
	}

	var oldChain []moorvar.Obj
	if !oldParent.IsNothing() {
		oldChain, err = ancestorsInclusive(parent, oldParent)
		if err != nil {
			return err
		}
	} else {
		oldChain = nil
	}
	var newChain []moorvar.Obj
	if !newParent.IsNothing() {
		newChain, err = ancestorsInclusive(parent, newParent)
		if err != nil {
			return err
		}
	} else {
		newChain = nil
	}

	lca := lowestCommonAncestor(append(append([]moorvar.Obj{}, oldChain...), moorvar.Nothing), append(append([]moorvar.Obj{}, newChain...), moorvar.Nothing))

	droppedAncestors := ancestorsUpTo(oldChain, lca)
	gainedAncestors := ancestorsUpTo(newChain, lca)

	type definedProp struct {
		definer moorvar.Obj
		def     schema.PropDef
	}

	droppedProps := make(map[string]definedProp)
	for _, a := range droppedAncestors {
		defs, err := definedProps(propDefs, a)
		if err != nil {
			return err
		}
		for name, d := range defs {
			droppedProps[name] = definedProp{definer: a, def: d}
		}
	}
	gainedProps := make(map[string]definedProp)
	for _, a := range gainedAncestors {
		defs, err := definedProps(propDefs, a)
		if err != nil {
			return err
		}
		for name, d := range defs {
			gainedProps[name] = definedProp{definer: a, def: d}
		}
	}

	subtree, err := descendantsInclusive(parent, obj)
	if err != nil {
		return err
	}

	for _, member := range subtree {
		for _, dp := range droppedProps {
			key := schema.ObjUUIDKey{Obj: member, UUID: dp.def.UUID}
			if _, ok, err := propValues.SeekByDomain(key); err != nil {
				return err
			} else if ok {
				if err := propValues.RemoveByDomain(key); err != nil {
					return err
				}
			}
			if _, ok, err := propFlags.SeekByDomain(key); err != nil {
				return err
			} else if ok {
				if err := propFlags.RemoveByDomain(key); err != nil {
					return err
				}
			}
		}
		for _, dp := range gainedProps {
			key := schema.ObjUUIDKey{Obj: member, UUID: dp.def.UUID}
			if _, ok, err := propFlags.SeekByDomain(key); err != nil {
				return err
			} else if !ok {
				baseKey := schema.ObjUUIDKey{Obj: dp.definer, UUID: dp.def.UUID}
				perms, _, err := propFlags.SeekByDomain(baseKey)
				if err != nil {
					return err
				}
				owner := dp.def.Owner
				if perms.Chown {
					owner = member
				}
				if err := propFlags.Insert(key, schema.PropPerms{Owner: owner, Perms: perms.Perms, Chown: perms.Chown}); err != nil {
					return err
				}
			}
			// a cleared slot: no entry in propValues means "inherited,
			// unset" until the object writes its own override.
		}
	}

	return parent.Upsert(obj, newParent)
}

// ancestorsUpTo returns the prefix of chain, starting with its head, that
// comes before (not including) stop.
func ancestorsUpTo(chain []moorvar.Obj, stop moorvar.Obj) []moorvar.Obj {
	var out []moorvar.Obj
	for _, o := range chain {
		if o.Equal(stop) {
			break
		}
		out = append(out, o)
	}
	return out
}

// Ancestors returns obj's ancestor chain, nearest first, not including obj
// itself but including the terminal moorvar.Nothing.
func Ancestors(parent ParentHandle, obj moorvar.Obj) ([]moorvar.Obj, error) {
	chain, err := ancestorsInclusive(parent, obj)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 {
		return nil, nil
	}
	return chain[1:], nil
}

// Descendants returns every object transitively reachable from obj through
// the children reverse index, not including obj itself.
func Descendants(parent ParentHandle, obj moorvar.Obj) ([]moorvar.Obj, error) {
	all, err := descendantsInclusive(parent, obj)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all[1:], nil
}

// Move changes obj's location to dest, failing ErrRecursiveMove if dest's
// location chain already contains obj (spec §4.5, scenario S5). Neither
// the location nor contents relation is touched when the check fails.
func Move(location LocationHandle, obj, dest moorvar.Obj) error {
	cur := dest
	seen := map[moorvar.Obj]bool{}
	for !cur.IsNothing() {
		if cur.Equal(obj) {
			return fmt.Errorf("%w: %v already in %v's location chain", ErrRecursiveMove, obj, dest)
		}
		if seen[cur] {
			return fmt.Errorf("%w: cycle found walking location chain from %v", ErrCycle, dest)
		}
		seen[cur] = true
		next, ok, err := location.SeekByDomain(cur)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		cur = next
	}

	oldLoc, hadLoc, err := location.SeekByDomain(obj)
	if err != nil {
		return err
	}
	if hadLoc && oldLoc.Equal(dest) {
		return nil
	}
	return location.Upsert(obj, dest)
}
