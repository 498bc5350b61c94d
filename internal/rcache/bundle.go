package rcache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rdaum/moor-sub011/internal/moorvar"
	"github.com/rdaum/moor-sub011/internal/schema"
)

// objSymKey is the (Obj, Symbol) key shared by the verb and property
// resolution caches.
type objSymKey struct {
	obj moorvar.Obj
	sym moorvar.Symbol
}

// VerbCache answers (Obj,Symbol) -> Option<VerbDef> for verb resolution.
type VerbCache struct {
	c *wcache[objSymKey, schema.VerbDef]
}

func newVerbCache() *VerbCache { return &VerbCache{c: newCache[objSymKey, schema.VerbDef]()} }

func (v *VerbCache) Lookup(obj moorvar.Obj, name moorvar.Symbol) Lookup[schema.VerbDef] {
	return v.c.lookup(objSymKey{obj, name})
}
func (v *VerbCache) FillHit(obj moorvar.Obj, name moorvar.Symbol, def schema.VerbDef) {
	v.c.fillHit(objSymKey{obj, name}, def)
}
func (v *VerbCache) FillMiss(obj moorvar.Obj, name moorvar.Symbol) {
	v.c.fillMiss(objSymKey{obj, name})
}
func (v *VerbCache) Flush()           { v.c.flush() }
func (v *VerbCache) HasChanged() bool { return v.c.hasChanged() }
func (v *VerbCache) fork() *VerbCache { return &VerbCache{c: v.c.fork()} }

// PropCache answers (Obj,Symbol) -> Option<PropDef> plus Obj -> Option<Obj>
// for "first ancestor with property defined".
type PropCache struct {
	defs       *wcache[objSymKey, schema.PropDef]
	firstOwner *wcache[moorvar.Obj, moorvar.Obj]
}

func newPropCache() *PropCache {
	return &PropCache{
		defs:       newCache[objSymKey, schema.PropDef](),
		firstOwner: newCache[moorvar.Obj, moorvar.Obj](),
	}
}

func (p *PropCache) LookupDef(obj moorvar.Obj, name moorvar.Symbol) Lookup[schema.PropDef] {
	return p.defs.lookup(objSymKey{obj, name})
}
func (p *PropCache) FillDefHit(obj moorvar.Obj, name moorvar.Symbol, def schema.PropDef) {
	p.defs.fillHit(objSymKey{obj, name}, def)
}
func (p *PropCache) FillDefMiss(obj moorvar.Obj, name moorvar.Symbol) {
	p.defs.fillMiss(objSymKey{obj, name})
}

func (p *PropCache) LookupFirstAncestorWithProp(obj moorvar.Obj) Lookup[moorvar.Obj] {
	return p.firstOwner.lookup(obj)
}
func (p *PropCache) FillFirstAncestorWithProps(obj, owner moorvar.Obj) {
	p.firstOwner.fillHit(obj, owner)
}
func (p *PropCache) FillFirstAncestorMiss(obj moorvar.Obj) {
	p.firstOwner.fillMiss(obj)
}

func (p *PropCache) Flush() {
	p.defs.flush()
	p.firstOwner.flush()
}
func (p *PropCache) HasChanged() bool { return p.defs.hasChanged() || p.firstOwner.hasChanged() }
func (p *PropCache) fork() *PropCache {
	return &PropCache{defs: p.defs.fork(), firstOwner: p.firstOwner.fork()}
}

// ancestryCacheBound caps the number of ancestor chains retained, per
// SPEC_FULL.md's wiring of a bounded LRU companion to the cache's
// fork-on-write map (the original implementation's cache grows without
// bound for the lifetime of the process).
const ancestryCacheBound = 8192

// AncestryCache answers Obj -> []Obj ancestor chains as graph.Ancestors
// returns them: nearest ancestor first, ending with the terminal Nothing,
// excluding obj itself.
type AncestryCache struct {
	c       *wcache[moorvar.Obj, []moorvar.Obj]
	tracker *lru.Cache[moorvar.Obj, struct{}]
}

func newAncestryCache() *AncestryCache {
	tracker, _ := lru.New[moorvar.Obj, struct{}](ancestryCacheBound)
	return &AncestryCache{c: newCache[moorvar.Obj, []moorvar.Obj](), tracker: tracker}
}

func (a *AncestryCache) Lookup(obj moorvar.Obj) Lookup[[]moorvar.Obj] {
	return a.c.lookup(obj)
}

func (a *AncestryCache) Fill(obj moorvar.Obj, chain []moorvar.Obj) {
	if !a.tracker.Contains(obj) && a.tracker.Len() >= ancestryCacheBound {
		if oldest, _, ok := a.tracker.GetOldest(); ok {
			a.c.evict(oldest)
		}
	}
	a.tracker.Add(obj, struct{}{})
	a.c.fillHit(obj, append([]moorvar.Obj(nil), chain...))
}

func (a *AncestryCache) Flush() {
	a.c.flush()
	a.tracker.Purge()
}
func (a *AncestryCache) HasChanged() bool { return a.c.hasChanged() }
func (a *AncestryCache) fork() *AncestryCache {
	tracker, _ := lru.New[moorvar.Obj, struct{}](ancestryCacheBound)
	for _, k := range a.tracker.Keys() {
		tracker.Add(k, struct{}{})
	}
	return &AncestryCache{c: a.c.fork(), tracker: tracker}
}

// Bundle is the shared triple of resolution caches embedded in a root
// snapshot (spec §4.4).
type Bundle struct {
	Verbs    *VerbCache
	Props    *PropCache
	Ancestry *AncestryCache
}

// NewBundle returns an empty bundle, used the first time a store opens.
func NewBundle() *Bundle {
	return &Bundle{Verbs: newVerbCache(), Props: newPropCache(), Ancestry: newAncestryCache()}
}

// Fork returns a transaction-private derivation of every cache in the
// bundle.
func (b *Bundle) Fork() *Bundle {
	return &Bundle{Verbs: b.Verbs.fork(), Props: b.Props.fork(), Ancestry: b.Ancestry.fork()}
}

// HasChanged reports whether any cache in the bundle was written to since
// it was forked.
func (b *Bundle) HasChanged() bool {
	return b.Verbs.HasChanged() || b.Props.HasChanged() || b.Ancestry.HasChanged()
}

// FlushAll wipes every cache in the bundle — used after a broadly
// invalidating operation like reparent (spec §4.4, §4.5).
func (b *Bundle) FlushAll() {
	b.Verbs.Flush()
	b.Props.Flush()
	b.Ancestry.Flush()
}
