package rcache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rdaum/moor-sub011/internal/moorvar"
	"github.com/rdaum/moor-sub011/internal/schema"
)

func TestWcacheLookupFillFork(t *testing.T) {
	c := newCache[string, int]()

	l := c.lookup("a")
	assert.True(t, l.Cold)

	c.fillHit("a", 1)
	l = c.lookup("a")
	assert.True(t, l.Hit)
	assert.Equal(t, 1, l.Val)

	c.fillMiss("b")
	l = c.lookup("b")
	assert.True(t, l.Negative)

	fork := c.fork()
	assert.False(t, fork.hasChanged())
	lf := fork.lookup("a")
	assert.True(t, lf.Hit)
	assert.Equal(t, 1, lf.Val)

	fork.fillHit("a", 2)
	assert.True(t, fork.hasChanged())
	// c carries its own dirty flag, set by its own fills above; the lookup
	// below shows the fork's write did not reach it.
	assert.True(t, c.hasChanged())

	// original is untouched by the fork's write.
	l = c.lookup("a")
	assert.Equal(t, 1, l.Val)
}

func TestWcacheFlushMarksCold(t *testing.T) {
	c := newCache[string, int]()
	c.fillHit("a", 1)
	c.flush()

	l := c.lookup("a")
	assert.True(t, l.Cold)
	assert.True(t, c.hasChanged())
}

func TestWcacheEvict(t *testing.T) {
	c := newCache[string, int]()
	c.fillHit("a", 1)
	c.evict("a")
	assert.True(t, c.lookup("a").Cold)
}

func TestVerbCacheRoundTrip(t *testing.T) {
	v := newVerbCache()
	obj := moorvar.NewNumeric(1)
	name := moorvar.Intern("look")

	assert.True(t, v.Lookup(obj, name).Cold)

	def := schema.VerbDef{Names: []string{"look"}}
	v.FillHit(obj, name, def)
	l := v.Lookup(obj, name)
	assert.True(t, l.Hit)
	assert.Equal(t, def.Names, l.Val.Names)
}

func TestAncestryCacheBoundsSize(t *testing.T) {
	a := newAncestryCache()
	for i := 0; i < ancestryCacheBound+10; i++ {
		obj := moorvar.NewNumeric(int32(i))
		a.Fill(obj, []moorvar.Obj{moorvar.SystemObject})
	}
	// the earliest entries should have been evicted.
	assert.True(t, a.Lookup(moorvar.NewNumeric(0)).Cold)
	assert.True(t, a.Lookup(moorvar.NewNumeric(ancestryCacheBound+9)).Hit)
}

func TestBundleForkIsolationAndFlush(t *testing.T) {
	b := NewBundle()
	obj := moorvar.NewNumeric(7)
	name := moorvar.Intern("description")
	b.Props.FillDefHit(obj, name, schema.PropDef{Name: "description"})

	fork := b.Fork()
	assert.False(t, fork.HasChanged())

	fork.Verbs.FillMiss(obj, name)
	assert.True(t, fork.HasChanged())
	// b is dirty from its own FillDefHit above; the fork's fill stays out of it.
	assert.True(t, b.HasChanged())
	assert.True(t, b.Verbs.Lookup(obj, name).Cold)

	fork.FlushAll()
	assert.True(t, fork.Props.LookupDef(obj, name).Cold)
}
