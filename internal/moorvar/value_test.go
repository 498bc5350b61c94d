package moorvar

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarRoundTrip(t *testing.T) {
	m, err := Map(
		MapEntry{Key: Str("x"), Val: Int(1)},
		MapEntry{Key: FromObj(NewNumeric(42)), Val: Bool(true)},
	)
	require.NoError(t, err)

	fly := FromFlyweight(Flyweight{
		Delegate: NewNumeric(7),
		Slots:    []MapEntry{{Key: FromSymbol(Intern("color")), Val: Str("red")}},
		Contents: []Var{Int(1), Int(2)},
		Sealed:   true,
	})

	lambda := FromLambda(Lambda{Program: []byte{1, 2, 3}, Environment: []Var{Int(9)}})

	cases := []Var{
		Int(-7),
		Float(3.25),
		Str("hello, world"),
		FromObj(NewNumeric(-5)),
		FromObj(NewAnonymousRandom()),
		FromObj(Nothing),
		Error(Intern("E_TYPE"), "wrong type"),
		Bool(false),
		FromSymbol(Intern("Foo")),
		List(Int(1), Str("two"), List(Int(3))),
		m,
		Binary([]byte{0xde, 0xad, 0xbe, 0xef}),
		fly,
		lambda,
	}

	for _, v := range cases {
		enc, err := Encode(v)
		require.NoError(t, err)
		dec, err := Decode(enc)
		require.NoError(t, err)
		assert.True(t, v.Equal(dec), "round trip mismatch for kind %d", v.Kind())
	}
}

func TestMapRejectsDuplicateKeys(t *testing.T) {
	_, err := Map(
		MapEntry{Key: Str("a"), Val: Int(1)},
		MapEntry{Key: Str("a"), Val: Int(2)},
	)
	assert.Error(t, err)
}

func TestMapRejectsNonScalarKey(t *testing.T) {
	_, err := Map(MapEntry{Key: List(Int(1)), Val: Int(1)})
	assert.Error(t, err)
}

func TestObjOrdering(t *testing.T) {
	a := NewNumeric(1)
	b := NewNumeric(2)
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(NewNumeric(1)))

	anon := NewAnonymousRandom()
	assert.True(t, a.Compare(anon) < 0, "numeric sorts before anonymous")
	assert.True(t, anon.Compare(Nothing) < 0, "anonymous sorts before sentinel")
}

func TestSymbolCaseInsensitiveIdentity(t *testing.T) {
	a := Intern("Foo")
	b := Intern("foo")
	assert.True(t, a.Equal(b))
	assert.Equal(t, "Foo", a.String(), "first spelling wins for display")
}
