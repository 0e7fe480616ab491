package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	s := Parse("profile  email profile")
	assert.Len(t, s, 2)
	assert.True(t, s.Contains("profile"))
	assert.True(t, s.Contains("email"))
}

func TestParse_Empty(t *testing.T) {
	assert.True(t, Parse("").IsEmpty())
	assert.True(t, Parse("   ").IsEmpty())
}

func TestString_Canonical(t *testing.T) {
	// Order of construction must not matter.
	a := New("write", "read", "admin")
	b := New("admin", "write", "read")
	assert.Equal(t, "admin read write", a.String())
	assert.Equal(t, a.String(), b.String())
}

func TestSubsetOf(t *testing.T) {
	allowed := New("profile", "email")

	assert.True(t, New("profile").SubsetOf(allowed))
	assert.True(t, New().SubsetOf(allowed))
	assert.False(t, New("profile", "admin").SubsetOf(allowed))
	assert.False(t, New("admin").SubsetOf(New()))
}

func TestIntersect(t *testing.T) {
	got := New("a", "b", "c").Intersect(New("b", "c", "d"))
	assert.Equal(t, "b c", got.String())
}

func TestEqual(t *testing.T) {
	assert.True(t, New("a", "b").Equal(New("b", "a")))
	assert.False(t, New("a").Equal(New("a", "b")))
	assert.True(t, New().Equal(Parse("")))
}

func TestClone_Independent(t *testing.T) {
	orig := New("a")
	cp := orig.Clone()
	cp["b"] = struct{}{}
	assert.False(t, orig.Contains("b"))
}
