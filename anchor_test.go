package weave

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnchorSentinels(t *testing.T) {
	d := newTestDoc(1)
	d.InsertText(0, "abc")

	start := d.AnchorAt(0, Before)
	end := d.AnchorAt(3, After)
	assert.Equal(t, 0, d.Resolve(start))
	assert.Equal(t, 3, d.Resolve(end))

	d.InsertText(0, ">>")
	d.InsertText(d.Len(), "<<")
	assert.Equal(t, 0, d.Resolve(start))
	assert.Equal(t, d.Len(), d.Resolve(end))
}

func TestAnchorStability(t *testing.T) {
	d := newTestDoc(1)
	d.InsertText(0, "func main() // comment")
	at := strings.Index(d.Text(), "//")
	a := d.AnchorAt(at, Before)

	// a hundred runes typed ahead of the comment must not move what
	// the anchor points at
	for i := 0; i < 100; i++ {
		d.InsertText(0, "x")
	}
	pos := d.Resolve(a)
	assert.Equal(t, at+100, pos)
	assert.Equal(t, "//", d.Text()[pos:pos+2])
}

func TestAnchorSticksThroughConcurrentEdit(t *testing.T) {
	a := newTestDoc(1)
	b := newTestDoc(2)
	a.InsertText(0, "hello world")
	fullSync(t, a, b)

	anchor := a.AnchorAt(6, Before) // at "world"
	b.InsertText(0, "says: ")
	fullSync(t, a, b)

	pos := a.Resolve(anchor)
	assert.Equal(t, "world", a.Text()[pos:pos+5])
}

func TestAnchorOnDeletedElement(t *testing.T) {
	d := newTestDoc(1)
	d.InsertText(0, "abcdef")
	anchor := d.AnchorAt(3, Before) // element 'd'

	d.DeleteText(2, 3) // "abf"
	assert.Equal(t, 2, d.Resolve(anchor))

	sideAfter := d.AnchorAt(2, After) // element 'b'
	d.InsertText(2, "zz")
	assert.Equal(t, 2, d.Resolve(sideAfter))
}

func TestAnchorSidesAtInsertionPoint(t *testing.T) {
	d := newTestDoc(1)
	d.InsertText(0, "abcd")
	before := d.AnchorAt(2, Before) // tracks 'c'
	after := d.AnchorAt(2, After)   // tracks 'b'

	d.InsertText(2, "XY") // "abXYcd"
	assert.Equal(t, 4, d.Resolve(before))
	assert.Equal(t, 2, d.Resolve(after))
}
