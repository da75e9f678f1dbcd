package forwardstar

import (
	"encoding/json"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognicore/xmlflat/pkg/xmlflat/internalerr"
)

type pair struct{ Parent, Child string }

func collect[C comparable](seq iter.Seq2[C, C]) [][2]C {
	var out [][2]C
	for p, c := range seq {
		out = append(out, [2]C{p, c})
	}
	return out
}

// breadthFirst builds A(B(D(K,L)),C(E..J)) level by level.
func breadthFirst(t *testing.T) *ForwardStar[string] {
	t.Helper()
	f := New("A")
	links := []pair{
		{"A", "B"}, {"A", "C"},
		{"B", "D"},
		{"C", "E"}, {"C", "F"}, {"C", "G"}, {"C", "H"}, {"C", "I"}, {"C", "J"},
		{"D", "K"}, {"D", "L"},
	}
	for _, l := range links {
		require.NoError(t, f.AddChild(l.Parent, l.Child))
		require.NoError(t, f.Check())
	}
	return f
}

// depthFirst builds the same shape as breadthFirst plus Y,Z under K, inserting depth first.
func depthFirst(t *testing.T) *ForwardStar[string] {
	t.Helper()
	f := New("A")
	links := []pair{
		{"A", "B"}, {"B", "D"}, {"D", "K"}, {"K", "Y"}, {"K", "Z"}, {"D", "L"},
		{"A", "C"}, {"C", "E"}, {"C", "F"}, {"C", "G"}, {"C", "H"}, {"C", "I"}, {"C", "J"},
	}
	for _, l := range links {
		require.NoError(t, f.AddChild(l.Parent, l.Child))
		require.NoError(t, f.Check())
	}
	return f
}

func TestNewRoot(t *testing.T) {
	f := New("root")
	d := f.ExportData()
	assert.Equal(t, []int{0, 0}, d.FirstLink)
	assert.Equal(t, 1, d.NumNodes)
	assert.Equal(t, 0, d.NumLinks)
	assert.Empty(t, d.ToNode)

	p, l := f.FindParent(0)
	assert.Equal(t, -1, p)
	assert.Equal(t, -1, l)
}

func TestAddChildKeepsInsertionOrder(t *testing.T) {
	f := breadthFirst(t)

	assert.Equal(t, 12, f.NumNodes())
	assert.Equal(t, 11, f.NumLinks())

	var names []string
	for _, c := range f.Children(0) {
		names = append(names, f.Caption(c))
	}
	assert.Equal(t, []string{"B", "C"}, names)

	c, err := f.NodeIndex("C")
	require.NoError(t, err)
	names = names[:0]
	for _, n := range f.Children(c) {
		names = append(names, f.Caption(n))
	}
	assert.Equal(t, []string{"E", "F", "G", "H", "I", "J"}, names)
}

func TestAddChildErrors(t *testing.T) {
	f := New("A")
	err := f.AddChild("missing", "B")
	assert.ErrorIs(t, err, internalerr.ErrNotFound)

	require.NoError(t, f.AddChild("A", "B"))
	require.NoError(t, f.AddChild("A", "B"))
	err = f.AddChild("B", "C")
	assert.ErrorIs(t, err, internalerr.ErrAmbiguousCaption)
}

func TestVisitNodeDescendants(t *testing.T) {
	f := depthFirst(t)

	seq, err := f.VisitNodeDescendants("D")
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"D", "K"}, {"K", "Y"}, {"K", "Z"}, {"D", "L"}}, collect(seq))

	seq, err = f.VisitNodeDescendants("L")
	require.NoError(t, err)
	assert.Empty(t, collect(seq))

	_, err = f.VisitNodeDescendants("Q")
	assert.ErrorIs(t, err, internalerr.ErrNotFound)
}

func TestVisitTreePreOrder(t *testing.T) {
	f := breadthFirst(t)
	got := collect(f.VisitTree())
	want := [][2]string{
		{"A", "B"}, {"B", "D"}, {"D", "K"}, {"D", "L"},
		{"A", "C"}, {"C", "E"}, {"C", "F"}, {"C", "G"}, {"C", "H"}, {"C", "I"}, {"C", "J"},
	}
	assert.Equal(t, want, got)
}

func TestVisitNodeAncestors(t *testing.T) {
	f := depthFirst(t)

	seq, err := f.VisitNodeAncestors("Z")
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"K", "Z"}, {"D", "K"}, {"B", "D"}, {"A", "B"}}, collect(seq))

	seq, err = f.VisitNodeAncestors("A")
	require.NoError(t, err)
	assert.Empty(t, collect(seq))
}

func TestVisitStopsEarly(t *testing.T) {
	f := breadthFirst(t)
	n := 0
	for range f.VisitTree() {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestFindParentByCaption(t *testing.T) {
	f := breadthFirst(t)

	parent, ok, err := f.FindParentByCaption("K")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "D", parent)

	_, ok, err = f.FindParentByCaption("A")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExportLoadRoundTrip(t *testing.T) {
	f := depthFirst(t)
	raw, err := json.Marshal(f.ExportData())
	require.NoError(t, err)

	var d Data[string]
	require.NoError(t, json.Unmarshal(raw, &d))
	loaded, err := FromData(d)
	require.NoError(t, err)

	assert.Equal(t, collect(f.VisitTree()), collect(loaded.VisitTree()))
	assert.Equal(t, f.ExportData(), loaded.ExportData())
}

func TestExportIsCopy(t *testing.T) {
	f := breadthFirst(t)
	d := f.ExportData()
	d.ToNode[0] = 99
	require.NoError(t, f.Check())
}

func TestLoadRejectsBrokenData(t *testing.T) {
	d := New("A").ExportData()
	d.FirstLink = []int{0, 1}
	_, err := FromData(d)
	assert.ErrorIs(t, err, internalerr.ErrInvalidInput)
}

func TestIntegerCaptions(t *testing.T) {
	f := New(1)
	require.NoError(t, f.AddChild(1, 2))
	require.NoError(t, f.AddChild(2, 3))
	require.NoError(t, f.AddChild(1, 4))

	seq, err := f.VisitNodeAncestors(3)
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{2, 3}, {1, 2}}, collect(seq))
}
