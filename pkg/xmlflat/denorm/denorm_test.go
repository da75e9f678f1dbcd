package denorm_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognicore/xmlflat/pkg/xmlflat/denorm"
	"github.com/cognicore/xmlflat/pkg/xmlflat/flatten"
	"github.com/cognicore/xmlflat/pkg/xmlflat/forwardstar"
	"github.com/cognicore/xmlflat/pkg/xmlflat/ingest"
	"github.com/cognicore/xmlflat/pkg/xmlflat/store"
	"github.com/cognicore/xmlflat/pkg/xmlflat/store/memstore"
)

func load(t *testing.T, docs ...string) *memstore.Store {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	f := flatten.New(flatten.DefaultOptions())
	for i, text := range docs {
		pd, err := f.Flatten(i+1, text)
		require.NoError(t, err)
		sp, err := ingest.Convert(pd)
		require.NoError(t, err)
		require.NoError(t, st.StoreParsed(ctx, sp))
	}
	require.NoError(t, st.Commit(ctx))
	return st
}

func rowsOf(t *testing.T, doc string, repeating ...string) []denorm.Row {
	t.Helper()
	pd, err := flatten.New(flatten.DefaultOptions()).Flatten(1, doc)
	require.NoError(t, err)
	sp, err := ingest.Convert(pd)
	require.NoError(t, err)
	tree, err := forwardstar.FromData(sp.Tree)
	require.NoError(t, err)
	rows, err := denorm.Document(sp.Tags, tree, repeating)
	require.NoError(t, err)
	return rows
}

const invoice = `<Document><Inv><Amount>100</Amount><Line>A</Line><Line>B</Line></Inv></Document>`

func TestDenormalizedRepeatsHeader(t *testing.T) {
	ctx := context.Background()
	st := load(t, invoice)
	m := denorm.New(st, zerolog.Nop())

	table, err := m.Denormalized(ctx, "Inv", []string{"Line"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Document.Inv.Amount", "Document.Inv.Line"}, table.Columns)
	assert.Equal(t, [][]string{{"100", "A"}, {"100", "B"}}, table.Rows)
}

func TestSimpleJoinsRepeats(t *testing.T) {
	ctx := context.Background()
	st := load(t, invoice, `<Document><Inv><Amount>7</Amount><Note>n</Note></Inv></Document>`)
	m := denorm.New(st, zerolog.Nop())

	table, err := m.Simple(ctx, "Inv")
	require.NoError(t, err)
	assert.Equal(t, []string{"Document.Inv.Amount", "Document.Inv.Line", "Document.Inv.Note"}, table.Columns)
	assert.Equal(t, [][]string{
		{"100", "A | B", ""},
		{"7", "", "n"},
	}, table.Rows)
}

func TestMaterializeWritesOutput(t *testing.T) {
	ctx := context.Background()
	st := load(t, invoice)
	m := denorm.New(st, zerolog.Nop())

	_, err := m.Materialize(ctx, "Inv", []string{"Document.Inv.Line"})
	require.NoError(t, err)
	out, err := st.Output(ctx, "Inv")
	require.NoError(t, err)
	assert.Len(t, out.Rows, 2)

	_, err = m.Materialize(ctx, "Inv", nil)
	require.NoError(t, err)
	out, err = st.Output(ctx, "Inv")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"100", "A | B"}}, out.Rows)
}

func TestDocumentNearestContextWins(t *testing.T) {
	doc := `<Document><Pmt>` +
		`<Id>P</Id>` +
		`<Tx><Id>T1</Id><Amt>1</Amt></Tx>` +
		`<Tx><Id>T2</Id><Amt>2</Amt></Tx>` +
		`</Pmt></Document>`

	rows := rowsOf(t, doc, "Document.Pmt.Tx")
	require.Len(t, rows, 2)
	assert.Equal(t, "T1", rows[0]["Document.Pmt.Tx.Id"])
	assert.Equal(t, "1", rows[0]["Document.Pmt.Tx.Amt"])
	assert.Equal(t, "P", rows[0]["Document.Pmt.Id"])
	assert.Equal(t, "T2", rows[1]["Document.Pmt.Tx.Id"])
	assert.Equal(t, "2", rows[1]["Document.Pmt.Tx.Amt"])
	assert.Equal(t, "P", rows[1]["Document.Pmt.Id"])
}

func TestDocumentSkipsOtherRepetitions(t *testing.T) {
	doc := `<Document><Pmt>` +
		`<Tx><Id>T1</Id><Info>first</Info></Tx>` +
		`<Tx><Id>T2</Id></Tx>` +
		`</Pmt></Document>`

	rows := rowsOf(t, doc, "Tx")
	require.Len(t, rows, 2)
	assert.Equal(t, "first", rows[0]["Document.Pmt.Tx.Info"])
	_, leaked := rows[1]["Document.Pmt.Tx.Info"]
	assert.False(t, leaked, "second row must not take values of the first repetition")
}

func TestDocumentZipsRepeatingKeys(t *testing.T) {
	doc := `<Document><M><A>a1</A><A>a2</A><B>b1</B><B>b2</B><C>c</C></M></Document>`

	rows := rowsOf(t, doc, "A", "B")
	require.Len(t, rows, 2)
	assert.Equal(t, denorm.Row{"Document.M.A": "a1", "Document.M.B": "b1", "Document.M.C": "c"}, rows[0])
	assert.Equal(t, denorm.Row{"Document.M.A": "a2", "Document.M.B": "b2", "Document.M.C": "c"}, rows[1])
}

func TestDocumentWithoutRepeatingEntries(t *testing.T) {
	rows := rowsOf(t, invoice, "Missing")
	require.Len(t, rows, 1)
	assert.Equal(t, denorm.Row{"Document.Inv.Amount": "100", "Document.Inv.Line": "A"}, rows[0])
}

func TestSimpleRow(t *testing.T) {
	tags := []store.TagRow{
		{Order: 1, Key: "Document", Kind: store.KindNode, TagID: 1, Value: flatten.NodeValue},
		{Order: 2, Key: "Document.L", Kind: store.KindDataTag, TagID: 2, Value: "b"},
		{Order: 2, Key: "Document.L", Kind: store.KindDataTag, TagID: 3, Repetition: 1, Value: "a"},
		{Order: 3, Key: "Document.E", Kind: store.KindDataTag, TagID: 4, Value: ""},
	}
	assert.Equal(t, denorm.Row{"Document.L": "b | a", "Document.E": ""}, denorm.SimpleRow(tags))
}

func TestMatches(t *testing.T) {
	assert.True(t, denorm.Matches("Document.Inv.Line", []string{"Line"}))
	assert.True(t, denorm.Matches("Document.Inv.Line", []string{"Document.Inv.Line"}))
	assert.False(t, denorm.Matches("Document.Inv.Lines", []string{"Line"}))
	assert.False(t, denorm.Matches("Document.Inv.Line", nil))
}

func TestRowProject(t *testing.T) {
	r := denorm.Row{"a": "1", "c": "3"}
	assert.Equal(t, []string{"1", "", "3"}, r.Project([]string{"a", "b", "c"}))
}
