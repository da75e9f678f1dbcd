package flatten

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/cognicore/xmlflat/pkg/xmlflat/internalerr"
)

const hdrDoc = `<?xml version="1.0"?><Document><Hdr><Id>1</Id></Hdr></Document>`

func TestFlattenScenario(t *testing.T) {
	pd, err := New(DefaultOptions()).Flatten(1, hdrDoc)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if pd.Type != "Hdr" {
		t.Errorf("type: got %q, want %q", pd.Type, "Hdr")
	}
	if pd.TopNode != "Document" {
		t.Errorf("top node: got %q", pd.TopNode)
	}

	got := pd.Record.Get("Document.Hdr.Id")
	want := []Entry{{TagID: 3, Depth: 3, Value: "1", Kind: DataTag}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Document.Hdr.Id: got %+v, want %+v", got, want)
	}

	keys := pd.Record.Keys()
	if want := []string{"Document", "Document.Hdr", "Document.Hdr.Id"}; !reflect.DeepEqual(keys, want) {
		t.Errorf("keys: got %v, want %v", keys, want)
	}
	if n := pd.Record.Get("Document.Hdr")[0]; n.Kind != Node || n.Value != NodeValue {
		t.Errorf("Document.Hdr should be a node entry, got %+v", n)
	}
	if pd.SourceTagCount != 3 || pd.RecognizedTagCount != 3 {
		t.Errorf("tag counts: source %d, recognized %d", pd.SourceTagCount, pd.RecognizedTagCount)
	}
}

func TestFlattenTreeLinksTags(t *testing.T) {
	doc := `<Document><Msg><A>1</A><B><C>2</C></B></Msg></Document>`
	pd, err := New(DefaultOptions()).Flatten(1, doc)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if pd.Tree.Root() != 1 {
		t.Errorf("root tag id: got %d", pd.Tree.Root())
	}
	if err := pd.Tree.Check(); err != nil {
		t.Fatalf("tree invariants: %v", err)
	}

	// 1 Document, 2 Msg, 3 A, 4 B, 5 C
	var pairs [][2]int
	for p, c := range pd.Tree.VisitTree() {
		pairs = append(pairs, [2]int{p, c})
	}
	want := [][2]int{{1, 2}, {2, 3}, {2, 4}, {4, 5}}
	if !reflect.DeepEqual(pairs, want) {
		t.Errorf("tree: got %v, want %v", pairs, want)
	}
	if pd.Type != "Msg" {
		t.Errorf("type: got %q", pd.Type)
	}
}

func TestFlattenConcatOnDuplicates(t *testing.T) {
	doc := `<Document><T><L>b</L><L>a</L><L>b</L></T></Document>`
	pd, err := New(DefaultOptions()).Flatten(1, doc)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	var values []string
	for _, e := range pd.Record.Get("Document.T.L") {
		values = append(values, e.Value)
	}
	if want := []string{"b", "a", "b"}; !reflect.DeepEqual(values, want) {
		t.Errorf("got %v, want %v", values, want)
	}
}

func TestFlattenDuplicateKeyError(t *testing.T) {
	opts := DefaultOptions()
	opts.ConcatOnKeyError = false
	_, err := New(opts).Flatten(1, `<Document><T><L>x</L><L>y</L></T></Document>`)
	if !errors.Is(err, internalerr.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	var dup *DuplicateKeyError
	if !errors.As(err, &dup) {
		t.Fatalf("expected *DuplicateKeyError, got %T", err)
	}
	if dup.Key != "Document.T.L" || dup.Value != "y" || dup.Existing[0].Value != "x" {
		t.Errorf("unexpected error payload: %+v", dup)
	}
}

func TestFlattenAttributeUsage(t *testing.T) {
	doc := `<Document><Tx><Amt Ccy="EUR" Src="x">0.20</Amt></Tx></Document>`
	tests := []struct {
		usage AttributeUsage
		want  map[string]string
	}{
		{AddSeparateTag, map[string]string{
			"Document.Tx.Amt.Ccy": "EUR",
			"Document.Tx.Amt.Src": "x",
			"Document.Tx.Amt.Amt": "0.20",
		}},
		{AddToTagName, map[string]string{"Document.Tx.Amt-EUR-x": "0.20"}},
		{AddToTagValue, map[string]string{"Document.Tx.Amt": "EUR-x-0.20"}},
		{Ignore, map[string]string{"Document.Tx.Amt": "0.20"}},
	}
	for _, tt := range tests {
		t.Run(tt.usage.String(), func(t *testing.T) {
			opts := DefaultOptions()
			opts.AttributeUsage = tt.usage
			pd, err := New(opts).Flatten(1, doc)
			if err != nil {
				t.Fatalf("Flatten: %v", err)
			}
			_, row := pd.Record.Flat(true)
			if !reflect.DeepEqual(row, tt.want) {
				t.Errorf("got %v, want %v", row, tt.want)
			}
		})
	}
}

func TestFlattenNodeAttributes(t *testing.T) {
	doc := `<Document xmlns="urn:x" xmlns:xsi="urn:y"><Tx id="7"><A>1</A></Tx></Document>`
	pd, err := New(DefaultOptions()).Flatten(1, doc)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if got := pd.Record.Get("Document.Tx.id"); len(got) != 1 || got[0].Value != "7" {
		t.Errorf("node attribute: got %+v", got)
	}
	for _, key := range pd.Record.Keys() {
		if strings.Contains(key, "xmlns") || strings.Contains(key, "xsi") {
			t.Errorf("namespace declaration leaked into key %q", key)
		}
	}
}

func TestFlattenDocumentWrapperType(t *testing.T) {
	opts := DefaultOptions()
	opts.TypeDistanceToTop = 0
	pd, err := New(opts).Flatten(1, `<Document><CstmrDrctDbtInitn><Id>1</Id></CstmrDrctDbtInitn></Document>`)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if pd.Type != "CstmrDrctDbtInitn" {
		t.Errorf("type: got %q", pd.Type)
	}
}

func TestFlattenTopNodeLevel(t *testing.T) {
	opts := DefaultOptions()
	opts.TopNodeLevel = 1
	pd, err := New(opts).Flatten(1, `<Envelope><Document><Msg><Id>1</Id></Msg></Document></Envelope>`)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if pd.TopNode != "Document" || pd.Type != "Msg" {
		t.Errorf("top node %q, type %q", pd.TopNode, pd.Type)
	}
	if !pd.Record.Has("Document.Msg.Id") {
		t.Errorf("keys should start at the top node: %v", pd.Record.Keys())
	}
}

func TestFlattenStructureError(t *testing.T) {
	opts := DefaultOptions()
	opts.TypeDistanceToTop = 5
	_, err := New(opts).Flatten(1, hdrDoc)
	if !errors.Is(err, internalerr.ErrStructure) {
		t.Errorf("expected ErrStructure, got %v", err)
	}
}

func TestFlattenParseMismatch(t *testing.T) {
	doc := `<Document><Msg><![CDATA[</a></b></c></d></e></f>]]></Msg></Document>`
	_, err := New(DefaultOptions()).Flatten(1, doc)
	if !errors.Is(err, internalerr.ErrParseMismatch) {
		t.Errorf("expected ErrParseMismatch, got %v", err)
	}
}

func TestFlattenMaxDepth(t *testing.T) {
	depth := 50
	doc := strings.Repeat("<a>", depth) + "x" + strings.Repeat("</a>", depth)

	opts := DefaultOptions()
	opts.MaxDepth = 10
	_, err := New(opts).Flatten(1, doc)
	if !errors.Is(err, internalerr.ErrMaxDepth) {
		t.Fatalf("expected ErrMaxDepth, got %v", err)
	}

	opts.MaxDepth = 100
	pd, err := New(opts).Flatten(1, doc)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if pd.Tree.NumNodes() != depth {
		t.Errorf("expected %d tags, got %d", depth, pd.Tree.NumNodes())
	}
}

func TestFlattenEmptyElement(t *testing.T) {
	pd, err := New(DefaultOptions()).Flatten(1, `<Document><Msg><Empty/><A>1</A></Msg></Document>`)
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	got := pd.Record.Get("Document.Msg.Empty")
	if len(got) != 1 || got[0].Kind != DataTag || got[0].Value != "" {
		t.Errorf("empty element: got %+v", got)
	}
}

func TestFlattenTagIDsArePerDocument(t *testing.T) {
	f := New(DefaultOptions())
	a, err := f.Flatten(1, hdrDoc)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.Flatten(2, hdrDoc)
	if err != nil {
		t.Fatal(err)
	}
	if a.Tree.Root() != 1 || b.Tree.Root() != 1 {
		t.Errorf("tag ids must restart per document: %d, %d", a.Tree.Root(), b.Tree.Root())
	}
}

func TestRecordJSONKeepsOrder(t *testing.T) {
	pd, err := New(DefaultOptions()).Flatten(1, `<Document><M><Z>1</Z><A>2</A><Z>3</Z></M></Document>`)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := json.Marshal(pd.Record)
	if err != nil {
		t.Fatal(err)
	}
	var back Record
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(back.Keys(), pd.Record.Keys()) {
		t.Errorf("keys: got %v, want %v", back.Keys(), pd.Record.Keys())
	}
	if !reflect.DeepEqual(back.Get("Document.M.Z"), pd.Record.Get("Document.M.Z")) {
		t.Errorf("entries differ after round trip")
	}
}

func TestRecordFlat(t *testing.T) {
	pd, err := New(DefaultOptions()).Flatten(1, `<Document><M><L>a</L><L>b</L></M></Document>`)
	if err != nil {
		t.Fatal(err)
	}
	cols, row := pd.Record.Flat(false)
	if want := []string{"Document", "Document.M", "Document.M.L"}; !reflect.DeepEqual(cols, want) {
		t.Errorf("cols: got %v", cols)
	}
	if row["Document.M"] != "" || row["Document.M.L"] != "a | b" {
		t.Errorf("row: got %v", row)
	}
}

// TestRecordFlatMixedKinds covers a key that is a node in one sibling and
// a leaf in another: <A><B>1</B></A><A>2</A>
func TestRecordFlatMixedKinds(t *testing.T) {
	r := NewRecord()
	r.Append("Document", Entry{TagID: 1, Depth: 1, Value: NodeValue, Kind: Node})
	r.Append("Document.A", Entry{TagID: 2, Depth: 2, Value: NodeValue, Kind: Node})
	r.Append("Document.A.B", Entry{TagID: 3, Depth: 3, Value: "1", Kind: DataTag})
	r.Append("Document.A", Entry{TagID: 4, Depth: 2, Value: "2", Kind: DataTag})

	cols, row := r.Flat(true)
	if want := []string{"Document.A", "Document.A.B"}; !reflect.DeepEqual(cols, want) {
		t.Errorf("cols: got %v, want %v", cols, want)
	}
	if want := map[string]string{"Document.A": "2", "Document.A.B": "1"}; !reflect.DeepEqual(row, want) {
		t.Errorf("row: got %v, want %v", row, want)
	}

	_, row = r.Flat(false)
	if row["Document"] != "" || row["Document.A"] != "2" {
		t.Errorf("row: got %v", row)
	}
}

func TestParseAttributeUsage(t *testing.T) {
	for _, a := range []AttributeUsage{AddToTagName, AddToTagValue, AddSeparateTag, Ignore} {
		got, err := ParseAttributeUsage(a.String())
		if err != nil || got != a {
			t.Errorf("%s: got %v, %v", a, got, err)
		}
	}
	if _, err := ParseAttributeUsage("bogus"); !errors.Is(err, internalerr.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
