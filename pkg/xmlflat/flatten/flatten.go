// Package flatten turns one XML document into a flat, path keyed record and
// a forward star of the emitted tags.
package flatten

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cognicore/xmlflat/internal/xmlutil"
	"github.com/cognicore/xmlflat/pkg/xmlflat/forwardstar"
	"github.com/cognicore/xmlflat/pkg/xmlflat/internalerr"
)

// AttributeUsage selects how element attributes end up in the record.
type AttributeUsage int

const (
	AddToTagName   AttributeUsage = 1 // key <path>.<tag>-<v1>-<v2>
	AddToTagValue  AttributeUsage = 2 // value <v1>-<v2>-<text>
	AddSeparateTag AttributeUsage = 3 // keys <path>.<tag>.<attr> plus <path>.<tag>.<tag>
	Ignore         AttributeUsage = 4
)

var attributeUsageNames = map[AttributeUsage]string{
	AddToTagName:   "tag_name",
	AddToTagValue:  "tag_value",
	AddSeparateTag: "separate_tag",
	Ignore:         "ignore",
}

func (a AttributeUsage) String() string {
	if name, ok := attributeUsageNames[a]; ok {
		return name
	}
	return fmt.Sprintf("AttributeUsage(%d)", int(a))
}

// ParseAttributeUsage accepts the names printed by String.
func ParseAttributeUsage(s string) (AttributeUsage, error) {
	for a, name := range attributeUsageNames {
		if strings.EqualFold(s, name) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("attribute usage %q: %w", s, internalerr.ErrInvalidInput)
}

// DefaultMaxDepth bounds element nesting.
const DefaultMaxDepth = 512

// Options configures a Flattener.
type Options struct {
	TopNodeLevel      int
	TypeDistanceToTop int
	AttributeUsage    AttributeUsage
	ConcatOnKeyError  bool
	MaxDepth          int
}

// DefaultOptions returns the settings of a plain processing run.
func DefaultOptions() Options {
	return Options{
		TopNodeLevel:      0,
		TypeDistanceToTop: 1,
		AttributeUsage:    AddSeparateTag,
		ConcatOnKeyError:  true,
		MaxDepth:          DefaultMaxDepth,
	}
}

// Validate checks the option ranges.
func (o Options) Validate() error {
	switch {
	case o.TopNodeLevel < 0:
		return fmt.Errorf("top node level %d: %w", o.TopNodeLevel, internalerr.ErrInvalidConfig)
	case o.TypeDistanceToTop < 0:
		return fmt.Errorf("type distance %d: %w", o.TypeDistanceToTop, internalerr.ErrInvalidConfig)
	case o.MaxDepth < 0:
		return fmt.Errorf("max depth %d: %w", o.MaxDepth, internalerr.ErrInvalidConfig)
	}
	if _, ok := attributeUsageNames[o.AttributeUsage]; !ok {
		return fmt.Errorf("attribute usage %d: %w", int(o.AttributeUsage), internalerr.ErrInvalidConfig)
	}
	return nil
}

// ParsedDocument is the flattened form of one document.
type ParsedDocument struct {
	DocID              int
	Type               string
	TopNode            string
	Record             *Record
	Tree               *forwardstar.ForwardStar[int]
	SourceTagCount     int
	RecognizedTagCount int
}

// DuplicateKeyError is returned for a repeated key when concatenation is off.
type DuplicateKeyError struct {
	Key      string
	Value    string
	Existing []Entry
}

func (e *DuplicateKeyError) Error() string {
	existing := make([]string, len(e.Existing))
	for i, x := range e.Existing {
		existing[i] = x.Value
	}
	return fmt.Sprintf("tag %s already exists in document: current value %q, existing value %q",
		e.Key, e.Value, strings.Join(existing, Separator))
}

func (e *DuplicateKeyError) Unwrap() error { return internalerr.ErrDuplicateKey }

// Flattener converts documents. It holds no per-document state and can be
// shared between goroutines.
type Flattener struct {
	opts Options
}

// New creates a Flattener.
func New(opts Options) *Flattener {
	if opts.MaxDepth == 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.AttributeUsage == 0 {
		opts.AttributeUsage = AddSeparateTag
	}
	return &Flattener{opts: opts}
}

// Options returns the effective options.
func (f *Flattener) Options() Options { return f.opts }

// element is one node of the parsed tree.
type element struct {
	name     string
	attrs    []xml.Attr
	text     strings.Builder
	children []*element
}

func (e *element) leaf() bool { return len(e.children) == 0 }

// Flatten parses text and produces its record and tag tree.
func (f *Flattener) Flatten(docID int, text string) (*ParsedDocument, error) {
	order, err := f.parse(text)
	if err != nil {
		return nil, err
	}

	top, typ, err := f.locate(order)
	if err != nil {
		return nil, err
	}

	pd := &ParsedDocument{
		DocID:              docID,
		Type:               typ,
		TopNode:            top.name,
		SourceTagCount:     strings.Count(text, "</"),
		RecognizedTagCount: len(order),
	}
	if float64(pd.RecognizedTagCount) < 0.5*float64(pd.SourceTagCount) {
		return nil, fmt.Errorf("recognized %d tags whereas raw document contains %d tags: %w",
			pd.RecognizedTagCount, pd.SourceTagCount, internalerr.ErrParseMismatch)
	}

	w := &walk{opts: f.opts, record: NewRecord()}
	if err := w.run(top); err != nil {
		return nil, err
	}
	pd.Record = w.record
	pd.Tree = w.tree
	return pd, nil
}

// parse builds the element tree and returns all elements in document order.
func (f *Flattener) parse(text string) ([]*element, error) {
	dec := xmlutil.NewStringDecoder(text)
	var order []*element
	var stack []*element
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", internalerr.ErrMalformedDocument, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if f.opts.MaxDepth > 0 && len(stack) >= f.opts.MaxDepth {
				return nil, fmt.Errorf("element <%s> nested deeper than %d: %w", t.Name.Local, f.opts.MaxDepth, internalerr.ErrMaxDepth)
			}
			el := &element{name: t.Name.Local}
			for _, a := range t.Attr {
				if !xmlutil.IsNamespaceDecl(a) {
					el.attrs = append(el.attrs, a)
				}
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, el)
			}
			stack = append(stack, el)
			order = append(order, el)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("no element found: %w", internalerr.ErrStructure)
	}
	return order, nil
}

// locate finds the top node and the document type.
func (f *Flattener) locate(order []*element) (*element, string, error) {
	level := f.opts.TopNodeLevel
	typeLevel := level + f.opts.TypeDistanceToTop
	if level >= len(order) || typeLevel >= len(order) {
		return nil, "", fmt.Errorf("document has %d tags, top node level %d and type level %d required: %w",
			len(order), level, typeLevel, internalerr.ErrStructure)
	}

	typ := order[typeLevel].name
	if strings.EqualFold(typ, "document") {
		if typeLevel+1 >= len(order) {
			return nil, "", fmt.Errorf("no tag below the %s wrapper: %w", typ, internalerr.ErrStructure)
		}
		typ = order[typeLevel+1].name
	}

	// The top node is the first element carrying that level's name.
	name := order[level].name
	for _, el := range order {
		if el.name == name {
			return el, typ, nil
		}
	}
	return order[level], typ, nil
}

// walk holds the state of one flattening so that concurrent documents never
// share a tag id counter.
type walk struct {
	opts   Options
	record *Record
	tree   *forwardstar.ForwardStar[int]
	tagID  int
}

type frame struct {
	el       *element
	path     string
	level    int
	parentID int
}

func (w *walk) run(top *element) error {
	stack := []frame{{el: top, level: 1}}
	for len(stack) > 0 {
		fr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if fr.el.leaf() {
			if err := w.leaf(fr); err != nil {
				return err
			}
			continue
		}

		path := join(fr.path, fr.el.name)
		if err := w.emit(path, NodeValue, fr.level, fr.parentID, Node); err != nil {
			return err
		}
		nodeID := w.tagID
		if w.opts.AttributeUsage == AddSeparateTag {
			for _, a := range fr.el.attrs {
				if err := w.emit(path+"."+a.Name.Local, a.Value, fr.level+1, nodeID, DataTag); err != nil {
					return err
				}
			}
		}
		for i := len(fr.el.children) - 1; i >= 0; i-- {
			stack = append(stack, frame{el: fr.el.children[i], path: path, level: fr.level + 1, parentID: nodeID})
		}
	}
	return nil
}

func (w *walk) leaf(fr frame) error {
	el := fr.el
	value := el.text.String()
	key := join(fr.path, el.name)
	if len(el.attrs) == 0 {
		return w.emit(key, value, fr.level, fr.parentID, DataTag)
	}

	switch w.opts.AttributeUsage {
	case AddToTagName:
		var sb strings.Builder
		sb.WriteString(key)
		for _, a := range el.attrs {
			sb.WriteString("-")
			sb.WriteString(a.Value)
		}
		return w.emit(sb.String(), value, fr.level, fr.parentID, DataTag)
	case AddToTagValue:
		var sb strings.Builder
		for _, a := range el.attrs {
			sb.WriteString(a.Value)
			sb.WriteString("-")
		}
		sb.WriteString(value)
		return w.emit(key, sb.String(), fr.level, fr.parentID, DataTag)
	case AddSeparateTag:
		for _, a := range el.attrs {
			if err := w.emit(key+"."+a.Name.Local, a.Value, fr.level, fr.parentID, DataTag); err != nil {
				return err
			}
		}
		return w.emit(key+"."+el.name, value, fr.level, fr.parentID, DataTag)
	default:
		return w.emit(key, value, fr.level, fr.parentID, DataTag)
	}
}

// emit assigns the next tag id, links it under parentID and stores the entry.
func (w *walk) emit(key, value string, level, parentID int, kind Kind) error {
	w.tagID++
	if w.tree == nil {
		w.tree = forwardstar.New(w.tagID)
	} else if err := w.tree.AddChild(parentID, w.tagID); err != nil {
		return err
	}

	entry := Entry{TagID: w.tagID, Depth: level, Value: value, Kind: kind}
	if w.record.Has(key) && !w.opts.ConcatOnKeyError {
		return &DuplicateKeyError{Key: key, Value: value, Existing: w.record.Get(key)}
	}
	w.record.Append(key, entry)
	return nil
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
