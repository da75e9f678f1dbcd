// Package splitter cuts a text blob holding concatenated XML documents into
// single documents and checks each one for well-formedness.
package splitter

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/minio/highwayhash"

	"github.com/cognicore/xmlflat/internal/xmlutil"
	"github.com/cognicore/xmlflat/pkg/xmlflat/internalerr"
)

// DefaultRootTag is the root element name that opens a document when no
// prolog precedes it.
const DefaultRootTag = "Document"

var fingerprintKey = []byte("0123456789ABCDEF0123456789ABCDEF")

// Validity of a split document.
type Validity int

const (
	Invalid Validity = 0
	Valid   Validity = 1
)

func (v Validity) String() string {
	if v == Valid {
		return "valid"
	}
	return "invalid"
}

// Document is one candidate document cut out of the input.
type Document struct {
	ID            int // 1-based position in the input
	Validity      Validity
	Text          string
	InvalidReason string
	Fingerprint   string
}

// Result is the outcome of a split.
type Result struct {
	Documents  []Document
	AllValid   bool
	Delimiters []string
}

// Valid returns the valid documents in input order.
func (r Result) Valid() []Document {
	var out []Document
	for _, d := range r.Documents {
		if d.Validity == Valid {
			out = append(out, d)
		}
	}
	return out
}

// Counts returns the number of valid and invalid documents.
func (r Result) Counts() (valid, invalid int) {
	for _, d := range r.Documents {
		if d.Validity == Valid {
			valid++
		} else {
			invalid++
		}
	}
	return valid, invalid
}

// Splitter finds document boundaries. A boundary is
//  1. a prolog directly followed by a root tag (whitespace allowed between),
//  2. a prolog not followed by a root tag,
//  3. a root tag not preceded by a prolog.
//
// Matching is case-insensitive and done in a single pass.
type Splitter struct {
	rootTag string
}

// New creates a Splitter for documents whose root element is rootTag.
// An empty rootTag selects DefaultRootTag.
func New(rootTag string) *Splitter {
	if rootTag == "" {
		rootTag = DefaultRootTag
	}
	return &Splitter{rootTag: "<" + rootTag}
}

type boundary struct {
	start     int
	delimiter string
}

// Split cuts text into documents. It never fails: fragments that are not
// well-formed come back as Invalid with the parser diagnostic.
func (s *Splitter) Split(text string) Result {
	bounds := s.scan(text)

	res := Result{AllValid: true}
	seen := make(map[string]struct{})
	for _, b := range bounds {
		if _, ok := seen[b.delimiter]; !ok {
			seen[b.delimiter] = struct{}{}
			res.Delimiters = append(res.Delimiters, b.delimiter)
		}
	}
	sort.Strings(res.Delimiters)

	starts := make([]int, 0, len(bounds)+1)
	if len(bounds) == 0 || bounds[0].start > 0 {
		starts = append(starts, 0)
	}
	for _, b := range bounds {
		starts = append(starts, b.start)
	}

	for i, start := range starts {
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		fragment := strings.TrimSpace(text[start:end])
		if fragment == "" {
			continue
		}

		doc := Document{
			ID:          len(res.Documents) + 1,
			Validity:    Valid,
			Text:        fragment,
			Fingerprint: Fingerprint(fragment),
		}
		if err := Validate(fragment); err != nil {
			doc.Validity = Invalid
			doc.InvalidReason = fmt.Sprintf("Invalid xml document! The following error occurred: %v", err)
			res.AllValid = false
		}
		res.Documents = append(res.Documents, doc)
	}
	return res
}

func (s *Splitter) scan(text string) []boundary {
	var bounds []boundary
	pos := 0
	for pos < len(text) {
		i := strings.IndexByte(text[pos:], '<')
		if i < 0 {
			break
		}
		i += pos

		if end, ok := matchTag(text, i, "<?xml"); ok {
			delim := text[i:end]
			next := end
			for next < len(text) && isSpace(text[next]) {
				next++
			}
			if rootEnd, ok := matchTag(text, next, s.rootTag); ok {
				delim = text[i:end] + text[next:rootEnd]
				end = rootEnd
			}
			bounds = append(bounds, boundary{start: i, delimiter: delim})
			pos = end
			continue
		}
		if end, ok := matchTag(text, i, s.rootTag); ok {
			bounds = append(bounds, boundary{start: i, delimiter: text[i:end]})
			pos = end
			continue
		}
		pos = i + 1
	}
	return bounds
}

// matchTag reports whether text at i opens the tag prefix (case-insensitive)
// and returns the offset just past the closing '>'.
func matchTag(text string, i int, prefix string) (int, bool) {
	n := len(prefix)
	if i+n >= len(text) || !strings.EqualFold(text[i:i+n], prefix) {
		return 0, false
	}
	switch c := text[i+n]; {
	case isSpace(c), c == '>', c == '/' && prefix[1] != '?':
	default:
		return 0, false
	}
	gt := strings.IndexByte(text[i+n:], '>')
	if gt < 0 {
		return 0, false
	}
	return i + n + gt + 1, true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// Validate checks that text is a single well-formed XML document.
func Validate(text string) error {
	dec := xmlutil.NewStringDecoder(text)
	roots := 0
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", internalerr.ErrMalformedDocument, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
				if roots > 1 {
					return fmt.Errorf("%w: junk after document element <%s>", internalerr.ErrMalformedDocument, t.Name.Local)
				}
			}
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 0 && strings.TrimSpace(string(t)) != "" {
				return fmt.Errorf("%w: text outside the document element", internalerr.ErrMalformedDocument)
			}
		}
	}
	if roots == 0 {
		return fmt.Errorf("%w: no element found", internalerr.ErrMalformedDocument)
	}
	return nil
}

// Fingerprint returns a 64-bit HighwayHash of the document text as hex.
func Fingerprint(text string) string {
	return fmt.Sprintf("%016x", highwayhash.Sum64([]byte(text), fingerprintKey))
}
