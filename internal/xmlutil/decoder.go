// Package xmlutil holds the XML decoder settings shared by the splitter and
// the flattener.
package xmlutil

import (
	"encoding/xml"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

// NewDecoder returns a strict decoder that understands the encodings named
// in common XML prologs (ISO-8859-1, windows-1252, ...).
func NewDecoder(r io.Reader) *xml.Decoder {
	dec := xml.NewDecoder(r)
	dec.Strict = true
	dec.CharsetReader = charset.NewReaderLabel
	return dec
}

// NewStringDecoder is NewDecoder over a string.
func NewStringDecoder(s string) *xml.Decoder {
	return NewDecoder(strings.NewReader(s))
}

// IsNamespaceDecl reports whether attr is an xmlns declaration rather than
// a data attribute.
func IsNamespaceDecl(attr xml.Attr) bool {
	return attr.Name.Space == "xmlns" || (attr.Name.Space == "" && attr.Name.Local == "xmlns")
}
