package flatten

import (
	"encoding/json"
	"strings"
)

// Kind distinguishes structural tags from value-carrying tags.
type Kind int

const (
	Node    Kind = 0
	DataTag Kind = 1
)

func (k Kind) String() string {
	if k == Node {
		return "node"
	}
	return "data"
}

// NodeValue is the placeholder value stored for Node entries.
const NodeValue = "__node__"

// Separator joins repeated values when a record is collapsed into one row.
const Separator = " | "

// Entry is one emitted tag.
type Entry struct {
	TagID int    `json:"tag_id"`
	Depth int    `json:"depth"`
	Value string `json:"value"`
	Kind  Kind   `json:"kind"`
}

// Record maps path keys to the entries sharing that key. Keys keep their
// insertion order; entries of one key keep encounter order.
type Record struct {
	keys    []string
	entries map[string][]Entry
}

// NewRecord creates an empty record.
func NewRecord() *Record {
	return &Record{entries: make(map[string][]Entry)}
}

// Len returns the number of distinct keys.
func (r *Record) Len() int { return len(r.keys) }

// Keys returns the keys in insertion order.
func (r *Record) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Get returns the entries stored under key.
func (r *Record) Get(key string) []Entry {
	return r.entries[key]
}

// Has reports whether key is present.
func (r *Record) Has(key string) bool {
	_, ok := r.entries[key]
	return ok
}

// Append adds an entry under key, creating the key if needed.
func (r *Record) Append(key string, e Entry) {
	if _, ok := r.entries[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.entries[key] = append(r.entries[key], e)
}

// Flat collapses the record into a single row: data values of a key are
// joined with Separator. A key without data entries is blanked, or dropped
// when dataOnly is set.
func (r *Record) Flat(dataOnly bool) ([]string, map[string]string) {
	cols := make([]string, 0, len(r.keys))
	row := make(map[string]string, len(r.keys))
	for _, key := range r.keys {
		var values []string
		for _, e := range r.entries[key] {
			if e.Kind == DataTag {
				values = append(values, e.Value)
			}
		}
		if len(values) == 0 && dataOnly {
			continue
		}
		cols = append(cols, key)
		row[key] = strings.Join(values, Separator)
	}
	return cols, row
}

type recordField struct {
	Key     string  `json:"key"`
	Entries []Entry `json:"entries"`
}

// MarshalJSON encodes the record as an ordered list of key/entries pairs.
func (r *Record) MarshalJSON() ([]byte, error) {
	fields := make([]recordField, len(r.keys))
	for i, key := range r.keys {
		fields[i] = recordField{Key: key, Entries: r.entries[key]}
	}
	return json.Marshal(fields)
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (r *Record) UnmarshalJSON(data []byte) error {
	var fields []recordField
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*r = Record{entries: make(map[string][]Entry, len(fields))}
	for _, f := range fields {
		for _, e := range f.Entries {
			r.Append(f.Key, e)
		}
	}
	return nil
}
