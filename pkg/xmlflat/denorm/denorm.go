// Package denorm materializes parsed documents of one type into a table,
// either one row per document or one row per repetition of a set of
// repeating tags.
package denorm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cognicore/xmlflat/pkg/xmlflat/flatten"
	"github.com/cognicore/xmlflat/pkg/xmlflat/forwardstar"
	"github.com/cognicore/xmlflat/pkg/xmlflat/store"
)

// Row maps a column key to its value.
type Row map[string]string

// Materializer reads committed documents from a store and writes output
// relations back to it.
type Materializer struct {
	store  store.Store
	logger zerolog.Logger
}

// New creates a Materializer.
func New(st store.Store, logger zerolog.Logger) *Materializer {
	return &Materializer{store: st, logger: logger}
}

// Materialize builds the table of typ and replaces its output relation.
// An empty repeating set selects simple mode.
func (m *Materializer) Materialize(ctx context.Context, typ string, repeating []string) (store.Table, error) {
	var (
		t   store.Table
		err error
	)
	if len(repeating) == 0 {
		t, err = m.Simple(ctx, typ)
	} else {
		t, err = m.Denormalized(ctx, typ, repeating)
	}
	if err != nil {
		return store.Table{}, err
	}
	if err := m.store.WriteOutput(ctx, typ, t); err != nil {
		return store.Table{}, fmt.Errorf("write output of type %s: %w", typ, err)
	}
	m.logger.Debug().Str("type", typ).Int("rows", len(t.Rows)).Strs("repeating", repeating).Msg("output materialized")
	return t, nil
}

// Simple returns one row per document of typ. Repeated values of a key are
// joined with flatten.Separator.
func (m *Materializer) Simple(ctx context.Context, typ string) (store.Table, error) {
	return m.build(ctx, typ, func(docID int, tags []store.TagRow) ([]Row, error) {
		return []Row{SimpleRow(tags)}, nil
	})
}

// Denormalized returns one row per repetition index of the repeating tags
// for each document of typ.
func (m *Materializer) Denormalized(ctx context.Context, typ string, repeating []string) (store.Table, error) {
	return m.build(ctx, typ, func(docID int, tags []store.TagRow) ([]Row, error) {
		data, err := m.store.Tree(ctx, docID)
		if err != nil {
			return nil, err
		}
		tree, err := forwardstar.FromData(data)
		if err != nil {
			return nil, fmt.Errorf("load forward star of document %d: %w", docID, err)
		}
		return Document(tags, tree, repeating)
	})
}

func (m *Materializer) build(ctx context.Context, typ string, rowsOf func(int, []store.TagRow) ([]Row, error)) (store.Table, error) {
	cols, err := m.store.TypeColumns(ctx, typ)
	if err != nil {
		return store.Table{}, fmt.Errorf("columns of type %s: %w", typ, err)
	}
	ids, err := m.store.DocIDsByType(ctx, typ)
	if err != nil {
		return store.Table{}, fmt.Errorf("documents of type %s: %w", typ, err)
	}

	t := store.Table{Columns: cols}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return store.Table{}, err
		}
		tags, err := m.store.TagRows(ctx, id)
		if err != nil {
			return store.Table{}, fmt.Errorf("tags of document %d: %w", id, err)
		}
		rows, err := rowsOf(id, tags)
		if err != nil {
			return store.Table{}, fmt.Errorf("document %d: %w", id, err)
		}
		for _, r := range rows {
			t.Rows = append(t.Rows, r.Project(cols))
		}
	}
	return t, nil
}

// Project returns the values of cols in order, blank where r has no value.
func (r Row) Project(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = r[c]
	}
	return out
}

// SimpleRow collapses the tags of one document into a single row.
func SimpleRow(tags []store.TagRow) Row {
	sorted := append([]store.TagRow(nil), tags...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Key != sorted[j].Key {
			return sorted[i].Order < sorted[j].Order
		}
		return sorted[i].Repetition < sorted[j].Repetition
	})

	values := make(map[string][]string)
	for _, t := range sorted {
		if t.Kind != store.KindDataTag {
			continue
		}
		values[t.Key] = append(values[t.Key], t.Value)
	}
	row := make(Row, len(values))
	for k, v := range values {
		row[k] = strings.Join(v, flatten.Separator)
	}
	return row
}

// Document expands one document into rows. Each repetition index of the
// entries matching repeating starts a row; the row takes the repeating
// values of that index plus the nearest non-repeating context found by
// walking the tree from each entry up to the root. A document without
// repeating entries yields a single row filled from the root.
func Document(tags []store.TagRow, tree *forwardstar.ForwardStar[int], repeating []string) ([]Row, error) {
	byID := make(map[int]store.TagRow, len(tags))
	var entries []store.TagRow
	claimed := make(map[int]bool)
	for _, t := range tags {
		byID[t.TagID] = t
		if Matches(t.Key, repeating) {
			entries = append(entries, t)
			claimed[t.TagID] = true
		}
	}

	f := &filler{tree: tree, byID: byID, claimed: claimed}
	if len(entries) == 0 {
		row := make(Row)
		if t, ok := byID[tree.Root()]; ok && t.Kind == store.KindDataTag {
			row[t.Key] = t.Value
		}
		if err := f.fill(row, tree.Root()); err != nil {
			return nil, err
		}
		return []Row{row}, nil
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Repetition != entries[j].Repetition {
			return entries[i].Repetition < entries[j].Repetition
		}
		return entries[i].TagID < entries[j].TagID
	})

	var rows []Row
	var row Row
	current := -1
	for _, e := range entries {
		if e.Repetition != current {
			if row != nil {
				rows = append(rows, row)
			}
			row = make(Row)
			current = e.Repetition
		}
		if e.Kind == store.KindDataTag {
			row[e.Key] = e.Value
		}
		if err := f.fill(row, e.TagID); err != nil {
			return nil, err
		}
	}
	rows = append(rows, row)
	return rows, nil
}

// Matches reports whether key is one of the repeating tags, either as a
// full path key or as its last path segment.
func Matches(key string, repeating []string) bool {
	leaf := key
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		leaf = key[i+1:]
	}
	for _, r := range repeating {
		if r == key || r == leaf {
			return true
		}
	}
	return false
}

type filler struct {
	tree    *forwardstar.ForwardStar[int]
	byID    map[int]store.TagRow
	claimed map[int]bool
}

// fill writes into row every DataTag reachable from start: first its own
// subtree, then the subtrees of its ancestors, nearest first. Subtrees of
// claimed tags are skipped and columns already set are kept.
func (f *filler) fill(row Row, start int) error {
	if err := f.subtree(row, start, -1); err != nil {
		return err
	}
	ancestors, err := f.tree.VisitNodeAncestors(start)
	if err != nil {
		return err
	}
	for parent, from := range ancestors {
		if err := f.subtree(row, parent, from); err != nil {
			return err
		}
	}
	return nil
}

// subtree fills from the descendants of root, skipping the already visited
// branch rooted at done.
func (f *filler) subtree(row Row, root, done int) error {
	seq, err := f.tree.VisitNodeDescendants(root)
	if err != nil {
		return err
	}
	pruned := make(map[int]bool)
	for parent, child := range seq {
		if pruned[parent] || child == done || f.claimed[child] {
			pruned[child] = true
			continue
		}
		t, ok := f.byID[child]
		if !ok || t.Kind != store.KindDataTag {
			continue
		}
		if _, set := row[t.Key]; !set {
			row[t.Key] = t.Value
		}
	}
	return nil
}
