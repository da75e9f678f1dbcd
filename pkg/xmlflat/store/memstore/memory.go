package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cognicore/xmlflat/pkg/xmlflat/forwardstar"
	"github.com/cognicore/xmlflat/pkg/xmlflat/internalerr"
	"github.com/cognicore/xmlflat/pkg/xmlflat/store"
)

// Store is an in-memory implementation of store.Store for tests and dry runs.
type Store struct {
	mu sync.RWMutex

	// committed state
	docs    map[int]store.Document
	parsed  map[int]store.ParsedDocument
	logs    []store.LogEntry
	meta    map[string]string
	outputs map[string]store.Table

	// write buffer
	pendingDocs   []store.Document
	pendingParsed []store.ParsedDocument
	pendingLogs   []store.LogEntry
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		docs:    make(map[int]store.Document),
		parsed:  make(map[int]store.ParsedDocument),
		meta:    make(map[string]string),
		outputs: make(map[string]store.Table),
	}
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

// StoreDocument implements store.Store.
func (s *Store) StoreDocument(ctx context.Context, d store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingDocs = append(s.pendingDocs, d)
	return nil
}

// StoreParsed implements store.Store.
func (s *Store) StoreParsed(ctx context.Context, p store.ParsedDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingParsed = append(s.pendingParsed, p)
	return nil
}

// Log implements store.Store.
func (s *Store) Log(ctx context.Context, e store.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingLogs = append(s.pendingLogs, e)
	return nil
}

// Commit moves buffered writes into the committed state. A cancelled
// context drops the buffer and commits nothing.
func (s *Store) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.reset()

	if err := ctx.Err(); err != nil {
		return err
	}
	for _, d := range s.pendingDocs {
		s.docs[d.ID] = d
	}
	for _, p := range s.pendingParsed {
		p.Tags = append([]store.TagRow(nil), p.Tags...)
		s.parsed[p.DocID] = p
	}
	s.logs = append(s.logs, s.pendingLogs...)
	return nil
}

// Discard implements store.Store.
func (s *Store) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *Store) reset() {
	s.pendingDocs, s.pendingParsed, s.pendingLogs = nil, nil, nil
}

// TruncateDocuments implements store.Store.
func (s *Store) TruncateDocuments(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make(map[int]store.Document)
	s.pendingDocs = nil
	return nil
}

// TruncateParsed implements store.Store.
func (s *Store) TruncateParsed(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parsed = make(map[int]store.ParsedDocument)
	s.outputs = make(map[string]store.Table)
	s.pendingParsed = nil
	return nil
}

// TruncateProcessLog implements store.Store.
func (s *Store) TruncateProcessLog(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = nil
	s.pendingLogs = nil
	return nil
}

// CreateIndices is a no-op; maps are the index.
func (s *Store) CreateIndices(ctx context.Context, group store.IndexGroup) error { return nil }

// SetMeta implements store.Store.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

// Meta implements store.Store.
func (s *Store) Meta(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.meta[key]
	return v, ok, nil
}

// ProcessLog implements store.Store.
func (s *Store) ProcessLog(ctx context.Context, level store.LogLevel, docID int) ([]store.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.LogEntry
	for _, e := range s.logs {
		if level != store.LogAll && e.Level != level {
			continue
		}
		if docID > 0 && e.DocID != docID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Document implements store.Store.
func (s *Store) Document(ctx context.Context, id int) (store.Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	return d, ok, nil
}

// Documents implements store.Store.
func (s *Store) Documents(ctx context.Context, validity store.Validity) ([]store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Document
	for _, d := range s.docs {
		if validity == store.ValidityAll || d.Validity == validity {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DocumentCount implements store.Store.
func (s *Store) DocumentCount(ctx context.Context, validity store.Validity) (int, error) {
	docs, err := s.Documents(ctx, validity)
	return len(docs), err
}

// Parsed implements store.Store.
func (s *Store) Parsed(ctx context.Context, docID int) (store.ParsedDocument, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parsed[docID]
	if !ok {
		return store.ParsedDocument{}, false, nil
	}
	p.Tags = nil
	p.Tree = forwardstar.Data[int]{}
	return p, true, nil
}

// TagRows implements store.Store.
func (s *Store) TagRows(ctx context.Context, docID int) ([]store.TagRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parsed[docID]
	if !ok {
		return nil, nil
	}
	out := make([]store.TagRow, len(p.Tags))
	for i, r := range p.Tags {
		r.DocID = p.DocID
		r.Type = p.Type
		out[i] = r
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TagID < out[j].TagID })
	return out, nil
}

// Tree implements store.Store.
func (s *Store) Tree(ctx context.Context, docID int) (forwardstar.Data[int], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.parsed[docID]
	if !ok {
		return forwardstar.Data[int]{}, fmt.Errorf("forward star of document %d: %w", docID, internalerr.ErrNotFound)
	}
	return p.Tree, nil
}

// sortedParsed returns committed parsed documents ordered by doc id.
func (s *Store) sortedParsed() []store.ParsedDocument {
	out := make([]store.ParsedDocument, 0, len(s.parsed))
	for _, p := range s.parsed {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	return out
}

// Types implements store.Store.
func (s *Store) Types(ctx context.Context) ([]string, error) {
	overview, err := s.TypeOverview(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(overview))
	for i, tc := range overview {
		out[i] = tc.Type
	}
	return out, nil
}

// TypeOverview implements store.Store.
func (s *Store) TypeOverview(ctx context.Context) ([]store.TypeCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := make(map[string]int)
	var out []store.TypeCount
	for _, p := range s.sortedParsed() {
		i, ok := idx[p.Type]
		if !ok {
			i = len(out)
			idx[p.Type] = i
			out = append(out, store.TypeCount{Type: p.Type})
		}
		out[i].Docs++
	}
	return out, nil
}

// TypeColumns implements store.Store.
func (s *Store) TypeColumns(ctx context.Context, typ string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var cols []string
	for _, p := range s.sortedParsed() {
		if p.Type != typ {
			continue
		}
		tags := append([]store.TagRow(nil), p.Tags...)
		sort.SliceStable(tags, func(i, j int) bool { return tags[i].Order < tags[j].Order })
		for _, r := range tags {
			if r.Kind != store.KindDataTag {
				continue
			}
			if _, ok := seen[r.Key]; ok {
				continue
			}
			seen[r.Key] = struct{}{}
			cols = append(cols, r.Key)
		}
	}
	return cols, nil
}

// TypeTagStats implements store.Store.
func (s *Store) TypeTagStats(ctx context.Context, typ string) ([]store.TagStat, error) {
	cols, err := s.TypeColumns(ctx, typ)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type acc struct {
		maxDepth, maxN, minN, sum, docs int
	}
	stats := make(map[string]*acc)
	for _, p := range s.sortedParsed() {
		if p.Type != typ {
			continue
		}
		counts := make(map[string]int)
		depths := make(map[string]int)
		for _, r := range p.Tags {
			if r.Kind != store.KindDataTag {
				continue
			}
			counts[r.Key]++
			if r.Depth > depths[r.Key] {
				depths[r.Key] = r.Depth
			}
		}
		for key, n := range counts {
			a, ok := stats[key]
			if !ok {
				a = &acc{minN: n}
				stats[key] = a
			}
			if depths[key] > a.maxDepth {
				a.maxDepth = depths[key]
			}
			if n > a.maxN {
				a.maxN = n
			}
			if n < a.minN {
				a.minN = n
			}
			a.sum += n
			a.docs++
		}
	}

	out := make([]store.TagStat, 0, len(cols))
	for _, c := range cols {
		a := stats[c]
		out = append(out, store.TagStat{
			Key:      c,
			MaxDepth: a.maxDepth,
			MaxCount: a.maxN,
			MinCount: a.minN,
			AvgCount: float64(a.sum) / float64(a.docs),
		})
	}
	return out, nil
}

// DocIDsByType implements store.Store.
func (s *Store) DocIDsByType(ctx context.Context, typ string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int
	for _, p := range s.sortedParsed() {
		if p.Type == typ {
			ids = append(ids, p.DocID)
		}
	}
	return ids, nil
}

// WriteOutput implements store.Store.
func (s *Store) WriteOutput(ctx context.Context, typ string, t store.Table) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := store.Table{Columns: append([]string(nil), t.Columns...)}
	for _, row := range t.Rows {
		cp.Rows = append(cp.Rows, append([]string(nil), row...))
	}
	s.outputs[typ] = cp
	return nil
}

// Output implements store.Store.
func (s *Store) Output(ctx context.Context, typ string) (store.Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.outputs[typ]
	if !ok {
		return store.Table{}, fmt.Errorf("output of type %s: %w", typ, internalerr.ErrNotFound)
	}
	return t, nil
}
